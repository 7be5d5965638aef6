package requests

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shareandsave/marketplace/internal/auth"
	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/txn"
)

// Handler provides HTTP endpoints for the request board
type Handler struct {
	service *Service
}

// NewHandler creates a new request board handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public request board endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/requests", h.List)
	r.GET("/requests/:id", h.Get)
}

// RegisterProtectedRoutes sets up endpoints that need an authenticated user
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/requests", h.Create)
	r.PATCH("/requests/:id", h.Update)
	r.DELETE("/requests/:id", h.Delete)
	r.POST("/requests/:id/fulfill", h.Fulfill)
	r.GET("/me/requests", h.ListMine)
}

// Create posts a request.
// POST /v1/requests
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'title' and 'category'",
		})
		return
	}
	r, err := h.service.Create(c.Request.Context(), auth.GetAuthenticatedUser(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// Get returns one request.
// GET /v1/requests/:id
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseRequestID(c)
	if !ok {
		return
	}
	r, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// Update edits the caller's active request.
// PATCH /v1/requests/:id
func (h *Handler) Update(c *gin.Context) {
	id, ok := parseRequestID(c)
	if !ok {
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON object",
		})
		return
	}
	r, err := h.service.Update(c.Request.Context(), id, auth.GetAuthenticatedUser(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// Fulfill closes the caller's request.
// POST /v1/requests/:id/fulfill
func (h *Handler) Fulfill(c *gin.Context) {
	id, ok := parseRequestID(c)
	if !ok {
		return
	}
	r, err := h.service.Fulfill(c.Request.Context(), id, auth.GetAuthenticatedUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// Delete removes the caller's request.
// DELETE /v1/requests/:id
func (h *Handler) Delete(c *gin.Context) {
	id, ok := parseRequestID(c)
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), id, auth.GetAuthenticatedUser(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Request deleted", "request_id": id})
}

// List returns requests, newest first. Only active requests are shown
// unless status is given.
// GET /v1/requests?status=&category=&user_id=&cursor=&limit=
func (h *Handler) List(c *gin.Context) {
	f := Filter{Status: StatusActive}
	switch s := Status(c.Query("status")); s {
	case "":
	case StatusActive, StatusFulfilled:
		f.Status = s
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be one of: active, fulfilled",
		})
		return
	}
	if raw := c.Query("category"); raw != "" {
		f.Category = Category(raw)
	}
	if raw := c.Query("user_id"); raw != "" {
		uid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || uid <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "user_id must be a positive integer",
			})
			return
		}
		f.UserID = uid
	}
	h.writePage(c, f)
}

// ListMine returns every request the caller has posted.
// GET /v1/me/requests?cursor=&limit=
func (h *Handler) ListMine(c *gin.Context) {
	h.writePage(c, Filter{UserID: auth.GetAuthenticatedUser(c)})
}

func (h *Handler) writePage(c *gin.Context, f Filter) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	limit = pagination.ClampLimit(limit)

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	items, err := h.service.List(c.Request.Context(), f, cursor, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}

	page, next, more := pagination.ComputePage(items, limit, func(r *Request) (time.Time, int64) {
		return r.CreatedAt, r.ID
	})
	if page == nil {
		page = []*Request{}
	}

	resp := gin.H{
		"requests": page,
		"count":    len(page),
		"has_more": more,
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func parseRequestID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request_id",
			"message": "Request id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Request not found"})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_owner", "message": "Only the author can change this request"})
	case errors.Is(err, ErrFulfilled):
		c.JSON(http.StatusConflict, gin.H{"error": "already_fulfilled", "message": "Request has already been fulfilled"})
	case txn.IsRetryable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again", "message": "Request is busy, please retry"})
	default:
		logging.L(c.Request.Context()).Error("request board call failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
