package listings

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shareandsave/marketplace/internal/auth"
	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/reputation"
	"github.com/shareandsave/marketplace/internal/txn"
)

// Handler provides HTTP endpoints for listings
type Handler struct {
	service *Service
}

// NewHandler creates a new listings handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public listing endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings", h.List)
	r.GET("/listings/:id", h.Get)
}

// RegisterProtectedRoutes sets up endpoints that need an authenticated user
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.Create)
	r.PATCH("/listings/:id", h.Update)
	r.DELETE("/listings/:id", h.Delete)
	r.POST("/listings/:id/claim", h.Claim)
	r.POST("/listings/:id/unavailable", h.MarkUnavailable)
	r.GET("/me/listings", h.ListMine)
}

// Create shares a new item.
// POST /v1/listings
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'kind' and 'title'",
		})
		return
	}

	l, err := h.service.Create(c.Request.Context(), auth.GetAuthenticatedUser(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

// Get returns one listing.
// GET /v1/listings/:id
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseListingID(c)
	if !ok {
		return
	}
	l, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// Update edits the caller's unclaimed listing.
// PATCH /v1/listings/:id
func (h *Handler) Update(c *gin.Context) {
	id, ok := parseListingID(c)
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
	l, err := h.service.Update(c.Request.Context(), id, auth.GetAuthenticatedUser(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// Delete removes the caller's unclaimed listing.
// DELETE /v1/listings/:id
func (h *Handler) Delete(c *gin.Context) {
	id, ok := parseListingID(c)
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), id, auth.GetAuthenticatedUser(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Listing deleted", "listing_id": id})
}

// MarkUnavailable withdraws the caller's listing.
// POST /v1/listings/:id/unavailable
func (h *Handler) MarkUnavailable(c *gin.Context) {
	id, ok := parseListingID(c)
	if !ok {
		return
	}
	l, err := h.service.MarkUnavailable(c.Request.Context(), id, auth.GetAuthenticatedUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// Claim takes an available listing.
// POST /v1/listings/:id/claim
func (h *Handler) Claim(c *gin.Context) {
	id, ok := parseListingID(c)
	if !ok {
		return
	}
	l, err := h.service.Claim(c.Request.Context(), id, auth.GetAuthenticatedUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// List returns listings, newest first. Only available listings are shown
// unless include_claimed=true.
// GET /v1/listings?owner_id=&include_claimed=&cursor=&limit=
func (h *Handler) List(c *gin.Context) {
	f := Filter{AvailableOnly: c.Query("include_claimed") != "true"}
	if raw := c.Query("owner_id"); raw != "" {
		owner, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || owner <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_owner_id",
				"message": "owner_id must be a positive integer",
			})
			return
		}
		f.OwnerID = owner
	}
	h.writePage(c, f)
}

// ListMine returns the caller's listings, claimed ones included.
// GET /v1/me/listings?cursor=&limit=
func (h *Handler) ListMine(c *gin.Context) {
	h.writePage(c, Filter{OwnerID: auth.GetAuthenticatedUser(c)})
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

	page, next, more := pagination.ComputePage(items, limit, func(l *Listing) (time.Time, int64) {
		return l.CreatedAt, l.ID
	})
	if page == nil {
		page = []*Listing{}
	}

	resp := gin.H{
		"listings": page,
		"count":    len(page),
		"has_more": more,
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func parseListingID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_listing_id",
			"message": "Listing id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, reputation.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
	case errors.Is(err, reputation.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
	case errors.Is(err, ErrOwnListing):
		c.JSON(http.StatusBadRequest, gin.H{"error": "own_listing", "message": "You cannot claim your own listing"})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_owner", "message": "Only the owner can change this listing"})
	case errors.Is(err, ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_claimed", "message": "Listing has already been claimed"})
	case errors.Is(err, ErrUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "unavailable", "message": "Listing is no longer available"})
	case errors.Is(err, reputation.ErrConflict), errors.Is(err, reputation.ErrTransientFailure), txn.IsRetryable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again", "message": "Listing is busy, please retry"})
	default:
		logging.L(c.Request.Context()).Error("listing request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
