package notifications

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shareandsave/marketplace/internal/auth"
	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/pagination"
)

// Handler provides HTTP endpoints for the notification feed
type Handler struct {
	service *Service
}

// NewHandler creates a new notifications handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up feed endpoints. Every route acts on the
// caller's own notices.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
	r.GET("/notifications/unread_count", h.UnreadCount)
	r.POST("/notifications/mark_all_read", h.MarkAllRead)
	r.POST("/notifications/:id/mark_read", h.MarkRead)
}

// List returns the caller's feed.
// GET /v1/notifications?unread=&cursor=&limit=
func (h *Handler) List(c *gin.Context) {
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

	items, err := h.service.List(c.Request.Context(), auth.GetAuthenticatedUser(c), c.Query("unread") == "true", cursor, limit+1)
	if err != nil {
		internalError(c, err)
		return
	}

	page, next, more := pagination.ComputePage(items, limit, func(n *Notification) (time.Time, int64) {
		return n.CreatedAt, n.ID
	})
	if page == nil {
		page = []*Notification{}
	}

	resp := gin.H{
		"notifications": page,
		"count":         len(page),
		"has_more":      more,
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// UnreadCount returns the caller's unread total.
// GET /v1/notifications/unread_count
func (h *Handler) UnreadCount(c *gin.Context) {
	count, err := h.service.UnreadCount(c.Request.Context(), auth.GetAuthenticatedUser(c))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

// MarkRead flags one notice as read.
// POST /v1/notifications/:id/mark_read
func (h *Handler) MarkRead(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_notification_id",
			"message": "Notification id must be a positive integer",
		})
		return
	}
	err = h.service.MarkRead(c.Request.Context(), auth.GetAuthenticatedUser(c), id)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Notification not found"})
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// MarkAllRead flags every unread notice as read.
// POST /v1/notifications/mark_all_read
func (h *Handler) MarkAllRead(c *gin.Context) {
	marked, err := h.service.MarkAllRead(c.Request.Context(), auth.GetAuthenticatedUser(c))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "marked": marked})
}

func internalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("notification request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
}
