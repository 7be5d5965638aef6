package chat

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

// Handler provides HTTP endpoints for chat
type Handler struct {
	service *Service
}

// NewHandler creates a new chat handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up chat endpoints. All of them need an
// authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/chat/rooms", h.OpenRoom)
	r.GET("/chat/rooms", h.ListRooms)
	r.POST("/chat/rooms/:id/messages", h.Send)
	r.GET("/chat/rooms/:id/messages", h.ListMessages)
	r.POST("/chat/rooms/:id/read", h.MarkRead)
}

// OpenRoomRequest is the body for OpenRoom
type OpenRoomRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	ListingID *int64 `json:"listing_id"`
}

// OpenRoom returns the caller's room with another member, creating it if needed.
// POST /v1/chat/rooms
func (h *Handler) OpenRoom(c *gin.Context) {
	var req OpenRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'user_id'",
		})
		return
	}
	room, err := h.service.GetOrCreateRoom(c.Request.Context(), auth.GetAuthenticatedUser(c), req.UserID, req.ListingID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// ListRooms returns the caller's rooms.
// GET /v1/chat/rooms
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.service.Rooms(c.Request.Context(), auth.GetAuthenticatedUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms, "count": len(rooms)})
}

// SendRequest is the body for Send
type SendRequest struct {
	Content string `json:"content" binding:"required"`
}

// Send posts a message to a room.
// POST /v1/chat/rooms/:id/messages
func (h *Handler) Send(c *gin.Context) {
	roomID, ok := parseRoomID(c)
	if !ok {
		return
	}
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'content'",
		})
		return
	}
	msg, err := h.service.Send(c.Request.Context(), roomID, auth.GetAuthenticatedUser(c), req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListMessages returns a room's messages, newest first.
// GET /v1/chat/rooms/:id/messages?cursor=&limit=
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, ok := parseRoomID(c)
	if !ok {
		return
	}
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

	msgs, err := h.service.Messages(c.Request.Context(), roomID, auth.GetAuthenticatedUser(c), cursor, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}

	page, next, more := pagination.ComputePage(msgs, limit, func(m *Message) (time.Time, int64) {
		return m.CreatedAt, m.ID
	})
	if page == nil {
		page = []*Message{}
	}

	resp := gin.H{
		"messages": page,
		"count":    len(page),
		"has_more": more,
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// MarkRead marks the other participant's messages as read.
// POST /v1/chat/rooms/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	roomID, ok := parseRoomID(c)
	if !ok {
		return
	}
	n, err := h.service.MarkRead(c.Request.Context(), roomID, auth.GetAuthenticatedUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked_read": n})
}

func parseRoomID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_room_id",
			"message": "Room id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, ErrSelfChat):
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_chat", "message": "Cannot create chat with yourself"})
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
	case errors.Is(err, ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found", "message": "Chat room not found"})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You are not a participant in this chat room"})
	default:
		logging.L(c.Request.Context()).Error("chat request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
