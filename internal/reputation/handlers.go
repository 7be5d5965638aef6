package reputation

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shareandsave/marketplace/internal/auth"
	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/validation"
)

const (
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 100
	maxCommentLength        = 200
)

// Handler provides HTTP endpoints for reputation
type Handler struct {
	engine *Engine
	store  Store
}

// NewHandler creates a new reputation handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine, store: engine.Store()}
}

// RegisterRoutes sets up public reputation endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/reputation", h.GetPublicReputation)
	r.GET("/reputation/leaderboard", h.GetLeaderboard)
}

// RegisterProtectedRoutes sets up endpoints that need an authenticated user
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me/reputation", h.GetMyReputation)
	r.GET("/me/reputation/history", h.GetMyHistory)
	r.POST("/users/:id/feedback", h.GiveFeedback)
}

// RegisterAdminRoutes sets up admin-only endpoints
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reputation/adjust", h.Adjust)
}

// GetMyReputation returns the caller's full reputation summary.
// GET /v1/me/reputation
func (h *Handler) GetMyReputation(c *gin.Context) {
	state, err := h.store.GetState(c.Request.Context(), auth.GetAuthenticatedUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Summarize(state))
}

// GetPublicReputation returns any user's reputation without raw counters.
// GET /v1/users/:id/reputation
func (h *Handler) GetPublicReputation(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	state, err := h.store.GetState(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Public(state))
}

// GetMyHistory returns the caller's ledger entries, newest first.
// GET /v1/me/reputation/history?cursor=&limit=
func (h *Handler) GetMyHistory(c *gin.Context) {
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

	entries, err := h.store.ListEntries(c.Request.Context(), auth.GetAuthenticatedUser(c), cursor, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}

	page, next, more := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, int64) {
		return e.CreatedAt, e.ID
	})
	if page == nil {
		page = []*Entry{}
	}

	resp := gin.H{
		"entries":  page,
		"count":    len(page),
		"has_more": more,
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// FeedbackRequest is the body for member feedback
type FeedbackRequest struct {
	Positive *bool  `json:"positive" binding:"required"`
	Comment  string `json:"comment"`
}

// GiveFeedback awards positive or negative feedback to another member.
// POST /v1/users/:id/feedback
func (h *Handler) GiveFeedback(c *gin.Context) {
	target, ok := parseUserID(c)
	if !ok {
		return
	}

	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'positive' (bool)",
		})
		return
	}

	if target == auth.GetAuthenticatedUser(c) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "self_feedback",
			"message": "You cannot leave feedback for yourself",
		})
		return
	}

	action, desc := ActionNegativeFeedback, "Received negative feedback"
	if *req.Positive {
		action, desc = ActionPositiveFeedback, "Received positive feedback"
	}
	if comment := validation.SanitizeString(req.Comment, maxCommentLength); comment != "" {
		desc = fmt.Sprintf("%s: %s", desc, comment)
	}

	state, err := h.engine.Apply(c.Request.Context(), NewAward(target, action, desc))
	if err != nil {
		writeError(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("feedback recorded", "target", target, "action", action)
	c.JSON(http.StatusCreated, gin.H{
		"user_id":          target,
		"action":           action,
		"points":           PointsFor(action),
		"reputation_level": Level(state.ReputationPoints),
	})
}

// AdjustRequest is the body for manual adjustments
type AdjustRequest struct {
	UserID      int64  `json:"user_id" binding:"required"`
	Action      string `json:"action" binding:"required"`
	Points      *int   `json:"points"`
	Description string `json:"description" binding:"required"`
}

// Adjust awards a bespoke amount through the engine. Points default to
// the catalog value for the action.
// POST /v1/admin/reputation/adjust
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'user_id', 'action' and 'description'",
		})
		return
	}

	award := NewAward(req.UserID, ActionKind(req.Action), req.Description)
	if req.Points != nil {
		award.Points = *req.Points
	}

	state, err := h.engine.Apply(c.Request.Context(), award)
	if err != nil {
		writeError(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("manual reputation adjustment",
		"target", req.UserID, "action", req.Action, "points", award.Points)
	c.JSON(http.StatusOK, gin.H{
		"user_id":    req.UserID,
		"points":     award.Points,
		"reputation": Summarize(state),
	})
}

// LeaderboardEntry is one row of the leaderboard
type LeaderboardEntry struct {
	Rank             int     `json:"rank"`
	UserID           int64   `json:"user_id"`
	ReputationPoints int     `json:"reputation_points"`
	ReputationLevel  string  `json:"reputation_level"`
	TrustScore       float64 `json:"trust_score"`
}

// GetLeaderboard returns the top members by points.
// GET /v1/reputation/leaderboard?limit=
func (h *Handler) GetLeaderboard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	if limit > MaxLeaderboardLimit {
		limit = MaxLeaderboardLimit
	}

	states, err := h.store.Top(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	rows := make([]LeaderboardEntry, len(states))
	for i, s := range states {
		rows[i] = LeaderboardEntry{
			Rank:             i + 1,
			UserID:           s.UserID,
			ReputationPoints: s.ReputationPoints,
			ReputationLevel:  Level(s.ReputationPoints),
			TrustScore:       RoundTrust(TrustScore(s)),
		}
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": rows, "count": len(rows)})
}

func parseUserID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "User id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

// writeError maps engine and store errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
	case errors.Is(err, ErrTransientFailure):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again", "message": "Reputation is busy, please retry"})
	default:
		logging.L(c.Request.Context()).Error("reputation request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
