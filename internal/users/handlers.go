package users

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shareandsave/marketplace/internal/auth"
	"github.com/shareandsave/marketplace/internal/logging"
)

// Handler provides HTTP endpoints for accounts
type Handler struct {
	service *Service
}

// NewHandler creates a new users handler
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up public account endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
	r.GET("/users/:id", h.GetUser)
}

// RegisterProtectedRoutes sets up endpoints for the authenticated user
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.GetMe)
	r.PATCH("/me", h.UpdateMe)
}

// Register creates an account.
// POST /v1/auth/register
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'email' and 'password'",
		})
		return
	}

	u, key, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":    u,
		"api_key": key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// LoginRequest is the body for Login
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges credentials for a new API key.
// POST /v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'email' and 'password'",
		})
		return
	}

	u, key, err := h.service.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": u, "api_key": key})
}

// GetMe returns the authenticated account.
// GET /v1/me
func (h *Handler) GetMe(c *gin.Context) {
	u, err := h.service.Get(c.Request.Context(), auth.GetAuthenticatedUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// UpdateMe changes the authenticated account's profile.
// PATCH /v1/me
func (h *Handler) UpdateMe(c *gin.Context) {
	var req ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON object",
		})
		return
	}

	u, err := h.service.UpdateProfile(c.Request.Context(), auth.GetAuthenticatedUser(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// GetUser returns a public view of an account.
// GET /v1/users/:id
func (h *Handler) GetUser(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "User id must be a positive integer",
		})
		return
	}

	u, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           u.ID,
		"display_name": u.DisplayName,
		"bio":          u.Bio,
		"created_at":   u.CreatedAt,
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken", "message": "Email is already registered"})
	case errors.Is(err, ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials", "message": "Invalid email or password"})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
	default:
		logging.L(c.Request.Context()).Error("users request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
