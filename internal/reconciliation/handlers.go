package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shareandsave/marketplace/internal/logging"
)

// Handler exposes reconciliation to admins
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up admin-only endpoints
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconcile", h.Reconcile)
}

// Reconcile runs a check now and returns the report. With ?cached=true it
// returns the timer's last report instead.
// GET /v1/admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	if c.Query("cached") == "true" {
		if last := h.service.Last(); last != nil {
			c.JSON(http.StatusOK, last)
			return
		}
	}

	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": "Reconciliation could not complete",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}
