package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
	"github.com/bruno-dias18/rivvlock-sub001/internal/auth"
	"github.com/bruno-dias18/rivvlock-sub001/internal/logging"
	"github.com/bruno-dias18/rivvlock-sub001/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up dispute routes. Every route needs an actor.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/disputes", h.CreateDispute)
	r.GET("/transactions/:id/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/replies", h.RecordReply)
	r.POST("/disputes/:id/escalate", h.ForceEscalate)
}

// CreateRequest is the body of POST /v1/transactions/:id/disputes.
type CreateRequest struct {
	Reason string `json:"reason"`
}

// CreateDispute handles POST /v1/transactions/:id/disputes
func (h *Handler) CreateDispute(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, MaxReasonLength),
	)) {
		return
	}

	reason := validation.Clean(req.Reason, MaxReasonLength)
	d, err := h.service.CreateDispute(c.Request.Context(), c.Param("id"), auth.Actor(c), reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/transactions/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.service.ListByTransaction(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// RecordReply handles POST /v1/disputes/:id/replies
func (h *Handler) RecordReply(c *gin.Context) {
	d, err := h.service.RecordReply(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ForceEscalate handles POST /v1/disputes/:id/escalate
func (h *Handler) ForceEscalate(c *gin.Context) {
	d, err := h.service.ForceEscalate(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func respondError(c *gin.Context, err error) {
	status, code, message := apperror.Response(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("dispute request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": message,
	})
}
