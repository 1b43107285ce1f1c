package negotiation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
	"github.com/bruno-dias18/rivvlock-sub001/internal/auth"
	"github.com/bruno-dias18/rivvlock-sub001/internal/logging"
	"github.com/bruno-dias18/rivvlock-sub001/internal/validation"
)

// Handler provides HTTP endpoints for the proposal protocol.
type Handler struct {
	service *Service
}

// NewHandler creates a new negotiation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up proposal routes. Every route needs an actor.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/proposals", h.CreateProposal)
	r.GET("/disputes/:id/proposals", h.ListProposals)
	r.GET("/proposals/:id", h.GetProposal)
	r.POST("/proposals/:id/accept", h.AcceptProposal)
	r.POST("/proposals/:id/reject", h.RejectProposal)
	r.POST("/proposals/:id/validate", h.ValidateProposal)
	r.POST("/proposals/:id/execute", h.ExecuteImmediately)
	r.POST("/proposals/:id/retry", h.RetrySettlement)
}

// CreateProposal handles POST /v1/disputes/:id/proposals
func (h *Handler) CreateProposal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if validation.Abort(c, validation.Validate(validation.MaxLength("message", req.Message, MaxMessageLength))) {
		return
	}
	req.Message = validation.Clean(req.Message, MaxMessageLength)

	p, err := h.service.CreateProposal(c.Request.Context(), c.Param("id"), auth.Actor(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": p})
}

// ListProposals handles GET /v1/disputes/:id/proposals
func (h *Handler) ListProposals(c *gin.Context) {
	proposals, err := h.service.ListByDispute(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals, "count": len(proposals)})
}

// GetProposal handles GET /v1/proposals/:id
func (h *Handler) GetProposal(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// AcceptProposal handles POST /v1/proposals/:id/accept
func (h *Handler) AcceptProposal(c *gin.Context) {
	res, err := h.service.AcceptProposal(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RejectProposal handles POST /v1/proposals/:id/reject
func (h *Handler) RejectProposal(c *gin.Context) {
	p, err := h.service.RejectProposal(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// ValidateRequest is the body of POST /v1/proposals/:id/validate.
type ValidateRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

// ValidateProposal handles POST /v1/proposals/:id/validate
func (h *Handler) ValidateProposal(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	both, res, err := h.service.ValidateArbitrationProposal(c.Request.Context(), c.Param("id"), auth.Actor(c), *req.Accept)
	if err != nil {
		respondError(c, err)
		return
	}
	body := gin.H{"bothValidated": both, "proposal": res.Proposal}
	if res.Settlement != nil {
		body["settlement"] = res.Settlement
	}
	c.JSON(http.StatusOK, body)
}

// ExecuteRequest is the body of POST /v1/proposals/:id/execute.
type ExecuteRequest struct {
	Reason string `json:"reason"`
}

// ExecuteImmediately handles POST /v1/proposals/:id/execute
func (h *Handler) ExecuteImmediately(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, MaxMessageLength),
	)) {
		return
	}
	req.Reason = validation.Clean(req.Reason, MaxMessageLength)

	res, err := h.service.ExecuteImmediately(c.Request.Context(), c.Param("id"), auth.Actor(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RetrySettlement handles POST /v1/proposals/:id/retry
func (h *Handler) RetrySettlement(c *gin.Context) {
	res, err := h.service.RetrySettlement(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func respondError(c *gin.Context, err error) {
	status, code, message := apperror.Response(err)
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("proposal request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": message,
	})
}
