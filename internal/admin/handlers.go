package admin

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/idgen"
	"github.com/bruno-dias18/rivvlock-sub001/internal/logging"
	"github.com/bruno-dias18/rivvlock-sub001/internal/money"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	transactions Transactions
	payouts      Payouts
	sweeper      Sweeper
	reconciler   Reconciler
	reports      ReportSource
	seeder       AuthorizationSeeder
	now          func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithTransactions enables transaction intake.
func (h *Handler) WithTransactions(t Transactions) *Handler {
	h.transactions = t
	return h
}

// WithPayouts enables payout account registration.
func (h *Handler) WithPayouts(p Payouts) *Handler {
	h.payouts = p
	return h
}

// WithSweeper enables on-demand escalation sweeps.
func (h *Handler) WithSweeper(s Sweeper) *Handler {
	h.sweeper = s
	return h
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithReportSource exposes the scheduled reconciliation's last report.
func (h *Handler) WithReportSource(r ReportSource) *Handler {
	h.reports = r
	return h
}

// WithAuthorizationSeeder makes intake of a paid transaction also hold the
// authorization at the simulated gateway.
func (h *Handler) WithAuthorizationSeeder(s AuthorizationSeeder) *Handler {
	h.seeder = s
	return h
}

// WithClock overrides the time source (tests).
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// RegisterRoutes sets up admin routes. The group must already require an
// arbitrator.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/transactions", h.registerTransaction)
	r.PUT("/admin/payouts/:userId", h.setPayoutAccount)
	r.POST("/admin/escalations/sweep", h.sweepEscalations)
	r.GET("/admin/settlements/unsettled", h.listUnsettled)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/reconcile/last", h.lastReconciliation)
}

// RegisterTransactionRequest is an escrowed transaction handed over by the
// checkout collaborator. Amount is a decimal string in the major unit.
type RegisterTransactionRequest struct {
	ID               string `json:"id"`
	PayerID          string `json:"payerId" binding:"required"`
	PayeeID          string `json:"payeeId" binding:"required"`
	Amount           string `json:"amount" binding:"required"`
	Currency         string `json:"currency" binding:"required"`
	FeeRatioBuyer    *int   `json:"feeRatioBuyer"`
	AuthorizationRef string `json:"authorizationRef" binding:"required"`
	// Paid registers the transaction with its authorization already held;
	// otherwise it stays pending until the gateway reports the hold.
	Paid bool `json:"paid"`
}

func (h *Handler) registerTransaction(c *gin.Context) {
	if h.transactions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transaction intake not configured"})
		return
	}

	var req RegisterTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	currency := strings.ToLower(req.Currency)
	amount, err := money.Parse(req.Amount, currency)
	if err != nil {
		respondError(c, err)
		return
	}
	ratio := 50
	if req.FeeRatioBuyer != nil {
		ratio = *req.FeeRatioBuyer
	}
	if ratio < 0 || ratio > 100 {
		respondError(c, apperror.Validation("feeRatioBuyer must be between 0 and 100"))
		return
	}
	if req.PayerID == req.PayeeID {
		respondError(c, apperror.Validation("payer and payee must differ"))
		return
	}

	now := h.now()
	tx := &escrow.Transaction{
		ID:                 req.ID,
		PayerID:            req.PayerID,
		PayeeID:            req.PayeeID,
		Amount:             amount,
		Currency:           currency,
		FeeRatioBuyer:      ratio,
		AuthorizationRef:   req.AuthorizationRef,
		AuthorizationState: escrow.AuthorizationUnknown,
		Status:             escrow.TransactionPending,
		RefundStatus:       escrow.RefundNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix(idgen.PrefixTransaction)
	}
	if req.Paid {
		tx.Status = escrow.TransactionPaid
		tx.AuthorizationState = escrow.AuthorizationHeld
	}

	ctx := c.Request.Context()
	if err := h.transactions.CreateTransaction(ctx, tx); err != nil {
		logging.L(ctx).Error("failed to register transaction", "transactionId", tx.ID, "error", err)
		respondError(c, err)
		return
	}
	if req.Paid && h.seeder != nil {
		h.seeder.Authorize(tx.AuthorizationRef, tx.Amount, tx.Currency)
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

type setPayoutRequest struct {
	Account string `json:"account" binding:"required"`
}

func (h *Handler) setPayoutAccount(c *gin.Context) {
	if h.payouts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payout registry not configured"})
		return
	}

	var req setPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	userID := c.Param("userId")
	if err := h.payouts.SetPayoutAccount(c.Request.Context(), userID, req.Account); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "account": req.Account})
}

// sweepEscalations runs the deadline sweep now instead of waiting for the timer.
func (h *Handler) sweepEscalations(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escalation not configured"})
		return
	}

	result, err := h.sweeper.Sweep(c.Request.Context(), h.now())
	if err != nil {
		logging.L(c.Request.Context()).Error("escalation sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed", "message": "Escalation sweep failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// listUnsettled returns failed or stuck settlement executions.
func (h *Handler) listUnsettled(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list unsettled executions", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": report.Findings, "count": len(report.Findings)})
}

// triggerReconciliation runs an on-demand reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) lastReconciliation(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}
	report := h.reports.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reconciliation has completed yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func respondError(c *gin.Context, err error) {
	if errors.Is(err, escrow.ErrPayoutNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	status, code, msg := apperror.Response(err)
	c.JSON(status, gin.H{"error": code, "message": msg})
}
