// Package reconciliation compares unsettled proposal executions against the
// payment gateway.
//
// A settlement run that failed, or that has sat in executing for longer than
// a run can take, may have moved money the ledger never recorded. The runner
// lists those proposals, reads the authorization and its refunds back from the
// gateway, and reports where the gateway is ahead of the ledger so arbitration
// staff can retry or reconcile by hand. It never mutates anything.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/gateway"
)

const (
	// DefaultStaleAfter is how long an execution may stay in executing before
	// it is treated as abandoned.
	DefaultStaleAfter = escrow.DefaultStaleExecution
	// DefaultBatchSize bounds one run.
	DefaultBatchSize = 200
)

// Store is the read-only ledger view reconciliation needs.
type Store interface {
	ListUnsettledExecutions(ctx context.Context, updatedBefore time.Time, limit int) ([]*escrow.Proposal, error)
	GetDispute(ctx context.Context, id string) (*escrow.Dispute, error)
	GetTransaction(ctx context.Context, id string) (*escrow.Transaction, error)
}

// Gateway reads authorization state back from the processor.
type Gateway interface {
	GetAuthorization(ctx context.Context, ref string) (*gateway.Authorization, error)
	ListRefunds(ctx context.Context, ref string) ([]gateway.Refund, error)
}

// Finding describes one unsettled execution.
type Finding struct {
	ProposalID      string                    `json:"proposalId"`
	DisputeID       string                    `json:"disputeId"`
	TransactionID   string                    `json:"transactionId"`
	Execution       escrow.ExecutionState     `json:"execution"`
	ExecutionError  string                    `json:"executionError,omitempty"`
	LedgerState     escrow.AuthorizationState `json:"ledgerState"`
	GatewayState    escrow.AuthorizationState `json:"gatewayState"`
	LedgerRefunded  int64                     `json:"ledgerRefunded"`
	GatewayRefunded int64                     `json:"gatewayRefunded"`
	GatewayCaptured int64                     `json:"gatewayCaptured"`
	// Drift is set when the gateway shows money movement the ledger lacks.
	Drift     bool      `json:"drift"`
	Stale     bool      `json:"stale"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Report summarizes a reconciliation run.
type Report struct {
	Examined  int           `json:"examined"`
	Failed    int           `json:"failed"`
	Stale     int           `json:"stale"`
	Drifted   int           `json:"drifted"`
	Errors    int           `json:"errors"`
	Findings  []Finding     `json:"findings"`
	Healthy   bool          `json:"healthy"`
	Duration  time.Duration `json:"durationMs"`
	Timestamp time.Time     `json:"timestamp"`
}

// Runner performs reconciliation runs.
type Runner struct {
	store      Store
	gateway    Gateway
	logger     *slog.Logger
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

// NewRunner creates a reconciliation runner.
func NewRunner(store Store, gw Gateway, logger *slog.Logger) *Runner {
	return &Runner{
		store:      store,
		gateway:    gw,
		logger:     logger,
		staleAfter: DefaultStaleAfter,
		batchSize:  DefaultBatchSize,
		now:        time.Now,
	}
}

// WithStaleAfter overrides how long an execution may run.
func (r *Runner) WithStaleAfter(d time.Duration) *Runner {
	if d > 0 {
		r.staleAfter = d
	}
	return r
}

// WithClock overrides the time source (tests).
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll examines every unsettled execution. Failed executions are listed
// immediately; executing ones only once they are older than the stale
// threshold. Per-proposal lookup errors are counted and skipped.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	candidates, err := r.store.ListUnsettledExecutions(ctx, start, r.batchSize)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list unsettled executions: %w", err)
	}

	report := &Report{Findings: []Finding{}, Timestamp: start}
	for _, p := range candidates {
		stale := p.Execution == escrow.ExecutionRunning && start.Sub(p.UpdatedAt) >= r.staleAfter
		if p.Execution == escrow.ExecutionRunning && !stale {
			continue
		}
		report.Examined++

		f, err := r.inspect(ctx, p)
		if err != nil {
			report.Errors++
			reconcileErrors.Inc()
			r.logger.Warn("reconciliation check failed", "proposalId", p.ID, "error", err)
			continue
		}
		f.Stale = stale
		if stale {
			report.Stale++
		} else {
			report.Failed++
		}
		if f.Drift {
			report.Drifted++
			r.logger.Error("CRITICAL: gateway ahead of ledger",
				"proposalId", f.ProposalID,
				"transactionId", f.TransactionID,
				"ledgerState", f.LedgerState,
				"gatewayState", f.GatewayState,
				"ledgerRefunded", f.LedgerRefunded,
				"gatewayRefunded", f.GatewayRefunded,
			)
		}
		report.Findings = append(report.Findings, *f)
	}

	report.Healthy = report.Drifted == 0 && report.Stale == 0
	report.Duration = r.now().Sub(start)

	reconcileFailedExecutions.Set(float64(report.Failed))
	reconcileStaleExecutions.Set(float64(report.Stale))
	reconcileDrift.Set(float64(report.Drifted))

	if !report.Healthy {
		r.logger.Warn("reconciliation found unsettled executions",
			"failed", report.Failed,
			"stale", report.Stale,
			"drifted", report.Drifted,
		)
	}
	return report, nil
}

func (r *Runner) inspect(ctx context.Context, p *escrow.Proposal) (*Finding, error) {
	d, err := r.store.GetDispute(ctx, p.DisputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute %s: %w", p.DisputeID, err)
	}
	tx, err := r.store.GetTransaction(ctx, d.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", d.TransactionID, err)
	}
	auth, err := r.gateway.GetAuthorization(ctx, tx.AuthorizationRef)
	if err != nil {
		return nil, fmt.Errorf("authorization %s: %w", tx.AuthorizationRef, err)
	}
	refunds, err := r.gateway.ListRefunds(ctx, tx.AuthorizationRef)
	if err != nil {
		return nil, fmt.Errorf("refunds %s: %w", tx.AuthorizationRef, err)
	}

	f := &Finding{
		ProposalID:      p.ID,
		DisputeID:       d.ID,
		TransactionID:   tx.ID,
		Execution:       p.Execution,
		ExecutionError:  p.ExecutionError,
		LedgerState:     tx.AuthorizationState,
		GatewayState:    auth.State,
		LedgerRefunded:  tx.RefundedAmount,
		GatewayRefunded: gateway.RefundedTotal(refunds),
		GatewayCaptured: auth.Captured,
		UpdatedAt:       p.UpdatedAt,
	}
	f.Drift = f.GatewayState != f.LedgerState || f.GatewayRefunded > f.LedgerRefunded
	return f, nil
}
