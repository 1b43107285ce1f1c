// Package settlement executes an accepted proposal against the payment
// gateway and commits the result to the ledger.
//
// The gateway and the ledger are not atomic with each other. The executor
// runs every gateway operation under a deterministic idempotency key, clamps
// refunds against what the payer already got back, and commits the ledger in
// one step at the end. When the commit fails after money moved, the failure is
// logged as CRITICAL, counted, and the proposal is flagged for manual
// reconciliation; nothing is reversed automatically.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/gateway"
	"github.com/bruno-dias18/rivvlock-sub001/internal/idgen"
	"github.com/bruno-dias18/rivvlock-sub001/internal/metrics"
	"github.com/bruno-dias18/rivvlock-sub001/internal/money"
	"github.com/bruno-dias18/rivvlock-sub001/internal/retry"
	"github.com/bruno-dias18/rivvlock-sub001/internal/traces"
)

// Ledger is the persistence the executor reads and commits to.
type Ledger interface {
	GetProposal(ctx context.Context, id string) (*escrow.Proposal, error)
	GetDispute(ctx context.Context, id string) (*escrow.Dispute, error)
	GetTransaction(ctx context.Context, id string) (*escrow.Transaction, error)
	MarkExecution(ctx context.Context, id string, state escrow.ExecutionState, execErr string, at time.Time) error
	CommitSettlement(ctx context.Context, c escrow.SettlementCommit) error
	GetSettlementByProposal(ctx context.Context, proposalID string) (*escrow.SettlementRecord, error)
}

// Gateway is the payment processor.
type Gateway interface {
	GetAuthorization(ctx context.Context, ref string) (*gateway.Authorization, error)
	Capture(ctx context.Context, ref string, amount int64, idempotencyKey string) (*gateway.Authorization, error)
	Cancel(ctx context.Context, ref, idempotencyKey string) (*gateway.Authorization, error)
	ListRefunds(ctx context.Context, ref string) ([]gateway.Refund, error)
	Refund(ctx context.Context, ref string, amount int64, idempotencyKey string) (*gateway.Refund, error)
	Transfer(ctx context.Context, req gateway.TransferRequest) (*gateway.Transfer, error)
}

// PayoutDirectory resolves the connected account a user is paid out to.
type PayoutDirectory interface {
	PayoutAccount(ctx context.Context, userID string) (string, error)
}

// ErrNoPayoutAccount is returned before any gateway call when the payee
// cannot be paid.
var ErrNoPayoutAccount = apperror.Execution("payee payout account not found")

// Executor settles claimed proposals.
type Executor struct {
	ledger      Ledger
	gateway     Gateway
	payouts     PayoutDirectory
	notifier    escrow.Notifier
	logger      *slog.Logger
	commitDelay time.Duration
	now         func() time.Time
}

// NewExecutor creates a settlement executor.
func NewExecutor(ledger Ledger, gw Gateway, payouts PayoutDirectory, logger *slog.Logger) *Executor {
	return &Executor{
		ledger:      ledger,
		gateway:     gw,
		payouts:     payouts,
		notifier:    escrow.NopNotifier{},
		logger:      logger,
		commitDelay: 500 * time.Millisecond,
		now:         time.Now,
	}
}

// WithNotifier sets where resolution and failure notifications go.
func (e *Executor) WithNotifier(n escrow.Notifier) *Executor {
	e.notifier = n
	return e
}

// WithClock replaces the time source. Tests only.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// WithCommitRetryDelay sets the pause before the single commit retry.
func (e *Executor) WithCommitRetryDelay(d time.Duration) *Executor {
	e.commitDelay = d
	return e
}

// run carries the state of one execution.
type run struct {
	proposal *escrow.Proposal
	dispute  *escrow.Dispute
	tx       *escrow.Transaction
	auth     *gateway.Authorization
	schedule *Schedule
	record   *escrow.SettlementRecord
	moved    bool // at least one gateway mutation succeeded
}

// Execute settles a proposal that was claimed for execution. It is safe to
// call again for the same proposal after a failure.
func (e *Executor) Execute(ctx context.Context, proposalID string) (*escrow.SettlementRecord, error) {
	// The proposal is already claimed; a caller going away must not leave it
	// half-executed.
	ctx = context.WithoutCancel(ctx)
	ctx, span := traces.StartSpan(ctx, "settlement.Execute", traces.ProposalID(proposalID))
	defer span.End()

	start := time.Now()
	defer func() { settlementDuration.Observe(time.Since(start).Seconds()) }()

	rec, r, err := e.execute(ctx, proposalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome := "unknown"
		if r != nil && r.proposal != nil {
			outcome = string(r.proposal.Kind)
		}
		settlementsTotal.WithLabelValues(outcome, "failed").Inc()
		return nil, err
	}
	settlementsTotal.WithLabelValues(string(rec.Outcome), "succeeded").Inc()
	return rec, nil
}

func (e *Executor) execute(ctx context.Context, proposalID string) (*escrow.SettlementRecord, *run, error) {
	p, err := e.ledger.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	r := &run{proposal: p}
	if p.Status != escrow.ProposalAccepted || p.Execution != escrow.ExecutionRunning {
		return nil, r, apperror.Conflict("proposal %s is not claimed for execution (status=%s, execution=%s)", p.ID, p.Status, p.Execution)
	}

	// A previous run may have committed and then lost its response.
	if existing, err := e.ledger.GetSettlementByProposal(ctx, p.ID); err == nil {
		if markErr := e.ledger.MarkExecution(ctx, p.ID, escrow.ExecutionSucceeded, "", e.now()); markErr != nil {
			e.logger.Error("failed to mark replayed settlement", "proposalId", p.ID, "error", markErr)
		}
		return existing, r, nil
	} else if !errors.Is(err, escrow.ErrSettlementNotFound) {
		return nil, r, e.fail(ctx, r, err)
	}

	if r.dispute, err = e.ledger.GetDispute(ctx, p.DisputeID); err != nil {
		return nil, r, e.fail(ctx, r, err)
	}
	if r.tx, err = e.ledger.GetTransaction(ctx, r.dispute.TransactionID); err != nil {
		return nil, r, e.fail(ctx, r, err)
	}
	tx := r.tx

	fee, err := money.ComputeFee(tx.Amount, tx.FeeRatioBuyer)
	if err != nil {
		return nil, r, e.fail(ctx, r, err)
	}
	split, err := money.ComputeRefund(tx.Amount, p.Percentage())
	if err != nil {
		return nil, r, e.fail(ctx, r, err)
	}

	// The payee's account is resolved before the gateway is touched.
	destination := ""
	if PayeeShare(p.Kind, tx.Amount, split, fee) > 0 {
		destination, err = e.payouts.PayoutAccount(ctx, tx.PayeeID)
		if errors.Is(err, escrow.ErrPayoutNotFound) || (err == nil && destination == "") {
			return nil, r, e.fail(ctx, r, ErrNoPayoutAccount)
		}
		if err != nil {
			return nil, r, e.fail(ctx, r, err)
		}
	}

	r.auth, err = e.gateway.GetAuthorization(ctx, tx.AuthorizationRef)
	if err != nil {
		return nil, r, e.fail(ctx, r, apperror.WrapExecution(err, "failed to read authorization %s", tx.AuthorizationRef))
	}
	r.schedule, err = Plan(p.Kind, r.auth.State, tx.Amount, split, fee)
	if err != nil {
		return nil, r, e.fail(ctx, r, err)
	}

	now := e.now()
	r.record = &escrow.SettlementRecord{
		ID:                 idgen.WithPrefix(idgen.PrefixSettlement),
		ProposalID:         p.ID,
		DisputeID:          r.dispute.ID,
		TransactionID:      tx.ID,
		Outcome:            p.Kind,
		AuthorizationState: r.auth.State,
		Currency:           tx.Currency,
		Split:              ExecutedSplit(p.Kind, tx.Amount, split),
		Fee:                fee,
		CaptureAmount:      r.schedule.CaptureAmount,
		RefundAmount:       r.schedule.RefundAmount,
		TransferAmount:     r.schedule.TransferAmount,
		Destination:        destination,
		CreatedAt:          now,
	}
	if p.Kind == escrow.KindFullRefund {
		r.record.Fee = money.FeeBreakdown{}
	}

	if err := e.runSteps(ctx, r, destination); err != nil {
		return nil, r, e.fail(ctx, r, err)
	}

	if err := e.commit(ctx, r); err != nil {
		return nil, r, err
	}
	e.resolved(ctx, r)
	return r.record, r, nil
}

func (e *Executor) runSteps(ctx context.Context, r *run, destination string) error {
	ref := r.tx.AuthorizationRef
	chargeRef := r.auth.ChargeRef
	authState := r.auth.State
	seen := make(map[escrow.OperationKind]int)

	for _, st := range r.schedule.Steps {
		n := seen[st.Kind]
		seen[st.Kind]++
		op := escrow.Operation{
			Kind:           st.Kind,
			Amount:         st.Amount,
			IdempotencyKey: IdempotencyKey(r.proposal.ID, n, st.Kind),
		}

		switch st.Kind {
		case escrow.OpCancel:
			a, err := e.gateway.Cancel(ctx, ref, op.IdempotencyKey)
			if err != nil {
				return apperror.WrapExecution(err, "cancel of %s failed", ref)
			}
			op.GatewayRef = a.Ref
			authState = a.State

		case escrow.OpCapture:
			a, err := e.gateway.Capture(ctx, ref, st.Amount, op.IdempotencyKey)
			if err != nil {
				return apperror.WrapExecution(err, "capture of %d on %s failed", st.Amount, ref)
			}
			op.GatewayRef = a.ChargeRef
			chargeRef = a.ChargeRef
			authState = a.State

		case escrow.OpTransfer:
			req := gateway.TransferRequest{
				Amount:         st.Amount,
				Currency:       r.tx.Currency,
				Destination:    destination,
				Group:          r.tx.ID,
				IdempotencyKey: op.IdempotencyKey,
			}
			if st.FromCharge {
				req.SourceCharge = chargeRef
				op.SourceCharge = chargeRef
			}
			t, err := e.gateway.Transfer(ctx, req)
			if err != nil {
				return apperror.WrapExecution(err, "transfer of %d to %s failed", st.Amount, destination)
			}
			op.Destination = destination
			op.GatewayRef = t.ID

		case escrow.OpRefund:
			amount, skip, err := e.refundDue(ctx, r, st.Amount)
			if err != nil {
				return err
			}
			if skip != "" {
				op.Skipped = true
				op.SkipReason = skip
				refundsSkipped.Inc()
				e.logger.Info("refund skipped", "proposalId", r.proposal.ID, "target", st.Amount, "reason", skip)
				break
			}
			op.Amount = amount
			rf, err := e.gateway.Refund(ctx, ref, amount, op.IdempotencyKey)
			if err != nil {
				return apperror.WrapExecution(err, "refund of %d on %s failed", amount, ref)
			}
			op.GatewayRef = rf.ID

		default:
			panic("settlement: unknown operation kind " + string(st.Kind))
		}

		if !op.Skipped {
			r.moved = true
		}
		r.record.Operations = append(r.record.Operations, op)
	}
	r.record.AuthorizationState = authState
	return nil
}

// refundDue returns how much still has to be refunded to reach target. What
// the payer already got back counts: earlier refunds that have not failed,
// and any part of the authorization that was never captured.
func (e *Executor) refundDue(ctx context.Context, r *run, target int64) (int64, string, error) {
	ref := r.tx.AuthorizationRef
	refunds, err := e.gateway.ListRefunds(ctx, ref)
	if err != nil {
		return 0, "", apperror.WrapExecution(err, "failed to list refunds on %s", ref)
	}
	refunded := gateway.RefundedTotal(refunds)
	returned := refunded
	if r.auth.Amount > r.auth.Captured && r.auth.Captured > 0 {
		returned += r.auth.Amount - r.auth.Captured
	}
	if returned >= target {
		return 0, fmt.Sprintf("already returned %d of %d", returned, target), nil
	}

	due := target - returned
	if refundable := r.auth.Captured - refunded; r.auth.Captured > 0 && due > refundable {
		due = refundable
	}
	if due <= 0 {
		return 0, fmt.Sprintf("nothing refundable (captured %d, refunded %d)", r.auth.Captured, refunded), nil
	}
	return due, "", nil
}

func (e *Executor) commit(ctx context.Context, r *run) error {
	now := e.now()
	s := r.schedule
	c := escrow.SettlementCommit{
		Record:             r.record,
		TransactionStatus:  s.TransactionStatus,
		RefundStatus:       s.RefundStatus,
		RefundedAmount:     s.RefundAmount,
		AuthorizationState: r.record.AuthorizationState,
		DisputeStatus:      escrow.TerminalFor(r.proposal.Kind, r.tx.Amount),
		Resolution:         resolutionText(r),
		ExecutedBy:         r.proposal.ExecutedBy,
		At:                 now,
	}
	if c.RefundedAmount < r.tx.RefundedAmount {
		c.RefundedAmount = r.tx.RefundedAmount
	}

	commitRetry := retry.Policy{MaxAttempts: 2, BaseDelay: e.commitDelay}
	err := commitRetry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			e.logger.Warn("retrying settlement commit", "proposalId", r.proposal.ID)
		}
		return e.ledger.CommitSettlement(ctx, c)
	})
	if err == nil {
		return nil
	}

	ledgerCommitFailures.Inc()
	e.logger.Error("CRITICAL: gateway settlement succeeded but ledger commit failed",
		"proposalId", r.proposal.ID,
		"disputeId", r.dispute.ID,
		"transactionId", r.tx.ID,
		"settlementId", r.record.ID,
		"operations", r.record.Operations,
		"error", err,
	)
	msg := "ledger commit failed after gateway success; reconcile manually: " + err.Error()
	if markErr := e.ledger.MarkExecution(ctx, r.proposal.ID, escrow.ExecutionFailed, msg, now); markErr != nil {
		e.logger.Error("CRITICAL: failed to flag proposal for reconciliation",
			"proposalId", r.proposal.ID, "error", markErr)
	}
	e.notifyFailure(ctx, r, msg)
	return apperror.WrapExecution(err, "settlement of proposal %s is not recorded", r.proposal.ID)
}

// fail flags the proposal and reports err as an execution error.
func (e *Executor) fail(ctx context.Context, r *run, err error) error {
	if r.moved {
		partialExecutions.Inc()
		e.logger.Error("CRITICAL: settlement failed after moving funds",
			"proposalId", r.proposal.ID, "operations", r.record.Operations, "error", err)
	} else {
		e.logger.Warn("settlement failed", "proposalId", r.proposal.ID, "error", err)
	}
	if markErr := e.ledger.MarkExecution(ctx, r.proposal.ID, escrow.ExecutionFailed, err.Error(), e.now()); markErr != nil {
		e.logger.Error("failed to flag proposal execution", "proposalId", r.proposal.ID, "error", markErr)
	}
	e.notifyFailure(ctx, r, err.Error())

	if apperror.KindOf(err) != "" {
		return err
	}
	return apperror.WrapExecution(err, "settlement failed")
}

func (e *Executor) notifyFailure(ctx context.Context, r *run, msg string) {
	if r.dispute == nil {
		return
	}
	n := escrow.NotificationFor(escrow.NotifySettlementFailed, r.dispute, e.now())
	n.ProposalID = r.proposal.ID
	n.Recipients = nil // arbitration staff only
	n.Data = map[string]any{"error": msg}
	e.notifier.Notify(ctx, n)
}

func (e *Executor) resolved(ctx context.Context, r *run) {
	now := e.now()
	status := escrow.TerminalFor(r.proposal.Kind, r.tx.Amount)
	metrics.DisputesResolvedTotal.WithLabelValues(string(status)).Inc()
	metrics.DisputeDuration.Observe(now.Sub(r.dispute.CreatedAt).Seconds())

	e.logger.Info("dispute settled",
		"disputeId", r.dispute.ID,
		"proposalId", r.proposal.ID,
		"outcome", r.proposal.Kind,
		"status", status,
		"refund", r.record.RefundAmount,
		"transfer", r.record.TransferAmount,
		"capture", r.record.CaptureAmount,
	)

	d := *r.dispute
	d.Status = status
	n := escrow.NotificationFor(escrow.NotifyDisputeResolved, &d, now)
	n.ProposalID = r.proposal.ID
	n.Data = map[string]any{
		"outcome":        r.proposal.Kind,
		"refundAmount":   r.record.RefundAmount,
		"transferAmount": r.record.TransferAmount,
		"currency":       r.tx.Currency,
	}
	e.notifier.Notify(ctx, n)
}

func resolutionText(r *run) string {
	cur := r.tx.Currency
	switch r.proposal.Kind {
	case escrow.KindFullRefund:
		return fmt.Sprintf("full refund of %s %s", money.Format(r.tx.Amount, cur), cur)
	case escrow.KindPartialRefund:
		return fmt.Sprintf("%d%% refund: %s %s to payer, %s %s to payee",
			r.proposal.Percentage(),
			money.Format(r.record.Split.Refund, cur), cur,
			money.Format(r.record.Split.Seller, cur), cur)
	default:
		return fmt.Sprintf("released %s %s to payee", money.Format(r.record.TransferAmount, cur), cur)
	}
}
