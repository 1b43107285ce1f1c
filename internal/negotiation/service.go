package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/idgen"
	"github.com/bruno-dias18/rivvlock-sub001/internal/metrics"
	"github.com/bruno-dias18/rivvlock-sub001/internal/syncutil"
)

// Service implements the proposal protocol.
type Service struct {
	store    Store
	settler  Settler
	machine  escrow.Machine
	notifier escrow.Notifier
	validity time.Duration
	stale    time.Duration
	logger   *slog.Logger
	locks    syncutil.KeyedMutex // per-dispute
	now      func() time.Time
}

// NewService creates a new negotiation service.
func NewService(store Store, settler Settler, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		settler:  settler,
		notifier: escrow.NopNotifier{},
		validity: escrow.DefaultProposalValidity,
		stale:    escrow.DefaultStaleExecution,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier sets where proposal notifications go.
func (s *Service) WithNotifier(n escrow.Notifier) *Service {
	s.notifier = n
	return s
}

// WithValidity overrides how long a proposal stays acceptable.
func (s *Service) WithValidity(d time.Duration) *Service {
	if d > 0 {
		s.validity = d
	}
	return s
}

// WithStaleAfter sets how long an execution may run before RetrySettlement
// treats it as abandoned.
func (s *Service) WithStaleAfter(d time.Duration) *Service {
	if d > 0 {
		s.stale = d
	}
	return s
}

// WithClock replaces the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateProposal posts a proposal on a dispute. Payer and payee post
// bilateral proposals; an arbitrator posts arbitration proposals, which only
// an escalated dispute accepts.
func (s *Service) CreateProposal(ctx context.Context, disputeID string, actor escrow.Actor, req CreateRequest) (*escrow.Proposal, error) {
	pct, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	arbitration := actor.Arbitrator
	if !arbitration && d.PartyOf(actor.ID) == escrow.PartyNone {
		return nil, ErrNotParticipant
	}

	if err := s.machine.CanPropose(d, arbitration); err != nil {
		return nil, err
	}
	event := escrow.EventProposalPosted
	if arbitration {
		event = escrow.EventArbitrationPosted
	}
	next, err := s.machine.Apply(d, escrow.Transition{Event: event})
	if err != nil {
		return nil, err
	}

	now := s.now()
	p := &escrow.Proposal{
		ID:                  idgen.WithPrefix(idgen.PrefixProposal),
		DisputeID:           d.ID,
		ProposerID:          actor.ID,
		Kind:                req.Kind,
		RefundPercentage:    pct,
		Message:             strings.TrimSpace(req.Message),
		Status:              escrow.ProposalPending,
		AdminCreated:        arbitration,
		RequiresBothParties: arbitration,
		ExpiresAt:           now.Add(s.validity),
		Execution:           escrow.ExecutionNone,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.AddProposal(ctx, p, d.Status, next); err != nil {
		return nil, fmt.Errorf("failed to add proposal: %w", err)
	}
	d.Status = next

	metrics.ProposalsCreatedTotal.WithLabelValues(string(FamilyOf(p))).Inc()
	s.logger.Info("proposal created",
		"proposalId", p.ID, "disputeId", d.ID, "kind", p.Kind, "family", FamilyOf(p), "proposer", actor.ID)

	n := escrow.NotificationFor(escrow.NotifyProposalCreated, d, now)
	n.ProposalID = p.ID
	n.Data = map[string]any{"kind": p.Kind, "refundPercentage": p.Percentage(), "family": FamilyOf(p)}
	s.notifier.Notify(ctx, n)
	return p, nil
}

func validateRequest(req CreateRequest) (*int, error) {
	if !req.Kind.Valid() {
		return nil, apperror.Validation("unknown proposal kind %q", req.Kind)
	}
	if len(req.Message) > MaxMessageLength {
		return nil, apperror.Validation("message exceeds %d characters", MaxMessageLength)
	}
	if req.Kind == escrow.KindPartialRefund {
		if req.RefundPercentage == nil {
			return nil, apperror.Validation("refundPercentage is required for a partial refund")
		}
		pct := *req.RefundPercentage
		if pct < 0 || pct > 100 {
			return nil, apperror.Validation("refundPercentage must be between 0 and 100, got %d", pct)
		}
		return &pct, nil
	}
	if req.RefundPercentage != nil && *req.RefundPercentage != 0 {
		return nil, apperror.Validation("refundPercentage is only allowed for a partial refund")
	}
	return nil, nil
}

// AcceptProposal accepts a bilateral proposal on behalf of the other party
// and settles it. Once a dispute has been escalated only arbitration
// proposals can settle it.
func (s *Service) AcceptProposal(ctx context.Context, proposalID string, actor escrow.Actor) (*Result, error) {
	p, err := s.claim(ctx, proposalID, func(p *escrow.Proposal, d *escrow.Dispute) error {
		if p.IsArbitration() {
			return ErrNeedsValidation
		}
		if d.PartyOf(actor.ID) == escrow.PartyNone {
			return ErrNotParticipant
		}
		if actor.ID == p.ProposerID {
			return ErrOwnProposal
		}
		if d.EscalatedAt != nil {
			return ErrInArbitration
		}
		return nil
	}, actor.ID, false)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, p.ID)
}

// RejectProposal rejects a pending proposal. A bilateral proposal is rejected
// by the other party and leaves the dispute where it is. An arbitration
// proposal may be rejected by either party and sends the dispute back to
// escalated.
func (s *Service) RejectProposal(ctx context.Context, proposalID string, actor escrow.Actor) (*escrow.Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, p.DisputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.reject(ctx, proposalID, actor)
}

// reject runs with the dispute lock held.
func (s *Service) reject(ctx context.Context, proposalID string, actor escrow.Actor) (*escrow.Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	d, err := s.store.GetDispute(ctx, p.DisputeID)
	if err != nil {
		return nil, err
	}
	if d.PartyOf(actor.ID) == escrow.PartyNone {
		return nil, ErrNotParticipant
	}
	if p.Status != escrow.ProposalPending {
		return nil, escrow.ErrProposalNotPending
	}

	next := d.Status
	if p.IsArbitration() {
		next, err = s.machine.Apply(d, escrow.Transition{Event: escrow.EventArbitrationRejected})
		if err != nil {
			return nil, err
		}
	} else {
		if actor.ID == p.ProposerID {
			return nil, ErrOwnProposalReject
		}
		if d.IsTerminal() {
			return nil, apperror.Transition("dispute", string(d.Status), string(escrow.StatusNegotiating))
		}
	}

	now := s.now()
	if err := s.store.RejectProposal(ctx, p.ID, d.Status, next, now); err != nil {
		return nil, fmt.Errorf("failed to reject proposal: %w", err)
	}
	p.Status = escrow.ProposalRejected
	p.UpdatedAt = now
	d.Status = next

	metrics.ProposalsRejectedTotal.WithLabelValues(string(FamilyOf(p))).Inc()
	s.logger.Info("proposal rejected", "proposalId", p.ID, "disputeId", d.ID, "by", actor.ID, "disputeStatus", next)

	n := escrow.NotificationFor(escrow.NotifyProposalRejected, d, now)
	n.ProposalID = p.ID
	n.Data = map[string]any{"rejectedBy": actor.ID, "family": FamilyOf(p)}
	s.notifier.Notify(ctx, n)
	if next == escrow.StatusEscalated {
		s.notifier.Notify(ctx, escrow.NotificationFor(escrow.NotifyDisputeEscalated, d, now))
	}
	return p, nil
}

// ValidateArbitrationProposal records the caller's answer to an arbitration
// proposal. Validating twice is harmless. accept=false rejects the proposal.
// It reports whether both parties have now validated; the call that observes
// both flags and wins the claim runs the settlement.
func (s *Service) ValidateArbitrationProposal(ctx context.Context, proposalID string, actor escrow.Actor, accept bool) (bool, *Result, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return false, nil, err
	}
	if !p.IsArbitration() {
		return false, nil, ErrNotArbitration
	}

	unlock, err := s.locks.LockContext(ctx, p.DisputeID)
	if err != nil {
		return false, nil, err
	}
	if !accept {
		defer unlock()
		rejected, err := s.reject(ctx, proposalID, actor)
		if err != nil {
			return false, nil, err
		}
		return false, &Result{Proposal: rejected}, nil
	}

	updated, claimed, err := s.validateLocked(ctx, proposalID, actor)
	unlock()
	if err != nil {
		return false, nil, err
	}
	if !updated.BothValidated() {
		return false, &Result{Proposal: updated}, nil
	}
	if !claimed {
		// Another validation already claimed the execution.
		latest, err := s.store.GetProposal(ctx, proposalID)
		if err != nil {
			return true, nil, err
		}
		return true, &Result{Proposal: latest}, nil
	}
	res, err := s.settle(ctx, proposalID)
	return true, res, err
}

func (s *Service) validateLocked(ctx context.Context, proposalID string, actor escrow.Actor) (*escrow.Proposal, bool, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, false, err
	}
	d, err := s.store.GetDispute(ctx, p.DisputeID)
	if err != nil {
		return nil, false, err
	}
	party := d.PartyOf(actor.ID)
	if party == escrow.PartyNone {
		return nil, false, ErrNotParticipant
	}
	if p.Status != escrow.ProposalPending {
		return nil, false, escrow.ErrProposalNotPending
	}
	now := s.now()
	if p.Expired(now) {
		return nil, false, apperror.Expired("proposal expired at %s", p.ExpiresAt.Format(time.RFC3339))
	}
	if _, err := s.machine.Apply(d, escrow.Transition{Event: escrow.EventSettled, Outcome: p.Kind}); err != nil {
		return nil, false, err
	}

	updated, err := s.store.RecordValidation(ctx, p.ID, party, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record validation: %w", err)
	}

	n := escrow.NotificationFor(escrow.NotifyProposalValidated, d, now)
	n.ProposalID = p.ID
	n.Data = map[string]any{"party": party, "bothValidated": updated.BothValidated()}
	s.notifier.Notify(ctx, n)

	if !updated.BothValidated() {
		return updated, false, nil
	}
	claimed, err := s.store.ClaimProposal(ctx, p.ID, actor.ID, false, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim proposal: %w", err)
	}
	return updated, claimed, nil
}

// ExecuteImmediately settles an arbitration proposal without waiting for both
// parties. The override and its reason are recorded for audit.
func (s *Service) ExecuteImmediately(ctx context.Context, proposalID string, actor escrow.Actor, reason string) (*Result, error) {
	if !actor.Arbitrator {
		return nil, ErrArbitratorOnly
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	p, err := s.claim(ctx, proposalID, func(p *escrow.Proposal, _ *escrow.Dispute) error {
		if !p.IsArbitration() {
			return ErrNotArbitration
		}
		return nil
	}, actor.ID, true)
	if err != nil {
		return nil, err
	}

	metrics.ImmediateExecutionsTotal.Inc()
	s.logger.Warn("arbitration proposal executed without dual validation",
		"proposalId", p.ID, "disputeId", p.DisputeID, "arbitrator", actor.ID, "reason", reason,
		"buyerValidated", p.BuyerValidated, "sellerValidated", p.SellerValidated)
	return s.settle(ctx, p.ID)
}

// RetrySettlement re-runs the settlement of an accepted proposal whose
// previous execution failed or was abandoned mid-run. Gateway operations are
// keyed and refunds are clamped, so a retry never moves money twice.
func (s *Service) RetrySettlement(ctx context.Context, proposalID string, actor escrow.Actor) (*Result, error) {
	if !actor.Arbitrator {
		return nil, ErrArbitratorOnly
	}
	now := s.now()
	ok, err := s.store.ReclaimExecution(ctx, proposalID, actor.ID, now.Add(-s.stale), now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNothingToRetry
	}
	s.logger.Info("settlement retry", "proposalId", proposalID, "arbitrator", actor.ID)
	return s.settle(ctx, proposalID)
}

// Get returns a proposal visible to the actor.
func (s *Service) Get(ctx context.Context, proposalID string, actor escrow.Actor) (*escrow.Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	d, err := s.store.GetDispute(ctx, p.DisputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(actor) {
		return nil, ErrNotParticipant
	}
	return p, nil
}

// ListByDispute returns the proposals of a dispute, oldest first.
func (s *Service) ListByDispute(ctx context.Context, disputeID string, actor escrow.Actor) ([]*escrow.Proposal, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(actor) {
		return nil, ErrNotParticipant
	}
	return s.store.ListProposals(ctx, disputeID)
}

// claim checks a pending proposal and flips it to accepted. check runs with
// the dispute lock held, after the proposal and its dispute are loaded.
func (s *Service) claim(ctx context.Context, proposalID string, check func(*escrow.Proposal, *escrow.Dispute) error, executedBy string, override bool) (*escrow.Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, p.DisputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err = s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	d, err := s.store.GetDispute(ctx, p.DisputeID)
	if err != nil {
		return nil, err
	}
	if err := check(p, d); err != nil {
		return nil, err
	}
	if p.Status != escrow.ProposalPending {
		return nil, escrow.ErrProposalNotPending
	}
	now := s.now()
	if p.Expired(now) {
		return nil, apperror.Expired("proposal expired at %s", p.ExpiresAt.Format(time.RFC3339))
	}
	if _, err := s.machine.Apply(d, escrow.Transition{Event: escrow.EventSettled, Outcome: p.Kind}); err != nil {
		return nil, err
	}

	ok, err := s.store.ClaimProposal(ctx, p.ID, executedBy, override, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, escrow.ErrProposalNotPending
	}
	return p, nil
}

func (s *Service) settle(ctx context.Context, proposalID string) (*Result, error) {
	if s.settler == nil {
		return nil, ErrSettlerUnavailable
	}
	rec, execErr := s.settler.Execute(ctx, proposalID)

	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		s.logger.Error("failed to reload proposal after settlement", "proposalId", proposalID, "error", err)
	}
	if execErr != nil {
		return &Result{Proposal: p}, execErr
	}
	return &Result{Proposal: p, Settlement: rec}, nil
}
