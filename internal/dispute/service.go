// Package dispute opens disputes on paid transactions and drives the
// transitions that happen outside proposal negotiation: the counterparty's
// first reply and the manual force-escalation.
package dispute

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

// DefaultResponseWindow is how long the parties negotiate before the
// deadline sweep hands the dispute to arbitration.
const DefaultResponseWindow = 48 * time.Hour

// MaxReasonLength bounds the free-text reason.
const MaxReasonLength = 2000

// Store is the slice of persistence the dispute service needs.
type Store interface {
	GetTransaction(ctx context.Context, id string) (*escrow.Transaction, error)
	OpenDispute(ctx context.Context, d *escrow.Dispute) error
	GetDispute(ctx context.Context, id string) (*escrow.Dispute, error)
	ListDisputesByTransaction(ctx context.Context, transactionID string) ([]*escrow.Dispute, error)
	TransitionDispute(ctx context.Context, id string, from, to escrow.DisputeStatus, at time.Time) error
}

// Escalator performs a forced escalation through the same path as the
// deadline sweep.
type Escalator interface {
	Force(ctx context.Context, disputeID string) (*escrow.Dispute, error)
}

// Service implements dispute business logic.
type Service struct {
	store     Store
	machine   escrow.Machine
	escalator Escalator
	notifier  escrow.Notifier
	window    time.Duration
	logger    *slog.Logger
	locks     syncutil.KeyedMutex
	now       func() time.Time
}

// NewService creates a new dispute service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		notifier: escrow.NopNotifier{},
		window:   DefaultResponseWindow,
		logger:   logger,
		now:      time.Now,
	}
}

// WithEscalator enables ForceEscalate.
func (s *Service) WithEscalator(e Escalator) *Service {
	s.escalator = e
	return s
}

// WithNotifier sets where lifecycle notifications go.
func (s *Service) WithNotifier(n escrow.Notifier) *Service {
	s.notifier = n
	return s
}

// WithResponseWindow overrides the time parties get before escalation.
func (s *Service) WithResponseWindow(d time.Duration) *Service {
	if d > 0 {
		s.window = d
	}
	return s
}

// WithClock replaces the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateDispute opens a dispute on a paid transaction. The reporter must be
// the payer or the payee.
func (s *Service) CreateDispute(ctx context.Context, transactionID string, actor escrow.Actor, reason string) (*escrow.Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperror.Validation("reason is required")
	}
	if len(reason) > MaxReasonLength {
		return nil, apperror.Validation("reason exceeds %d characters", MaxReasonLength)
	}

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if actor.ID == "" || (actor.ID != tx.PayerID && actor.ID != tx.PayeeID) {
		return nil, apperror.Authorization("only the payer or the payee can open a dispute")
	}

	now := s.now()
	d := &escrow.Dispute{
		ID:            idgen.WithPrefix(idgen.PrefixDispute),
		TransactionID: tx.ID,
		PayerID:       tx.PayerID,
		PayeeID:       tx.PayeeID,
		ReporterID:    actor.ID,
		Reason:        reason,
		Status:        escrow.StatusOpen,
		DeadlineAt:    now.Add(s.window),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.OpenDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to open dispute: %w", err)
	}

	metrics.DisputesOpenedTotal.Inc()
	s.logger.Info("dispute opened",
		"disputeId", d.ID, "transactionId", tx.ID, "reporter", actor.ID, "deadline", d.DeadlineAt)
	s.notifier.Notify(ctx, escrow.NotificationFor(escrow.NotifyDisputeCreated, d, now))
	return d, nil
}

// RecordReply registers that a party posted a message on the dispute. The
// first message from the party that did not report it moves the dispute
// from open to responded; every other reply leaves the status alone.
func (s *Service) RecordReply(ctx context.Context, disputeID string, actor escrow.Actor) (*escrow.Dispute, error) {
	unlock, err := s.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.PartyOf(actor.ID) == escrow.PartyNone {
		return nil, apperror.Authorization("only the payer or the payee can reply")
	}

	tr := escrow.Transition{Event: escrow.EventCounterpartyReplied}
	if d.Status.IsTerminal() {
		_, err := s.machine.Apply(d, tr)
		return nil, err
	}
	if actor.ID == d.ReporterID || d.Status != escrow.StatusOpen {
		return d, nil
	}

	next, err := s.machine.Apply(d, tr)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.store.TransitionDispute(ctx, d.ID, d.Status, next, now); err != nil {
		return nil, fmt.Errorf("failed to record reply: %w", err)
	}
	d.Status = next
	d.UpdatedAt = now

	s.notifier.Notify(ctx, escrow.NotificationFor(escrow.NotifyDisputeResponded, d, now))
	return d, nil
}

// ForceEscalate hands a dispute to arbitration before its deadline. Only an
// arbitrator may do this.
func (s *Service) ForceEscalate(ctx context.Context, disputeID string, actor escrow.Actor) (*escrow.Dispute, error) {
	if !actor.Arbitrator {
		return nil, apperror.Authorization("only an arbitrator can force escalation")
	}
	if s.escalator == nil {
		return nil, apperror.Execution("escalation is not configured")
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
	if _, err := s.machine.Apply(d, escrow.Transition{Event: escrow.EventEscalate}); err != nil {
		return nil, err
	}

	escalated, err := s.escalator.Force(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("dispute force-escalated", "disputeId", d.ID, "arbitrator", actor.ID)
	return escalated, nil
}

// Get returns a dispute visible to the actor.
func (s *Service) Get(ctx context.Context, disputeID string, actor escrow.Actor) (*escrow.Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(actor) {
		return nil, apperror.Authorization("not a participant of this dispute")
	}
	return d, nil
}

// ListByTransaction returns every dispute ever opened on a transaction,
// oldest first.
func (s *Service) ListByTransaction(ctx context.Context, transactionID string, actor escrow.Actor) ([]*escrow.Dispute, error) {
	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !actor.Arbitrator && actor.ID != tx.PayerID && actor.ID != tx.PayeeID {
		return nil, apperror.Authorization("not a party of this transaction")
	}
	return s.store.ListDisputesByTransaction(ctx, transactionID)
}
