// Package gatewayevents applies inbound payment gateway webhooks to the local
// transaction records.
//
// Every event is first appended to an event log keyed by (event id, event
// type). A redelivered event finds its key already present and is acknowledged
// without being applied again. When applying fails the key is removed, so the
// gateway's own redelivery gets another attempt.
//
// Reconciliation only ever moves a transaction forward: the authorization
// state never goes back to held, and refund fields only grow.
package gatewayevents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
)

// Handled event types.
const (
	TypeAmountCapturableUpdated = "payment_intent.amount_capturable_updated"
	TypePaymentSucceeded        = "payment_intent.succeeded"
	TypePaymentCanceled         = "payment_intent.canceled"
	TypeChargeRefunded          = "charge.refunded"
)

// Outcome is what happened to an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"   // type not handled
	OutcomeUnmatched Outcome = "unmatched" // no transaction for the authorization
)

// Event is a decoded gateway event.
type Event struct {
	ID               string
	Type             string
	AuthorizationRef string
	// RefundedAmount is the cumulative amount refunded on the charge, for
	// charge.refunded.
	RefundedAmount int64
	Payload        []byte
}

// Log is the append-only event log.
type Log interface {
	// RecordEvent appends ev and reports false when its key already exists.
	RecordEvent(ctx context.Context, ev *escrow.GatewayEvent) (bool, error)
	ForgetEvent(ctx context.Context, eventID, eventType string) error
	MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error
}

// Transactions is the transaction persistence events are applied to.
type Transactions interface {
	GetTransactionByAuthorization(ctx context.Context, ref string) (*escrow.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *escrow.Transaction, expected escrow.TransactionStatus) error
}

// Store is everything the processor needs.
type Store interface {
	Log
	Transactions
}

// maxApplyAttempts bounds retries on a concurrently changed transaction.
const maxApplyAttempts = 3

// Processor applies gateway events exactly once.
type Processor struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewProcessor creates an event processor.
func NewProcessor(store Store, logger *slog.Logger) *Processor {
	return &Processor{store: store, logger: logger, now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Handled reports whether the processor knows the event type.
func Handled(eventType string) bool {
	switch eventType {
	case TypeAmountCapturableUpdated, TypePaymentSucceeded, TypePaymentCanceled, TypeChargeRefunded:
		return true
	}
	return false
}

// Process records ev in the log and applies it unless it was seen before.
func (p *Processor) Process(ctx context.Context, ev Event) (Outcome, error) {
	if ev.ID == "" || ev.Type == "" {
		return "", fmt.Errorf("gateway event needs an id and a type")
	}
	if !Handled(ev.Type) {
		p.logger.Debug("ignoring gateway event", "eventId", ev.ID, "type", ev.Type)
		return OutcomeIgnored, nil
	}

	now := p.now()
	fresh, err := p.store.RecordEvent(ctx, &escrow.GatewayEvent{
		EventID:    ev.ID,
		EventType:  ev.Type,
		Payload:    ev.Payload,
		ReceivedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("failed to record gateway event: %w", err)
	}
	if !fresh {
		p.logger.Info("duplicate gateway event", "eventId", ev.ID, "type", ev.Type)
		return OutcomeDuplicate, nil
	}

	outcome, err := p.apply(ctx, ev)
	if err != nil {
		if forgetErr := p.store.ForgetEvent(ctx, ev.ID, ev.Type); forgetErr != nil {
			p.logger.Error("failed to release gateway event after error",
				"eventId", ev.ID, "type", ev.Type, "error", forgetErr)
		}
		return "", err
	}

	if err := p.store.MarkEventProcessed(ctx, ev.ID, ev.Type, p.now()); err != nil {
		p.logger.Warn("failed to mark gateway event processed", "eventId", ev.ID, "error", err)
	}
	return outcome, nil
}

func (p *Processor) apply(ctx context.Context, ev Event) (Outcome, error) {
	if ev.AuthorizationRef == "" {
		return OutcomeUnmatched, nil
	}
	for attempt := 1; ; attempt++ {
		tx, err := p.store.GetTransactionByAuthorization(ctx, ev.AuthorizationRef)
		if errors.Is(err, escrow.ErrTransactionNotFound) {
			p.logger.Info("gateway event for unknown authorization",
				"eventId", ev.ID, "type", ev.Type, "authorizationRef", ev.AuthorizationRef)
			return OutcomeUnmatched, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to load transaction for %s: %w", ev.AuthorizationRef, err)
		}

		expected := tx.Status
		next := *tx
		if !reconcile(&next, ev) {
			return OutcomeApplied, nil
		}
		next.UpdatedAt = p.now()

		err = p.store.UpdateTransaction(ctx, &next, expected)
		if err == nil {
			p.logger.Info("gateway event applied",
				"eventId", ev.ID,
				"type", ev.Type,
				"transactionId", tx.ID,
				"status", next.Status,
				"authorizationState", next.AuthorizationState,
				"refundStatus", next.RefundStatus,
			)
			return OutcomeApplied, nil
		}
		if !errors.Is(err, escrow.ErrStaleTransaction) || attempt >= maxApplyAttempts {
			return "", fmt.Errorf("failed to update transaction %s: %w", tx.ID, err)
		}
	}
}

// reconcile moves tx forward according to ev and reports whether anything
// changed.
func reconcile(tx *escrow.Transaction, ev Event) bool {
	before := *tx

	switch ev.Type {
	case TypeAmountCapturableUpdated:
		if tx.Status == escrow.TransactionPending {
			tx.Status = escrow.TransactionPaid
		}
		if authorizationRank(tx.AuthorizationState) < authorizationRank(escrow.AuthorizationHeld) {
			tx.AuthorizationState = escrow.AuthorizationHeld
		}

	case TypePaymentSucceeded:
		if authorizationRank(tx.AuthorizationState) < authorizationRank(escrow.AuthorizationCaptured) {
			tx.AuthorizationState = escrow.AuthorizationCaptured
		}

	case TypePaymentCanceled:
		if authorizationRank(tx.AuthorizationState) < authorizationRank(escrow.AuthorizationCanceled) {
			tx.AuthorizationState = escrow.AuthorizationCanceled
		}
		if tx.Status == escrow.TransactionPending {
			tx.Status = escrow.TransactionExpired
		}

	case TypeChargeRefunded:
		if ev.RefundedAmount > tx.RefundedAmount {
			tx.RefundedAmount = ev.RefundedAmount
		}
		status := escrow.RefundNone
		switch {
		case tx.RefundedAmount > 0 && tx.RefundedAmount >= tx.Amount:
			status = escrow.RefundFull
		case tx.RefundedAmount > 0:
			status = escrow.RefundPartial
		}
		if refundRank(status) > refundRank(tx.RefundStatus) {
			tx.RefundStatus = status
		}
	}

	return *tx != before
}

// authorizationRank orders authorization states. Captured and canceled are
// both final and never replace each other.
func authorizationRank(s escrow.AuthorizationState) int {
	switch s {
	case escrow.AuthorizationHeld:
		return 1
	case escrow.AuthorizationCaptured, escrow.AuthorizationCanceled:
		return 2
	}
	return 0
}

func refundRank(s escrow.RefundStatus) int {
	switch s {
	case escrow.RefundPartial:
		return 1
	case escrow.RefundFull:
		return 2
	}
	return 0
}
