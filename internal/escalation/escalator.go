// Package escalation hands disputes whose response window elapsed over to
// arbitration.
//
// A sweep lists the candidates and escalates each one with a conditional
// update that only succeeds while the dispute still qualifies. Two sweeps
// running at once, or a sweep racing a settlement, therefore never escalate a
// dispute twice or pull one back out of a terminal status.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/metrics"
)

const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 4

	TriggerDeadline = "deadline"
	TriggerForced   = "forced"
)

// Store is the persistence the escalator needs.
type Store interface {
	GetDispute(ctx context.Context, id string) (*escrow.Dispute, error)
	ListEscalationCandidates(ctx context.Context, now time.Time, limit int) ([]*escrow.Dispute, error)
	EscalateDispute(ctx context.Context, id string, now time.Time, force bool) (bool, error)
	SetArbitrationChannel(ctx context.Context, id, channelID string) error
}

// ChannelOpener creates the conversation the arbitrator and both parties use.
// It is implemented by the messaging collaborator and must be idempotent per
// dispute.
type ChannelOpener interface {
	OpenArbitrationChannel(ctx context.Context, d *escrow.Dispute) (string, error)
}

// LogChannelOpener is the default opener when no messaging collaborator is
// wired. It derives the channel id from the dispute and only logs.
type LogChannelOpener struct {
	Logger *slog.Logger
}

func (o LogChannelOpener) OpenArbitrationChannel(_ context.Context, d *escrow.Dispute) (string, error) {
	id := "arb_" + d.ID
	o.Logger.Info("arbitration channel requested", "disputeId", d.ID, "channelId", id)
	return id, nil
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Examined  int `json:"examined"`
	Escalated int `json:"escalated"`
	Skipped   int `json:"skipped"` // no longer eligible when the update ran
	Failed    int `json:"failed"`
}

// Escalator escalates disputes, on deadline or on demand.
type Escalator struct {
	store       Store
	channels    ChannelOpener
	notifier    escrow.Notifier
	logger      *slog.Logger
	batchSize   int
	concurrency int
	now         func() time.Time
}

// NewEscalator creates an escalator with a logging channel opener.
func NewEscalator(store Store, logger *slog.Logger) *Escalator {
	return &Escalator{
		store:       store,
		channels:    LogChannelOpener{Logger: logger},
		notifier:    escrow.NopNotifier{},
		logger:      logger,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
}

// WithChannelOpener sets the messaging collaborator.
func (e *Escalator) WithChannelOpener(c ChannelOpener) *Escalator {
	e.channels = c
	return e
}

// WithNotifier sets where escalation notifications go.
func (e *Escalator) WithNotifier(n escrow.Notifier) *Escalator {
	e.notifier = n
	return e
}

// WithConcurrency bounds how many disputes a sweep escalates at once.
func (e *Escalator) WithConcurrency(n int) *Escalator {
	if n > 0 {
		e.concurrency = n
	}
	return e
}

// WithBatchSize bounds how many candidates one sweep loads.
func (e *Escalator) WithBatchSize(n int) *Escalator {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// WithClock replaces the time source used by Force. Tests only.
func (e *Escalator) WithClock(now func() time.Time) *Escalator {
	e.now = now
	return e
}

// Sweep escalates every dispute whose deadline passed at now. Per-dispute
// failures are counted, not returned; the error is only set when the
// candidates could not be listed.
func (e *Escalator) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	candidates, err := e.store.ListEscalationCandidates(ctx, now, e.batchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list escalation candidates: %w", err)
	}
	if len(candidates) == 0 {
		return SweepResult{}, nil
	}

	var escalated, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, d := range candidates {
		g.Go(func() error {
			_, ok, err := e.escalate(ctx, d, now, TriggerDeadline)
			switch {
			case err != nil:
				failed.Add(1)
				e.logger.Warn("failed to escalate dispute", "disputeId", d.ID, "error", err)
			case !ok:
				skipped.Add(1)
			default:
				escalated.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{
		Examined:  len(candidates),
		Escalated: int(escalated.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	e.logger.Info("escalation sweep finished",
		"examined", res.Examined,
		"escalated", res.Escalated,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	return res, nil
}

// Force escalates a dispute regardless of its deadline. A dispute that is
// already escalated or terminal is a conflict.
func (e *Escalator) Force(ctx context.Context, disputeID string) (*escrow.Dispute, error) {
	d, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	escalated, ok, err := e.escalate(ctx, d, e.now(), TriggerForced)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperror.Transition("dispute", string(d.Status), string(escrow.StatusEscalated))
	}
	return escalated, nil
}

// escalate runs the conditional update, then opens the arbitration channel
// and notifies. Once the update succeeded the dispute stays escalated; a
// failing channel opener is only logged.
func (e *Escalator) escalate(ctx context.Context, d *escrow.Dispute, now time.Time, trigger string) (*escrow.Dispute, bool, error) {
	ok, err := e.store.EscalateDispute(ctx, d.ID, now, trigger == TriggerForced)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	metrics.DisputesEscalatedTotal.WithLabelValues(trigger).Inc()

	out := *d
	out.Status = escrow.StatusEscalated
	out.UpdatedAt = now
	if out.EscalatedAt == nil {
		at := now
		out.EscalatedAt = &at
	}

	if out.ArbitrationChannelID == "" {
		channelID, err := e.channels.OpenArbitrationChannel(ctx, &out)
		switch {
		case err != nil:
			e.logger.Warn("failed to open arbitration channel", "disputeId", d.ID, "error", err)
		case channelID != "":
			if err := e.store.SetArbitrationChannel(ctx, d.ID, channelID); err != nil {
				e.logger.Warn("failed to record arbitration channel", "disputeId", d.ID, "channelId", channelID, "error", err)
			} else {
				out.ArbitrationChannelID = channelID
			}
		}
	}

	e.logger.Info("dispute escalated",
		"disputeId", d.ID,
		"trigger", trigger,
		"previousStatus", d.Status,
		"deadline", d.DeadlineAt,
	)

	n := escrow.NotificationFor(escrow.NotifyDisputeEscalated, &out, now)
	n.Data = map[string]any{"trigger": trigger}
	if out.ArbitrationChannelID != "" {
		n.Data["channelId"] = out.ArbitrationChannelID
	}
	e.notifier.Notify(ctx, n)
	return &out, true, nil
}
