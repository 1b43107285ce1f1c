// Package notify combines the outbound notification channels into the single
// escrow.Notifier the services are wired with.
package notify

import (
	"context"
	"log/slog"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
)

// Fanout delivers each notification to every sink in order. A panicking sink
// is logged and skipped so the rest still receive the notification.
type Fanout struct {
	sinks  []escrow.Notifier
	logger *slog.Logger
}

var _ escrow.Notifier = (*Fanout)(nil)

// NewFanout creates a notifier over sinks. Nil sinks are ignored.
func NewFanout(logger *slog.Logger, sinks ...escrow.Notifier) *Fanout {
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Notify implements escrow.Notifier.
func (f *Fanout) Notify(ctx context.Context, n escrow.Notification) {
	for _, s := range f.sinks {
		f.deliver(ctx, s, n)
	}
}

func (f *Fanout) deliver(ctx context.Context, s escrow.Notifier, n escrow.Notification) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("notification sink panicked",
				"type", n.Type,
				"disputeId", n.DisputeID,
				"panic", r,
			)
		}
	}()
	s.Notify(ctx, n)
}

// Len reports how many sinks are wired.
func (f *Fanout) Len() int {
	return len(f.sinks)
}
