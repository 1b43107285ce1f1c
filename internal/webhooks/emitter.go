package webhooks

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter turns dispute notifications into webhook deliveries. It implements
// escrow.Notifier and is fire-and-forget: errors are logged, never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

var _ escrow.Notifier = (*Emitter)(nil)

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Notify implements escrow.Notifier.
func (e *Emitter) Notify(ctx context.Context, n escrow.Notification) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(n.Type)).Inc()
	event := &Event{
		ID:           idgen.WithPrefix(idgen.PrefixEvent),
		Type:         n.Type,
		Timestamp:    n.At,
		Notification: n,
	}
	if err := e.d.Dispatch(ctx, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(n.Type)).Inc()
		e.logger.Warn("webhook emit failed", "event", n.Type, "disputeId", n.DisputeID, "error", err)
	}
}
