package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the timer sweeps.
const DefaultInterval = time.Minute

type sweeper interface {
	Sweep(ctx context.Context, now time.Time) (SweepResult, error)
}

// Timer escalates overdue disputes on a fixed interval. The first sweep runs
// one interval after Start so a restart does not race the previous process.
type Timer struct {
	sweeper  sweeper
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	lastRun  atomic.Int64 // unix nanos of the last completed sweep
}

// NewTimer creates a timer over escalator.
func NewTimer(escalator *Escalator, logger *slog.Logger) *Timer {
	return &Timer{
		sweeper:  escalator,
		interval: DefaultInterval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithClock sets the time handed to each sweep as "now".
func (t *Timer) WithClock(now func() time.Time) *Timer {
	t.now = now
	return t
}

func (t *Timer) Running() bool { return t.running.Load() }

// LastRun is when the last sweep completed, or the zero time.
func (t *Timer) LastRun() time.Time {
	if n := t.lastRun.Load(); n != 0 {
		return time.Unix(0, n)
	}
	return time.Time{}
}

// Start sweeps until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escalation timer", "panic", fmt.Sprint(r))
		}
	}()

	now := t.now()
	res, err := t.sweeper.Sweep(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("escalation sweep failed", "error", err)
		}
		return
	}
	t.lastRun.Store(time.Now().UnixNano())

	if res.Escalated > 0 || res.Failed > 0 {
		t.logger.Info("escalation sweep",
			"examined", res.Examined,
			"escalated", res.Escalated,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
}
