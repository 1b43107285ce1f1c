package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// runAller is satisfied by *Runner.
type runAller interface {
	RunAll(ctx context.Context) (*Report, error)
}

// Timer runs reconciliation once at start and then every interval, keeping
// the most recent report for the admin view.
type Timer struct {
	runner   runAller
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	lastRun  atomic.Int64
	last     atomic.Pointer[Report]
}

// NewTimer creates a reconciliation timer with a five minute interval.
func NewTimer(runner runAller, logger *slog.Logger) *Timer {
	return &Timer{
		runner:   runner,
		interval: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the run interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastRun is when the last successful run finished, zero before the first.
func (t *Timer) LastRun() time.Time {
	if n := t.lastRun.Load(); n != 0 {
		return time.Unix(0, n)
	}
	return time.Time{}
}

// LastReport returns the report of the last successful run, or nil.
func (t *Timer) LastReport() *Report {
	return t.last.Load()
}

// Start blocks until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.runOnce(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("reconciliation run failed", "error", err)
		}
		return
	}
	t.last.Store(report)
	t.lastRun.Store(time.Now().UnixNano())

	if !report.Healthy {
		t.logger.Warn("reconciliation found unsettled executions",
			"examined", report.Examined,
			"failed", report.Failed,
			"stale", report.Stale,
			"drifted", report.Drifted,
		)
	}
}
