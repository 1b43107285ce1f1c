// Package health aggregates subsystem checks for the /health endpoints.
package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is one subsystem's result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports on one subsystem. It should honor ctx.
type Checker func(ctx context.Context) Status

// DefaultCheckTimeout bounds each checker run by CheckAll.
const DefaultCheckTimeout = 3 * time.Second

// Registry runs named checkers. Results come back in registration order.
type Registry struct {
	mu       sync.RWMutex
	names    []string
	checkers map[string]Checker
	timeout  time.Duration
}

func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker), timeout: DefaultCheckTimeout}
}

// WithTimeout overrides the per-checker timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds check under name, replacing any checker of the same name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.checkers[name]; !dup {
		r.names = append(r.names, name)
	}
	r.checkers[name] = check
}

// CheckAll runs every checker concurrently and reports healthy only when all
// of them are.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := slices.Clone(r.names)
	checks := make([]Checker, len(names))
	for i, n := range names {
		checks[i] = r.checkers[n]
	}
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, r.timeout)
			defer cancel()
			statuses[i] = check(cctx)
			if statuses[i].Name == "" {
				statuses[i].Name = names[i]
			}
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, st := range statuses {
		healthy = healthy && st.Healthy
	}
	return healthy, statuses
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database reports whether the store's connection pool answers a ping
// within timeout.
func Database(db Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Loop is a background timer that reports liveness and its last tick.
type Loop interface {
	Running() bool
	LastRun() time.Time
}

// Timer reports a background loop as unhealthy when it is stopped or has not
// completed a run within staleAfter. A loop that has not run yet is healthy
// while it is running.
func Timer(name string, loop Loop, staleAfter time.Duration, now func() time.Time) Checker {
	return func(_ context.Context) Status {
		if !loop.Running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		last := loop.LastRun()
		if last.IsZero() {
			return Status{Name: name, Healthy: true, Detail: "awaiting first run"}
		}
		if age := now().Sub(last); age > staleAfter {
			return Status{Name: name, Healthy: false, Detail: fmt.Sprintf("last run %s ago", age.Truncate(time.Second))}
		}
		return Status{Name: name, Healthy: true}
	}
}

// CircuitSource lists circuits that are currently refusing calls.
type CircuitSource interface {
	Open() []string
}

// Circuits reports unhealthy while any gateway circuit is open or probing.
func Circuits(name string, src CircuitSource) Checker {
	return func(_ context.Context) Status {
		if open := src.Open(); len(open) > 0 {
			return Status{Name: name, Healthy: false, Detail: "open: " + strings.Join(open, ",")}
		}
		return Status{Name: name, Healthy: true}
	}
}
