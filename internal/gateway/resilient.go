package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/bruno-dias18/rivvlock-sub001/internal/circuitbreaker"
	"github.com/bruno-dias18/rivvlock-sub001/internal/retry"
	"github.com/bruno-dias18/rivvlock-sub001/internal/traces"
)

// Defaults for Resilient.
const (
	DefaultTimeout     = 15 * time.Second
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
)

// Resilient wraps a Client with a per-call timeout, retries on transient
// failures, a per-operation circuit breaker and a span per call.
type Resilient struct {
	next    Client
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	policy  retry.Policy
	logger  *slog.Logger
}

// NewResilient wraps next with the default policy.
func NewResilient(next Client, logger *slog.Logger) *Resilient {
	return &Resilient{
		next:    next,
		breaker: circuitbreaker.New(5, 30*time.Second),
		timeout: DefaultTimeout,
		policy: retry.Policy{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultBaseDelay,
			MaxDelay:    DefaultMaxDelay,
		},
		logger: logger,
	}
}

// WithTimeout bounds every single attempt.
func (r *Resilient) WithTimeout(d time.Duration) *Resilient {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// WithRetry sets how many attempts a transient failure gets and the first
// backoff delay.
func (r *Resilient) WithRetry(maxAttempts int, baseDelay time.Duration) *Resilient {
	if maxAttempts > 0 {
		r.policy.MaxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		r.policy.BaseDelay = baseDelay
	}
	return r
}

// WithBreaker replaces the circuit breaker.
func (r *Resilient) WithBreaker(b *circuitbreaker.Breaker) *Resilient {
	r.breaker = b
	return r
}

var _ Client = (*Resilient)(nil)

// call runs fn under the policy. idempotent is false for a mutation that has
// no idempotency key; such calls are never retried.
func (r *Resilient) call(ctx context.Context, op, ref string, idempotent bool, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "gateway."+op, traces.Operation(op), traces.Reference(ref))
	defer span.End()

	start := time.Now()
	defer func() { gwLatency.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	policy := r.policy
	if !idempotent {
		policy.MaxAttempts = 1
	}
	attempts := 0
	err := policy.Do(ctx, func(attempt int) error {
		attempts = attempt
		if attempt > 1 {
			gwRetries.WithLabelValues(op).Inc()
		}
		err := r.breaker.Do(op, IsTransient, func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			err := fn(callCtx)
			if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !IsTransient(err) {
				err = &TransientError{Err: err}
			}
			return err
		})
		if err == nil || IsTransient(err) {
			return err
		}
		return retry.Permanent(err)
	})

	switch {
	case err == nil:
		gwOperations.WithLabelValues(op, "success").Inc()
		return nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		gwOperations.WithLabelValues(op, "circuit_open").Inc()
	case IsTransient(err):
		gwOperations.WithLabelValues(op, "transient").Inc()
	default:
		gwOperations.WithLabelValues(op, "rejected").Inc()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.logger.Warn("gateway call failed", "operation", op, "ref", ref, "attempts", attempts, "error", err)
	return err
}

func (r *Resilient) GetAuthorization(ctx context.Context, ref string) (*Authorization, error) {
	var out *Authorization
	err := r.call(ctx, OpGetAuthorization, ref, true, func(ctx context.Context) error {
		var err error
		out, err = r.next.GetAuthorization(ctx, ref)
		return err
	})
	return out, err
}

func (r *Resilient) Capture(ctx context.Context, ref string, amount int64, key string) (*Authorization, error) {
	var out *Authorization
	err := r.call(ctx, OpCapture, ref, key != "", func(ctx context.Context) error {
		var err error
		out, err = r.next.Capture(ctx, ref, amount, key)
		return err
	})
	return out, err
}

func (r *Resilient) Cancel(ctx context.Context, ref, key string) (*Authorization, error) {
	var out *Authorization
	err := r.call(ctx, OpCancel, ref, key != "", func(ctx context.Context) error {
		var err error
		out, err = r.next.Cancel(ctx, ref, key)
		return err
	})
	return out, err
}

func (r *Resilient) ListRefunds(ctx context.Context, ref string) ([]Refund, error) {
	var out []Refund
	err := r.call(ctx, OpListRefunds, ref, true, func(ctx context.Context) error {
		var err error
		out, err = r.next.ListRefunds(ctx, ref)
		return err
	})
	return out, err
}

func (r *Resilient) Refund(ctx context.Context, ref string, amount int64, key string) (*Refund, error) {
	var out *Refund
	err := r.call(ctx, OpRefund, ref, key != "", func(ctx context.Context) error {
		var err error
		out, err = r.next.Refund(ctx, ref, amount, key)
		return err
	})
	return out, err
}

func (r *Resilient) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	var out *Transfer
	err := r.call(ctx, OpTransfer, req.Destination, req.IdempotencyKey != "", func(ctx context.Context) error {
		var err error
		out, err = r.next.Transfer(ctx, req)
		return err
	})
	return out, err
}
