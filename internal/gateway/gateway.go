// Package gateway talks to the external payment processor that holds the
// payer's funds. It offers a Stripe adapter, an in-memory Simulator for
// development and tests, and a Resilient wrapper that adds timeouts,
// retries, circuit breaking and tracing around either.
//
// Every mutating call carries an idempotency key, so a retried or replayed
// call never moves money twice.
package gateway

import (
	"context"
	"errors"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
)

var (
	ErrAuthorizationNotFound = errors.New("gateway: authorization not found")
	ErrInvalidRequest        = errors.New("gateway: invalid request")
	ErrDeclined              = errors.New("gateway: operation declined")
)

// TransientError marks a failure worth retrying: network trouble, rate
// limits, server errors, lock timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "gateway transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Authorization is the gateway's view of the payer's payment.
type Authorization struct {
	Ref      string                    `json:"ref"`
	State    escrow.AuthorizationState `json:"state"`
	Amount   int64                     `json:"amount"`
	Captured int64                     `json:"captured"`
	Currency string                    `json:"currency"`
	// ChargeRef is the charge created by capture; source-linked transfers
	// draw from it.
	ChargeRef string `json:"chargeRef,omitempty"`
}

// RefundStatus is the processor's state of a refund.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
	RefundCanceled  RefundStatus = "canceled"
)

// Refund is a refund issued against an authorization.
type Refund struct {
	ID     string       `json:"id"`
	Amount int64        `json:"amount"`
	Status RefundStatus `json:"status"`
}

// Counts reports whether the refund still moves (or moved) money back.
func (r Refund) Counts() bool {
	return r.Status != RefundFailed && r.Status != RefundCanceled
}

// TransferRequest pays out to a connected account.
type TransferRequest struct {
	Amount      int64
	Currency    string
	Destination string
	// SourceCharge links the transfer to the original charge so funds are
	// drawn from it rather than from the platform balance.
	SourceCharge   string
	Group          string
	IdempotencyKey string
}

// Transfer is a completed payout.
type Transfer struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

// Client is the set of processor operations the settlement needs.
type Client interface {
	GetAuthorization(ctx context.Context, ref string) (*Authorization, error)
	Capture(ctx context.Context, ref string, amount int64, idempotencyKey string) (*Authorization, error)
	Cancel(ctx context.Context, ref, idempotencyKey string) (*Authorization, error)
	ListRefunds(ctx context.Context, ref string) ([]Refund, error)
	Refund(ctx context.Context, ref string, amount int64, idempotencyKey string) (*Refund, error)
	Transfer(ctx context.Context, req TransferRequest) (*Transfer, error)
}

// RefundedTotal sums the refunds that count.
func RefundedTotal(refunds []Refund) int64 {
	var total int64
	for _, r := range refunds {
		if r.Counts() {
			total += r.Amount
		}
	}
	return total
}
