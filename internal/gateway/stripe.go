package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
)

// Stripe is the Client backed by the Stripe API. Authorizations are
// manual-capture PaymentIntents.
type Stripe struct {
	api *client.API
}

// NewStripe creates a Stripe client for the given secret key.
func NewStripe(secretKey string) *Stripe {
	return &Stripe{api: client.New(secretKey, nil)}
}

var _ Client = (*Stripe)(nil)

func (s *Stripe) GetAuthorization(ctx context.Context, ref string) (*Authorization, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	pi, err := s.api.PaymentIntents.Get(ref, params)
	if err != nil {
		return nil, classify(err)
	}
	return authorizationFrom(pi), nil
}

func (s *Stripe) Capture(ctx context.Context, ref string, amount int64, idempotencyKey string) (*Authorization, error) {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amount)}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	params.AddExpand("latest_charge")
	pi, err := s.api.PaymentIntents.Capture(ref, params)
	if err != nil {
		return nil, classify(err)
	}
	return authorizationFrom(pi), nil
}

func (s *Stripe) Cancel(ctx context.Context, ref, idempotencyKey string) (*Authorization, error) {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	pi, err := s.api.PaymentIntents.Cancel(ref, params)
	if err != nil {
		return nil, classify(err)
	}
	return authorizationFrom(pi), nil
}

func (s *Stripe) ListRefunds(ctx context.Context, ref string) ([]Refund, error) {
	params := &stripe.RefundListParams{PaymentIntent: stripe.String(ref)}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []Refund
	it := s.api.Refunds.List(params)
	for it.Next() {
		out = append(out, refundFrom(it.Refund()))
	}
	if err := it.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Stripe) Refund(ctx context.Context, ref string, amount int64, idempotencyKey string) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(ref),
		Amount:        stripe.Int64(amount),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, classify(err)
	}
	out := refundFrom(r)
	return &out, nil
}

func (s *Stripe) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.Destination),
	}
	if req.SourceCharge != "" {
		params.SourceTransaction = stripe.String(req.SourceCharge)
	}
	if req.Group != "" {
		params.TransferGroup = stripe.String(req.Group)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	t, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return &Transfer{ID: t.ID, Amount: t.Amount}, nil
}

func authorizationFrom(pi *stripe.PaymentIntent) *Authorization {
	a := &Authorization{
		Ref:      pi.ID,
		State:    authorizationState(pi.Status),
		Amount:   pi.Amount,
		Captured: pi.AmountReceived,
		Currency: string(pi.Currency),
	}
	if pi.LatestCharge != nil {
		a.ChargeRef = pi.LatestCharge.ID
	}
	return a
}

// authorizationState maps a PaymentIntent status onto the four states the
// settlement plans against. Anything still waiting on the payer is unknown.
func authorizationState(s stripe.PaymentIntentStatus) escrow.AuthorizationState {
	switch s {
	case stripe.PaymentIntentStatusRequiresCapture:
		return escrow.AuthorizationHeld
	case stripe.PaymentIntentStatusSucceeded:
		return escrow.AuthorizationCaptured
	case stripe.PaymentIntentStatusCanceled:
		return escrow.AuthorizationCanceled
	default:
		return escrow.AuthorizationUnknown
	}
}

func refundFrom(r *stripe.Refund) Refund {
	status := RefundPending
	switch r.Status {
	case stripe.RefundStatusSucceeded:
		status = RefundSucceeded
	case stripe.RefundStatusFailed:
		status = RefundFailed
	case stripe.RefundStatusCanceled:
		status = RefundCanceled
	}
	return Refund{ID: r.ID, Amount: r.Amount, Status: status}
}

// classify sorts a Stripe error into transient, declined, invalid or not
// found so the Resilient wrapper knows whether to retry.
func classify(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// Transport failure before Stripe answered.
		return &TransientError{Err: err}
	}
	switch {
	case se.Code == stripe.ErrorCodeLockTimeout,
		se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= http.StatusInternalServerError:
		return &TransientError{Err: err}
	case se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrAuthorizationNotFound, se.Msg)
	case se.Type == stripe.ErrorTypeCard:
		return fmt.Errorf("%w: %s", ErrDeclined, se.Msg)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, se.Msg)
	}
}
