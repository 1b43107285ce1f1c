package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/idgen"
)

// Simulator is an in-memory processor for development and tests. It honors
// idempotency keys the way Stripe does: replaying a key returns the first
// result without repeating the effect.
type Simulator struct {
	mu        sync.Mutex
	auths     map[string]*Authorization
	refunds   map[string][]Refund
	transfers []TransferRequest
	replays   map[string]any
	faults    map[string][]error
	calls     map[string]int
}

// NewSimulator creates an empty simulator.
func NewSimulator() *Simulator {
	return &Simulator{
		auths:   make(map[string]*Authorization),
		refunds: make(map[string][]Refund),
		replays: make(map[string]any),
		faults:  make(map[string][]error),
		calls:   make(map[string]int),
	}
}

var _ Client = (*Simulator)(nil)

// Authorize registers a held authorization of amount.
func (s *Simulator) Authorize(ref string, amount int64, currency string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auths[ref] = &Authorization{Ref: ref, State: escrow.AuthorizationHeld, Amount: amount, Currency: currency}
}

// SetState forces the state of an authorization. Captured authorizations get
// a charge reference.
func (s *Simulator) SetState(ref string, state escrow.AuthorizationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[ref]
	if !ok {
		return
	}
	a.State = state
	if state == escrow.AuthorizationCaptured {
		a.Captured = a.Amount
		if a.ChargeRef == "" {
			a.ChargeRef = "ch_" + ref
		}
	}
}

// AddRefund records a refund issued outside the engine, e.g. from the
// processor dashboard.
func (s *Simulator) AddRefund(ref string, r Refund) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds[ref] = append(s.refunds[ref], r)
}

// FailNext makes the next len(errs) calls of op return those errors.
func (s *Simulator) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// Calls returns how many times op was invoked, failures included.
func (s *Simulator) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Transfers returns the transfers executed so far.
func (s *Simulator) Transfers() []TransferRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransferRequest(nil), s.transfers...)
}

// Authorization returns a snapshot of the authorization, or nil.
func (s *Simulator) Authorization(ref string) *Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[ref]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// enter counts the call and pops an injected fault. Caller must hold s.mu.
func (s *Simulator) enter(op string) error {
	s.calls[op]++
	if q := s.faults[op]; len(q) > 0 {
		s.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (s *Simulator) GetAuthorization(_ context.Context, ref string) (*Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetAuthorization); err != nil {
		return nil, err
	}
	a, ok := s.auths[ref]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Simulator) Capture(_ context.Context, ref string, amount int64, key string) (*Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCapture); err != nil {
		return nil, err
	}
	if prev, ok := s.replays[key].(Authorization); ok {
		return &prev, nil
	}
	a, ok := s.auths[ref]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	if a.State != escrow.AuthorizationHeld {
		return nil, fmt.Errorf("%w: cannot capture authorization in state %s", ErrInvalidRequest, a.State)
	}
	if amount <= 0 || amount > a.Amount {
		return nil, fmt.Errorf("%w: capture amount %d outside (0, %d]", ErrInvalidRequest, amount, a.Amount)
	}
	a.State = escrow.AuthorizationCaptured
	a.Captured = amount
	a.ChargeRef = "ch_" + ref
	s.replays[key] = *a
	cp := *a
	return &cp, nil
}

func (s *Simulator) Cancel(_ context.Context, ref, key string) (*Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCancel); err != nil {
		return nil, err
	}
	if prev, ok := s.replays[key].(Authorization); ok {
		return &prev, nil
	}
	a, ok := s.auths[ref]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	if a.State != escrow.AuthorizationHeld {
		return nil, fmt.Errorf("%w: cannot cancel authorization in state %s", ErrInvalidRequest, a.State)
	}
	a.State = escrow.AuthorizationCanceled
	s.replays[key] = *a
	cp := *a
	return &cp, nil
}

func (s *Simulator) ListRefunds(_ context.Context, ref string) ([]Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListRefunds); err != nil {
		return nil, err
	}
	return append([]Refund(nil), s.refunds[ref]...), nil
}

func (s *Simulator) Refund(_ context.Context, ref string, amount int64, key string) (*Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpRefund); err != nil {
		return nil, err
	}
	if prev, ok := s.replays[key].(Refund); ok {
		return &prev, nil
	}
	a, ok := s.auths[ref]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	if a.State != escrow.AuthorizationCaptured {
		return nil, fmt.Errorf("%w: cannot refund authorization in state %s", ErrInvalidRequest, a.State)
	}
	if remaining := a.Captured - RefundedTotal(s.refunds[ref]); amount <= 0 || amount > remaining {
		return nil, fmt.Errorf("%w: refund amount %d exceeds refundable %d", ErrInvalidRequest, amount, remaining)
	}
	r := Refund{ID: idgen.WithPrefix(idgen.PrefixRefund), Amount: amount, Status: RefundSucceeded}
	s.refunds[ref] = append(s.refunds[ref], r)
	s.replays[key] = r
	return &r, nil
}

func (s *Simulator) Transfer(_ context.Context, req TransferRequest) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpTransfer); err != nil {
		return nil, err
	}
	if prev, ok := s.replays[req.IdempotencyKey].(Transfer); ok {
		return &prev, nil
	}
	if req.Amount <= 0 || req.Destination == "" {
		return nil, fmt.Errorf("%w: transfer needs a positive amount and a destination", ErrInvalidRequest)
	}
	t := Transfer{ID: idgen.WithPrefix(idgen.PrefixTransfer), Amount: req.Amount}
	s.transfers = append(s.transfers, req)
	s.replays[req.IdempotencyKey] = t
	return &t, nil
}
