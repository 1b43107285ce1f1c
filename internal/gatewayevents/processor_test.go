package gatewayevents

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newProcessor(t *testing.T, status escrow.TransactionStatus, auth escrow.AuthorizationState) (*Processor, *escrow.MemoryStore) {
	t.Helper()
	store := escrow.NewMemoryStore()
	require.NoError(t, store.CreateTransaction(context.Background(), &escrow.Transaction{
		ID:                 "tx_1",
		PayerID:            "buyer",
		PayeeID:            "seller",
		Amount:             1000,
		Currency:           "eur",
		AuthorizationRef:   "pi_1",
		AuthorizationState: auth,
		Status:             status,
		RefundStatus:       escrow.RefundNone,
		CreatedAt:          testNow,
		UpdatedAt:          testNow,
	}))
	p := NewProcessor(store, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(func() time.Time { return testNow })
	return p, store
}

func loadTx(t *testing.T, store *escrow.MemoryStore) *escrow.Transaction {
	t.Helper()
	tx, err := store.GetTransaction(context.Background(), "tx_1")
	require.NoError(t, err)
	return tx
}

func TestProcess_AmountCapturableMarksPaid(t *testing.T) {
	p, store := newProcessor(t, escrow.TransactionPending, escrow.AuthorizationUnknown)

	out, err := p.Process(context.Background(), Event{ID: "evt_1", Type: TypeAmountCapturableUpdated, AuthorizationRef: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	tx := loadTx(t, store)
	assert.Equal(t, escrow.TransactionPaid, tx.Status)
	assert.Equal(t, escrow.AuthorizationHeld, tx.AuthorizationState)
}

func TestProcess_DuplicateIsNotReapplied(t *testing.T) {
	p, store := newProcessor(t, escrow.TransactionPending, escrow.AuthorizationUnknown)
	ctx := context.Background()
	ev := Event{ID: "evt_1", Type: TypeAmountCapturableUpdated, AuthorizationRef: "pi_1"}

	_, err := p.Process(ctx, ev)
	require.NoError(t, err)

	// Someone moves the transaction on; replaying the event must not undo it.
	tx := loadTx(t, store)
	tx.Status = escrow.TransactionDisputed
	require.NoError(t, store.UpdateTransaction(ctx, tx, escrow.TransactionPaid))

	out, err := p.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
	assert.Equal(t, escrow.TransactionDisputed, loadTx(t, store).Status)

	// Same id with another type is a different event.
	out, err = p.Process(ctx, Event{ID: "evt_1", Type: TypePaymentSucceeded, AuthorizationRef: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
}

func TestProcess_SucceededCaptures(t *testing.T) {
	p, store := newProcessor(t, escrow.TransactionDisputed, escrow.AuthorizationHeld)
	_, err := p.Process(context.Background(), Event{ID: "evt_2", Type: TypePaymentSucceeded, AuthorizationRef: "pi_1"})
	require.NoError(t, err)

	tx := loadTx(t, store)
	assert.Equal(t, escrow.AuthorizationCaptured, tx.AuthorizationState)
	assert.Equal(t, escrow.TransactionDisputed, tx.Status)
}

func TestProcess_CanceledExpiresPendingTransaction(t *testing.T) {
	p, store := newProcessor(t, escrow.TransactionPending, escrow.AuthorizationHeld)
	_, err := p.Process(context.Background(), Event{ID: "evt_3", Type: TypePaymentCanceled, AuthorizationRef: "pi_1"})
	require.NoError(t, err)

	tx := loadTx(t, store)
	assert.Equal(t, escrow.AuthorizationCanceled, tx.AuthorizationState)
	assert.Equal(t, escrow.TransactionExpired, tx.Status)
}

func TestProcess_CanceledKeepsPaidStatus(t *testing.T) {
	p, store := newProcessor(t, escrow.TransactionPaid, escrow.AuthorizationHeld)
	_, err := p.Process(context.Background(), Event{ID: "evt_3", Type: TypePaymentCanceled, AuthorizationRef: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, escrow.TransactionPaid, loadTx(t, store).Status)
}

func TestProcess_AuthorizationNeverGoesBack(t *testing.T) {
	p, store := newProcessor(t, escrow.TransactionValidated, escrow.AuthorizationCaptured)
	ctx := context.Background()

	_, err := p.Process(ctx, Event{ID: "evt_4", Type: TypeAmountCapturableUpdated, AuthorizationRef: "pi_1"})
	require.NoError(t, err)
	_, err = p.Process(ctx, Event{ID: "evt_5", Type: TypePaymentCanceled, AuthorizationRef: "pi_1"})
	require.NoError(t, err)

	assert.Equal(t, escrow.AuthorizationCaptured, loadTx(t, store).AuthorizationState)
}

func TestProcess_RefundsReconcileUpwardOnly(t *testing.T) {
	p, store := newProcessor(t, escrow.TransactionValidated, escrow.AuthorizationCaptured)
	ctx := context.Background()

	_, err := p.Process(ctx, Event{ID: "evt_6", Type: TypeChargeRefunded, AuthorizationRef: "pi_1", RefundedAmount: 400})
	require.NoError(t, err)
	tx := loadTx(t, store)
	assert.Equal(t, int64(400), tx.RefundedAmount)
	assert.Equal(t, escrow.RefundPartial, tx.RefundStatus)

	// An older, smaller total arriving late changes nothing.
	_, err = p.Process(ctx, Event{ID: "evt_7", Type: TypeChargeRefunded, AuthorizationRef: "pi_1", RefundedAmount: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(400), loadTx(t, store).RefundedAmount)

	_, err = p.Process(ctx, Event{ID: "evt_8", Type: TypeChargeRefunded, AuthorizationRef: "pi_1", RefundedAmount: 1000})
	require.NoError(t, err)
	tx = loadTx(t, store)
	assert.Equal(t, int64(1000), tx.RefundedAmount)
	assert.Equal(t, escrow.RefundFull, tx.RefundStatus)
	assert.Equal(t, escrow.TransactionValidated, tx.Status)
}

func TestProcess_IgnoredAndUnmatched(t *testing.T) {
	p, _ := newProcessor(t, escrow.TransactionPaid, escrow.AuthorizationHeld)
	ctx := context.Background()

	out, err := p.Process(ctx, Event{ID: "evt_9", Type: "customer.created"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	out, err = p.Process(ctx, Event{ID: "evt_10", Type: TypePaymentSucceeded, AuthorizationRef: "pi_other"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, out)

	_, err = p.Process(ctx, Event{Type: TypePaymentSucceeded})
	assert.Error(t, err)
}

// flakyUpdate fails every UpdateTransaction with a non-retryable error.
type flakyUpdate struct {
	*escrow.MemoryStore
	err error
}

func (f *flakyUpdate) UpdateTransaction(context.Context, *escrow.Transaction, escrow.TransactionStatus) error {
	return f.err
}

func TestProcess_FailureReleasesEventForRedelivery(t *testing.T) {
	_, mem := newProcessor(t, escrow.TransactionPending, escrow.AuthorizationUnknown)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	flaky := &flakyUpdate{MemoryStore: mem, err: errors.New("connection reset")}
	ev := Event{ID: "evt_11", Type: TypeAmountCapturableUpdated, AuthorizationRef: "pi_1"}

	_, err := NewProcessor(flaky, logger).Process(context.Background(), ev)
	require.Error(t, err)

	// The redelivery goes through once the store recovers.
	out, err := NewProcessor(mem, logger).Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, escrow.TransactionPaid, loadTx(t, mem).Status)
}

// racingUpdate reports a concurrent change on the first update only.
type racingUpdate struct {
	*escrow.MemoryStore
	raced bool
}

func (r *racingUpdate) UpdateTransaction(ctx context.Context, tx *escrow.Transaction, expected escrow.TransactionStatus) error {
	if !r.raced {
		r.raced = true
		return escrow.ErrStaleTransaction
	}
	return r.MemoryStore.UpdateTransaction(ctx, tx, expected)
}

func TestProcess_RetriesStaleTransaction(t *testing.T) {
	_, mem := newProcessor(t, escrow.TransactionPaid, escrow.AuthorizationHeld)
	store := &racingUpdate{MemoryStore: mem}
	p := NewProcessor(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	out, err := p.Process(context.Background(), Event{ID: "evt_12", Type: TypePaymentSucceeded, AuthorizationRef: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.True(t, store.raced)
	assert.Equal(t, escrow.AuthorizationCaptured, loadTx(t, mem).AuthorizationState)
}
