package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tx := seedTransaction(t, s, "tx_copy", TransactionPaid)
	d := newDispute("dsp_copy", tx, suiteTime.Add(time.Hour))
	require.NoError(t, s.OpenDispute(ctx, d))

	// Mutating the caller's value after the write must not leak in.
	d.Status = StatusResolved
	got, err := s.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)

	pct := 10
	p := newProposal("prp_copy", d.ID, tx.PayerID, KindPartialRefund)
	p.RefundPercentage = &pct
	require.NoError(t, s.AddProposal(ctx, p, StatusOpen, StatusNegotiating))

	read, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	*read.RefundPercentage = 99
	again, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, *again.RefundPercentage)
}

func TestMemoryStore_UpdateTransactionCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tx := seedTransaction(t, s, "tx_cas", TransactionPending)

	tx.Status = TransactionPaid
	require.NoError(t, s.UpdateTransaction(ctx, tx, TransactionPending))

	tx.Status = TransactionExpired
	assert.ErrorIs(t, s.UpdateTransaction(ctx, tx, TransactionPending), ErrStaleTransaction)

	got, err := s.GetTransactionByAuthorization(ctx, "pi_tx_cas")
	require.NoError(t, err)
	assert.Equal(t, TransactionPaid, got.Status)

	_, err = s.GetTransactionByAuthorization(ctx, "pi_unknown")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}
