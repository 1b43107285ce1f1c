package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/money"
)

func mustSplit(t *testing.T, amount int64, pct int) (money.Split, money.FeeBreakdown) {
	t.Helper()
	split, err := money.ComputeRefund(amount, pct)
	require.NoError(t, err)
	fee, err := money.ComputeFee(amount, 50)
	require.NoError(t, err)
	return split, fee
}

func kinds(s *Schedule) []escrow.OperationKind {
	var out []escrow.OperationKind
	for _, st := range s.Steps {
		out = append(out, st.Kind)
	}
	return out
}

func TestPlan_DecisionTable(t *testing.T) {
	const amount = 12300
	tests := []struct {
		name         string
		outcome      escrow.ProposalKind
		pct          int
		auth         escrow.AuthorizationState
		steps        []escrow.OperationKind
		amounts      []int64
		txStatus     escrow.TransactionStatus
		refundStatus escrow.RefundStatus
		authAfter    escrow.AuthorizationState
	}{
		{
			name: "full refund held", outcome: escrow.KindFullRefund, pct: 100, auth: escrow.AuthorizationHeld,
			steps: []escrow.OperationKind{escrow.OpCancel}, amounts: []int64{0},
			txStatus: escrow.TransactionRefunded, refundStatus: escrow.RefundFull, authAfter: escrow.AuthorizationCanceled,
		},
		{
			name: "full refund captured", outcome: escrow.KindFullRefund, pct: 100, auth: escrow.AuthorizationCaptured,
			steps: []escrow.OperationKind{escrow.OpRefund}, amounts: []int64{12300},
			txStatus: escrow.TransactionRefunded, refundStatus: escrow.RefundFull, authAfter: escrow.AuthorizationCaptured,
		},
		{
			name: "partial held", outcome: escrow.KindPartialRefund, pct: 50, auth: escrow.AuthorizationHeld,
			steps: []escrow.OperationKind{escrow.OpCapture, escrow.OpTransfer},
			amounts: []int64{12300 - 5842, 5843},
			txStatus: escrow.TransactionValidated, refundStatus: escrow.RefundPartial, authAfter: escrow.AuthorizationCaptured,
		},
		{
			name: "partial captured transfers before refunding", outcome: escrow.KindPartialRefund, pct: 50, auth: escrow.AuthorizationCaptured,
			steps: []escrow.OperationKind{escrow.OpTransfer, escrow.OpRefund},
			amounts: []int64{5843, 5842},
			txStatus: escrow.TransactionValidated, refundStatus: escrow.RefundPartial, authAfter: escrow.AuthorizationCaptured,
		},
		{
			name: "release held", outcome: escrow.KindNoRefund, pct: 0, auth: escrow.AuthorizationHeld,
			steps: []escrow.OperationKind{escrow.OpCapture, escrow.OpTransfer},
			amounts: []int64{12300, 12300 - 615},
			txStatus: escrow.TransactionValidated, refundStatus: escrow.RefundNone, authAfter: escrow.AuthorizationCaptured,
		},
		{
			name: "release captured", outcome: escrow.KindNoRefund, pct: 0, auth: escrow.AuthorizationCaptured,
			steps: []escrow.OperationKind{escrow.OpTransfer},
			amounts: []int64{12300 - 615},
			txStatus: escrow.TransactionValidated, refundStatus: escrow.RefundNone, authAfter: escrow.AuthorizationCaptured,
		},
		{
			name: "partial at zero percent refunds nothing", outcome: escrow.KindPartialRefund, pct: 0, auth: escrow.AuthorizationCaptured,
			steps: []escrow.OperationKind{escrow.OpTransfer},
			amounts: []int64{12300 - 615},
			txStatus: escrow.TransactionValidated, refundStatus: escrow.RefundNone, authAfter: escrow.AuthorizationCaptured,
		},
		{
			name: "full refund on canceled authorization", outcome: escrow.KindFullRefund, pct: 100, auth: escrow.AuthorizationCanceled,
			txStatus: escrow.TransactionRefunded, refundStatus: escrow.RefundFull, authAfter: escrow.AuthorizationCanceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			split, fee := mustSplit(t, amount, tt.pct)
			s, err := Plan(tt.outcome, tt.auth, amount, split, fee)
			require.NoError(t, err)
			assert.Equal(t, tt.steps, kinds(s))
			for i, st := range s.Steps {
				assert.Equal(t, tt.amounts[i], st.Amount, "step %d", i)
				if st.Kind == escrow.OpTransfer {
					assert.True(t, st.FromCharge)
				}
			}
			assert.Equal(t, tt.txStatus, s.TransactionStatus)
			assert.Equal(t, tt.refundStatus, s.RefundStatus)
			assert.Equal(t, tt.authAfter, s.AuthorizationAfter)
		})
	}
}

func TestPlan_NotActionable(t *testing.T) {
	split, fee := mustSplit(t, 1000, 50)
	for _, auth := range []escrow.AuthorizationState{escrow.AuthorizationCanceled, escrow.AuthorizationUnknown} {
		_, err := Plan(escrow.KindPartialRefund, auth, 1000, split, fee)
		require.Error(t, err)
		assert.True(t, apperror.IsKind(err, apperror.KindExecution))
		assert.Contains(t, err.Error(), "not refundable/capturable in status "+string(auth))
	}
	_, err := Plan(escrow.KindFullRefund, escrow.AuthorizationUnknown, 1000, split, fee)
	assert.True(t, apperror.IsKind(err, apperror.KindExecution))
}

func TestPlan_RejectsUnbalancedSplit(t *testing.T) {
	split, fee := mustSplit(t, 1000, 50)
	split.Seller++
	_, err := Plan(escrow.KindPartialRefund, escrow.AuthorizationHeld, 1000, split, fee)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestPlan_ZeroAmountMovesNothing(t *testing.T) {
	split, fee := mustSplit(t, 0, 0)
	s, err := Plan(escrow.KindNoRefund, escrow.AuthorizationHeld, 0, split, fee)
	require.NoError(t, err)
	assert.Empty(t, s.Steps)
	assert.Zero(t, PayeeShare(escrow.KindNoRefund, 0, split, fee))
}

func TestPayeeShare(t *testing.T) {
	tests := []struct {
		outcome escrow.ProposalKind
		amount  int64
		pct     int
		want    int64
	}{
		{escrow.KindFullRefund, 12300, 100, 0},
		{escrow.KindPartialRefund, 12300, 50, 5843},
		{escrow.KindPartialRefund, 12300, 100, 0},
		{escrow.KindNoRefund, 12300, 0, 11685},
		{escrow.KindNoRefund, 1000, 0, 950},
	}
	for _, tt := range tests {
		split, fee := mustSplit(t, tt.amount, tt.pct)
		if got := PayeeShare(tt.outcome, tt.amount, split, fee); got != tt.want {
			t.Errorf("PayeeShare(%s, %d, %d%%) = %d, want %d", tt.outcome, tt.amount, tt.pct, got, tt.want)
		}

		// Every plan that pays the payee transfers exactly this share.
		for _, auth := range []escrow.AuthorizationState{escrow.AuthorizationHeld, escrow.AuthorizationCaptured} {
			s, err := Plan(tt.outcome, auth, tt.amount, split, fee)
			if err != nil {
				t.Fatalf("Plan(%s, %s): %v", tt.outcome, auth, err)
			}
			if s.TransferAmount != tt.want {
				t.Errorf("Plan(%s, %s).TransferAmount = %d, want %d", tt.outcome, auth, s.TransferAmount, tt.want)
			}
		}
	}
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "settle_prp_1_0_capture", IdempotencyKey("prp_1", 0, escrow.OpCapture))
	assert.Equal(t, "settle_prp_1_1_refund", IdempotencyKey("prp_1", 1, escrow.OpRefund))
}

func TestExecutedSplit(t *testing.T) {
	split, _ := mustSplit(t, 12300, 100)
	full := ExecutedSplit(escrow.KindFullRefund, 12300, split)
	assert.Equal(t, int64(12300), full.Refund)
	assert.Zero(t, full.PlatformFee)
	assert.True(t, full.Balanced())

	partial, _ := mustSplit(t, 12300, 50)
	assert.Equal(t, partial, ExecutedSplit(escrow.KindPartialRefund, 12300, partial))
}
