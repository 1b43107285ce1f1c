package money

import (
	"testing"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeFee_EvenSplit(t *testing.T) {
	fee, err := ComputeFee(1000, 50)
	require.NoError(t, err)

	assert.Equal(t, FeeBreakdown{TotalFee: 50, BuyerFee: 25, SellerFee: 25}, fee)
}

func TestComputeFee_SellerShareBySubtraction(t *testing.T) {
	// 5% of 1010 = 50.5 -> 51; 51 * 33% = 16.83 -> 17; seller keeps 34.
	fee, err := ComputeFee(1010, 33)
	require.NoError(t, err)

	assert.Equal(t, int64(51), fee.TotalFee)
	assert.Equal(t, int64(17), fee.BuyerFee)
	assert.Equal(t, int64(34), fee.SellerFee)
}

func TestComputeFee_Rejects(t *testing.T) {
	_, err := ComputeFee(-1, 50)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))

	_, err = ComputeFee(100, -1)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))

	_, err = ComputeFee(100, 101)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestComputeRefund_FeeFirstThenSplit(t *testing.T) {
	split, err := ComputeRefund(12300, 50)
	require.NoError(t, err)

	assert.Equal(t, int64(615), split.PlatformFee)
	assert.Equal(t, int64(11685), split.Base)
	assert.Equal(t, int64(5842), split.Refund)
	assert.Equal(t, int64(5843), split.Seller)
	assert.True(t, split.Balanced())
}

func TestComputeRefund_ZeroAmount(t *testing.T) {
	split, err := ComputeRefund(0, 37)
	require.NoError(t, err)

	assert.Zero(t, split.PlatformFee)
	assert.Zero(t, split.Refund)
	assert.Zero(t, split.Seller)
	assert.Zero(t, split.Base)
}

func TestComputeRefund_Boundaries(t *testing.T) {
	for _, p := range []int{-1, 101} {
		_, err := ComputeRefund(10000, p)
		assert.True(t, apperror.IsKind(err, apperror.KindValidation), "percentage %d", p)
	}

	_, err := ComputeRefund(-1, 50)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))

	full, err := ComputeRefund(10000, 100)
	require.NoError(t, err)
	assert.Equal(t, full.Base, full.Refund)
	assert.Zero(t, full.Seller)

	none, err := ComputeRefund(10000, 0)
	require.NoError(t, err)
	assert.Zero(t, none.Refund)
	assert.Equal(t, none.Base, none.Seller)
}

func TestComputeRefund_AlwaysBalances(t *testing.T) {
	amounts := []string{"0.01", "0.99", "1.00", "7.77", "19.99", "123.45", "999.99", "1000.01", "31415.92"}
	for _, s := range amounts {
		amount, err := Parse(s, "eur")
		require.NoError(t, err)

		for p := 0; p <= 100; p++ {
			split, err := ComputeRefund(amount, p)
			require.NoError(t, err)
			if !split.Balanced() {
				t.Fatalf("amount=%s pct=%d: %d+%d+%d != %d", s, p, split.Refund, split.Seller, split.PlatformFee, split.Total)
			}
			// The fee never depends on the percentage.
			assert.Equal(t, PlatformFee(amount), split.PlatformFee)
			assert.GreaterOrEqual(t, split.Refund, int64(0))
			assert.GreaterOrEqual(t, split.Seller, int64(0))
		}
	}
}

func TestPlatformFee_RoundsHalfUp(t *testing.T) {
	// 12345 * 5% = 617.25 -> 617; 12350 * 5% = 617.5 -> 618
	assert.Equal(t, int64(617), PlatformFee(12345))
	assert.Equal(t, int64(618), PlatformFee(12350))
	assert.Equal(t, int64(0), PlatformFee(9))
	assert.Equal(t, int64(1), PlatformFee(10))
}

func TestParse(t *testing.T) {
	tests := []struct {
		in       string
		currency string
		want     int64
		wantErr  bool
	}{
		{"123.45", "eur", 12345, false},
		{"123", "eur", 12300, false},
		{"123.4", "chf", 12340, false},
		{".5", "usd", 50, false},
		{"1500", "jpy", 1500, false},
		{"15.5", "jpy", 0, true},
		{"1.234", "eur", 0, true},
		{"-1", "eur", 0, true},
		{"1.2.3", "eur", 0, true},
		{"abc", "eur", 0, true},
		{"", "eur", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in, tt.currency)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "123.45", Format(12345, "eur"))
	assert.Equal(t, "0.05", Format(5, "eur"))
	assert.Equal(t, "-1.00", Format(-100, "usd"))
	assert.Equal(t, "1500", Format(1500, "JPY"))
}
