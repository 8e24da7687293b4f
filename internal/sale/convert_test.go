package sale

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presale-settlement/internal/oracle"
)

func nativeQuery(quantity uint64, rate uint64) PaymentQuery {
	return PaymentQuery{
		Kind:            AssetNative,
		Quantity:        uint256.NewInt(quantity),
		UnitPrice:       uint256.NewInt(35),
		ReferenceRate:   uint256.NewInt(100_000_000),
		PaymentRate:     uint256.NewInt(rate),
		PaymentDecimals: 18,
		SaleDecimals:    18,
	}
}

func TestRequiredPaymentNativeExample(t *testing.T) {
	got, err := RequiredPayment(nativeQuery(100, 200_000_000_000))
	require.NoError(t, err)
	// 100 * 1e8 * 35 * 1e8 / 2e11
	assert.Equal(t, uint64(175_000_000), got.Uint64())
}

func TestRequiredPaymentNativeExponentFollowsDecimals(t *testing.T) {
	q := nativeQuery(100, 200_000_000_000)
	q.PaymentDecimals = 12
	got, err := RequiredPayment(q)
	require.NoError(t, err)
	// exponent 12-8-2 = 2
	assert.Equal(t, uint64(175), got.Uint64())
}

func TestRequiredPaymentToken(t *testing.T) {
	quantity, err := uint256.FromDecimal("1000000000000000000000000")
	require.NoError(t, err)

	got, err := RequiredPayment(PaymentQuery{
		Kind:            AssetToken,
		Quantity:        quantity,
		UnitPrice:       uint256.NewInt(35),
		ReferenceRate:   uint256.NewInt(100_000_000),
		PaymentRate:     uint256.NewInt(100_000_000),
		PaymentDecimals: 6,
		SaleDecimals:    18,
	})
	require.NoError(t, err)
	// 1e24 * 1e8 * 35 / 1e8 / 1e20
	assert.Equal(t, uint64(350_000), got.Uint64())
}

func TestRequiredPaymentIsLinearUpToTruncation(t *testing.T) {
	const rate = 300_000_000_000
	unit, err := RequiredPayment(nativeQuery(1, rate))
	require.NoError(t, err)

	for _, q := range []uint64{1, 2, 7, 100, 12_345, 1_000_000} {
		got, err := RequiredPayment(nativeQuery(q, rate))
		require.NoError(t, err)

		floor := new(uint256.Int).Mul(unit, uint256.NewInt(q))
		ceil := new(uint256.Int).Mul(new(uint256.Int).AddUint64(unit, 1), uint256.NewInt(q))
		assert.False(t, got.Lt(floor), "q=%d: %s below %s", q, got.Dec(), floor.Dec())
		assert.True(t, got.Lt(ceil), "q=%d: %s not below %s", q, got.Dec(), ceil.Dec())
	}
}

func TestRequiredPaymentRejectsZeroRate(t *testing.T) {
	_, err := RequiredPayment(nativeQuery(1, 0))
	require.ErrorIs(t, err, oracle.ErrInvalidPrice)
}

func TestRequiredPaymentOverflow(t *testing.T) {
	q := nativeQuery(1, 1)
	q.Quantity = new(uint256.Int).SetAllOne()
	_, err := RequiredPayment(q)
	require.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestLowerBound(t *testing.T) {
	lower, err := LowerBound(uint256.NewInt(175_000_000), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(173_250_000), lower.Uint64())

	lower, err = LowerBound(uint256.NewInt(999), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(999), lower.Uint64())

	lower, err = LowerBound(uint256.NewInt(3), 500)
	require.NoError(t, err)
	// 3 * 9500 / 10000 truncates to 2
	assert.Equal(t, uint64(2), lower.Uint64())
}
