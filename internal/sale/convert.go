package sale

import (
	"fmt"

	"github.com/holiman/uint256"

	"presale-settlement/internal/oracle"
)

// AssetKind distinguishes value sent with the call from pulled token allowances.
type AssetKind int

const (
	AssetNative AssetKind = iota
	AssetToken
)

func (k AssetKind) String() string {
	if k == AssetNative {
		return "native"
	}
	return "token"
}

// centDecimals is the scale of unit prices.
const centDecimals = 2

// PaymentQuery carries the inputs of a payment conversion. Rates are 8-decimal oracle values.
type PaymentQuery struct {
	Kind            AssetKind
	Quantity        *uint256.Int
	UnitPrice       *uint256.Int
	ReferenceRate   *uint256.Int
	PaymentRate     *uint256.Int
	PaymentDecimals uint8
	SaleDecimals    uint8
}

// RequiredPayment converts quantity sale units at UnitPrice cents into payment asset base units.
//
// Native assets:  q * ref * price * 10^(paymentDecimals-10) / rate
// Token assets:   q * ref * price / rate / 10^(saleDecimals-paymentDecimals+8)
//
// The native exponent is 8 for an 18-decimal asset. Multiplications precede
// divisions and every division truncates.
func RequiredPayment(q PaymentQuery) (*uint256.Int, error) {
	if q.PaymentRate == nil || q.PaymentRate.IsZero() {
		return nil, fmt.Errorf("%w: zero payment asset rate", oracle.ErrInvalidPrice)
	}
	if q.Quantity == nil || q.UnitPrice == nil || q.ReferenceRate == nil {
		return nil, fmt.Errorf("%w: incomplete payment query", ErrInvalidConfig)
	}

	num, err := mulChecked(q.Quantity, q.ReferenceRate, q.UnitPrice)
	if err != nil {
		return nil, err
	}

	var exp int
	switch q.Kind {
	case AssetNative:
		exp = int(q.PaymentDecimals) - oracle.Decimals - centDecimals
	case AssetToken:
		exp = -(int(q.SaleDecimals) - int(q.PaymentDecimals) + oracle.Decimals)
	default:
		return nil, ErrUnsupportedAsset
	}

	if exp >= 0 {
		scale, err := pow10(exp)
		if err != nil {
			return nil, err
		}
		if num, err = mulChecked(num, scale); err != nil {
			return nil, err
		}
		return num.Div(num, q.PaymentRate), nil
	}

	scale, err := pow10(-exp)
	if err != nil {
		// 10^n beyond 256 bits exceeds any numerator.
		return new(uint256.Int), nil
	}
	num.Div(num, q.PaymentRate)
	return num.Div(num, scale), nil
}

// LowerBound returns required*(10000-bps)/10000.
func LowerBound(required *uint256.Int, bps uint16) (*uint256.Int, error) {
	if bps > bpsDenominator {
		return nil, fmt.Errorf("%w: slippage %d bps", ErrInvalidConfig, bps)
	}
	out, err := mulChecked(required, uint256.NewInt(uint64(bpsDenominator-bps)))
	if err != nil {
		return nil, err
	}
	return out.Div(out, uint256.NewInt(bpsDenominator)), nil
}

func mulChecked(factors ...*uint256.Int) (*uint256.Int, error) {
	out := uint256.NewInt(1)
	for _, f := range factors {
		if _, overflow := out.MulOverflow(out, f); overflow {
			return nil, ErrArithmeticOverflow
		}
	}
	return out, nil
}

func pow10(n int) (*uint256.Int, error) {
	if n < 0 || n > 77 {
		return nil, ErrArithmeticOverflow
	}
	return oracle.Pow10(uint(n)), nil
}
