package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Adapter validates feed readings and rescales them to Decimals.
//
// Every call reads the feed again; nothing is cached between calls, so two
// reads made during one purchase are only individually bounded by the
// staleness window.
type Adapter struct {
	logger zerolog.Logger
}

// NewAdapter constructs an Adapter.
func NewAdapter(logger zerolog.Logger) *Adapter {
	return &Adapter{logger: logger.With().Str("component", "oracle_adapter").Logger()}
}

// LatestPrice returns the feed price at 8 decimals, rejecting readings older than staleness.
func (a *Adapter) LatestPrice(ctx context.Context, feed PriceFeed, now time.Time, staleness time.Duration) (*uint256.Int, error) {
	if feed == nil {
		return nil, fmt.Errorf("%w: feed not configured", ErrInvalidPrice)
	}

	reading, err := feed.LatestReading(ctx)
	if err != nil {
		return nil, fmt.Errorf("read price feed: %w", err)
	}

	if reading.Value == nil || reading.Value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive answer", ErrInvalidPrice)
	}

	age := now.Sub(reading.ObservedAt)
	if age > staleness {
		a.logger.Warn().
			Time("observed_at", reading.ObservedAt).
			Dur("age", age).
			Dur("heartbeat", staleness).
			Msg("rejecting stale price reading")
		return nil, fmt.Errorf("%w: observed %s ago, heartbeat %s", ErrStaleOracleData, age.Truncate(time.Second), staleness)
	}

	value, overflow := uint256.FromBig(reading.Value)
	if overflow {
		return nil, fmt.Errorf("%w: answer exceeds 256 bits", ErrInvalidPrice)
	}

	price, err := Normalize(value, reading.Decimals)
	if err != nil {
		return nil, err
	}
	if price.IsZero() {
		return nil, fmt.Errorf("%w: answer %s at %d decimals rounds to zero", ErrInvalidPrice, value.Dec(), reading.Decimals)
	}
	return price, nil
}

// Normalize rescales value from decimals to Decimals. Scaling down truncates.
func Normalize(value *uint256.Int, decimals uint8) (*uint256.Int, error) {
	out := new(uint256.Int).Set(value)
	switch {
	case decimals == Decimals:
		return out, nil
	case decimals < Decimals:
		factor := Pow10(uint(Decimals - decimals))
		if _, overflow := out.MulOverflow(out, factor); overflow {
			return nil, fmt.Errorf("%w: scaled answer exceeds 256 bits", ErrInvalidPrice)
		}
		return out, nil
	default:
		shift := uint(decimals - Decimals)
		if shift > maxPow10 {
			return new(uint256.Int), nil
		}
		return out.Div(out, Pow10(shift)), nil
	}
}

// maxPow10 is the largest n with 10^n below 2^256.
const maxPow10 = 77

// Pow10 returns 10^n. n must not exceed 77.
func Pow10(n uint) *uint256.Int {
	if n > maxPow10 {
		panic(fmt.Sprintf("oracle: 10^%d overflows 256 bits", n))
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}
