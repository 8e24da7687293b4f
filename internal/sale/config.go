package sale

import (
	"fmt"
	"math"
	"time"
)

const (
	// MaxSlippageBps caps the configurable tolerance at 5%.
	MaxSlippageBps = 500
	// DefaultSlippageBps is 1%.
	DefaultSlippageBps = 100

	bpsDenominator = 10_000
)

// Config holds the owner-tunable sale parameters. Prices are integral
// reference-currency cents. Values are immutable once published; setters
// publish a modified copy.
type Config struct {
	StageDuration      time.Duration
	StageCount         int
	InitialPrice       uint64
	PriceIncrement     uint64
	LaunchPriceCeiling uint64
	SlippageBps        uint16
	OracleStaleness    time.Duration
}

// DefaultConfig returns a twelve one-week stage ramp from 0.35 to at most 1.00.
func DefaultConfig() Config {
	return Config{
		StageDuration:      7 * 24 * time.Hour,
		StageCount:         12,
		InitialPrice:       35,
		PriceIncrement:     5,
		LaunchPriceCeiling: 100,
		SlippageBps:        DefaultSlippageBps,
		OracleStaleness:    time.Hour,
	}
}

// Validate checks every field against its declared range.
func (c Config) Validate() error {
	if c.StageDuration <= 0 {
		return fmt.Errorf("%w: stage duration must be positive", ErrInvalidConfig)
	}
	if c.StageCount < 1 {
		return fmt.Errorf("%w: stage count must be at least 1", ErrInvalidConfig)
	}
	if int64(c.StageCount) > math.MaxInt64/int64(c.StageDuration) {
		return fmt.Errorf("%w: sale window overflows", ErrInvalidConfig)
	}
	if c.InitialPrice > c.LaunchPriceCeiling {
		return fmt.Errorf("%w: initial price %d above ceiling %d", ErrInvalidConfig, c.InitialPrice, c.LaunchPriceCeiling)
	}
	if c.SlippageBps > MaxSlippageBps {
		return fmt.Errorf("%w: slippage %d bps above %d", ErrInvalidConfig, c.SlippageBps, MaxSlippageBps)
	}
	if c.OracleStaleness <= 0 {
		return fmt.Errorf("%w: oracle staleness must be positive", ErrInvalidConfig)
	}
	return nil
}

// Window is the total sale length.
func (c Config) Window() time.Duration {
	return c.StageDuration * time.Duration(c.StageCount)
}
