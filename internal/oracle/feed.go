package oracle

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// Decimals is the canonical fixed-point scale of every normalised price.
const Decimals = 8

var (
	// ErrStaleOracleData is returned when a reading is older than the configured heartbeat.
	ErrStaleOracleData = errors.New("oracle: stale price data")
	// ErrInvalidPrice is returned for zero, negative or out-of-range readings.
	ErrInvalidPrice = errors.New("oracle: invalid price")
)

// Reading is a raw observation reported by an upstream feed.
type Reading struct {
	Value      *big.Int
	Decimals   uint8
	ObservedAt time.Time
}

// PriceFeed reports the latest price for a single currency pair.
type PriceFeed interface {
	LatestReading(ctx context.Context) (Reading, error)
}
