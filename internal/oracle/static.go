package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// Static serves a fixed reading. Used by simulations and tests.
type Static struct {
	mu      sync.RWMutex
	reading Reading
	err     error
	clock   func() time.Time
}

// NewStatic returns a feed reporting value at decimals, observed at observedAt.
func NewStatic(value int64, decimals uint8, observedAt time.Time) *Static {
	return &Static{reading: Reading{Value: big.NewInt(value), Decimals: decimals, ObservedAt: observedAt}}
}

// NewLiveStatic returns a feed reporting value at decimals as observed at clock().
func NewLiveStatic(value int64, decimals uint8, clock func() time.Time) *Static {
	return &Static{reading: Reading{Value: big.NewInt(value), Decimals: decimals}, clock: clock}
}

// Set replaces the served reading.
func (s *Static) Set(reading Reading) {
	s.mu.Lock()
	s.reading = reading
	s.err = nil
	s.mu.Unlock()
}

// Fail makes subsequent reads return err.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// LatestReading implements PriceFeed.
func (s *Static) LatestReading(ctx context.Context) (Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return Reading{}, s.err
	}
	out := s.reading
	if s.clock != nil {
		out.ObservedAt = s.clock()
	}
	if out.Value != nil {
		out.Value = new(big.Int).Set(out.Value)
	}
	return out, nil
}

var _ PriceFeed = (*Static)(nil)
