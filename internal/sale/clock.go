package sale

import (
	"time"

	"github.com/holiman/uint256"
)

// State is the sale lifecycle state. A zero Start means the sale was never scheduled.
type State struct {
	Start        time.Time
	TotalSold    *uint256.Int
	UnsoldBurned bool
}

// Started reports whether a start time has been set (it may still be in the future).
func (s State) Started() bool {
	return !s.Start.IsZero()
}

func (s State) clone() State {
	out := State{Start: s.Start, TotalSold: new(uint256.Int), UnsoldBurned: s.UnsoldBurned}
	if s.TotalSold != nil {
		out.TotalSold.Set(s.TotalSold)
	}
	return out
}

// CurrentStage returns the zero-based stage active at now.
func CurrentStage(now time.Time, cfg Config, st State) (int, error) {
	if !st.Started() || now.Before(st.Start) {
		return 0, ErrNotStarted
	}
	end := st.Start.Add(cfg.Window())
	if !now.Before(end) {
		return 0, ErrEnded
	}
	return int(now.Sub(st.Start) / cfg.StageDuration), nil
}

// SaleEnd returns the instant the last stage closes, or false when unscheduled.
func SaleEnd(cfg Config, st State) (time.Time, bool) {
	if !st.Started() {
		return time.Time{}, false
	}
	return st.Start.Add(cfg.Window()), true
}
