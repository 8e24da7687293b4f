package sale

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// guard rejects any settlement or withdrawal entered while another is in
// flight on the same engine. It never waits; callers that need queueing
// serialise before calling in.
type guard struct {
	mu sync.Mutex
}

func (g *guard) enter() (func(), error) {
	if !g.mu.TryLock() {
		return nil, ErrReentrantCall
	}
	return g.mu.Unlock, nil
}

// unwind holds compensating transfers for the external effects of a call
// that has not yet committed.
type unwind struct {
	steps []compensation
}

type compensation struct {
	ledger   Ledger
	from, to common.Address
	amount   *uint256.Int
	label    string
	// after runs once the transfer has been reversed.
	after func(ctx context.Context) error
}

func (u *unwind) push(c compensation) {
	u.steps = append(u.steps, c)
}

// amend replaces the amount of the most recent step.
func (u *unwind) amend(amount *uint256.Int) {
	if len(u.steps) == 0 {
		return
	}
	u.steps[len(u.steps)-1].amount = amount
}

func (u *unwind) run(ctx context.Context, logger zerolog.Logger) {
	for i := len(u.steps) - 1; i >= 0; i-- {
		step := u.steps[i]
		if step.amount == nil || step.amount.IsZero() {
			continue
		}
		if err := step.ledger.Transfer(ctx, step.from, step.to, step.amount); err != nil {
			logger.Error().Err(err).
				Str("step", step.label).
				Str("from", step.from.Hex()).
				Str("to", step.to.Hex()).
				Str("amount", step.amount.Dec()).
				Msg("compensating transfer failed")
			continue
		}
		if step.after != nil {
			if err := step.after(ctx); err != nil {
				logger.Error().Err(err).Str("step", step.label).Msg("compensation follow-up failed")
			}
		}
	}
	u.steps = nil
}
