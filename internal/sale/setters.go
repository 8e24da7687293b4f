package sale

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Setters are owner-gated and not reentrancy-guarded. Changes apply to every
// call that starts afterwards, including calls in the middle of a stage.

func (e *Engine) SetStageDuration(caller common.Address, d time.Duration) error {
	return e.updateConfig(caller, "stage_duration", func(c *Config) error {
		if c.StageDuration == d {
			return ErrNoChange
		}
		c.StageDuration = d
		return nil
	})
}

func (e *Engine) SetStageCount(caller common.Address, n int) error {
	return e.updateConfig(caller, "stage_count", func(c *Config) error {
		if c.StageCount == n {
			return ErrNoChange
		}
		c.StageCount = n
		return nil
	})
}

func (e *Engine) SetInitialPrice(caller common.Address, cents uint64) error {
	return e.updateConfig(caller, "initial_price", func(c *Config) error {
		if c.InitialPrice == cents {
			return ErrNoChange
		}
		c.InitialPrice = cents
		return nil
	})
}

func (e *Engine) SetPriceIncrement(caller common.Address, cents uint64) error {
	return e.updateConfig(caller, "price_increment", func(c *Config) error {
		if c.PriceIncrement == cents {
			return ErrNoChange
		}
		c.PriceIncrement = cents
		return nil
	})
}

func (e *Engine) SetLaunchPriceCeiling(caller common.Address, cents uint64) error {
	return e.updateConfig(caller, "launch_price_ceiling", func(c *Config) error {
		if c.LaunchPriceCeiling == cents {
			return ErrNoChange
		}
		c.LaunchPriceCeiling = cents
		return nil
	})
}

// SetSlippageTolerance accepts 0..MaxSlippageBps.
func (e *Engine) SetSlippageTolerance(caller common.Address, bps uint16) error {
	return e.updateConfig(caller, "slippage_bps", func(c *Config) error {
		if c.SlippageBps == bps {
			return ErrNoChange
		}
		c.SlippageBps = bps
		return nil
	})
}

func (e *Engine) SetOracleStaleness(caller common.Address, d time.Duration) error {
	return e.updateConfig(caller, "oracle_staleness", func(c *Config) error {
		if c.OracleStaleness == d {
			return ErrNoChange
		}
		c.OracleStaleness = d
		return nil
	})
}

func (e *Engine) updateConfig(caller common.Address, field string, mutate func(*Config) error) error {
	if err := e.authorize(caller); err != nil {
		return err
	}

	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	next := *e.cfg.Load()
	if err := mutate(&next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("set %s: %w", field, err)
	}
	e.cfg.Store(&next)

	e.logger.Info().Str("field", field).Str("caller", caller.Hex()).Msg("sale configuration updated")
	return nil
}
