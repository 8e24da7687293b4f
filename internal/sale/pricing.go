package sale

import (
	"time"

	"github.com/holiman/uint256"
)

// PriceAtStage returns min(initial + increment*stage, ceiling) in cents.
func PriceAtStage(cfg Config, stage int) *uint256.Int {
	if stage < 0 {
		stage = 0
	}
	raw := new(uint256.Int).Mul(uint256.NewInt(cfg.PriceIncrement), uint256.NewInt(uint64(stage)))
	raw.Add(raw, uint256.NewInt(cfg.InitialPrice))

	ceiling := uint256.NewInt(cfg.LaunchPriceCeiling)
	if raw.Gt(ceiling) {
		return ceiling
	}
	return raw
}

// CurrentUnitPrice returns the unit price at now, failing with ErrNotStarted or ErrEnded.
func CurrentUnitPrice(now time.Time, cfg Config, st State) (*uint256.Int, error) {
	stage, err := CurrentStage(now, cfg, st)
	if err != nil {
		return nil, err
	}
	return PriceAtStage(cfg, stage), nil
}
