// Package sale implements the presale stage clock, pricing ramp, oracle-fed
// currency conversion, purchase settlement and treasury withdrawals.
package sale

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"presale-settlement/internal/auth"
	"presale-settlement/internal/oracle"
)

// Ledger is the balance capability the engine needs from an asset.
type Ledger interface {
	BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
}

// AllowanceLedger is a Ledger supporting pre-approved pulls.
type AllowanceLedger interface {
	Ledger
	Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error)
	Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error
}

// Burner destroys supply held by an account.
type Burner interface {
	Burn(ctx context.Context, caller, from common.Address, amount *uint256.Int) error
}

// PaymentAsset describes an accepted payment currency.
type PaymentAsset struct {
	Symbol   string
	Kind     AssetKind
	Decimals uint8
	Feed     oracle.PriceFeed
	Ledger   Ledger
}

type rail struct {
	PaymentAsset
	allowances AllowanceLedger
}

// Options configure an Engine.
type Options struct {
	Config        Config
	Gate          auth.Gate
	SaleToken     Ledger
	SaleDecimals  uint8
	Holder        common.Address
	ReferenceFeed oracle.PriceFeed
	Assets        []PaymentAsset
	Clock         func() time.Time
	Logger        zerolog.Logger
}

// Engine settles purchases against a single settlement holder.
type Engine struct {
	cfg   atomic.Pointer[Config]
	cfgMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	gate          auth.Gate
	saleToken     Ledger
	saleDecimals  uint8
	holder        common.Address
	referenceFeed oracle.PriceFeed
	rails         map[string]*rail
	adapter       *oracle.Adapter
	clock         func() time.Time
	logger        zerolog.Logger

	guard     guard
	recorders []Recorder
}

// NewEngine validates opts and builds an engine in the not-started state.
func NewEngine(opts Options) (*Engine, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Gate == nil {
		return nil, errors.New("authorization gate required")
	}
	if opts.SaleToken == nil {
		return nil, errors.New("sale token ledger required")
	}
	if opts.Holder == (common.Address{}) {
		return nil, fmt.Errorf("%w: settlement holder", ErrZeroAddress)
	}
	if opts.ReferenceFeed == nil {
		return nil, errors.New("reference currency feed required")
	}
	if len(opts.Assets) == 0 {
		return nil, errors.New("at least one payment asset required")
	}

	rails := make(map[string]*rail, len(opts.Assets))
	for _, asset := range opts.Assets {
		key := normalizeSymbol(asset.Symbol)
		if key == "" {
			return nil, errors.New("payment asset missing symbol")
		}
		if _, dup := rails[key]; dup {
			return nil, fmt.Errorf("payment asset %s configured twice", key)
		}
		if asset.Feed == nil || asset.Ledger == nil {
			return nil, fmt.Errorf("payment asset %s requires a feed and a ledger", key)
		}
		r := &rail{PaymentAsset: asset}
		r.Symbol = key
		if asset.Kind == AssetToken {
			al, ok := asset.Ledger.(AllowanceLedger)
			if !ok {
				return nil, fmt.Errorf("payment asset %s ledger does not support allowances", key)
			}
			r.allowances = al
		}
		rails[key] = r
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		state:         State{TotalSold: new(uint256.Int)},
		gate:          opts.Gate,
		saleToken:     opts.SaleToken,
		saleDecimals:  opts.SaleDecimals,
		holder:        opts.Holder,
		referenceFeed: opts.ReferenceFeed,
		rails:         rails,
		adapter:       oracle.NewAdapter(opts.Logger),
		clock:         clock,
		logger:        opts.Logger.With().Str("component", "sale_engine").Logger(),
	}
	cfg := opts.Config
	e.cfg.Store(&cfg)
	return e, nil
}

// AddRecorder registers a sink for sale and withdrawal records.
func (e *Engine) AddRecorder(r Recorder) {
	e.recorders = append(e.recorders, r)
}

// Config returns the current configuration snapshot.
func (e *Engine) Config() Config {
	return *e.cfg.Load()
}

// State returns a copy of the lifecycle state.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state.clone()
}

// Restore replaces the lifecycle state, e.g. from persistent storage at boot.
func (e *Engine) Restore(st State) {
	e.stateMu.Lock()
	e.state = st.clone()
	e.stateMu.Unlock()
}

// Holder returns the settlement holder address.
func (e *Engine) Holder() common.Address { return e.holder }

// SaleDecimals returns the sale asset precision.
func (e *Engine) SaleDecimals() uint8 { return e.saleDecimals }

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time { return e.clock() }

// Assets lists accepted payment assets sorted by symbol.
func (e *Engine) Assets() []PaymentAsset {
	out := make([]PaymentAsset, 0, len(e.rails))
	for _, r := range e.rails {
		out = append(out, r.PaymentAsset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// StartSale schedules the first stage at at, or now when at is zero.
// A pending start may be moved; once reached it is fixed.
func (e *Engine) StartSale(ctx context.Context, caller common.Address, at time.Time) (time.Time, error) {
	if err := e.authorize(caller); err != nil {
		return time.Time{}, err
	}

	now := e.clock()
	if at.IsZero() {
		at = now
	}
	if at.Before(now) {
		return time.Time{}, ErrInvalidStart
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.state.Started() && !now.Before(e.state.Start) {
		return time.Time{}, ErrAlreadyStarted
	}
	e.state.Start = at.UTC()

	e.logger.Info().Time("start", e.state.Start).Str("caller", caller.Hex()).Msg("sale start scheduled")
	return e.state.Start, nil
}

// CheckTransfer enforces the sale-asset transfer lock: until the sale ends,
// only mints and movements out of the settlement holder are allowed.
func (e *Engine) CheckTransfer(from, to common.Address) error {
	if from == (common.Address{}) || from == e.holder {
		return nil
	}
	end, ok := SaleEnd(e.Config(), e.State())
	if ok && !e.clock().Before(end) {
		return nil
	}
	return ErrTransfersLocked
}

// Status summarises the sale at the engine clock.
type Status struct {
	Now       time.Time
	Start     time.Time
	End       time.Time
	Started   bool
	Active    bool
	Stage     int
	UnitPrice *uint256.Int
	TotalSold *uint256.Int
	Stock     *uint256.Int
	Config    Config
}

// Status reports lifecycle, current price and inventory.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	cfg := e.Config()
	st := e.State()
	now := e.clock()

	out := Status{Now: now, Start: st.Start, Started: st.Started(), TotalSold: st.TotalSold, Config: cfg}
	if end, ok := SaleEnd(cfg, st); ok {
		out.End = end
	}
	if stage, err := CurrentStage(now, cfg, st); err == nil {
		out.Active = true
		out.Stage = stage
		out.UnitPrice = PriceAtStage(cfg, stage)
	}

	stock, err := e.saleToken.BalanceOf(ctx, e.holder)
	if err != nil {
		return Status{}, fmt.Errorf("read holder inventory: %w", err)
	}
	out.Stock = stock
	return out, nil
}

func (e *Engine) authorize(caller common.Address) error {
	if err := e.gate.Authorize(caller); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

func (e *Engine) lookup(symbol string) (*rail, error) {
	r, ok := e.rails[normalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAsset, symbol)
	}
	return r, nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
