package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"presale-settlement/internal/alerting"
	"presale-settlement/internal/auth"
	"presale-settlement/internal/ledger"
	"presale-settlement/internal/metrics"
	"presale-settlement/internal/oracle"
	"presale-settlement/internal/sale"
	"presale-settlement/internal/scheduler"
	"presale-settlement/internal/storage"
)

// ErrBusy is returned when the settlement slot could not be acquired in time.
var ErrBusy = errors.New("service: settlement busy")

// Options wires the service collaborators. Stores, notifier and metrics are optional.
type Options struct {
	Engine    *sale.Engine
	Tokens    *ledger.Registry
	Scheduler *scheduler.Scheduler

	Sales       storage.SaleStore
	Withdrawals storage.WithdrawalStore
	Snapshots   storage.SnapshotStore
	States      storage.StateStore
	Alerts      storage.AlertStore
	Locker      storage.AdvisoryLocker
	LockKey     int64

	Notifier      alerting.Notifier
	Channels      []string
	LargePurchase decimal.Decimal
	Cooldown      time.Duration

	Metrics        *metrics.Metrics
	AcquireTimeout time.Duration
	Logger         zerolog.Logger
}

// Service serialises engine calls and fans their results out to storage, metrics and alerts.
type Service struct {
	engine    *sale.Engine
	tokens    *ledger.Registry
	scheduler *scheduler.Scheduler

	sales       storage.SaleStore
	withdrawals storage.WithdrawalStore
	snapshots   storage.SnapshotStore
	states      storage.StateStore
	alerts      storage.AlertStore
	locker      storage.AdvisoryLocker
	lockKey     int64

	notifier      alerting.Notifier
	channels      []string
	largePurchase decimal.Decimal
	cooldown      time.Duration

	metrics        *metrics.Metrics
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	logger         zerolog.Logger

	alertMu    sync.Mutex
	lastAlerts map[string]time.Time
}

// New constructs the service and registers it as the engine's recorder.
func New(opts Options) (*Service, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("sale engine not configured")
	}
	timeout := opts.AcquireTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s := &Service{
		engine:         opts.Engine,
		tokens:         opts.Tokens,
		scheduler:      opts.Scheduler,
		sales:          opts.Sales,
		withdrawals:    opts.Withdrawals,
		snapshots:      opts.Snapshots,
		states:         opts.States,
		alerts:         opts.Alerts,
		locker:         opts.Locker,
		lockKey:        opts.LockKey,
		notifier:       opts.Notifier,
		channels:       opts.Channels,
		largePurchase:  opts.LargePurchase,
		cooldown:       opts.Cooldown,
		metrics:        opts.Metrics,
		sem:            semaphore.NewWeighted(1),
		acquireTimeout: timeout,
		logger:         opts.Logger.With().Str("component", "service").Logger(),
		lastAlerts:     make(map[string]time.Time),
	}
	opts.Engine.AddRecorder(s)
	return s, nil
}

// Engine exposes the wrapped engine for read-only queries.
func (s *Service) Engine() *sale.Engine { return s.engine }

// Restore loads the persisted lifecycle state into the engine.
func (s *Service) Restore(ctx context.Context) error {
	if s.states == nil {
		return nil
	}
	st, ok, err := s.states.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load sale state: %w", err)
	}
	if !ok {
		s.logger.Info().Msg("no persisted sale state, starting fresh")
		return nil
	}

	sold, overflow := uint256.FromBig(st.TotalSold.BigInt())
	if overflow || st.TotalSold.IsNegative() {
		return fmt.Errorf("persisted total sold %s out of range", st.TotalSold.String())
	}
	restored := sale.State{TotalSold: sold, UnsoldBurned: st.UnsoldBurned}
	if st.StartAt != nil {
		restored.Start = st.StartAt.UTC()
	}
	s.engine.Restore(restored)

	s.logger.Info().
		Time("start", restored.Start).
		Str("total_sold", sold.Dec()).
		Bool("unsold_burned", st.UnsoldBurned).
		Msg("sale state restored")
	return nil
}

// Run begins the aligned sampling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// Purchase settles req through the engine.
func (s *Service) Purchase(ctx context.Context, req sale.PurchaseRequest) (sale.Receipt, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return sale.Receipt{}, err
	}
	defer release()

	receipt, err := s.engine.Purchase(ctx, req)
	if s.metrics != nil {
		code, asset := "OK", strings.ToUpper(strings.TrimSpace(req.Asset))
		if err != nil {
			code = sale.CodeOf(err)
		}
		if errors.Is(err, sale.ErrUnsupportedAsset) {
			asset = "unknown"
		}
		s.metrics.ObservePurchase(asset, code)
	}
	if err != nil {
		return sale.Receipt{}, err
	}

	s.saveState(ctx)
	s.announcePurchase(ctx, receipt)
	return receipt, nil
}

// Quote prices a purchase without settling it.
func (s *Service) Quote(ctx context.Context, asset string, quantity *uint256.Int) (sale.Quote, error) {
	return s.engine.Quote(ctx, asset, quantity)
}

// Status reports the sale lifecycle.
func (s *Service) Status(ctx context.Context) (sale.Status, error) {
	return s.engine.Status(ctx)
}

// StartSale schedules the first stage.
func (s *Service) StartSale(ctx context.Context, caller common.Address, at time.Time) (time.Time, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer release()

	start, err := s.engine.StartSale(ctx, caller, at)
	if err != nil {
		return time.Time{}, err
	}
	s.saveState(ctx)
	return start, nil
}

// Withdraw moves amount of asset out of the settlement holder. A nil amount withdraws everything.
func (s *Service) Withdraw(ctx context.Context, caller common.Address, asset string, to common.Address, amount *uint256.Int) (sale.Withdrawal, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return sale.Withdrawal{}, err
	}
	defer release()

	if amount == nil {
		return s.engine.WithdrawAll(ctx, caller, asset, to)
	}
	return s.engine.Withdraw(ctx, caller, asset, to, amount)
}

// BurnUnsold burns the remaining inventory after the sale.
func (s *Service) BurnUnsold(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	burned, err := s.engine.BurnUnsold(ctx, caller)
	if err != nil {
		return nil, err
	}
	s.saveState(ctx)
	return burned, nil
}

// ConfigUpdate lists the sale parameters to change. Nil fields are left alone.
type ConfigUpdate struct {
	StageDuration      *time.Duration
	StageCount         *int
	InitialPrice       *uint64
	PriceIncrement     *uint64
	LaunchPriceCeiling *uint64
	SlippageBps        *uint16
	OracleStaleness    *time.Duration
}

// UpdateConfig applies each present field in order and returns the names of the
// fields that changed. It stops at the first rejected field; earlier fields stay
// applied. It fails with sale.ErrNoChange when nothing changed.
func (s *Service) UpdateConfig(caller common.Address, u ConfigUpdate) ([]string, error) {
	type step struct {
		name  string
		apply func() error
	}
	var steps []step
	if u.StageDuration != nil {
		steps = append(steps, step{"stage_duration", func() error { return s.engine.SetStageDuration(caller, *u.StageDuration) }})
	}
	if u.StageCount != nil {
		steps = append(steps, step{"stage_count", func() error { return s.engine.SetStageCount(caller, *u.StageCount) }})
	}
	// The ceiling goes before the initial price so a joint raise validates.
	if u.LaunchPriceCeiling != nil {
		steps = append(steps, step{"launch_price_ceiling", func() error { return s.engine.SetLaunchPriceCeiling(caller, *u.LaunchPriceCeiling) }})
	}
	if u.InitialPrice != nil {
		steps = append(steps, step{"initial_price", func() error { return s.engine.SetInitialPrice(caller, *u.InitialPrice) }})
	}
	if u.PriceIncrement != nil {
		steps = append(steps, step{"price_increment", func() error { return s.engine.SetPriceIncrement(caller, *u.PriceIncrement) }})
	}
	if u.SlippageBps != nil {
		steps = append(steps, step{"slippage_bps", func() error { return s.engine.SetSlippageTolerance(caller, *u.SlippageBps) }})
	}
	if u.OracleStaleness != nil {
		steps = append(steps, step{"oracle_staleness", func() error { return s.engine.SetOracleStaleness(caller, *u.OracleStaleness) }})
	}

	var applied []string
	for _, st := range steps {
		err := st.apply()
		if errors.Is(err, sale.ErrNoChange) {
			continue
		}
		if err != nil {
			return applied, fmt.Errorf("%s: %w", st.name, err)
		}
		applied = append(applied, st.name)
	}
	if len(applied) == 0 {
		return nil, sale.ErrNoChange
	}
	return applied, nil
}

// Approve sets the settlement holder's allowance over owner's balance of asset.
// It waits for the settlement slot so a purchase unwinding its pull cannot
// overwrite the new allowance with the old one.
func (s *Service) Approve(ctx context.Context, owner common.Address, asset string, amount *uint256.Int) error {
	tok, err := s.token(asset)
	if err != nil {
		return err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return tok.Approve(ctx, owner, s.engine.Holder(), amount)
}

// Balance returns who's balance of asset.
func (s *Service) Balance(ctx context.Context, asset string, who common.Address) (*uint256.Int, uint8, error) {
	tok, err := s.token(asset)
	if err != nil {
		return nil, 0, err
	}
	bal, err := tok.BalanceOf(ctx, who)
	if err != nil {
		return nil, 0, err
	}
	return bal, tok.Decimals(), nil
}

// Mint credits amount of asset to to. The token's gate decides who may mint.
func (s *Service) Mint(ctx context.Context, caller common.Address, asset string, to common.Address, amount *uint256.Int) error {
	tok, err := s.token(asset)
	if err != nil {
		return err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := tok.Mint(ctx, caller, to, amount); err != nil {
		switch {
		case errors.Is(err, auth.ErrNotOwner):
			return fmt.Errorf("%w: %v", sale.ErrUnauthorized, err)
		case errors.Is(err, ledger.ErrZeroAddress):
			return sale.ErrZeroAddress
		case errors.Is(err, ledger.ErrSupplyOverflow):
			return fmt.Errorf("%w: %v", sale.ErrArithmeticOverflow, err)
		}
		return err
	}
	s.logger.Info().Str("asset", tok.Symbol()).Str("to", to.Hex()).Str("amount", amount.Dec()).Msg("minted")
	return nil
}

func (s *Service) token(symbol string) (*ledger.Token, error) {
	if s.tokens == nil {
		return nil, fmt.Errorf("%w: no token registry", sale.ErrUnsupportedAsset)
	}
	tok, ok := s.tokens.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %q", sale.ErrUnsupportedAsset, symbol)
	}
	return tok, nil
}

func (s *Service) acquire(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrBusy
	}
	return func() { s.sem.Release(1) }, nil
}

// RecordSale implements sale.Recorder.
func (s *Service) RecordSale(ctx context.Context, rec sale.Sale) error {
	if s.metrics != nil {
		s.metrics.SetTotalSold(wholeUnits(s.engine.State().TotalSold, s.engine.SaleDecimals()).InexactFloat64())
	}
	if s.sales == nil {
		return nil
	}
	return s.sales.InsertSale(ctx, storage.SaleRecord{
		ID:        rec.ID,
		Buyer:     rec.Buyer.Hex(),
		Asset:     rec.Asset,
		Quantity:  baseUnits(rec.Quantity),
		Required:  baseUnits(rec.Required),
		Paid:      baseUnits(rec.Paid),
		Refunded:  baseUnits(rec.Refunded),
		UnitPrice: baseUnits(rec.UnitPrice),
		Stage:     rec.Stage,
		SettledAt: rec.At,
	})
}

// RecordWithdrawal implements sale.Recorder.
func (s *Service) RecordWithdrawal(ctx context.Context, w sale.Withdrawal) error {
	if s.metrics != nil {
		s.metrics.ObserveWithdrawal(w.Asset)
	}
	s.notify(ctx, alerting.Notification{
		Kind:    alerting.KindWithdrawal,
		At:      w.At,
		Asset:   w.Asset,
		Amount:  wholeUnits(w.Amount, s.assetDecimals(w.Asset)),
		Account: w.To.Hex(),
	})
	if s.withdrawals == nil {
		return nil
	}
	return s.withdrawals.InsertWithdrawal(ctx, storage.WithdrawalRecord{
		ID:          w.ID,
		Caller:      w.Caller.Hex(),
		Asset:       w.Asset,
		Recipient:   w.To.Hex(),
		Amount:      baseUnits(w.Amount),
		WithdrawnAt: w.At,
	})
}

// ProcessBucket samples one whole sale unit in every payment asset for bucket.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeBucket(ctx, bucket)
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) error {
	status, err := s.engine.Status(ctx)
	if err != nil {
		return fmt.Errorf("read sale status: %w", err)
	}
	if s.metrics != nil {
		price := 0.0
		if status.UnitPrice != nil {
			price = float64(status.UnitPrice.Uint64())
		}
		s.metrics.SetStage(status.Active, status.Stage, price)
		s.metrics.SetTotalSold(wholeUnits(status.TotalSold, s.engine.SaleDecimals()).InexactFloat64())
	}
	if !status.Active {
		s.logger.Debug().Time("bucket", bucket).Bool("started", status.Started).Msg("sale not active, skipping price sample")
		return nil
	}

	oneToken := oracle.Pow10(uint(s.engine.SaleDecimals()))
	var failed int
	for _, asset := range s.engine.Assets() {
		snap := storage.PriceSnapshot{
			Bucket:    bucket,
			Asset:     asset.Symbol,
			Stage:     status.Stage,
			UnitPrice: baseUnits(status.UnitPrice),
			Status:    "complete",
		}

		q, quoteErr := s.engine.Quote(ctx, asset.Symbol, oneToken)
		if quoteErr != nil {
			failed++
			msg := quoteErr.Error()
			snap.Status = "errored"
			snap.Error = &msg
			s.logger.Warn().Err(quoteErr).Time("bucket", bucket).Str("asset", asset.Symbol).Msg("price sample failed")
			if sale.KindOf(quoteErr) == sale.KindOracle {
				s.alertStale(ctx, asset.Symbol, bucket, quoteErr)
			}
		} else {
			snap.Stage = q.Stage
			snap.UnitPrice = baseUnits(q.UnitPrice)
			snap.ReferenceRate = baseUnits(q.ReferenceRate)
			snap.PaymentRate = baseUnits(q.PaymentRate)
			snap.Required = baseUnits(q.Required)
		}

		if s.metrics != nil {
			s.metrics.ObserveSnapshot(asset.Symbol, snap.Status)
		}
		if s.snapshots != nil {
			if err := s.snapshots.UpsertSnapshot(ctx, snap); err != nil {
				s.logger.Error().Err(err).Time("bucket", bucket).Str("asset", asset.Symbol).Msg("failed to upsert snapshot")
			}
		}
	}

	s.logger.Info().Time("bucket", bucket).
		Int("stage", status.Stage).
		Int("failed", failed).
		Msg("price snapshot recorded")
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (s *Service) saveState(ctx context.Context) {
	if s.states == nil {
		return
	}
	st := s.engine.State()
	rec := storage.SaleState{TotalSold: baseUnits(st.TotalSold), UnsoldBurned: st.UnsoldBurned}
	if st.Started() {
		start := st.Start
		rec.StartAt = &start
	}
	if err := s.states.SaveState(ctx, rec); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist sale state")
	}
}

func (s *Service) announcePurchase(ctx context.Context, r sale.Receipt) {
	if s.largePurchase.IsZero() {
		return
	}
	quantity := wholeUnits(r.Quantity, s.engine.SaleDecimals())
	// unit price is in cents of the reference currency
	value := quantity.Mul(decimal.NewFromBigInt(r.UnitPrice.ToBig(), -2))
	if value.LessThan(s.largePurchase) {
		return
	}
	s.notify(ctx, alerting.Notification{
		Kind:      alerting.KindLargePurchase,
		At:        r.At,
		Asset:     r.Asset,
		Stage:     r.Stage,
		Quantity:  quantity,
		Amount:    wholeUnits(r.Paid, s.assetDecimals(r.Asset)),
		UnitPrice: decimal.NewFromBigInt(r.UnitPrice.ToBig(), -2),
		Account:   r.Buyer.Hex(),
	})
}

func (s *Service) alertStale(ctx context.Context, asset string, at time.Time, cause error) {
	if !s.allowAlert(ctx, string(alerting.KindOracleStale), asset, at) {
		return
	}
	s.notify(ctx, alerting.Notification{
		Kind:          alerting.KindOracleStale,
		At:            at,
		Asset:         asset,
		AdditionalMsg: cause.Error(),
	})
}

// allowAlert applies the cooldown per kind and subject, preferring the persisted audit trail.
func (s *Service) allowAlert(ctx context.Context, kind, subject string, now time.Time) bool {
	if s.cooldown <= 0 {
		return true
	}
	if s.alerts != nil {
		last, ok, err := s.alerts.LastAlert(ctx, kind, subject)
		if err != nil {
			s.logger.Error().Err(err).Str("kind", kind).Msg("failed to read last alert")
		} else if ok && now.Sub(last.CreatedAt) < s.cooldown {
			return false
		} else if err == nil {
			return true
		}
	}

	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	key := kind + "/" + subject
	if last, ok := s.lastAlerts[key]; ok && now.Sub(last) < s.cooldown {
		return false
	}
	s.lastAlerts[key] = now
	return true
}

func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if s.notifier == nil {
		return
	}
	note.Channels = s.channels
	if s.alerts != nil {
		record := storage.AlertRecord{
			Kind:      string(note.Kind),
			Subject:   note.Asset,
			Detail:    fmt.Sprintf("%s %s %s", note.Account, note.Amount.String(), note.AdditionalMsg),
			Channels:  s.channels,
			CreatedAt: note.At,
		}
		if _, err := s.alerts.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("kind", record.Kind).Msg("failed to persist alert record")
		}
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to dispatch alert")
	}
}

func (s *Service) assetDecimals(symbol string) uint8 {
	for _, a := range s.engine.Assets() {
		if a.Symbol == symbol {
			return a.Decimals
		}
	}
	return 0
}

func baseUnits(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), 0)
}

func wholeUnits(v *uint256.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals))
}

var _ sale.Recorder = (*Service)(nil)
