package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"presale-settlement/internal/alerting"
	"presale-settlement/internal/api"
	"presale-settlement/internal/auth"
	"presale-settlement/internal/config"
	"presale-settlement/internal/ledger"
	"presale-settlement/internal/metrics"
	"presale-settlement/internal/oracle"
	"presale-settlement/internal/sale"
	"presale-settlement/internal/scheduler"
	"presale-settlement/internal/service"
	"presale-settlement/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// feedSet holds the reference feed and one feed per payment asset symbol.
type feedSet struct {
	reference oracle.PriceFeed
	assets    map[string]oracle.PriceFeed
}

// runtime is a fully wired in-process ledger plus engine.
type runtime struct {
	owner     common.Address
	gate      *auth.Owner
	tokens    *ledger.Registry
	saleToken *ledger.Token
	engine    *sale.Engine
}

func (a *App) configuredFeeds(clock func() time.Time) feedSet {
	set := feedSet{
		reference: a.newFeed(a.Config.ReferenceFeed, clock),
		assets:    make(map[string]oracle.PriceFeed, len(a.Config.Assets)),
	}
	for _, asset := range a.Config.Assets {
		set.assets[strings.ToUpper(asset.Symbol)] = a.newFeed(asset.Feed, clock)
	}
	return set
}

func (a *App) newFeed(f config.FeedConfig, clock func() time.Time) oracle.PriceFeed {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = a.Config.Ethereum.RequestTimeout
	}
	switch f.Source {
	case config.FeedHTTP:
		return oracle.NewHTTP(oracle.HTTPOptions{URL: f.URL, Timeout: timeout, UserAgent: a.Config.App.Name}, a.Logger)
	case config.FeedStatic:
		decimals := f.Decimals
		if decimals == 0 {
			decimals = oracle.Decimals
		}
		return oracle.NewLiveStatic(f.Value, decimals, clock)
	default:
		return oracle.NewChainlink(oracle.ChainlinkOptions{
			RPCURL:  a.Config.Ethereum.RPCURL,
			Address: f.Address,
			Timeout: timeout,
		}, a.Logger)
	}
}

// buildRuntime creates empty ledgers and wires the engine. Holder balances come from restock.
func (a *App) buildRuntime(ctx context.Context, feeds feedSet, clock func() time.Time) (*runtime, error) {
	sc := a.Config.Sale
	owner := common.HexToAddress(sc.Owner)
	gate, err := auth.NewOwner(owner)
	if err != nil {
		return nil, err
	}

	rt := &runtime{owner: owner, gate: gate, tokens: ledger.NewRegistry()}
	rt.saleToken = ledger.NewToken(sc.TokenSymbol, sc.TokenDecimals, gate)
	if err := rt.tokens.Register(rt.saleToken); err != nil {
		return nil, err
	}

	assets := make([]sale.PaymentAsset, 0, len(a.Config.Assets))
	for _, ac := range a.Config.Assets {
		tok := ledger.NewToken(strings.ToUpper(ac.Symbol), ac.Decimals, gate)
		if err := rt.tokens.Register(tok); err != nil {
			return nil, err
		}
		kind := sale.AssetToken
		if strings.EqualFold(ac.Kind, "native") {
			kind = sale.AssetNative
		}
		assets = append(assets, sale.PaymentAsset{
			Symbol:   tok.Symbol(),
			Kind:     kind,
			Decimals: ac.Decimals,
			Feed:     feeds.assets[tok.Symbol()],
			Ledger:   tok,
		})
	}

	rt.engine, err = sale.NewEngine(sale.Options{
		Config:        a.saleConfig(),
		Gate:          gate,
		SaleToken:     rt.saleToken,
		SaleDecimals:  sc.TokenDecimals,
		Holder:        common.HexToAddress(sc.Holder),
		ReferenceFeed: feeds.reference,
		Assets:        assets,
		Clock:         clock,
		Logger:        a.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build sale engine: %w", err)
	}
	rt.saleToken.SetTransferGuard(rt.engine.CheckTransfer)
	return rt, nil
}

// restock credits the holder with what it held when the process last stopped:
// the unsold part of the initial supply (nothing once it was burned) and the
// proceeds not yet withdrawn. Call it after the engine state has been restored.
func (a *App) restock(ctx context.Context, rt *runtime, proceeds storage.ProceedsStore) error {
	sc := a.Config.Sale
	supply, err := wholeToBase(sc.InitialSupply, sc.TokenDecimals)
	if err != nil {
		return fmt.Errorf("sale.initial_supply: %w", err)
	}

	st := rt.engine.State()
	unsold := new(uint256.Int)
	switch {
	case st.UnsoldBurned:
	case st.TotalSold.Gt(supply):
		return fmt.Errorf("persisted total sold %s exceeds initial supply %s", st.TotalSold.Dec(), supply.Dec())
	default:
		unsold.Sub(supply, st.TotalSold)
	}
	if !unsold.IsZero() {
		if err := rt.saleToken.Mint(ctx, rt.owner, rt.engine.Holder(), unsold); err != nil {
			return fmt.Errorf("mint unsold inventory: %w", err)
		}
	}

	if proceeds == nil {
		return nil
	}
	balances, err := proceeds.NetProceeds(ctx)
	if err != nil {
		return fmt.Errorf("load proceeds: %w", err)
	}
	for symbol, amount := range balances {
		tok, ok := rt.tokens.Get(symbol)
		if !ok || tok == rt.saleToken {
			a.Logger.Warn().Str("asset", symbol).Msg("proceeds recorded for an asset that is no longer configured")
			continue
		}
		if amount.IsNegative() {
			return fmt.Errorf("withdrawals of %s exceed recorded proceeds by %s", symbol, amount.Neg().String())
		}
		held, overflow := uint256.FromBig(amount.BigInt())
		if overflow {
			return fmt.Errorf("proceeds of %s overflow 256 bits", symbol)
		}
		if held.IsZero() {
			continue
		}
		if err := tok.Mint(ctx, rt.owner, rt.engine.Holder(), held); err != nil {
			return fmt.Errorf("restore %s proceeds: %w", symbol, err)
		}
	}

	a.Logger.Info().
		Str("unsold", unsold.Dec()).
		Int("proceeds_assets", len(balances)).
		Msg("holder balances restored")
	return nil
}

// proceedsOf hides a missing store behind a nil interface.
func proceedsOf(store *storage.Store) storage.ProceedsStore {
	if store == nil {
		return nil
	}
	return store
}

func (a *App) saleConfig() sale.Config {
	sc := a.Config.Sale
	return sale.Config{
		StageDuration:      sc.StageDuration,
		StageCount:         sc.StageCount,
		InitialPrice:       sc.InitialPriceCents,
		PriceIncrement:     sc.PriceIncrementCents,
		LaunchPriceCeiling: sc.PriceCeilingCents,
		SlippageBps:        sc.SlippageBps,
		OracleStaleness:    sc.OracleStaleness,
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	var out alerting.Multi
	for _, channel := range a.Config.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(channel)) {
		case "telegram":
			if a.Config.Alerting.Telegram.Enabled {
				cfg := a.Config.Alerting.Telegram
				out = append(out, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
			}
		case "log":
			out = append(out, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alert channel ignored")
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			closer()
			return nil, nil, err
		}
	}
	return store, closer, nil
}

// newService wires the service over rt, persisting to store when it is non-nil.
func (a *App) newService(rt *runtime, store *storage.Store, sched *scheduler.Scheduler, m *metrics.Metrics, notifier alerting.Notifier) (*service.Service, error) {
	opts := service.Options{
		Engine:         rt.engine,
		Tokens:         rt.tokens,
		Scheduler:      sched,
		Notifier:       notifier,
		Channels:       a.Config.Alerting.Channels,
		LargePurchase:  decimal.NewFromFloat(a.Config.Alerting.LargePurchase),
		Cooldown:       a.Config.Alerting.Cooldown,
		Metrics:        m,
		AcquireTimeout: a.Config.Sale.AcquireTimeout,
		Logger:         a.Logger,
	}
	if store != nil {
		opts.Sales = store
		opts.Withdrawals = store
		opts.Snapshots = store
		opts.States = store
		opts.Alerts = store
		opts.Locker = store
		opts.LockKey = a.Config.Scheduler.AdvisoryLockKey
	}
	return service.New(opts)
}

// scheduleConfiguredStart applies sale.start_at when no start has been recorded yet.
func (a *App) scheduleConfiguredStart(ctx context.Context, svc *service.Service, owner common.Address) error {
	at := a.Config.Sale.StartAt
	if at.IsZero() || svc.Engine().State().Started() {
		return nil
	}
	if at.Before(svc.Engine().Now()) {
		a.Logger.Warn().Time("start_at", at).Msg("configured start is in the past; use the admin API to start the sale")
		return nil
	}
	_, err := svc.StartSale(ctx, owner, at)
	return err
}

// Run executes the HTTP API and, unless disabled, the price sampling loop until interrupted.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunImmediately,
	}, a.Logger)
	if err != nil {
		return err
	}

	clock := func() time.Time { return time.Now().UTC() }
	rt, err := a.buildRuntime(ctx, a.configuredFeeds(clock), clock)
	if err != nil {
		return err
	}

	m := metrics.New(a.Config.HTTP.MetricsNamespace)
	svc, err := a.newService(rt, store, sched, m, a.newNotifier())
	if err != nil {
		return err
	}
	if err := svc.Restore(ctx); err != nil {
		return err
	}
	if err := a.restock(ctx, rt, proceedsOf(store)); err != nil {
		return err
	}
	if err := a.scheduleConfiguredStart(ctx, svc, rt.owner); err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(a.Config.HTTP.JWTSecret, a.Config.HTTP.JWTIssuer, a.Config.HTTP.ClockSkew)
	if err != nil {
		return fmt.Errorf("http.jwt_secret: %w", err)
	}
	apiServer, err := api.New(api.Config{Service: svc, Verifier: verifier, Metrics: m, Logger: a.Logger})
	if err != nil {
		return err
	}
	addr := a.Config.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", httpServer.Addr).Msg("http api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.Config.HTTP.ShutdownTimeout)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})
	if opts.NoSampler {
		a.Logger.Info().Msg("price sampler disabled; serving the API only")
	} else {
		g.Go(func() error {
			a.Logger.Info().Dur("interval", sched.Interval()).Msg("starting price sampler")
			err := svc.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("settlement service stopped")
	return nil
}

// wholeToBase converts a decimal amount of whole tokens into base units.
func wholeToBase(whole string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(whole))
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", whole)
	}
	base := d.Shift(int32(decimals))
	if !base.Equal(base.Truncate(0)) {
		return nil, fmt.Errorf("%s has more than %d fractional digits", whole, decimals)
	}
	out, overflow := uint256.FromBig(base.BigInt())
	if overflow {
		return nil, fmt.Errorf("%s overflows 256 bits", whole)
	}
	return out, nil
}

// baseToWhole renders base units as a decimal amount of whole tokens.
func baseToWhole(v *uint256.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals))
}

func (a *App) assetDecimals(symbol string) uint8 {
	for _, asset := range a.Config.Assets {
		if strings.EqualFold(asset.Symbol, symbol) {
			return asset.Decimals
		}
	}
	return 0
}

// ExportOptions hold parameters for exporting historical data.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Asset     string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// RunOptions override the listener and sampler for one process.
type RunOptions struct {
	Addr      string
	NoSampler bool
}

// ShowOptions configure the show command. An empty Asset shows every asset.
type ShowOptions struct {
	Limit int
	Asset string
}

// QuoteOptions configure a one-off quote.
type QuoteOptions struct {
	Asset    string
	Quantity string
	At       *time.Time
}

// RampOptions configure the stage schedule report.
type RampOptions struct {
	PNGPath string
}

// SimulateOptions configure an in-memory purchase scenario.
type SimulateOptions struct {
	Asset    string
	Quantity string
	Stage    int
	Offered  string
}
