package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presale-settlement/internal/alerting"
	"presale-settlement/internal/auth"
	"presale-settlement/internal/ledger"
	"presale-settlement/internal/metrics"
	"presale-settlement/internal/oracle"
	"presale-settlement/internal/sale"
	"presale-settlement/internal/storage"
)

var (
	owner  = common.HexToAddress("0x000000000000000000000000000000000000000a")
	holder = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	buyer  = common.HexToAddress("0x00000000000000000000000000000000000000c0")

	saleStart = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
)

type memoryStore struct {
	mu          sync.Mutex
	sales       []storage.SaleRecord
	withdrawals []storage.WithdrawalRecord
	snapshots   map[string]storage.PriceSnapshot
	state       *storage.SaleState
	alerts      []storage.AlertRecord
	locked      bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{snapshots: make(map[string]storage.PriceSnapshot)}
}

func (m *memoryStore) InsertSale(_ context.Context, rec storage.SaleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales = append(m.sales, rec)
	return nil
}

func (m *memoryStore) ListSalesBetween(context.Context, time.Time, time.Time) ([]storage.SaleRecord, error) {
	return nil, nil
}

func (m *memoryStore) ListRecentSales(context.Context, int) ([]storage.SaleRecord, error) {
	return nil, nil
}

func (m *memoryStore) SaleTotals(context.Context) ([]storage.SaleTotals, error) { return nil, nil }

func (m *memoryStore) InsertWithdrawal(_ context.Context, w storage.WithdrawalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawals = append(m.withdrawals, w)
	return nil
}

func (m *memoryStore) ListRecentWithdrawals(context.Context, int) ([]storage.WithdrawalRecord, error) {
	return nil, nil
}

func (m *memoryStore) UpsertSnapshot(_ context.Context, snap storage.PriceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.Bucket.Format(time.RFC3339)+"/"+snap.Asset] = snap
	return nil
}

func (m *memoryStore) ListSnapshotsBetween(context.Context, string, time.Time, time.Time) ([]storage.PriceSnapshot, error) {
	return nil, nil
}

func (m *memoryStore) ListRecentSnapshots(context.Context, int) ([]storage.PriceSnapshot, error) {
	return nil, nil
}

func (m *memoryStore) LoadState(context.Context) (storage.SaleState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return storage.SaleState{}, false, nil
	}
	return *m.state, true, nil
}

func (m *memoryStore) SaveState(_ context.Context, st storage.SaleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &st
	return nil
}

func (m *memoryStore) InsertAlert(_ context.Context, rec storage.AlertRecord) (storage.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.alerts) + 1)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = saleStart
	}
	m.alerts = append(m.alerts, rec)
	return rec, nil
}

func (m *memoryStore) LastAlert(_ context.Context, kind, subject string) (storage.AlertRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if m.alerts[i].Kind == kind && m.alerts[i].Subject == subject {
			return m.alerts[i], true, nil
		}
	}
	return storage.AlertRecord{}, false, nil
}

func (m *memoryStore) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (m *memoryStore) DeleteAlertsBefore(context.Context, time.Time) error { return nil }

func (m *memoryStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return nil, false, nil
	}
	m.locked = true
	return func() {
		m.mu.Lock()
		m.locked = false
		m.mu.Unlock()
	}, true, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func (r *recordingNotifier) kinds() []alerting.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerting.Kind, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

type harness struct {
	ctx      context.Context
	now      time.Time
	svc      *Service
	store    *memoryStore
	notes    *recordingNotifier
	metrics  *metrics.Metrics
	registry *ledger.Registry
	engine   *sale.Engine
	feeds    []*oracle.Static
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gate, err := auth.NewOwner(owner)
	require.NoError(t, err)

	h := &harness{
		ctx:      context.Background(),
		now:      saleStart,
		store:    newMemoryStore(),
		notes:    &recordingNotifier{},
		metrics:  metrics.New("test"),
		registry: ledger.NewRegistry(),
	}

	// whole-unit sale token keeps valuations readable
	pre := ledger.NewToken("PRE", 0, gate)
	eth := ledger.NewToken("ETH", 18, gate)
	usdt := ledger.NewToken("USDT", 6, gate)
	for _, tok := range []*ledger.Token{pre, eth, usdt} {
		require.NoError(t, h.registry.Register(tok))
	}

	ref := oracle.NewStatic(100_000_000, 8, saleStart)
	ethFeed := oracle.NewStatic(200_000_000_000, 8, saleStart)
	usdtFeed := oracle.NewStatic(100_000_000, 8, saleStart)
	h.feeds = []*oracle.Static{ref, ethFeed, usdtFeed}

	h.engine, err = sale.NewEngine(sale.Options{
		Config:        sale.DefaultConfig(),
		Gate:          gate,
		SaleToken:     pre,
		SaleDecimals:  0,
		Holder:        holder,
		ReferenceFeed: ref,
		Assets: []sale.PaymentAsset{
			{Symbol: "ETH", Kind: sale.AssetNative, Decimals: 18, Feed: ethFeed, Ledger: eth},
			{Symbol: "USDT", Kind: sale.AssetToken, Decimals: 6, Feed: usdtFeed, Ledger: usdt},
		},
		Clock:  func() time.Time { return h.now },
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	pre.SetTransferGuard(h.engine.CheckTransfer)

	h.svc, err = New(Options{
		Engine:         h.engine,
		Tokens:         h.registry,
		Sales:          h.store,
		Withdrawals:    h.store,
		Snapshots:      h.store,
		States:         h.store,
		Alerts:         h.store,
		Locker:         h.store,
		LockKey:        42,
		Notifier:       h.notes,
		Channels:       []string{"log"},
		LargePurchase:  decimal.NewFromInt(30),
		Cooldown:       time.Hour,
		Metrics:        h.metrics,
		AcquireTimeout: 50 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.Mint(h.ctx, owner, "PRE", holder, uint256.NewInt(1_000_000)))
	require.NoError(t, h.svc.Mint(h.ctx, owner, "ETH", buyer, uint256.MustFromDecimal("1000000000000000000")))
	require.NoError(t, h.svc.Mint(h.ctx, owner, "USDT", buyer, uint256.NewInt(1_000_000_000)))
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	_, err := h.svc.StartSale(h.ctx, owner, time.Time{})
	require.NoError(t, err)
}

func TestPurchasePersistsAndAlerts(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	receipt, err := h.svc.Purchase(h.ctx, sale.PurchaseRequest{
		Buyer:    buyer,
		Quantity: uint256.NewInt(100),
		Asset:    "eth",
		Offered:  uint256.NewInt(175_000_000),
	})
	require.NoError(t, err)
	assert.Equal(t, "175000000", receipt.Paid.Dec())

	require.Len(t, h.store.sales, 1)
	rec := h.store.sales[0]
	assert.Equal(t, receipt.ID, rec.ID)
	assert.Equal(t, "175000000", rec.Paid.String())
	assert.Equal(t, "35", rec.UnitPrice.String())
	assert.Equal(t, buyer.Hex(), rec.Buyer)

	require.NotNil(t, h.store.state)
	assert.Equal(t, "100", h.store.state.TotalSold.String())
	require.NotNil(t, h.store.state.StartAt)
	assert.True(t, h.store.state.StartAt.Equal(saleStart))

	// 100 units at 0.35 is worth 35, above the threshold of 30
	assert.Equal(t, []alerting.Kind{alerting.KindLargePurchase}, h.notes.kinds())
	require.Len(t, h.store.alerts, 1)
	assert.Equal(t, "ETH", h.store.alerts[0].Subject)

	assertPurchases(t, h, `test_purchases_total{asset="ETH",code="OK"} 1`)
}

func TestPurchaseBelowThresholdIsQuiet(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	_, err := h.svc.Purchase(h.ctx, sale.PurchaseRequest{
		Buyer:    buyer,
		Quantity: uint256.NewInt(50),
		Asset:    "ETH",
		Offered:  uint256.NewInt(87_500_000),
	})
	require.NoError(t, err)
	assert.Empty(t, h.notes.kinds())
}

func TestPurchaseRejectionCountsCode(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Purchase(h.ctx, sale.PurchaseRequest{
		Buyer:    buyer,
		Quantity: uint256.NewInt(100),
		Asset:    "ETH",
		Offered:  uint256.NewInt(175_000_000),
	})
	require.ErrorIs(t, err, sale.ErrNotStarted)
	assert.Empty(t, h.store.sales)
	assertPurchases(t, h, `test_purchases_total{asset="ETH",code="NotStarted"} 1`)
}

func assertPurchases(t *testing.T, h *harness, series string) {
	t.Helper()
	expected := "# HELP test_purchases_total Purchase attempts by payment asset and outcome code.\n" +
		"# TYPE test_purchases_total counter\n" + series + "\n"
	require.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "test_purchases_total"))
}

func TestPurchaseBusyWhenSlotHeld(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	release, err := h.svc.acquire(h.ctx)
	require.NoError(t, err)
	defer release()

	_, err = h.svc.Purchase(h.ctx, sale.PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(1), Asset: "ETH"})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestWithdrawRecordsAndNotifies(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	_, err := h.svc.Purchase(h.ctx, sale.PurchaseRequest{
		Buyer: buyer, Quantity: uint256.NewInt(50), Asset: "ETH", Offered: uint256.NewInt(87_500_000),
	})
	require.NoError(t, err)

	treasury := common.HexToAddress("0x00000000000000000000000000000000000000d0")
	w, err := h.svc.Withdraw(h.ctx, owner, "ETH", treasury, nil)
	require.NoError(t, err)
	assert.Equal(t, "87500000", w.Amount.Dec())

	require.Len(t, h.store.withdrawals, 1)
	assert.Equal(t, treasury.Hex(), h.store.withdrawals[0].Recipient)
	assert.Equal(t, []alerting.Kind{alerting.KindWithdrawal}, h.notes.kinds())

	bal, decimals, err := h.svc.Balance(h.ctx, "eth", treasury)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), decimals)
	assert.Equal(t, "87500000", bal.Dec())
}

func TestRestoreLoadsPersistedState(t *testing.T) {
	h := newHarness(t)
	start := saleStart.Add(-time.Hour)
	h.store.state = &storage.SaleState{StartAt: &start, TotalSold: decimal.NewFromInt(1234), UnsoldBurned: false}

	require.NoError(t, h.svc.Restore(h.ctx))
	st := h.engine.State()
	assert.True(t, st.Start.Equal(start))
	assert.Equal(t, "1234", st.TotalSold.Dec())

	status, err := h.svc.Status(h.ctx)
	require.NoError(t, err)
	assert.True(t, status.Active)
}

func TestRestoreRejectsNegativeTotal(t *testing.T) {
	h := newHarness(t)
	h.store.state = &storage.SaleState{TotalSold: decimal.NewFromInt(-1)}
	assert.Error(t, h.svc.Restore(h.ctx))
}

func TestProcessBucketRecordsSnapshots(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.svc.ProcessBucket(h.ctx, saleStart))

	eth, ok := h.store.snapshots[saleStart.Format(time.RFC3339)+"/ETH"]
	require.True(t, ok)
	assert.Equal(t, "complete", eth.Status)
	assert.Equal(t, "1750000", eth.Required.String())
	assert.Equal(t, "200000000000", eth.PaymentRate.String())

	_, ok = h.store.snapshots[saleStart.Format(time.RFC3339)+"/USDT"]
	assert.True(t, ok)
	assert.False(t, h.store.locked, "advisory lock must be released")
}

func TestProcessBucketSkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.store.locked = true

	require.NoError(t, h.svc.ProcessBucket(h.ctx, saleStart))
	assert.Empty(t, h.store.snapshots)
}

func TestProcessBucketInactiveSale(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.ProcessBucket(h.ctx, saleStart))
	assert.Empty(t, h.store.snapshots)
}

func TestStaleOracleAlertHonoursCooldown(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.now = saleStart.Add(2 * time.Hour)

	require.NoError(t, h.svc.ProcessBucket(h.ctx, h.now))
	snap := h.store.snapshots[h.now.Format(time.RFC3339)+"/ETH"]
	assert.Equal(t, "errored", snap.Status)
	require.NotNil(t, snap.Error)

	stale := 0
	for _, k := range h.notes.kinds() {
		if k == alerting.KindOracleStale {
			stale++
		}
	}
	assert.Equal(t, 2, stale, "one alert per asset")

	// within the cooldown nothing new is sent
	h.now = h.now.Add(10 * time.Minute)
	require.NoError(t, h.svc.ProcessBucket(h.ctx, h.now))
	assert.Len(t, h.notes.kinds(), 2)
}

func TestUpdateConfigAppliesPresentFields(t *testing.T) {
	h := newHarness(t)

	ceiling, initial := uint64(200), uint64(150)
	applied, err := h.svc.UpdateConfig(owner, ConfigUpdate{LaunchPriceCeiling: &ceiling, InitialPrice: &initial})
	require.NoError(t, err)
	assert.Equal(t, []string{"launch_price_ceiling", "initial_price"}, applied)
	assert.Equal(t, uint64(150), h.engine.Config().InitialPrice)

	_, err = h.svc.UpdateConfig(owner, ConfigUpdate{InitialPrice: &initial})
	assert.ErrorIs(t, err, sale.ErrNoChange)

	_, err = h.svc.UpdateConfig(buyer, ConfigUpdate{LaunchPriceCeiling: &initial})
	assert.ErrorIs(t, err, sale.ErrUnauthorized)
}

func TestApproveAndMint(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.svc.Approve(h.ctx, buyer, "USDT", uint256.NewInt(500)))
	usdt, _ := h.registry.Get("USDT")
	allowance, err := usdt.Allowance(h.ctx, buyer, holder)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), allowance.Uint64())

	err = h.svc.Mint(h.ctx, buyer, "USDT", buyer, uint256.NewInt(1))
	assert.ErrorIs(t, err, sale.ErrUnauthorized)

	err = h.svc.Approve(h.ctx, buyer, "DOGE", uint256.NewInt(1))
	assert.True(t, errors.Is(err, sale.ErrUnsupportedAsset))
}

func TestApproveWaitsForSettlementSlot(t *testing.T) {
	h := newHarness(t)
	usdt, _ := h.registry.Get("USDT")

	release, err := h.svc.acquire(h.ctx)
	require.NoError(t, err)

	err = h.svc.Approve(h.ctx, buyer, "USDT", uint256.NewInt(500))
	assert.ErrorIs(t, err, ErrBusy)
	err = h.svc.Mint(h.ctx, owner, "USDT", buyer, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrBusy)

	allowance, err := usdt.Allowance(h.ctx, buyer, holder)
	require.NoError(t, err)
	assert.True(t, allowance.IsZero())

	// an approval queued behind a settlement lands once the slot frees up
	done := make(chan error, 1)
	go func() {
		done <- h.svc.Approve(h.ctx, buyer, "USDT", uint256.NewInt(700))
	}()
	time.Sleep(10 * time.Millisecond)
	release()
	require.NoError(t, <-done)

	allowance, err = usdt.Allowance(h.ctx, buyer, holder)
	require.NoError(t, err)
	assert.Equal(t, uint64(700), allowance.Uint64())
}

func TestBurnUnsoldPersistsFlag(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.now = saleStart.Add(sale.DefaultConfig().Window())

	burned, err := h.svc.BurnUnsold(h.ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), burned.Uint64())
	require.NotNil(t, h.store.state)
	assert.True(t, h.store.state.UnsoldBurned)
}
