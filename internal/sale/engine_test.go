package sale

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presale-settlement/internal/auth"
	"presale-settlement/internal/ledger"
	"presale-settlement/internal/oracle"
)

var (
	owner    = common.HexToAddress("0x000000000000000000000000000000000000000a")
	holder   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000d0")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctx      context.Context
	clock    *fakeClock
	engine   *Engine
	sale     *ledger.Token
	eth      *ledger.Token
	usdt     *ledger.Token
	ref      *oracle.Static
	ethFeed  *oracle.Static
	usdtFeed *oracle.Static
	records  *MemoryRecorder
}

type fixtureOption func(*Options, *fixture)

func withNativeLedger(l Ledger) fixtureOption {
	return func(o *Options, _ *fixture) {
		for i := range o.Assets {
			if o.Assets[i].Kind == AssetNative {
				o.Assets[i].Ledger = l
			}
		}
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	gate, err := auth.NewOwner(owner)
	require.NoError(t, err)

	f := &fixture{
		ctx:     context.Background(),
		clock:   &fakeClock{now: saleStart},
		sale:    ledger.NewToken("PRE", 18, gate),
		eth:     ledger.NewToken("ETH", 18, gate),
		usdt:    ledger.NewToken("USDT", 6, gate),
		records: &MemoryRecorder{},
	}
	f.ref = oracle.NewStatic(100_000_000, 8, saleStart)
	f.ethFeed = oracle.NewStatic(200_000_000_000, 8, saleStart)
	f.usdtFeed = oracle.NewStatic(100_000_000, 8, saleStart)

	o := Options{
		Config:        DefaultConfig(),
		Gate:          gate,
		SaleToken:     f.sale,
		SaleDecimals:  18,
		Holder:        holder,
		ReferenceFeed: f.ref,
		Assets: []PaymentAsset{
			{Symbol: "ETH", Kind: AssetNative, Decimals: 18, Feed: f.ethFeed, Ledger: f.eth},
			{Symbol: "USDT", Kind: AssetToken, Decimals: 6, Feed: f.usdtFeed, Ledger: f.usdt},
		},
		Clock:  f.clock.Now,
		Logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o, f)
	}

	f.engine, err = NewEngine(o)
	require.NoError(t, err)
	f.engine.AddRecorder(f.records)
	f.sale.SetTransferGuard(f.engine.CheckTransfer)

	require.NoError(t, f.sale.Mint(f.ctx, owner, holder, units("10000000000000000000000000")))
	require.NoError(t, f.eth.Mint(f.ctx, owner, buyer, units("1000000000000000000")))
	require.NoError(t, f.usdt.Mint(f.ctx, owner, buyer, units("1000000000")))
	return f
}

// advance moves the clock and refreshes every feed so readings stay fresh.
func (f *fixture) advance(d time.Duration) {
	f.clock.Advance(d)
	now := f.clock.Now()
	f.ref.Set(oracle.Reading{Value: big.NewInt(100_000_000), Decimals: 8, ObservedAt: now})
	f.ethFeed.Set(oracle.Reading{Value: big.NewInt(200_000_000_000), Decimals: 8, ObservedAt: now})
	f.usdtFeed.Set(oracle.Reading{Value: big.NewInt(100_000_000), Decimals: 8, ObservedAt: now})
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	_, err := f.engine.StartSale(f.ctx, owner, time.Time{})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, tok *ledger.Token, who common.Address) *uint256.Int {
	t.Helper()
	bal, err := tok.BalanceOf(f.ctx, who)
	require.NoError(t, err)
	return bal
}

func units(dec string) *uint256.Int {
	v, err := uint256.FromDecimal(dec)
	if err != nil {
		panic(err)
	}
	return v
}

func TestPurchaseBeforeStartFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(100), Asset: "ETH", Offered: uint256.NewInt(175_000_000)})
	require.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, KindStage, KindOf(err))
}

func TestPurchaseNativeExactRequired(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	receipt, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(100), Asset: "eth", Offered: uint256.NewInt(175_000_000)})
	require.NoError(t, err)

	assert.Equal(t, "ETH", receipt.Asset)
	assert.Equal(t, uint64(175_000_000), receipt.Required.Uint64())
	assert.Equal(t, uint64(175_000_000), receipt.Paid.Uint64())
	assert.True(t, receipt.Refunded.IsZero())
	assert.Equal(t, 0, receipt.Stage)
	assert.Equal(t, uint64(35), receipt.UnitPrice.Uint64())

	assert.Equal(t, uint64(100), f.balance(t, f.sale, buyer).Uint64())
	assert.Equal(t, uint64(175_000_000), f.balance(t, f.eth, holder).Uint64())
	assert.Equal(t, uint64(100), f.engine.State().TotalSold.Uint64())

	sales := f.records.Sales()
	require.Len(t, sales, 1)
	assert.Equal(t, receipt.ID, sales[0].ID)
	assert.Equal(t, buyer, sales[0].Buyer)
}

func TestPurchaseAtLowerBoundBoundary(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	// 175000000 * 9900 / 10000
	const lower = 173_250_000

	_, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(100), Asset: "ETH", Offered: uint256.NewInt(lower - 1)})
	require.ErrorIs(t, err, ErrInsufficientPayment)
	assert.True(t, f.balance(t, f.eth, holder).IsZero())
	assert.True(t, f.balance(t, f.sale, buyer).IsZero())

	receipt, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(100), Asset: "ETH", Offered: uint256.NewInt(lower)})
	require.NoError(t, err)
	assert.Equal(t, uint64(lower), receipt.Paid.Uint64())
	assert.Equal(t, uint64(lower), receipt.LowerBound.Uint64())
}

func TestPurchaseRefundsExcess(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	before := f.balance(t, f.eth, buyer)

	receipt, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(100), Asset: "ETH", Offered: uint256.NewInt(175_000_500)})
	require.NoError(t, err)
	assert.Equal(t, uint64(500), receipt.Refunded.Uint64())
	assert.Equal(t, uint64(175_000_000), receipt.Paid.Uint64())

	spent := new(uint256.Int).Sub(before, f.balance(t, f.eth, buyer))
	assert.Equal(t, uint64(175_000_000), spent.Uint64())
}

// failingLedger fails the nth Transfer call.
type failingLedger struct {
	*ledger.Token
	mu     sync.Mutex
	calls  int
	failOn int
}

func (l *failingLedger) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	l.calls++
	fail := l.calls == l.failOn
	l.mu.Unlock()
	if fail {
		return errors.New("recipient rejected value")
	}
	return l.Token.Transfer(ctx, from, to, amount)
}

func TestPurchaseRefundFailureReverts(t *testing.T) {
	var native *failingLedger
	f := newFixture(t, func(o *Options, f *fixture) {
		native = &failingLedger{Token: f.eth, failOn: 2}
		withNativeLedger(native)(o, f)
	})
	f.start(t)
	before := f.balance(t, f.eth, buyer)

	_, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(100), Asset: "ETH", Offered: uint256.NewInt(200_000_000)})
	require.ErrorIs(t, err, ErrRefundFailed)

	assert.Equal(t, before.Dec(), f.balance(t, f.eth, buyer).Dec())
	assert.True(t, f.balance(t, f.eth, holder).IsZero())
	assert.True(t, f.balance(t, f.sale, buyer).IsZero())
	assert.True(t, f.engine.State().TotalSold.IsZero())
	assert.Empty(t, f.records.Sales())
}

// reentrantLedger calls back into the engine while a transfer is in flight.
type reentrantLedger struct {
	*ledger.Token
	engine   *Engine
	innerErr error
	once     sync.Once
}

func (l *reentrantLedger) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if l.engine != nil {
		l.once.Do(func() {
			_, l.innerErr = l.engine.Purchase(ctx, PurchaseRequest{Buyer: from, Quantity: uint256.NewInt(1), Asset: "ETH", Offered: amount})
		})
	}
	return l.Token.Transfer(ctx, from, to, amount)
}

func TestPurchaseRejectsReentry(t *testing.T) {
	var native *reentrantLedger
	f := newFixture(t, func(o *Options, f *fixture) {
		native = &reentrantLedger{Token: f.eth}
		withNativeLedger(native)(o, f)
	})
	native.engine = f.engine
	f.start(t)

	_, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(100), Asset: "ETH", Offered: uint256.NewInt(175_000_000)})
	require.NoError(t, err)
	require.ErrorIs(t, native.innerErr, ErrReentrantCall)
	assert.Equal(t, uint64(100), f.engine.State().TotalSold.Uint64())
}

func TestPurchaseInventoryLimit(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	stock := f.balance(t, f.sale, holder)
	over := new(uint256.Int).AddUint64(stock, 1)
	_, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: over, Asset: "ETH", Offered: uint256.NewInt(1)})
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, KindInventory, KindOf(err))

	_, err = f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(1), Asset: "ETH", Offered: uint256.NewInt(1_750_000)})
	require.NoError(t, err)
	after := f.balance(t, f.sale, holder)
	assert.Equal(t, new(uint256.Int).SubUint64(stock, 1).Dec(), after.Dec())
}

func TestPurchaseValidation(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: new(uint256.Int), Asset: "ETH"})
	require.ErrorIs(t, err, ErrZeroQuantity)

	_, err = f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(1), Asset: "DOGE"})
	require.ErrorIs(t, err, ErrUnsupportedAsset)

	_, err = f.engine.Purchase(f.ctx, PurchaseRequest{Quantity: uint256.NewInt(1), Asset: "ETH"})
	require.ErrorIs(t, err, ErrZeroAddress)
}

func TestStaleOracleBlocksPricing(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.clock.Advance(2 * time.Hour)

	_, err := f.engine.Quote(f.ctx, "ETH", uint256.NewInt(100))
	require.ErrorIs(t, err, oracle.ErrStaleOracleData)
	assert.Equal(t, KindOracle, KindOf(err))
	assert.Equal(t, "StaleOracleData", CodeOf(err))

	_, err = f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(100), Asset: "USDT"})
	require.ErrorIs(t, err, oracle.ErrStaleOracleData)
}

func TestDustReferenceRateCannotMakePurchaseFree(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.ref.Set(oracle.Reading{Value: big.NewInt(9), Decimals: 18, ObservedAt: f.clock.Now()})

	_, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(100), Asset: "ETH", Offered: new(uint256.Int)})
	require.ErrorIs(t, err, oracle.ErrInvalidPrice)
	assert.Equal(t, KindOracle, KindOf(err))
	assert.True(t, f.balance(t, f.sale, buyer).IsZero())
	assert.True(t, f.engine.State().TotalSold.IsZero())
}

func TestQuoteFollowsStages(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	week := f.engine.Config().StageDuration

	f.advance(5 * week)
	q, err := f.engine.Quote(f.ctx, "ETH", uint256.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, 5, q.Stage)
	assert.Equal(t, uint64(60), q.UnitPrice.Uint64())
	assert.Equal(t, uint64(300_000_000), q.Required.Uint64())

	f.advance(8 * week)
	_, err = f.engine.Quote(f.ctx, "ETH", uint256.NewInt(100))
	require.ErrorIs(t, err, ErrEnded)
}

func TestPurchaseTokenPullsMinOfAllowanceAndRequired(t *testing.T) {
	quantity := units("1000000000000000000000000")
	// required 350000, lower bound 346500

	cases := []struct {
		name      string
		allowance uint64
		paid      uint64
		err       error
	}{
		{name: "below lower bound", allowance: 346_499, err: ErrInsufficientApproval},
		{name: "at lower bound", allowance: 346_500, paid: 346_500},
		{name: "between bound and required", allowance: 348_000, paid: 348_000},
		{name: "above required", allowance: 400_000, paid: 350_000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.start(t)
			require.NoError(t, f.usdt.Approve(f.ctx, buyer, holder, uint256.NewInt(tc.allowance)))

			receipt, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: quantity, Asset: "USDT"})
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				assert.True(t, f.balance(t, f.usdt, holder).IsZero())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint64(350_000), receipt.Required.Uint64())
			assert.Equal(t, tc.paid, receipt.Paid.Uint64())
			assert.Equal(t, tc.paid, f.balance(t, f.usdt, holder).Uint64())

			left, err := f.usdt.Allowance(f.ctx, buyer, holder)
			require.NoError(t, err)
			assert.Equal(t, tc.allowance-tc.paid, left.Uint64())
		})
	}
}

func TestPurchaseTokenRevertsWhenDeliveryFails(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	quantity := units("1000000000000000000000000")
	require.NoError(t, f.usdt.Approve(f.ctx, buyer, holder, uint256.NewInt(350_000)))

	f.sale.SetTransferGuard(func(from, to common.Address) error {
		if from == holder {
			return errors.New("delivery paused")
		}
		return nil
	})

	_, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: quantity, Asset: "USDT"})
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.True(t, f.balance(t, f.usdt, holder).IsZero())
	assert.Equal(t, uint64(1_000_000_000), f.balance(t, f.usdt, buyer).Uint64())
	assert.True(t, f.engine.State().TotalSold.IsZero())

	allowance, err := f.usdt.Allowance(f.ctx, buyer, holder)
	require.NoError(t, err)
	assert.Equal(t, uint64(350_000), allowance.Uint64())
}

func TestTransferLockUntilSaleEnds(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(100), Asset: "ETH", Offered: uint256.NewInt(175_000_000)})
	require.NoError(t, err)

	err = f.sale.Transfer(f.ctx, buyer, treasury, uint256.NewInt(10))
	require.ErrorIs(t, err, ErrTransfersLocked)

	f.advance(f.engine.Config().Window())
	require.NoError(t, f.sale.Transfer(f.ctx, buyer, treasury, uint256.NewInt(10)))
	assert.Equal(t, uint64(10), f.balance(t, f.sale, treasury).Uint64())
}

func TestStartSaleRules(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.StartSale(f.ctx, buyer, time.Time{})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.engine.StartSale(f.ctx, owner, saleStart.Add(-time.Minute))
	require.ErrorIs(t, err, ErrInvalidStart)

	at, err := f.engine.StartSale(f.ctx, owner, saleStart.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, saleStart.Add(48*time.Hour), at)

	at, err = f.engine.StartSale(f.ctx, owner, saleStart.Add(24*time.Hour))
	require.NoError(t, err, "pending start may move")
	assert.Equal(t, saleStart.Add(24*time.Hour), at)

	f.advance(24 * time.Hour)
	_, err = f.engine.StartSale(f.ctx, owner, time.Time{})
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestSettersAreOwnerGatedAndValidated(t *testing.T) {
	f := newFixture(t)

	require.ErrorIs(t, f.engine.SetSlippageTolerance(buyer, 200), ErrUnauthorized)
	require.ErrorIs(t, f.engine.SetSlippageTolerance(owner, DefaultSlippageBps), ErrNoChange)
	require.ErrorIs(t, f.engine.SetSlippageTolerance(owner, MaxSlippageBps+1), ErrInvalidConfig)
	require.NoError(t, f.engine.SetSlippageTolerance(owner, 200))
	assert.Equal(t, uint16(200), f.engine.Config().SlippageBps)

	require.ErrorIs(t, f.engine.SetInitialPrice(owner, 101), ErrInvalidConfig)
	require.ErrorIs(t, f.engine.SetLaunchPriceCeiling(owner, 100), ErrNoChange)
	require.NoError(t, f.engine.SetPriceIncrement(owner, 10))
	require.ErrorIs(t, f.engine.SetStageCount(owner, 0), ErrInvalidConfig)
	require.NoError(t, f.engine.SetStageDuration(owner, 24*time.Hour))
	require.NoError(t, f.engine.SetOracleStaleness(owner, 30*time.Minute))
	assert.Equal(t, 24*time.Hour, f.engine.Config().StageDuration)
}

func TestSetterAppliesToRunningStage(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.advance(2 * f.engine.Config().StageDuration)

	require.NoError(t, f.engine.SetPriceIncrement(owner, 10))
	q, err := f.engine.Quote(f.ctx, "ETH", uint256.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(55), q.UnitPrice.Uint64())
}

func TestWithdrawals(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_, err := f.engine.Purchase(f.ctx, PurchaseRequest{Buyer: buyer, Quantity: uint256.NewInt(100), Asset: "ETH", Offered: uint256.NewInt(175_000_000)})
	require.NoError(t, err)

	_, err = f.engine.Withdraw(f.ctx, buyer, "ETH", treasury, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.engine.Withdraw(f.ctx, owner, "ETH", treasury, new(uint256.Int))
	require.ErrorIs(t, err, ErrZeroAmount)

	_, err = f.engine.Withdraw(f.ctx, owner, "ETH", treasury, uint256.NewInt(175_000_001))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	w, err := f.engine.Withdraw(f.ctx, owner, "ETH", treasury, uint256.NewInt(75_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(75_000_000), w.Amount.Uint64())

	w, err = f.engine.WithdrawAll(f.ctx, owner, "ETH", treasury)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_000), w.Amount.Uint64())
	assert.Equal(t, uint64(175_000_000), f.balance(t, f.eth, treasury).Uint64())

	_, err = f.engine.WithdrawAll(f.ctx, owner, "ETH", treasury)
	require.ErrorIs(t, err, ErrNothingToWithdraw)

	assert.Len(t, f.records.Withdrawals(), 2)
}

func TestBurnUnsold(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.engine.BurnUnsold(f.ctx, owner)
	require.ErrorIs(t, err, ErrSaleNotEnded)

	f.advance(f.engine.Config().Window())
	supply := f.sale.TotalSupply()

	burned, err := f.engine.BurnUnsold(f.ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, supply.Dec(), burned.Dec())
	assert.True(t, f.balance(t, f.sale, holder).IsZero())
	assert.True(t, f.engine.Burned())

	_, err = f.engine.BurnUnsold(f.ctx, owner)
	require.ErrorIs(t, err, ErrAlreadyExecuted)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	st, err := f.engine.Status(f.ctx)
	require.NoError(t, err)
	assert.False(t, st.Started)
	assert.False(t, st.Active)

	f.start(t)
	f.advance(3 * f.engine.Config().StageDuration)
	st, err = f.engine.Status(f.ctx)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, 3, st.Stage)
	assert.Equal(t, uint64(50), st.UnitPrice.Uint64())
	assert.Equal(t, saleStart.Add(f.engine.Config().Window()), st.End)
}
