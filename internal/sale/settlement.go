package sale

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PurchaseRequest asks to buy Quantity sale units paying in Asset. Offered is
// the native value sent with the call and is ignored for token assets, whose
// payment is bounded by the buyer's allowance to the settlement holder.
type PurchaseRequest struct {
	Buyer    common.Address
	Quantity *uint256.Int
	Asset    string
	Offered  *uint256.Int
}

// Quote is a priced but unsettled purchase.
type Quote struct {
	Asset         string
	Quantity      *uint256.Int
	Stage         int
	UnitPrice     *uint256.Int
	ReferenceRate *uint256.Int
	PaymentRate   *uint256.Int
	Required      *uint256.Int
	LowerBound    *uint256.Int
	At            time.Time
}

// Receipt describes a settled purchase.
type Receipt struct {
	Sale
	LowerBound *uint256.Int
}

// Quote prices quantity in asset at the current stage without settling.
func (e *Engine) Quote(ctx context.Context, asset string, quantity *uint256.Int) (Quote, error) {
	cfg := e.Config()
	now := e.clock()

	stage, err := CurrentStage(now, cfg, e.State())
	if err != nil {
		return Quote{}, err
	}
	if quantity == nil || quantity.IsZero() {
		return Quote{}, ErrZeroQuantity
	}
	r, err := e.lookup(asset)
	if err != nil {
		return Quote{}, err
	}
	return e.price(ctx, cfg, now, r, stage, quantity)
}

func (e *Engine) price(ctx context.Context, cfg Config, now time.Time, r *rail, stage int, quantity *uint256.Int) (Quote, error) {
	unitPrice := PriceAtStage(cfg, stage)

	refRate, err := e.adapter.LatestPrice(ctx, e.referenceFeed, now, cfg.OracleStaleness)
	if err != nil {
		return Quote{}, fmt.Errorf("reference rate: %w", err)
	}
	payRate, err := e.adapter.LatestPrice(ctx, r.Feed, now, cfg.OracleStaleness)
	if err != nil {
		return Quote{}, fmt.Errorf("%s rate: %w", r.Symbol, err)
	}

	required, err := RequiredPayment(PaymentQuery{
		Kind:            r.Kind,
		Quantity:        quantity,
		UnitPrice:       unitPrice,
		ReferenceRate:   refRate,
		PaymentRate:     payRate,
		PaymentDecimals: r.Decimals,
		SaleDecimals:    e.saleDecimals,
	})
	if err != nil {
		return Quote{}, err
	}
	lower, err := LowerBound(required, cfg.SlippageBps)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		Asset:         r.Symbol,
		Quantity:      new(uint256.Int).Set(quantity),
		Stage:         stage,
		UnitPrice:     unitPrice,
		ReferenceRate: refRate,
		PaymentRate:   payRate,
		Required:      required,
		LowerBound:    lower,
		At:            now,
	}, nil
}

// Purchase settles req atomically: either payment is collected, the sale
// units are delivered and the sale is recorded, or nothing observable changes.
func (e *Engine) Purchase(ctx context.Context, req PurchaseRequest) (Receipt, error) {
	release, err := e.guard.enter()
	if err != nil {
		return Receipt{}, err
	}
	defer release()

	receipt, err := e.settle(ctx, req)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("buyer", req.Buyer.Hex()).
			Str("asset", req.Asset).
			Str("code", CodeOf(err)).
			Msg("purchase rejected")
		return Receipt{}, err
	}
	return receipt, nil
}

func (e *Engine) settle(ctx context.Context, req PurchaseRequest) (Receipt, error) {
	cfg := e.Config()
	now := e.clock()

	stage, err := CurrentStage(now, cfg, e.State())
	if err != nil {
		return Receipt{}, err
	}
	if req.Quantity == nil || req.Quantity.IsZero() {
		return Receipt{}, ErrZeroQuantity
	}
	if req.Buyer == (common.Address{}) {
		return Receipt{}, fmt.Errorf("%w: buyer", ErrZeroAddress)
	}
	r, err := e.lookup(req.Asset)
	if err != nil {
		return Receipt{}, err
	}

	stock, err := e.saleToken.BalanceOf(ctx, e.holder)
	if err != nil {
		return Receipt{}, fmt.Errorf("read holder inventory: %w", err)
	}
	if req.Quantity.Gt(stock) {
		return Receipt{}, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientStock, req.Quantity.Dec(), stock.Dec())
	}

	q, err := e.price(ctx, cfg, now, r, stage, req.Quantity)
	if err != nil {
		return Receipt{}, err
	}

	var undo unwind
	var paid, refunded *uint256.Int
	switch r.Kind {
	case AssetNative:
		paid, refunded, err = e.collectNative(ctx, &undo, r, req, q)
	default:
		paid, err = e.collectToken(ctx, &undo, r, req, q)
		refunded = new(uint256.Int)
	}
	if err != nil {
		undo.run(ctx, e.logger)
		return Receipt{}, err
	}

	if err := e.saleToken.Transfer(ctx, e.holder, req.Buyer, req.Quantity); err != nil {
		undo.run(ctx, e.logger)
		return Receipt{}, fmt.Errorf("%w: deliver sale units: %v", ErrTransferFailed, err)
	}

	e.stateMu.Lock()
	e.state.TotalSold = new(uint256.Int).Add(e.state.TotalSold, req.Quantity)
	e.stateMu.Unlock()

	sale := Sale{
		ID:        uuid.New(),
		Buyer:     req.Buyer,
		Quantity:  new(uint256.Int).Set(req.Quantity),
		Asset:     r.Symbol,
		Required:  q.Required,
		Paid:      paid,
		Refunded:  refunded,
		UnitPrice: q.UnitPrice,
		Stage:     stage,
		At:        now,
	}

	e.logger.Info().
		Str("sale_id", sale.ID.String()).
		Str("buyer", sale.Buyer.Hex()).
		Str("asset", sale.Asset).
		Str("quantity", sale.Quantity.Dec()).
		Str("required", sale.Required.Dec()).
		Str("paid", sale.Paid.Dec()).
		Int("stage", stage).
		Msg("purchase settled")

	e.emitSale(ctx, sale)
	return Receipt{Sale: sale, LowerBound: q.LowerBound}, nil
}

// collectNative takes the sent value and returns any excess over the required amount.
func (e *Engine) collectNative(ctx context.Context, undo *unwind, r *rail, req PurchaseRequest, q Quote) (*uint256.Int, *uint256.Int, error) {
	offered := new(uint256.Int)
	if req.Offered != nil {
		offered.Set(req.Offered)
	}
	if offered.Lt(q.LowerBound) {
		return nil, nil, fmt.Errorf("%w: sent %s, minimum %s", ErrInsufficientPayment, offered.Dec(), q.LowerBound.Dec())
	}
	if offered.IsZero() {
		return offered, new(uint256.Int), nil
	}

	if err := r.Ledger.Transfer(ctx, req.Buyer, e.holder, offered); err != nil {
		return nil, nil, fmt.Errorf("%w: collect %s: %v", ErrTransferFailed, r.Symbol, err)
	}
	undo.push(compensation{ledger: r.Ledger, from: e.holder, to: req.Buyer, amount: offered, label: "return payment"})

	refund := new(uint256.Int)
	if offered.Gt(q.Required) {
		refund.Sub(offered, q.Required)
		if err := r.Ledger.Transfer(ctx, e.holder, req.Buyer, refund); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrRefundFailed, err)
		}
		undo.amend(new(uint256.Int).Set(q.Required))
	}

	paid := new(uint256.Int).Sub(offered, refund)
	return paid, refund, nil
}

// collectToken pulls min(allowance, required) from the buyer.
func (e *Engine) collectToken(ctx context.Context, undo *unwind, r *rail, req PurchaseRequest, q Quote) (*uint256.Int, error) {
	allowance, err := r.allowances.Allowance(ctx, req.Buyer, e.holder)
	if err != nil {
		return nil, fmt.Errorf("read %s allowance: %w", r.Symbol, err)
	}
	if allowance.Lt(q.LowerBound) {
		return nil, fmt.Errorf("%w: approved %s, minimum %s", ErrInsufficientApproval, allowance.Dec(), q.LowerBound.Dec())
	}

	pull := new(uint256.Int).Set(q.Required)
	if allowance.Lt(pull) {
		pull.Set(allowance)
	}
	if pull.IsZero() {
		return pull, nil
	}

	if err := r.allowances.TransferFrom(ctx, e.holder, req.Buyer, e.holder, pull); err != nil {
		return nil, fmt.Errorf("%w: collect %s: %v", ErrTransferFailed, r.Symbol, err)
	}
	undo.push(compensation{
		ledger: r.Ledger,
		from:   e.holder,
		to:     req.Buyer,
		amount: pull,
		label:  "return payment",
		after: func(ctx context.Context) error {
			return r.allowances.Approve(ctx, req.Buyer, e.holder, allowance)
		},
	})
	return pull, nil
}
