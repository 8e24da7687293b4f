package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"presale-settlement/internal/alerting"
	"presale-settlement/internal/config"
	"presale-settlement/internal/oracle"
	"presale-settlement/internal/sale"
)

var simulatedBuyer = common.HexToAddress("0x00000000000000000000000000000000000000C0")

// simulation rates used when a feed is not configured as static, 8 decimals.
const (
	defaultReferenceRate = 108_000_000
	defaultNativeRate    = 300_000_000_000
	defaultStableRate    = 100_000_000
)

// Simulate 在内存中完成一次购买结算，不访问数据库和链上预言机，并按配置触发告警。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	return a.simulateTo(ctx, os.Stdout, opts)
}

func (a *App) simulateTo(ctx context.Context, out io.Writer, opts SimulateOptions) error {
	if opts.Stage < 1 || opts.Stage > a.Config.Sale.StageCount {
		return fmt.Errorf("--stage must be between 1 and %d", a.Config.Sale.StageCount)
	}
	quantity, err := wholeToBase(opts.Quantity, a.Config.Sale.TokenDecimals)
	if err != nil {
		return fmt.Errorf("invalid --quantity: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	clock := func() time.Time { return now }

	rt, err := a.buildRuntime(ctx, a.simulationFeeds(clock), clock)
	if err != nil {
		return err
	}
	if err := a.restock(ctx, rt, nil); err != nil {
		return err
	}
	notifier := a.newNotifier()
	if notifier == nil {
		notifier = alerting.NewLogNotifier(a.Logger)
	}
	svc, err := a.newService(rt, nil, nil, nil, notifier)
	if err != nil {
		return err
	}

	start, err := svc.StartSale(ctx, rt.owner, time.Time{})
	if err != nil {
		return err
	}
	now = start.Add(a.Config.Sale.StageDuration * time.Duration(opts.Stage-1))

	symbol := strings.ToUpper(strings.TrimSpace(opts.Asset))
	tok, ok := rt.tokens.Get(symbol)
	if !ok || tok == rt.saleToken {
		return fmt.Errorf("%w: %q", sale.ErrUnsupportedAsset, opts.Asset)
	}
	quote, err := svc.Quote(ctx, symbol, quantity)
	if err != nil {
		return err
	}

	offered := quote.Required
	if opts.Offered != "" {
		if offered, err = wholeToBase(opts.Offered, tok.Decimals()); err != nil {
			return fmt.Errorf("invalid --offered: %w", err)
		}
	}
	funding := offered
	if quote.Required.Gt(funding) {
		funding = quote.Required
	}
	if err := tok.Mint(ctx, rt.owner, simulatedBuyer, funding); err != nil {
		return fmt.Errorf("fund simulated buyer: %w", err)
	}
	if assetKind(rt, symbol) == sale.AssetToken {
		if err := svc.Approve(ctx, simulatedBuyer, symbol, offered); err != nil {
			return err
		}
	}

	receipt, err := svc.Purchase(ctx, sale.PurchaseRequest{
		Buyer:    simulatedBuyer,
		Quantity: quantity,
		Asset:    symbol,
		Offered:  offered,
	})
	if err != nil {
		return err
	}

	decimals := tok.Decimals()
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Sale\t%s\n", receipt.ID)
	fmt.Fprintf(writer, "Stage\t%d (%s)\n", receipt.Stage+1, now.Format(time.RFC3339))
	fmt.Fprintf(writer, "Unit price\t%s\n", formatDecimal(baseToWhole(receipt.UnitPrice, 2), 2))
	fmt.Fprintf(writer, "Quantity\t%s %s\n", baseToWhole(receipt.Quantity, a.Config.Sale.TokenDecimals).String(), rt.saleToken.Symbol())
	fmt.Fprintf(writer, "Required\t%s %s\n", baseToWhole(receipt.Required, decimals).String(), symbol)
	fmt.Fprintf(writer, "Minimum\t%s %s\n", baseToWhole(receipt.LowerBound, decimals).String(), symbol)
	fmt.Fprintf(writer, "Paid\t%s %s\n", baseToWhole(receipt.Paid, decimals).String(), symbol)
	fmt.Fprintf(writer, "Refunded\t%s %s\n", baseToWhole(receipt.Refunded, decimals).String(), symbol)
	fmt.Fprintf(writer, "Total sold\t%s\n", baseToWhole(rt.engine.State().TotalSold, a.Config.Sale.TokenDecimals).String())
	return writer.Flush()
}

func (a *App) simulationFeeds(clock func() time.Time) feedSet {
	set := feedSet{
		reference: simulationFeed(a.Config.ReferenceFeed, defaultReferenceRate, clock),
		assets:    make(map[string]oracle.PriceFeed, len(a.Config.Assets)),
	}
	for _, asset := range a.Config.Assets {
		fallback := int64(defaultStableRate)
		if strings.EqualFold(asset.Kind, "native") {
			fallback = defaultNativeRate
		}
		set.assets[strings.ToUpper(asset.Symbol)] = simulationFeed(asset.Feed, fallback, clock)
	}
	return set
}

func simulationFeed(f config.FeedConfig, fallback int64, clock func() time.Time) oracle.PriceFeed {
	if f.Source == config.FeedStatic && f.Value > 0 {
		decimals := f.Decimals
		if decimals == 0 {
			decimals = oracle.Decimals
		}
		return oracle.NewLiveStatic(f.Value, decimals, clock)
	}
	return oracle.NewLiveStatic(fallback, oracle.Decimals, clock)
}

func assetKind(rt *runtime, symbol string) sale.AssetKind {
	for _, asset := range rt.engine.Assets() {
		if asset.Symbol == symbol {
			return asset.Kind
		}
	}
	return sale.AssetToken
}
