package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/holiman/uint256"

	"presale-settlement/internal/sale"
	"presale-settlement/internal/service"
)

// Quote prices a purchase in one or every payment asset at the current (or given) time.
func (a *App) Quote(ctx context.Context, opts QuoteOptions) error {
	return a.quoteTo(ctx, os.Stdout, opts)
}

func (a *App) quoteTo(ctx context.Context, out io.Writer, opts QuoteOptions) error {
	quantity, err := wholeToBase(opts.Quantity, a.Config.Sale.TokenDecimals)
	if err != nil {
		return fmt.Errorf("invalid --quantity: %w", err)
	}

	now := time.Now().UTC()
	if opts.At != nil {
		now = opts.At.UTC()
	}
	clock := func() time.Time { return now }

	rt, err := a.buildRuntime(ctx, a.configuredFeeds(clock), clock)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	svc, err := a.newService(rt, store, nil, nil, nil)
	if err != nil {
		return err
	}
	if err := svc.Restore(ctx); err != nil {
		return err
	}
	if err := a.restock(ctx, rt, proceedsOf(store)); err != nil {
		return err
	}
	if st := rt.engine.State(); !st.Started() && !a.Config.Sale.StartAt.IsZero() {
		st.Start = a.Config.Sale.StartAt.UTC()
		rt.engine.Restore(st)
	}

	symbols := []string{strings.ToUpper(strings.TrimSpace(opts.Asset))}
	if symbols[0] == "" {
		symbols = symbols[:0]
		for _, asset := range rt.engine.Assets() {
			symbols = append(symbols, asset.Symbol)
		}
	}

	return writeQuotes(ctx, out, svc, symbols, quantity, a.assetDecimals)
}

func writeQuotes(ctx context.Context, out io.Writer, svc *service.Service, symbols []string, quantity *uint256.Int, decimalsOf func(string) uint8) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tStage\tUnit price\tRequired\tMinimum\tStatus")

	var failed int
	for _, symbol := range symbols {
		q, err := svc.Quote(ctx, symbol, quantity)
		if err != nil {
			if errors.Is(err, sale.ErrNotStarted) || errors.Is(err, sale.ErrEnded) {
				writer.Flush()
				return err
			}
			failed++
			fmt.Fprintf(writer, "%s\t-\t-\t-\t-\t%s\n", symbol, sanitizeInline(err.Error()))
			continue
		}
		decimals := decimalsOf(q.Asset)
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\tok\n",
			q.Asset,
			q.Stage+1,
			formatDecimal(baseToWhole(q.UnitPrice, 2), 2),
			baseToWhole(q.Required, decimals).String(),
			baseToWhole(q.LowerBound, decimals).String(),
		)
	}
	writer.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d quotes failed", failed, len(symbols))
	}
	return nil
}
