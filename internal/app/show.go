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

	"github.com/shopspring/decimal"

	"presale-settlement/internal/storage"
)

// Show prints sale totals, recent purchases and recent withdrawals.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show sales")
	}
	if closeStore != nil {
		defer closeStore()
	}

	totals, err := store.SaleTotals(ctx)
	if err != nil {
		return err
	}
	sales, err := store.ListRecentSales(ctx, opts.Limit)
	if err != nil {
		return err
	}
	withdrawals, err := store.ListRecentWithdrawals(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if asset := strings.ToUpper(strings.TrimSpace(opts.Asset)); asset != "" {
		totals, sales, withdrawals = filterAsset(asset, totals, sales, withdrawals)
	}
	return a.writeShow(os.Stdout, totals, sales, withdrawals)
}

// filterAsset keeps the rows of one payment asset. Limits apply before filtering.
func filterAsset(asset string, totals []storage.SaleTotals, sales []storage.SaleRecord, withdrawals []storage.WithdrawalRecord) ([]storage.SaleTotals, []storage.SaleRecord, []storage.WithdrawalRecord) {
	keptTotals := totals[:0:0]
	for _, t := range totals {
		if strings.EqualFold(t.Asset, asset) {
			keptTotals = append(keptTotals, t)
		}
	}
	keptSales := sales[:0:0]
	for _, s := range sales {
		if strings.EqualFold(s.Asset, asset) {
			keptSales = append(keptSales, s)
		}
	}
	keptWithdrawals := withdrawals[:0:0]
	for _, w := range withdrawals {
		if strings.EqualFold(w.Asset, asset) {
			keptWithdrawals = append(keptWithdrawals, w)
		}
	}
	return keptTotals, keptSales, keptWithdrawals
}

func (a *App) writeShow(out io.Writer, totals []storage.SaleTotals, sales []storage.SaleRecord, withdrawals []storage.WithdrawalRecord) error {
	saleDecimals := int32(a.Config.Sale.TokenDecimals)
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	if len(totals) == 0 {
		fmt.Fprintln(writer, "no sales recorded")
		return writer.Flush()
	}

	fmt.Fprintln(writer, "Asset\tSales\tSold\tCollected")
	for _, t := range totals {
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\n",
			t.Asset,
			t.Count,
			scaled(t.Quantity, saleDecimals).String(),
			scaled(t.Paid, int32(a.assetDecimals(t.Asset))).String(),
		)
	}

	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "Time (UTC)\tStage\tBuyer\tQuantity\tUnit price\tPaid\tRefunded")
	for _, s := range sales {
		payDecimals := int32(a.assetDecimals(s.Asset))
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s %s\t%s\n",
			s.SettledAt.UTC().Format(time.RFC3339),
			s.Stage+1,
			s.Buyer,
			scaled(s.Quantity, saleDecimals).String(),
			formatDecimal(scaled(s.UnitPrice, 2), 2),
			scaled(s.Paid, payDecimals).String(),
			s.Asset,
			scaled(s.Refunded, payDecimals).String(),
		)
	}

	if len(withdrawals) > 0 {
		fmt.Fprintln(writer)
		fmt.Fprintln(writer, "Time (UTC)\tAsset\tRecipient\tAmount")
		for _, w := range withdrawals {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
				w.WithdrawnAt.UTC().Format(time.RFC3339),
				w.Asset,
				w.Recipient,
				scaled(w.Amount, int32(a.assetDecimals(w.Asset))).String(),
			)
		}
	}

	return writer.Flush()
}

// scaled converts base units into whole units.
func scaled(d decimal.Decimal, decimals int32) decimal.Decimal {
	return d.Shift(-decimals)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
