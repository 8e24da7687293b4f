package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"presale-settlement/internal/storage"
)

// Export writes settled sales as CSV and/or price snapshots of one asset as a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	if opts.CSVPath != "" {
		sales, err := store.ListSalesBetween(ctx, from, to)
		if err != nil {
			return err
		}
		a.Logger.Info().Int("sales", len(sales)).Str("path", opts.CSVPath).Msg("exporting sales")
		if err := a.writeSalesCSV(opts.CSVPath, sales); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		asset := strings.ToUpper(strings.TrimSpace(opts.Asset))
		if asset == "" && len(a.Config.Assets) > 0 {
			asset = strings.ToUpper(a.Config.Assets[0].Symbol)
		}
		snapshots, err := store.ListSnapshotsBetween(ctx, asset, from, to)
		if err != nil {
			return err
		}
		if len(snapshots) == 0 {
			a.Logger.Info().Str("asset", asset).Msg("no snapshots found for export window")
			return nil
		}
		downsampled := downsample(snapshots, opts.MaxPoints)
		a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting snapshots")
		if err := a.writeSnapshotsPNG(opts.PNGPath, asset, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[len(items)-1:]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func (a *App) writeSalesCSV(path string, sales []storage.SaleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"id", "settled_at", "stage", "buyer", "asset", "quantity", "unit_price", "required", "paid", "refunded"}
	if err := writer.Write(header); err != nil {
		return err
	}

	saleDecimals := int32(a.Config.Sale.TokenDecimals)
	for _, s := range sales {
		payDecimals := int32(a.assetDecimals(s.Asset))
		record := []string{
			s.ID.String(),
			s.SettledAt.UTC().Format(time.RFC3339),
			strconv.Itoa(s.Stage + 1),
			s.Buyer,
			s.Asset,
			scaled(s.Quantity, saleDecimals).String(),
			formatDecimal(scaled(s.UnitPrice, 2), 2),
			scaled(s.Required, payDecimals).String(),
			scaled(s.Paid, payDecimals).String(),
			scaled(s.Refunded, payDecimals).String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func (a *App) writeSnapshotsPNG(path, asset string, snapshots []storage.PriceSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	payDecimals := int32(a.assetDecimals(asset))
	x := make([]time.Time, 0, len(snapshots))
	required := make([]float64, 0, len(snapshots))
	unitPrice := make([]float64, 0, len(snapshots))
	for _, snap := range snapshots {
		if snap.Status != "complete" {
			continue
		}
		x = append(x, snap.Bucket)
		required = append(required, scaled(snap.Required, payDecimals).InexactFloat64())
		unitPrice = append(unitPrice, scaled(snap.UnitPrice, 2).InexactFloat64())
	}
	if len(x) < 2 {
		return errors.New("not enough complete snapshots to chart")
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Cost of one token (" + asset + ")",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.6f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Unit price",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    asset,
				XValues: x,
				YValues: required,
			},
			chart.TimeSeries{
				Name:    "Unit price",
				XValues: x,
				YValues: unitPrice,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
