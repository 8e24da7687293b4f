package app

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"presale-settlement/internal/sale"
)

// rampStage is one row of the stage schedule.
type rampStage struct {
	Index      int
	Offset     time.Duration
	Start      time.Time
	PriceCents uint64
}

// Ramp prints the stage schedule and optionally renders it as a PNG step chart.
func (a *App) Ramp(opts RampOptions) error {
	stages, err := a.rampStages()
	if err != nil {
		return err
	}
	if err := writeRamp(os.Stdout, stages, a.Config.Sale.StageDuration); err != nil {
		return err
	}
	if opts.PNGPath != "" {
		if err := writeRampPNG(opts.PNGPath, stages, a.Config.Sale.StageDuration); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.PNGPath).Msg("ramp chart written")
	}
	return nil
}

func (a *App) rampStages() ([]rampStage, error) {
	cfg := a.saleConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := a.Config.Sale.StartAt.UTC()

	stages := make([]rampStage, 0, cfg.StageCount)
	for i := 0; i < cfg.StageCount; i++ {
		offset := cfg.StageDuration * time.Duration(i)
		row := rampStage{Index: i, Offset: offset, PriceCents: sale.PriceAtStage(cfg, i).Uint64()}
		if !start.IsZero() {
			row.Start = start.Add(offset)
		}
		stages = append(stages, row)
	}
	return stages, nil
}

func writeRamp(out io.Writer, stages []rampStage, stageDuration time.Duration) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Stage\tOpens\tCloses\tUnit price")
	for _, st := range stages {
		opens, closes := "T+"+st.Offset.String(), "T+"+(st.Offset+stageDuration).String()
		if !st.Start.IsZero() {
			opens = st.Start.Format(time.RFC3339)
			closes = st.Start.Add(stageDuration).Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\n", st.Index+1, opens, closes, formatDecimal(decimal.New(int64(st.PriceCents), -2), 2))
	}
	return writer.Flush()
}

func writeRampPNG(path string, stages []rampStage, stageDuration time.Duration) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	// two points per stage draw a step
	x := make([]float64, 0, 2*len(stages))
	y := make([]float64, 0, 2*len(stages))
	for _, st := range stages {
		price := float64(st.PriceCents) / 100
		from := st.Offset.Hours() / 24
		to := (st.Offset + stageDuration).Hours() / 24
		x = append(x, from, to)
		y = append(y, price, price)
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			Name: "Days since start",
		},
		YAxis: chart.YAxis{
			Name: "Unit price",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "Stage price",
				XValues: x,
				YValues: y,
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
