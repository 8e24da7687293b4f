package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"presale-settlement/internal/app"
)

var (
	quoteAsset    string
	quoteQuantity string
	quoteAt       string
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price a purchase in one or every payment asset",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.QuoteOptions{
			Asset:    quoteAsset,
			Quantity: quoteQuantity,
		}

		if quoteAt != "" {
			at, err := time.Parse(time.RFC3339, quoteAt)
			if err != nil {
				return fmt.Errorf("invalid --at value: %w", err)
			}
			opts.At = &at
		}

		return getApp().Quote(cmd.Context(), opts)
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteAsset, "asset", "", "Payment asset symbol (all assets when empty)")
	quoteCmd.Flags().StringVar(&quoteQuantity, "quantity", "1", "Whole sale tokens to price")
	quoteCmd.Flags().StringVar(&quoteAt, "at", "", "Price at this timestamp instead of now (RFC3339)")
}
