package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"presale-settlement/internal/app"
)

var (
	showLimit int
	showAsset string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display sale totals and recent settlements",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().Show(cmd.Context(), app.ShowOptions{
			Limit: showLimit,
			Asset: showAsset,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of sales and withdrawals to fetch")
	showCmd.Flags().StringVar(&showAsset, "asset", "", "Only show rows paid in this asset")
}
