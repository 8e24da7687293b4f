package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"presale-settlement/internal/app"
)

var (
	simulateAsset    string
	simulateQuantity string
	simulateStage    int
	simulateOffered  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在内存中模拟一次购买结算",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(simulateAsset) == "" {
			return errors.New("--asset 必须配置")
		}

		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Asset:    simulateAsset,
			Quantity: simulateQuantity,
			Stage:    simulateStage,
			Offered:  simulateOffered,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "支付资产，例如 ETH 或 USDT")
	simulateCmd.Flags().StringVar(&simulateQuantity, "quantity", "1", "Whole sale tokens to buy")
	simulateCmd.Flags().IntVar(&simulateStage, "stage", 1, "Stage to simulate, starting at 1")
	simulateCmd.Flags().StringVar(&simulateOffered, "offered", "", "Amount offered in whole asset units (defaults to the quote)")
}
