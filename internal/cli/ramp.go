package cli

import (
	"github.com/spf13/cobra"

	"presale-settlement/internal/app"
)

var rampPNGPath string

var rampCmd = &cobra.Command{
	Use:   "ramp",
	Short: "Print the configured stage schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Ramp(app.RampOptions{PNGPath: rampPNGPath})
	},
}

func init() {
	rampCmd.Flags().StringVar(&rampPNGPath, "png", "", "Path to write a PNG step chart")
}
