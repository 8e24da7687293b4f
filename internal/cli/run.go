package cli

import (
	"github.com/spf13/cobra"

	"presale-settlement/internal/app"
)

var (
	runAddr      string
	runNoSampler bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the sale API and sample prices until interrupted",
	Long: "Restores the persisted sale state, rebuilds holder balances, then serves the HTTP API.\n" +
		"Replicas that only serve traffic can pass --no-sampler; the advisory lock already keeps\n" +
		"concurrent samplers from writing the same bucket twice.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{
			Addr:      runAddr,
			NoSampler: runNoSampler,
		})
	},
}

func init() {
	runCmd.Flags().StringVar(&runAddr, "addr", "", "Listen address (overrides http.addr)")
	runCmd.Flags().BoolVar(&runNoSampler, "no-sampler", false, "Do not run the price snapshot loop")
}
