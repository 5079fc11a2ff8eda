package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "accesswatch",
	Short: "Access-compliance KPI, violation and alerting engine",
	Long: "Computes access-management KPIs from user access snapshots, classifies them against\n" +
		"tiered thresholds, tracks violations through NEW, RECURRING and RESOLVED, and\n" +
		"dispatches alerts to Slack, webhook and email channels.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
