package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/accesswatch/internal/pipeline"
)

var digestSince time.Duration

func init() {
	rootCmd.AddCommand(digestCmd)
	digestCmd.Flags().DurationVar(&digestSince, "since", 24*time.Hour, "Include alerts created within this window")
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Send a digest of recent MEDIUM and LOW alerts",
	Long:  "Collects MEDIUM and LOW alerts created within --since and sends them as one\nmessage to every channel that supports digests (email).",
	RunE:  runDigest,
}

func runDigest(cmd *cobra.Command, args []string) error {
	if digestSince <= 0 {
		return fmt.Errorf("--since must be positive, got %s", digestSince)
	}
	ctx, cancel := signalContext()
	defer cancel()

	comps, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer comps.Close()

	since := comps.Clock.Now().Add(-digestSince)
	alerts, outcomes, err := pipeline.SendDigest(ctx, comps.Store, comps.Alerts, since)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Digest: %d alerts since %s\n", len(alerts), since.Format(time.RFC3339))
	if len(alerts) == 0 {
		return nil
	}
	if len(outcomes) == 0 {
		fmt.Fprintln(out, "No digest channels configured.")
		return nil
	}

	failed := 0
	for _, o := range outcomes {
		switch {
		case o.Skipped:
			fmt.Fprintf(out, "  %-20s skipped\n", o.Channel)
		case o.Result.Success:
			fmt.Fprintf(out, "  %-20s delivered (retries %d)\n", o.Channel, o.Result.Retries)
		default:
			failed++
			fmt.Fprintf(out, "  %-20s FAILED: %s\n", o.Channel, o.Result.Error)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d digest deliveries failed", failed)
	}
	return nil
}
