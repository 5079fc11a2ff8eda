package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/accesswatch/internal/ingest"
	"github.com/ppiankov/accesswatch/internal/pipeline"
)

var (
	runInput string
	runJSON  bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "Path to the access snapshot CSV")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the full run report as JSON")
	_ = runCmd.MarkFlagRequired("input")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one access snapshot",
	Long: "Parses the snapshot, computes every KPI per application, evaluates thresholds,\n" +
		"and sends one alert per NEW or RECURRING violation. Exits 1 if any application failed.",
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	snap, err := ingest.ParseFile(runInput)
	if err != nil {
		return err
	}

	comps, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer comps.Close()

	report, err := newRunner(comps, log, pipeline.NewMetrics()).Run(ctx, snap)
	if report != nil {
		out := cmd.OutOrStdout()
		if runJSON {
			if perr := printJSON(out, report); perr != nil {
				return perr
			}
		} else {
			writeRunSummary(out, report)
		}
	}
	if err != nil {
		return err
	}
	if report.AppsFailed > 0 {
		return fmt.Errorf("%d of %d applications failed", report.AppsFailed, report.AppsProcessed)
	}
	return nil
}

// writeRunSummary prints the human-readable run result.
func writeRunSummary(w io.Writer, r *pipeline.RunReport) {
	load := "incremental"
	if r.FullLoad {
		load = "full"
	}
	fmt.Fprintf(w, "Snapshot: %s (%s load)\n", r.Source, load)
	fmt.Fprintf(w, "Applications: %d processed, %d failed\n", r.AppsProcessed, r.AppsFailed)
	fmt.Fprintf(w, "Violations: %d detected, %d resolved\n", r.ViolationsDetected, r.ViolationsResolved)
	fmt.Fprintf(w, "Alerts: %d sent, %d delivery failures\n", r.AlertsSent, r.DeliveryFailures)
	fmt.Fprintf(w, "Duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	if len(r.Errors) > 0 {
		ids := make([]string, 0, len(r.Errors))
		for id := range r.Errors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Errors:")
		for _, id := range ids {
			fmt.Fprintf(w, "  %s: %s\n", id, r.Errors[id])
		}
	}

	var lines []string
	for _, app := range r.Apps {
		for _, v := range app.Violations {
			lines = append(lines, fmt.Sprintf("  %-10s %-9s %-8s %s", v.Severity, v.State, app.AppID, v.RuleID))
		}
	}
	if len(lines) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Violations:")
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}
}
