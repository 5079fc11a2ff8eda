package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/accesswatch/internal/model"
)

var (
	violationsApp   string
	violationsState string
	violationsJSON  bool
)

func init() {
	rootCmd.AddCommand(violationsCmd)
	violationsCmd.Flags().StringVar(&violationsApp, "app", "", "Only this application")
	violationsCmd.Flags().StringVar(&violationsState, "state", "", "Only this state: NEW, RECURRING or RESOLVED")
	violationsCmd.Flags().BoolVar(&violationsJSON, "json", false, "Print as JSON")
}

var violationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "List stored violations",
	RunE:  runViolations,
}

func runViolations(cmd *cobra.Command, args []string) error {
	var state model.ViolationState
	if violationsState != "" {
		s, err := model.ParseViolationState(strings.ToUpper(violationsState))
		if err != nil {
			return err
		}
		state = s
	}

	ctx, cancel := signalContext()
	defer cancel()

	comps, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer comps.Close()

	vs, err := comps.Store.QueryViolations(ctx, violationsApp, state)
	if err != nil {
		return err
	}
	if violationsJSON {
		if vs == nil {
			vs = []model.Violation{}
		}
		return printJSON(cmd.OutOrStdout(), vs)
	}
	writeViolations(cmd.OutOrStdout(), vs)
	return nil
}

func writeViolations(w io.Writer, vs []model.Violation) {
	if len(vs) == 0 {
		fmt.Fprintln(w, "No violations.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-12s  %-34s  %-8s  %-9s  %s\n", "ID", "APP", "RULE", "SEVERITY", "STATE", "DETECTED")
	for _, v := range vs {
		fmt.Fprintf(w, "%-36s  %-12s  %-34s  %-8s  %-9s  %s\n",
			v.ViolationID, v.AppID, v.RuleID, v.Severity, v.State, v.DetectedAt.Format(time.RFC3339))
	}
}
