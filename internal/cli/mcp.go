package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	awmcp "github.com/ppiankov/accesswatch/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for assistant integration",
	Long: "Runs accesswatch as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes read-only tools: classify, open_violations, kpis, alerts.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	comps, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer comps.Close()

	srv := awmcp.New(comps.Store, comps.Policy, version, log.Named("mcp"))

	fmt.Fprintln(os.Stderr, "accesswatch MCP server running on stdio")
	return srv.Run(ctx)
}
