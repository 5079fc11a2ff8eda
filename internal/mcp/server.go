// Package mcp serves read-only accesswatch tools over the Model Context
// Protocol so assistants can classify KPI values and inspect open findings.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/accesswatch/internal/model"
)

// Store is the read side the tools need.
type Store interface {
	QueryViolations(ctx context.Context, appID string, state model.ViolationState) ([]model.Violation, error)
	LoadKPIs(ctx context.Context, appID string) ([]model.KPIRecord, error)
	LoadAlerts(ctx context.Context, appID string) ([]model.Alert, error)
}

// ThresholdSource returns the live threshold table.
type ThresholdSource interface {
	Thresholds() model.Thresholds
}

// Server wraps the MCP SDK server with accesswatch tools.
type Server struct {
	mcpServer  *mcpsdk.Server
	store      Store
	thresholds ThresholdSource
	log        *zap.Logger
}

// New creates an MCP server over an open store and threshold source.
func New(store Store, thresholds ThresholdSource, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{store: store, thresholds: thresholds, log: log}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "accesswatch",
			Version: version,
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("mcp server starting", zap.String("transport", "stdio"))
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all accesswatch tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "accesswatch_classify",
		Description: "Classify a KPI value against the configured thresholds without recording anything (dry-run).",
	}, s.handleClassify)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "accesswatch_open_violations",
		Description: "List open (NEW or RECURRING) violations, optionally for one application and above a severity floor.",
	}, s.handleOpenViolations)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "accesswatch_kpis",
		Description: "Show the latest value of every KPI computed for an application.",
	}, s.handleKPIs)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "accesswatch_alerts",
		Description: "List the most recent alerts, newest first.",
	}, s.handleAlerts)
}
