package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ppiankov/accesswatch/internal/clock"
	"github.com/ppiankov/accesswatch/internal/config"
	"github.com/ppiankov/accesswatch/internal/logging"
	"github.com/ppiankov/accesswatch/internal/pipeline"
)

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ./accesswatch.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")
}

// loadConfig reads configuration and builds the process logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Dir:     cfg.Log.Dir,
		Console: cfg.Log.Console,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

// setup loads configuration and wires every component. Callers must Close
// the components and Sync the logger.
func setup(ctx context.Context) (*config.Components, *zap.Logger, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	comps, err := config.Wire(ctx, cfg, log, clock.System{})
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	return comps, log, nil
}

// newRunner builds the batch runner over wired components.
func newRunner(c *config.Components, log *zap.Logger, metrics *pipeline.Metrics) *pipeline.Runner {
	p := pipeline.New(c.KPI, c.Policy, c.Alerts, log.Named("pipeline"), metrics)
	return pipeline.NewRunner(p, c.Config.Workers, c.Audit, c.Clock, log.Named("runner"), metrics)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
