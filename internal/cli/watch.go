package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/accesswatch/internal/daemon"
	"github.com/ppiankov/accesswatch/internal/pipeline"
	"github.com/ppiankov/accesswatch/internal/server"
)

var (
	watchInbox        string
	watchPoll         bool
	watchPollInterval time.Duration
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchInbox, "inbox", "", "Directory to watch for snapshot CSVs (default from config)")
	watchCmd.Flags().BoolVar(&watchPoll, "poll", false, "Poll the inbox instead of using filesystem events (NFS)")
	watchCmd.Flags().DurationVar(&watchPollInterval, "poll-interval", 5*time.Second, "Polling interval with --poll")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Process snapshots as they arrive in an inbox directory",
	Long: "Runs until interrupted. Each CSV dropped into the inbox is processed and archived\n" +
		"under state/processed (or state/failed). Serves Prometheus metrics and a gRPC health\n" +
		"service, and reloads the thresholds file when it changes.",
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	comps, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer comps.Close()

	inbox := watchInbox
	if inbox == "" {
		inbox = comps.Config.Watch.Inbox
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pipeline.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	d, err := daemon.New(daemon.Config{
		Dirs:         daemon.DirsFor(inbox),
		PollMode:     watchPoll,
		PollInterval: watchPollInterval,
		Settle:       comps.Config.Watch.Settle,
	}, newRunner(comps, log, metrics), log.Named("daemon"))
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		HealthAddr:  comps.Config.Watch.HealthAddr,
		MetricsAddr: comps.Config.Watch.MetricsAddr,
	}, reg, log.Named("server"))

	reloader, err := server.NewReloader(comps.ReloadThresholds, []string{comps.Config.ThresholdsFile}, log.Named("reload"))
	if err != nil {
		log.Warn("hot-reload disabled", zap.Error(err))
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Run(gctx) })
	if reloader != nil {
		g.Go(func() error { return reloader.Run(gctx) })
	}
	g.Go(func() error {
		// The daemon owns the process lifetime: when it returns, stop the rest.
		defer stop()
		srv.SetServing(true)
		defer srv.SetServing(false)
		return d.Run(gctx)
	})

	fmt.Fprintf(cmd.ErrOrStderr(), "accesswatch watching %s (metrics %s, health %s)\n",
		inbox, comps.Config.Watch.MetricsAddr, comps.Config.Watch.HealthAddr)

	err = g.Wait()
	fmt.Fprintln(cmd.ErrOrStderr(), "accesswatch stopped")
	return err
}
