// Package daemon implements watch mode: new CSV snapshots dropped into an
// inbox directory are parsed, run through the pipeline, and archived.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config holds daemon configuration.
type Config struct {
	Dirs         DirConfig
	PollMode     bool
	PollInterval time.Duration
	// Settle is how long the inbox must be quiet before a batch is handled.
	Settle time.Duration
}

// Daemon watches the inbox directory and processes snapshots.
type Daemon struct {
	cfg       Config
	processor *Processor
	log       *zap.Logger
}

// New creates a daemon with validated configuration.
func New(cfg Config, runner SnapshotRunner, log *zap.Logger) (*Daemon, error) {
	if cfg.Dirs.Inbox == "" || cfg.Dirs.State == "" {
		return nil, fmt.Errorf("inbox and state directories are required")
	}
	if runner == nil {
		return nil, fmt.Errorf("snapshot runner is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = pollDefault
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Daemon{
		cfg:       cfg,
		processor: NewProcessor(cfg.Dirs, runner, log),
		log:       log,
	}, nil
}

// Run starts the daemon. Blocks until ctx is cancelled.
// On startup, processes any snapshots already waiting in the inbox.
func (d *Daemon) Run(ctx context.Context) error {
	if err := EnsureDirs(d.cfg.Dirs); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	pidPath := filepath.Join(d.cfg.Dirs.State, "accesswatch.pid")
	if err := acquirePIDLock(pidPath); err != nil {
		return fmt.Errorf("acquire PID lock: %w", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	handler := func(path string) {
		if err := d.processor.Process(ctx, path); err != nil {
			d.log.Error("process snapshot", zap.String("file", filepath.Base(path)), zap.Error(err))
		}
	}

	if err := ScanExisting(d.cfg.Dirs.Inbox, handler); err != nil {
		return fmt.Errorf("scan existing: %w", err)
	}

	d.log.Info("watching inbox", zap.String("inbox", d.cfg.Dirs.Inbox), zap.Bool("poll", d.cfg.PollMode))
	if d.cfg.PollMode {
		return NewPollWatcher(d.cfg.Dirs.Inbox, handler, d.cfg.PollInterval).Run(ctx)
	}
	w := NewInboxWatcher(d.cfg.Dirs.Inbox, handler, d.log)
	if d.cfg.Settle > 0 {
		w.debounce = d.cfg.Settle
	}
	return w.Run(ctx)
}

// acquirePIDLock writes the current PID to the file and checks for stale locks.
func acquirePIDLock(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(string(data))
		if err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another accesswatch watcher is running (PID %d)", pid)
				}
			}
		}
		// Stale PID file.
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}
