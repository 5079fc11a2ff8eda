package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce waits for writes to settle before reloading.
const reloadDebounce = 500 * time.Millisecond

// Reloader watches configuration files and calls reload after they change.
type Reloader struct {
	watcher *fsnotify.Watcher
	reload  func() error
	log     *zap.Logger
	paths   []string
}

// NewReloader creates a file watcher for the given paths. Missing paths are
// skipped.
func NewReloader(reload func() error, paths []string, log *zap.Logger) (*Reloader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	var watched []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", p, err)
		}
		watched = append(watched, p)
	}

	return &Reloader{
		watcher: watcher,
		reload:  reload,
		log:     log,
		paths:   watched,
	}, nil
}

// Paths returns the files being watched.
func (r *Reloader) Paths() []string { return r.paths }

// Run watches for file changes and reloads. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					if err := r.reload(); err != nil {
						r.log.Error("hot-reload failed", zap.String("file", event.Name), zap.Error(err))
					} else {
						r.log.Info("hot-reload complete", zap.String("file", event.Name))
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("file watcher error", zap.Error(err))
		}
	}
}
