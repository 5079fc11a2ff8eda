package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceDefault is the default debounce interval for file events.
const debounceDefault = 200 * time.Millisecond

// maxQueueSize is the buffer size for the work queue channel.
const maxQueueSize = 200

// pollDefault is the default polling interval when fsnotify is unavailable.
const pollDefault = 5 * time.Second

// InboxWatcher watches a directory for new snapshot files using fsnotify.
// Snapshots are handed to the handler one at a time in name order, so a
// later snapshot never overtakes an earlier one for the same application.
type InboxWatcher struct {
	inbox    string
	handler  func(path string)
	debounce time.Duration
	log      *zap.Logger
}

// NewInboxWatcher creates a watcher for the inbox directory.
func NewInboxWatcher(inbox string, handler func(path string), log *zap.Logger) *InboxWatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &InboxWatcher{
		inbox:    inbox,
		handler:  handler,
		debounce: debounceDefault,
		log:      log,
	}
}

// Run watches the inbox for new snapshots. Blocks until ctx is cancelled.
func (w *InboxWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.inbox); err != nil {
		return err
	}

	// ready collects paths that passed debounce. A single timer resets on
	// each event; when it fires, all accumulated paths flush to the queue.
	var mu sync.Mutex
	ready := make(map[string]bool)
	queue := make(chan string, maxQueueSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for path := range queue {
			w.handle(path)
		}
	}()

	flush := func() {
		mu.Lock()
		batch := make([]string, 0, len(ready))
		for p := range ready {
			batch = append(batch, p)
		}
		ready = make(map[string]bool)
		mu.Unlock()

		sort.Strings(batch)
		for _, p := range batch {
			select {
			case queue <- p:
			case <-ctx.Done():
				return
			}
		}
	}

	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()

	defer func() {
		debounceTimer.Stop()
		close(queue)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounceTimer.C:
			flush()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isSnapshotFile(event.Name) {
				continue
			}

			mu.Lock()
			ready[event.Name] = true
			mu.Unlock()

			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("inbox watcher error", zap.Error(err))
		}
	}
}

func (w *InboxWatcher) handle(path string) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("snapshot handler panicked", zap.String("path", path), zap.Any("panic", r))
		}
	}()
	// Write events can repeat for a file already moved out of the inbox.
	if _, err := os.Stat(path); err != nil {
		return
	}
	w.handler(path)
}

// PollWatcher watches a directory for new snapshots using polling.
// Used as a fallback when fsnotify is unavailable (e.g., NFS).
type PollWatcher struct {
	inbox    string
	handler  func(path string)
	interval time.Duration
	seen     map[string]bool
}

// NewPollWatcher creates a polling-based watcher.
func NewPollWatcher(inbox string, handler func(path string), interval time.Duration) *PollWatcher {
	if interval == 0 {
		interval = pollDefault
	}
	return &PollWatcher{
		inbox:    inbox,
		handler:  handler,
		interval: interval,
		seen:     make(map[string]bool),
	}
}

// Run polls the inbox directory. Blocks until ctx is cancelled.
func (w *PollWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *PollWatcher) scan() {
	paths, err := listSnapshots(w.inbox)
	if err != nil {
		return
	}
	for _, path := range paths {
		if w.seen[path] {
			continue
		}
		w.seen[path] = true
		w.handler(path)
	}
}

// ScanExisting processes snapshots already present in the inbox, in name
// order. Called at startup to handle files that arrived while stopped.
func ScanExisting(inbox string, handler func(path string)) error {
	paths, err := listSnapshots(inbox)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, path := range paths {
		handler(path)
	}
	return nil
}

func listSnapshots(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if isSnapshotFile(path) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

// isSnapshotFile returns true for .csv files, excluding partial writes.
func isSnapshotFile(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	return strings.HasSuffix(name, ".csv") && !strings.HasPrefix(name, ".")
}
