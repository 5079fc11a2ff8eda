package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestInboxWatcherDetectsNewFile(t *testing.T) {
	inbox := t.TempDir()

	var mu sync.Mutex
	var received []string

	w := NewInboxWatcher(inbox, func(path string) {
		mu.Lock()
		received = append(received, path)
		mu.Unlock()
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.Run(ctx) }()

	// Give watcher time to start.
	time.Sleep(100 * time.Millisecond)

	// Write a snapshot atomically.
	snapPath := filepath.Join(inbox, "snapshot-001.csv")
	tmpPath := snapPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte("app_id,user_id\nAPP-1,u1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmpPath, snapPath); err != nil {
		t.Fatal(err)
	}

	// Wait for debounce + processing.
	time.Sleep(500 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 file, got %d", len(received))
	}
	if received[0] != snapPath {
		t.Errorf("got path %q, want %q", received[0], snapPath)
	}
}

func TestInboxWatcherIgnoresTmpFiles(t *testing.T) {
	inbox := t.TempDir()

	var mu sync.Mutex
	var received []string

	w := NewInboxWatcher(inbox, func(path string) {
		mu.Lock()
		received = append(received, path)
		mu.Unlock()
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Write only a .tmp file (should be ignored).
	tmpPath := filepath.Join(inbox, "snapshot-002.csv.tmp")
	if err := os.WriteFile(tmpPath, []byte("app_id\n"), 0600); err != nil {
		t.Fatal(err)
	}

	time.Sleep(500 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 0 {
		t.Errorf("expected 0 files for .tmp, got %d", len(received))
	}
}

func TestInboxWatcherContextCancellation(t *testing.T) {
	inbox := t.TempDir()

	w := NewInboxWatcher(inbox, func(path string) {}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestPollWatcherDetectsNewFile(t *testing.T) {
	inbox := t.TempDir()

	var mu sync.Mutex
	var received []string

	w := NewPollWatcher(inbox, func(path string) {
		mu.Lock()
		received = append(received, path)
		mu.Unlock()
	}, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.Run(ctx) }()

	// Write a snapshot.
	snapPath := filepath.Join(inbox, "poll-001.csv")
	if err := os.WriteFile(snapPath, []byte("app_id\n"), 0600); err != nil {
		t.Fatal(err)
	}

	// Wait for poll cycle.
	time.Sleep(200 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 file, got %d", len(received))
	}
}

func TestPollWatcherDoesNotDuplicate(t *testing.T) {
	inbox := t.TempDir()

	var mu sync.Mutex
	var count int

	w := NewPollWatcher(inbox, func(path string) {
		mu.Lock()
		count++
		mu.Unlock()
	}, 50*time.Millisecond)

	// Pre-create a file.
	if err := os.WriteFile(filepath.Join(inbox, "dup-001.csv"), []byte("app_id\n"), 0600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.Run(ctx) }()

	// Wait for multiple poll cycles.
	time.Sleep(300 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("file should be processed exactly once, got %d", count)
	}
}

func TestScanExisting(t *testing.T) {
	inbox := t.TempDir()

	// Create some files.
	for _, name := range []string{"b.csv", "a.CSV", "c.tmp", "d.txt", ".e.csv"} {
		if err := os.WriteFile(filepath.Join(inbox, name), []byte(`{}`), 0600); err != nil {
			t.Fatal(err)
		}
	}

	var received []string
	if err := ScanExisting(inbox, func(path string) {
		received = append(received, filepath.Base(path))
	}); err != nil {
		t.Fatal(err)
	}

	if len(received) != 2 {
		t.Fatalf("expected 2 .csv files, got %d: %v", len(received), received)
	}
	if received[0] != "a.CSV" || received[1] != "b.csv" {
		t.Errorf("expected name order, got %v", received)
	}
}

func TestScanExistingEmptyDir(t *testing.T) {
	inbox := t.TempDir()
	var count int
	if err := ScanExisting(inbox, func(path string) { count++ }); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected 0, got %d", count)
	}
}

func TestScanExistingMissingDir(t *testing.T) {
	var count int
	if err := ScanExisting("/nonexistent/path", func(path string) { count++ }); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected 0, got %d", count)
	}
}

func TestInboxWatcherHandlesInNameOrder(t *testing.T) {
	inbox := t.TempDir()

	var mu sync.Mutex
	var received []string

	w := NewInboxWatcher(inbox, func(path string) {
		mu.Lock()
		received = append(received, filepath.Base(path))
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	for _, name := range []string{"2025-11-03.csv", "2025-11-01.csv", "2025-11-02.csv"} {
		if err := os.WriteFile(filepath.Join(inbox, name), []byte("app_id\n"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(600 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"2025-11-01.csv", "2025-11-02.csv", "2025-11-03.csv"}
	if len(received) != len(want) {
		t.Fatalf("received %v, want %v", received, want)
	}
	for i := range want {
		if received[i] != want[i] {
			t.Fatalf("received %v, want %v", received, want)
		}
	}
}

func TestInboxWatcherRecoversHandlerPanic(t *testing.T) {
	inbox := t.TempDir()
	path := filepath.Join(inbox, "boom.csv")
	if err := os.WriteFile(path, []byte("app_id\n"), 0600); err != nil {
		t.Fatal(err)
	}
	w := NewInboxWatcher(inbox, func(string) { panic("boom") }, nil)
	w.handle(path) // must not panic
}

func TestIsSnapshotFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"uam-2025-11-01.csv", true},
		{"EXPORT.CSV", true},
		{"snapshot.csv.tmp", false},
		{"readme.txt", false},
		{"job.json", false},
		{".hidden.csv", false},
	}
	for _, tt := range tests {
		if got := isSnapshotFile(tt.path); got != tt.want {
			t.Errorf("isSnapshotFile(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
