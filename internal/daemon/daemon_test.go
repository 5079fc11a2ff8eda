package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func testDaemonConfig(t *testing.T) Config {
	t.Helper()
	root := t.TempDir()
	return Config{
		Dirs: DirConfig{
			Inbox: filepath.Join(root, "inbox"),
			State: filepath.Join(root, "state"),
		},
		PollMode:     true,
		PollInterval: 50 * time.Millisecond,
	}
}

func TestNewDaemonValidation(t *testing.T) {
	if _, err := New(Config{}, &fakeRunner{}, nil); err == nil {
		t.Fatal("expected error for empty config")
	}
	if _, err := New(testDaemonConfig(t), nil, nil); err == nil {
		t.Fatal("expected error for nil runner")
	}
}

func TestNewDaemonValid(t *testing.T) {
	d, err := New(testDaemonConfig(t), &fakeRunner{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.processor == nil {
		t.Error("processor should not be nil")
	}
	if d.cfg.PollInterval != 50*time.Millisecond {
		t.Errorf("poll interval = %v", d.cfg.PollInterval)
	}
}

func TestDaemonProcessesExistingFiles(t *testing.T) {
	cfg := testDaemonConfig(t)
	if err := EnsureDirs(cfg.Dirs); err != nil {
		t.Fatal(err)
	}
	writeSnapshot(t, cfg.Dirs.Inbox, "existing.csv", sampleCSV)

	runner := &fakeRunner{}
	d, err := New(cfg, runner, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for runner.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if runner.count() != 1 {
		t.Fatalf("runner called %d times, want 1", runner.count())
	}
	if len(listNames(t, cfg.Dirs.ProcessedDir())) != 2 {
		t.Error("expected snapshot and report in processed/")
	}
	if _, err := os.Stat(filepath.Join(cfg.Dirs.State, "accesswatch.pid")); !os.IsNotExist(err) {
		t.Error("PID file should be removed on shutdown")
	}
}

func TestDaemonProcessesNewFiles(t *testing.T) {
	cfg := testDaemonConfig(t)
	runner := &fakeRunner{}
	d, err := New(cfg, runner, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	writeSnapshot(t, cfg.Dirs.Inbox, "new.csv", sampleCSV)

	deadline := time.Now().Add(2 * time.Second)
	for runner.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	if runner.count() != 1 {
		t.Fatalf("runner called %d times, want 1", runner.count())
	}
}

func TestAcquirePIDLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")

	if err := acquirePIDLock(path); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Errorf("pid file = %q", data)
	}

	// Our own PID is alive, so a second acquire must fail.
	if err := acquirePIDLock(path); err == nil {
		t.Fatal("expected error for live PID lock")
	}
}

func TestAcquirePIDLockStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := acquirePIDLock(path); err != nil {
		t.Fatalf("stale lock should be replaced: %v", err)
	}
}
