package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/accesswatch/internal/model"
	"github.com/ppiankov/accesswatch/internal/pipeline"
)

// fakeRunner records the snapshots it was given.
type fakeRunner struct {
	mu    sync.Mutex
	snaps []*model.Snapshot
	err   error
}

func (f *fakeRunner) Run(_ context.Context, snap *model.Snapshot) (*pipeline.RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snap)
	report := &pipeline.RunReport{
		Source:        snap.Source,
		AppsProcessed: len(snap.AppIDs()),
		Errors:        map[string]string{},
	}
	return report, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snaps)
}

func setupProcessorDirs(t *testing.T) DirConfig {
	t.Helper()
	root := t.TempDir()
	dirs := DirConfig{
		Inbox: filepath.Join(root, "inbox"),
		State: filepath.Join(root, "state"),
	}
	if err := EnsureDirs(dirs); err != nil {
		t.Fatal(err)
	}
	return dirs
}

func writeSnapshot(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleCSV = "app_id,user_id,status\nAPP-1,u1,active\nAPP-2,u2,active\n"

func fixedNow() time.Time { return time.Date(2025, 11, 2, 9, 0, 0, 0, time.UTC) }

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestProcessorSuccessArchivesWithReport(t *testing.T) {
	dirs := setupProcessorDirs(t)
	runner := &fakeRunner{}
	p := NewProcessor(dirs, runner, zaptest.NewLogger(t))
	p.now = fixedNow

	path := writeSnapshot(t, dirs.Inbox, "uam.csv", sampleCSV)
	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if runner.count() != 1 {
		t.Fatalf("runner called %d times", runner.count())
	}
	if got := runner.snaps[0].Source; got != path {
		t.Errorf("snapshot source = %q, want %q", got, path)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("snapshot should be removed from inbox")
	}

	names := listNames(t, dirs.ProcessedDir())
	want := map[string]bool{
		"20251102T090000Z-uam.csv":         true,
		"20251102T090000Z-uam.report.json": true,
	}
	if len(names) != len(want) {
		t.Fatalf("processed dir = %v", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected file %q", n)
		}
	}

	data, err := os.ReadFile(filepath.Join(dirs.ProcessedDir(), "20251102T090000Z-uam.report.json"))
	if err != nil {
		t.Fatal(err)
	}
	var report pipeline.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.AppsProcessed != 2 {
		t.Errorf("apps processed = %d, want 2", report.AppsProcessed)
	}
}

func TestProcessorParseFailureMovesToFailed(t *testing.T) {
	dirs := setupProcessorDirs(t)
	runner := &fakeRunner{}
	p := NewProcessor(dirs, runner, nil)
	p.now = fixedNow

	path := writeSnapshot(t, dirs.Inbox, "bad.csv", "user_id,status\nu1,active\n")
	if err := p.Process(context.Background(), path); err == nil {
		t.Fatal("expected parse error for missing app_id column")
	}
	if runner.count() != 0 {
		t.Error("runner should not be called for an unparseable snapshot")
	}

	note := filepath.Join(dirs.FailedDir(), "20251102T090000Z-bad.error.txt")
	data, err := os.ReadFile(note)
	if err != nil {
		t.Fatalf("read error note: %v", err)
	}
	if !strings.Contains(string(data), "app_id") {
		t.Errorf("error note = %q", data)
	}
	if _, err := os.Stat(filepath.Join(dirs.FailedDir(), "20251102T090000Z-bad.csv")); err != nil {
		t.Error("snapshot should be archived in failed/")
	}
}

func TestProcessorRunFailureKeepsPartialReport(t *testing.T) {
	dirs := setupProcessorDirs(t)
	runner := &fakeRunner{err: errors.New("storage down")}
	p := NewProcessor(dirs, runner, nil)
	p.now = fixedNow

	path := writeSnapshot(t, dirs.Inbox, "uam.csv", sampleCSV)
	if err := p.Process(context.Background(), path); err == nil {
		t.Fatal("expected run error")
	}

	names := listNames(t, dirs.FailedDir())
	if len(names) != 3 {
		t.Fatalf("failed dir = %v, want snapshot, report and error note", names)
	}
	if len(listNames(t, dirs.ProcessedDir())) != 0 {
		t.Error("processed dir should be empty")
	}
}

func TestProcessorRejectsSymlink(t *testing.T) {
	dirs := setupProcessorDirs(t)
	runner := &fakeRunner{}
	p := NewProcessor(dirs, runner, nil)

	target := writeSnapshot(t, t.TempDir(), "outside.csv", sampleCSV)
	link := filepath.Join(dirs.Inbox, "link.csv")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	err := p.Process(context.Background(), link)
	if err == nil || !strings.Contains(err.Error(), "symlink") {
		t.Fatalf("expected symlink rejection, got %v", err)
	}
	if runner.count() != 0 {
		t.Error("runner should not see a symlinked snapshot")
	}
	if _, err := os.Stat(target); err != nil {
		t.Error("symlink target must be left untouched")
	}
}

func TestProcessorMissingFile(t *testing.T) {
	dirs := setupProcessorDirs(t)
	p := NewProcessor(dirs, &fakeRunner{}, nil)
	if err := p.Process(context.Background(), filepath.Join(dirs.Inbox, "gone.csv")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
