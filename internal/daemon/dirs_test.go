package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg := DirConfig{
		Inbox: filepath.Join(root, "inbox"),
		State: filepath.Join(root, "state"),
	}

	if err := EnsureDirs(cfg); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}

	for _, dir := range []string{cfg.Inbox, cfg.ProcessedDir(), cfg.FailedDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("directory %s not created: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestEnsureDirsIdempotent(t *testing.T) {
	root := t.TempDir()
	cfg := DirConfig{
		Inbox: filepath.Join(root, "inbox"),
		State: filepath.Join(root, "state"),
	}

	if err := EnsureDirs(cfg); err != nil {
		t.Fatalf("first EnsureDirs: %v", err)
	}
	if err := EnsureDirs(cfg); err != nil {
		t.Fatalf("second EnsureDirs should be idempotent: %v", err)
	}
}

func TestDirConfigSubdirectories(t *testing.T) {
	cfg := DirConfig{State: "/var/lib/accesswatch/state"}

	if got := cfg.ProcessedDir(); got != "/var/lib/accesswatch/state/processed" {
		t.Errorf("ProcessedDir = %q", got)
	}
	if got := cfg.FailedDir(); got != "/var/lib/accesswatch/state/failed" {
		t.Errorf("FailedDir = %q", got)
	}
}

func TestDirsFor(t *testing.T) {
	got := DirsFor("/srv/uam/inbox/")
	if got.Inbox != "/srv/uam/inbox/" {
		t.Errorf("Inbox = %q", got.Inbox)
	}
	if got.State != "/srv/uam/state" {
		t.Errorf("State = %q", got.State)
	}
}

func TestMoveFile(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a.csv")
	dst := filepath.Join(root, "b.csv")
	if err := os.WriteFile(src, []byte("app_id\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := moveFile(src, dst); err != nil {
		t.Fatalf("moveFile: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source should be gone")
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "app_id\n" {
		t.Errorf("dst = %q, %v", data, err)
	}
}

func TestCopyFilePreservesMode(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a.csv")
	dst := filepath.Join(root, "b.csv")
	if err := os.WriteFile(src, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := copyFile(src, dst); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}
}
