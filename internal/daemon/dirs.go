package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// dirPerm is the permission for daemon-managed directories.
const dirPerm = 0o750

// DirConfig holds the watch-mode directory layout.
type DirConfig struct {
	Inbox string // incoming snapshot CSVs
	State string // state/{processed,failed}, pid file
}

// DirsFor derives the layout from an inbox path: state lives next to it.
func DirsFor(inbox string) DirConfig {
	return DirConfig{Inbox: inbox, State: filepath.Join(filepath.Dir(filepath.Clean(inbox)), "state")}
}

// ProcessedDir holds snapshots that ran, with their run reports.
func (d DirConfig) ProcessedDir() string {
	return filepath.Join(d.State, "processed")
}

// FailedDir holds snapshots that could not be parsed or run.
func (d DirConfig) FailedDir() string {
	return filepath.Join(d.State, "failed")
}

// EnsureDirs creates all required directories. Idempotent.
func EnsureDirs(cfg DirConfig) error {
	for _, dir := range []string{cfg.Inbox, cfg.ProcessedDir(), cfg.FailedDir()} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// moveFile moves src to dst using os.Rename. If rename fails with EXDEV
// (cross-device link, common with bind-mounted inboxes), it falls back to
// copy + remove.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) || errno != syscall.EXDEV {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFile copies src to dst preserving permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
