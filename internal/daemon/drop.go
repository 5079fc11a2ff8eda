package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/accesswatch/internal/ingest"
)

// Drop validates a CSV snapshot and places it in the inbox atomically: it is
// written under a hidden temporary name and renamed, so watchers never see a
// partial file. name is reduced to its base; empty means a timestamped name.
// Returns the final path.
func Drop(inbox, name string, data []byte, now time.Time) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty snapshot")
	}
	if _, err := ingest.Parse(bytes.NewReader(data), name); err != nil {
		return "", err
	}

	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "snapshot-" + now.UTC().Format("20060102T150405Z") + ".csv"
	}
	name = strings.TrimLeft(name, ".")
	if !strings.HasSuffix(strings.ToLower(name), ".csv") {
		name += ".csv"
	}

	if err := os.MkdirAll(inbox, dirPerm); err != nil {
		return "", fmt.Errorf("create inbox: %w", err)
	}
	dst := filepath.Join(inbox, name)
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("snapshot %s already queued", name)
	}

	tmp, err := os.CreateTemp(inbox, ".drop-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("queue snapshot: %w", err)
	}
	return dst, nil
}
