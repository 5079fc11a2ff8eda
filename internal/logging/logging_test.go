package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesLogFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	dir := t.TempDir()
	log, err := New(Options{Level: "debug", Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("kpi computed")
	log.Sync()

	data, err := os.ReadFile(filepath.Join(dir, LogFile))
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	for _, want := range []string{`"msg":"kpi computed"`, `"timestamp":`, `"logger":"accesswatch"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s: %s", want, line)
		}
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	if _, err := New(Options{Level: "chatty"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestEnvOverridesLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	log, err := New(Options{Level: "debug"})
	if err != nil {
		t.Fatal(err)
	}
	if log.Core().Enabled(-1) {
		t.Error("LOG_LEVEL=error should disable debug")
	}
}
