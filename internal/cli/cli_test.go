package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/accesswatch/internal/audit"
	"github.com/ppiankov/accesswatch/internal/config"
	"github.com/ppiankov/accesswatch/internal/model"
	"github.com/ppiankov/accesswatch/internal/pipeline"
	"github.com/ppiankov/accesswatch/internal/storage"
)

// writeTestConfig writes a config using the given backend and an audit log
// under dir, and returns its path.
func writeTestConfig(t *testing.T, dir, backend string) string {
	t.Helper()
	body := fmt.Sprintf(`workers: 2
storage:
  backend: %s
  path: %s
audit:
  path: %s
log:
  level: error
`, backend, filepath.Join(dir, "data"), filepath.Join(dir, "audit.jsonl"))
	path := filepath.Join(dir, "accesswatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeSnapshotCSV(t *testing.T, dir string, orphans int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("app_id,user_id,status,exit_date\n")
	for i := 0; i < orphans; i++ {
		fmt.Fprintf(&b, "APP-1,u%d,active,2025-01-15\n", i)
	}
	b.WriteString("APP-1,keeper,active,\n")
	b.WriteString("APP-2,u1,active,\n")
	path := filepath.Join(dir, "snapshot.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunCommandEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, storage.BackendJSONL)
	csv := writeSnapshotCSV(t, dir, 15)
	runJSON = false

	out, err := execute(t, "run", "--config", cfgPath, "--input", csv)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{
		"Applications: 2 processed, 0 failed",
		"Violations: 2 detected, 0 resolved",
		"CRITICAL",
		"threshold_orphan_accounts",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	// The audit chain written by the run verifies.
	if res := audit.Verify(filepath.Join(dir, "audit.jsonl")); !res.Valid || res.Lines == 0 {
		t.Errorf("audit verify = %+v", res)
	}

	// A second run over a clean snapshot resolves both violations.
	csv = writeSnapshotCSV(t, dir, 0)
	out, err = execute(t, "run", "--config", cfgPath, "--input", csv)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !strings.Contains(out, "Violations: 0 detected, 2 resolved") {
		t.Errorf("second run output:\n%s", out)
	}

	violationsApp, violationsState, violationsJSON = "APP-1", "resolved", true
	defer func() { violationsApp, violationsState, violationsJSON = "", "", false }()
	out, err = execute(t, "violations", "--config", cfgPath, "--app", "APP-1", "--state", "resolved", "--json")
	if err != nil {
		t.Fatalf("violations: %v", err)
	}
	var vs []model.Violation
	if err := json.Unmarshal([]byte(out), &vs); err != nil {
		t.Fatalf("violations json: %v\n%s", err, out)
	}
	if len(vs) != 2 {
		t.Errorf("resolved violations = %d, want 2", len(vs))
	}
}

func TestRunCommandBadSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, storage.BackendMemory)
	bad := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(bad, []byte("user_id\nu1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "run", "--config", cfgPath, "--input", bad); err == nil {
		t.Fatal("expected error for snapshot without app_id")
	}
}

func TestWriteRunSummary(t *testing.T) {
	start := time.Date(2025, 11, 2, 9, 0, 0, 0, time.UTC)
	v, _ := model.NewViolation("APP-9", "threshold_dormant_accounts", model.SeverityHigh, nil, nil, nil, start, model.StateRecurring)
	r := &pipeline.RunReport{
		Source:        "uam.csv",
		StartedAt:     start,
		FinishedAt:    start.Add(1500 * time.Millisecond),
		AppsProcessed: 1,
		AppsFailed:    1,
		Errors:        map[string]string{"APP-8": "[PROCESSING_ERROR] boom"},
		Apps:          []pipeline.AppResult{{AppID: "APP-9", Violations: []model.Violation{v}}},
	}
	var buf bytes.Buffer
	writeRunSummary(&buf, r)
	out := buf.String()
	for _, want := range []string{
		"Snapshot: uam.csv (incremental load)",
		"Applications: 1 processed, 1 failed",
		"Duration: 1.5s",
		"APP-8: [PROCESSING_ERROR] boom",
		"HIGH",
		"RECURRING",
		"threshold_dormant_accounts",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestWriteViolationsEmpty(t *testing.T) {
	var buf bytes.Buffer
	writeViolations(&buf, nil)
	if strings.TrimSpace(buf.String()) != "No violations." {
		t.Errorf("output = %q", buf.String())
	}
}

func TestCollectStorageInfoEncrypted(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Backend = storage.BackendEncrypted
	cfg.Storage.Path = dir

	store, err := storage.OpenEncrypted(storage.EncryptedConfig{Dir: dir, Passphrase: "correct horse", Iterations: 1000})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	rec, _ := model.NewKPIRecord("APP-1", "orphan_accounts", 2, time.Now(), nil)
	if err := store.PersistKPI(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	info, err := collectStorageInfo(context.Background(), cfg, store)
	if err != nil {
		t.Fatal(err)
	}
	if info.KPIs != 1 || info.Encryption == nil || info.Encryption.Iterations != 1000 {
		t.Fatalf("info = %+v", info)
	}

	var buf bytes.Buffer
	writeStorageInfo(&buf, info)
	if !strings.Contains(buf.String(), "1000 iterations") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestRotateKeyRequiresPassphraseEnv(t *testing.T) {
	rotateEnv = "ACCESSWATCH_TEST_UNSET_PASSPHRASE"
	defer func() { rotateEnv = defaultNewPassphraseEnv }()
	err := runRotateKey(rotateKeyCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "ACCESSWATCH_TEST_UNSET_PASSPHRASE") {
		t.Fatalf("expected missing env error, got %v", err)
	}
}

func TestRotateKeyRejectsPlainBackend(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, storage.BackendMemory)
	t.Setenv(defaultNewPassphraseEnv, "new secret")

	_, err := execute(t, "rotate-key", "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "encrypted") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version output not JSON: %v", err)
	}
	if info["name"] != "accesswatch" || info["version"] != version {
		t.Errorf("info = %v", info)
	}
}

func TestWriteVerifyResult(t *testing.T) {
	tests := []struct {
		name    string
		result  audit.VerifyResult
		ok      bool
		wantOut string
		wantErr []string
	}{
		{
			name:    "intact",
			result:  audit.VerifyResult{Valid: true, Lines: 3, Events: map[string]int{"kpi_computed": 2, "alert_created": 1}},
			ok:      true,
			wantOut: "OK: 3 entries verified\nEvents: alert_created=1, kpi_computed=2\n",
		},
		{
			name: "broken",
			result: audit.VerifyResult{Lines: 4, Break: &audit.ChainBreak{
				Line: 5, Reason: audit.BreakHashMismatch, Detail: "expected prev_hash a, got b",
				EventType: "violation_resolved", AppID: "APP-7", PrevEventType: "kpi_computed",
			}},
			wantErr: []string{
				"FAILED at line 5 (violation_resolved, app APP-7): hash_mismatch",
				"line 4 is kpi_computed",
				"4 entries intact before the break",
			},
		},
		{
			name:    "unopenable",
			result:  audit.VerifyResult{Error: "open: no such file"},
			wantErr: []string{"FAILED: open: no such file"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			if got := writeVerifyResult(&out, &errOut, tt.result); got != tt.ok {
				t.Errorf("ok = %v, want %v", got, tt.ok)
			}
			if out.String() != tt.wantOut {
				t.Errorf("stdout = %q, want %q", out.String(), tt.wantOut)
			}
			for _, w := range tt.wantErr {
				if !strings.Contains(errOut.String(), w) {
					t.Errorf("stderr missing %q:\n%s", w, errOut.String())
				}
			}
		})
	}
}
