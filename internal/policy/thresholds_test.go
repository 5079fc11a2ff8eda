package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
)

func TestDefaultThresholdsCoverBuiltinKPIs(t *testing.T) {
	th := DefaultThresholds()
	for _, name := range []string{
		"orphan_accounts", "privileged_accounts", "failed_access_attempts", "access_provisioning_time",
		"access_reviews", "policy_violations", "excessive_permissions", "dormant_accounts",
	} {
		if len(th[name]) != 4 {
			t.Errorf("%s: %v", name, th[name])
		}
	}
	if th["orphan_accounts"][model.TierCritical] != 10 {
		t.Errorf("orphan critical = %v", th["orphan_accounts"][model.TierCritical])
	}
}

func TestParseThresholdsForms(t *testing.T) {
	bare := "orphan_accounts:\n  medium: 3\n  high: 5\n"
	th, err := ParseThresholds([]byte(bare))
	if err != nil {
		t.Fatal(err)
	}
	if th["orphan_accounts"][model.TierHigh] != 5 {
		t.Errorf("bare form = %v", th)
	}
	if _, ok := th["orphan_accounts"][model.TierCritical]; ok {
		t.Error("absent tier must stay absent")
	}

	wrapped := "alert_thresholds:\n  orphan_accounts: {medium: 3}\n"
	th, err = ParseThresholds([]byte(wrapped))
	if err != nil {
		t.Fatal(err)
	}
	if th["orphan_accounts"][model.TierMedium] != 3 {
		t.Errorf("wrapped form = %v", th)
	}
}

func TestParseThresholdsRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown tier", "orphan_accounts: {severe: 3}\n"},
		{"negative", "orphan_accounts: {medium: -1}\n"},
		{"out of order", "orphan_accounts: {medium: 10, high: 5}\n"},
		{"not yaml", "orphan_accounts: [unclosed\n"},
	}
	for _, tt := range tests {
		if _, err := ParseThresholds([]byte(tt.doc)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestLoadThresholds(t *testing.T) {
	dir := t.TempDir()

	th, hash, err := LoadThresholds(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(th) == 0 || !strings.HasPrefix(hash, "sha256:") {
		t.Errorf("missing file should give defaults, got %d kpis hash=%s", len(th), hash)
	}
	emptyHash := hash

	path := filepath.Join(dir, "thresholds.yaml")
	if err := os.WriteFile(path, []byte("orphan_accounts: {medium: 2}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	th, hash, err = LoadThresholds(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(th) != 1 || hash == emptyHash {
		t.Errorf("loaded %v hash=%s", th, hash)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("orphan_accounts: {medium: 5, low: 9}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadThresholds(bad); !errs.IsKind(err, errs.KindConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
