package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/accesswatch/internal/config"
	"github.com/ppiankov/accesswatch/internal/policy"
)

var (
	initDir   string
	initForce bool
)

func init() {
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write configuration into")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default configuration, thresholds and channel files",
	Long: `Creates accesswatch.yaml, thresholds.yaml and channels.yaml in --dir, plus the
inbox and data directories they reference. Existing files are left alone unless
--force is given.`,
	RunE: runInit,
}

// defaultConfigYAML is the commented accesswatch.yaml written by init.
const defaultConfigYAML = `# accesswatch configuration.
# Every key can be overridden with ACCESSWATCH_* environment variables.

thresholds_file: thresholds.yaml
channels_file: channels.yaml
workers: 4

storage:
  # memory | jsonl | sqlite | encrypted
  backend: sqlite
  path: ./data
  # encrypted backend only; prefer ACCESSWATCH_STORAGE_PASSPHRASE
  # passphrase: ""

audit:
  path: ./data/audit.jsonl

log:
  level: info
  # dir: ./logs

ai:
  # none | openai | bedrock
  provider: none
  # model: gpt-4o-mini
  # region: us-east-1
  timeout: 10s
  max_tokens: 300

watch:
  inbox: ./inbox
  metrics_addr: ":9090"
  health_addr: ":9091"
  settle: 500ms
`

// defaultChannelsYAML is the commented channels.yaml written by init.
const defaultChannelsYAML = `# Notification channels. Alerts go to every channel whose min_severity they meet.
# Email channels also receive the daily digest (accesswatch digest).
channels: []
#  - name: security-slack
#    type: slack
#    url: https://hooks.slack.com/services/T000/B000/XXXX
#    min_severity: HIGH
#    channels:
#      CRITICAL: "#security-critical"
#      HIGH: "#security-critical"
#
#  - name: pagerduty
#    type: webhook
#    format: pagerduty
#    url: https://events.pagerduty.com/v2/enqueue
#    min_severity: CRITICAL
#    headers:
#      X-Routing-Key: your-routing-key
#
#  - name: compliance-email
#    type: email
#    smtp_host: smtp.example.com
#    smtp_port: 587
#    from: accesswatch@example.com
#    recipients:
#      compliance_officer: [compliance@example.com]
`

func runInit(cmd *cobra.Command, args []string) error {
	dir := initDir
	if dir == "" {
		dir = "."
	}

	var created []string
	files := []struct {
		name    string
		content string
	}{
		{config.DefaultFile, defaultConfigYAML},
		{"thresholds.yaml", policy.DefaultThresholdsYAML},
		{"channels.yaml", defaultChannelsYAML},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		wrote, err := writeIfMissing(path, f.content)
		if err != nil {
			return err
		}
		if wrote {
			created = append(created, path)
		}
	}

	for _, sub := range []string{"inbox", "data"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", sub, err)
		}
	}

	// Print summary.
	fmt.Println("accesswatch init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
		fmt.Println()
	}

	fmt.Println("Process a snapshot:")
	fmt.Println("  accesswatch run --input uam_snapshot.csv")
	fmt.Println()
	fmt.Println("Or watch an inbox:")
	fmt.Println("  accesswatch watch --inbox ./inbox")
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
