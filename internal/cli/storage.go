package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ppiankov/accesswatch/internal/config"
	"github.com/ppiankov/accesswatch/internal/model"
	"github.com/ppiankov/accesswatch/internal/storage"
)

// defaultNewPassphraseEnv names the variable holding the rotation target
// passphrase, so it never appears in argv.
const defaultNewPassphraseEnv = "ACCESSWATCH_NEW_PASSPHRASE"

var (
	rotateEnv   string
	storageJSON bool
)

func init() {
	rootCmd.AddCommand(rotateKeyCmd)
	rotateKeyCmd.Flags().StringVar(&rotateEnv, "new-passphrase-env", defaultNewPassphraseEnv, "Environment variable holding the new passphrase")

	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(storageInfoCmd)
	storageInfoCmd.Flags().BoolVar(&storageJSON, "json", false, "Print as JSON")
}

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Re-encrypt every stored record under a new passphrase",
	Long: "Requires the encrypted storage backend. The current passphrase comes from the\n" +
		"configuration; the new one from $" + defaultNewPassphraseEnv + " (see --new-passphrase-env).\n" +
		"The previous key file is kept as a timestamped backup.",
	RunE: runRotateKey,
}

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Storage backend operations",
}

var storageInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show backend, record counts and encryption parameters",
	RunE:  runStorageInfo,
}

func runRotateKey(cmd *cobra.Command, args []string) error {
	newPass := os.Getenv(rotateEnv)
	if newPass == "" {
		return fmt.Errorf("new passphrase not set: export %s", rotateEnv)
	}

	ctx, cancel := signalContext()
	defer cancel()

	comps, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer comps.Close()

	enc, ok := comps.Store.(*storage.EncryptedStore)
	if !ok {
		return fmt.Errorf("rotate-key requires the %q storage backend (configured: %q)",
			storage.BackendEncrypted, comps.Config.Storage.Backend)
	}

	res, err := enc.RotateKey(ctx, newPass)
	if err != nil {
		return err
	}
	_ = comps.Audit.Log(model.AuditEvent{
		EventType: model.EventKeyRotated,
		Timestamp: comps.Clock.Now(),
		Details: map[string]string{
			"records":    strconv.Itoa(res.Records),
			"old_key_id": res.OldKeyID,
			"new_key_id": res.NewKeyID,
			"backup":     res.BackupPath,
		},
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Rotated %d records: key %s -> %s\n", res.Records, res.OldKeyID, res.NewKeyID)
	fmt.Fprintf(out, "Previous key backed up to %s\n", res.BackupPath)
	fmt.Fprintln(out, "Update storage.passphrase (or ACCESSWATCH_STORAGE_PASSPHRASE) before the next run.")
	return nil
}

// StorageInfo describes the configured backend.
type StorageInfo struct {
	Backend    string                  `json:"backend"`
	Path       string                  `json:"path"`
	KPIs       int                     `json:"kpis"`
	Violations int                     `json:"violations"`
	Alerts     int                     `json:"alerts"`
	Encryption *storage.EncryptionInfo `json:"encryption,omitempty"`
}

func runStorageInfo(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	comps, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer comps.Close()

	info, err := collectStorageInfo(ctx, comps.Config, comps.Store)
	if err != nil {
		return err
	}
	if storageJSON {
		return printJSON(cmd.OutOrStdout(), info)
	}
	writeStorageInfo(cmd.OutOrStdout(), info)
	return nil
}

func collectStorageInfo(ctx context.Context, cfg *config.Config, store storage.Store) (StorageInfo, error) {
	info := StorageInfo{Backend: cfg.Storage.Backend, Path: cfg.Storage.Path}

	kpis, err := store.LoadKPIs(ctx, "")
	if err != nil {
		return info, err
	}
	vs, err := store.LoadViolations(ctx, "")
	if err != nil {
		return info, err
	}
	alerts, err := store.LoadAlerts(ctx, "")
	if err != nil {
		return info, err
	}
	info.KPIs, info.Violations, info.Alerts = len(kpis), len(vs), len(alerts)

	if enc, ok := store.(*storage.EncryptedStore); ok {
		ei, err := enc.Info()
		if err != nil {
			return info, err
		}
		info.Encryption = &ei
	}
	return info, nil
}

func writeStorageInfo(w io.Writer, info StorageInfo) {
	fmt.Fprintf(w, "Backend:    %s\n", info.Backend)
	if info.Path != "" && info.Backend != storage.BackendMemory {
		fmt.Fprintf(w, "Path:       %s\n", info.Path)
	}
	fmt.Fprintf(w, "KPIs:       %d\n", info.KPIs)
	fmt.Fprintf(w, "Violations: %d\n", info.Violations)
	fmt.Fprintf(w, "Alerts:     %d\n", info.Alerts)
	if e := info.Encryption; e != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Cipher:     %s\n", e.Cipher)
		fmt.Fprintf(w, "KDF:        %s (%d iterations)\n", e.Algorithm, e.Iterations)
		fmt.Fprintf(w, "Key ID:     %s\n", e.KeyID)
		fmt.Fprintf(w, "Created:    %s\n", e.CreatedAt.Format("2006-01-02 15:04:05 UTC"))
		if len(e.Backups) > 0 {
			fmt.Fprintf(w, "Backups:    %d\n", len(e.Backups))
		}
	}
}
