package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/accesswatch/internal/ingest"
	"github.com/ppiankov/accesswatch/internal/model"
	"github.com/ppiankov/accesswatch/internal/pipeline"
)

// SnapshotRunner runs one parsed snapshot.
type SnapshotRunner interface {
	Run(ctx context.Context, snap *model.Snapshot) (*pipeline.RunReport, error)
}

// Processor takes one inbox snapshot through parse, run, and archive.
type Processor struct {
	dirs   DirConfig
	runner SnapshotRunner
	log    *zap.Logger
	now    func() time.Time
}

// NewProcessor creates a processor.
func NewProcessor(dirs DirConfig, runner SnapshotRunner, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{dirs: dirs, runner: runner, log: log, now: time.Now}
}

// Process parses the snapshot at path, runs it, and moves it to processed/
// with a report, or to failed/ with an error note. The returned error is the
// parse or run failure, after archiving.
func (p *Processor) Process(ctx context.Context, path string) error {
	// Reject symlinks so a link in the inbox cannot pull arbitrary files in.
	fi, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return p.fail(path, fmt.Errorf("rejected symlink: %s", filepath.Base(path)))
	}

	snap, err := ingest.ParseFile(path)
	if err != nil {
		return p.fail(path, err)
	}
	p.log.Info("snapshot received", zap.String("path", path), zap.String("summary", ingest.Summary(snap)))

	report, err := p.runner.Run(ctx, snap)
	if err != nil {
		if report != nil {
			_ = p.writeReport(p.dirs.FailedDir(), path, report)
		}
		return p.fail(path, err)
	}

	if err := p.writeReport(p.dirs.ProcessedDir(), path, report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	dst := p.archiveName(p.dirs.ProcessedDir(), path)
	if err := moveFile(path, dst); err != nil {
		return fmt.Errorf("archive snapshot: %w", err)
	}
	p.log.Info("snapshot processed",
		zap.String("archived", dst),
		zap.Int("apps_processed", report.AppsProcessed),
		zap.Int("violations", report.ViolationsDetected),
		zap.Int("alerts", report.AlertsSent))
	return nil
}

func (p *Processor) fail(path string, cause error) error {
	dst := p.archiveName(p.dirs.FailedDir(), path)
	if err := moveFile(path, dst); err != nil {
		p.log.Error("cannot move failed snapshot", zap.String("path", path), zap.Error(err))
		return cause
	}
	note := strings.TrimSuffix(dst, filepath.Ext(dst)) + ".error.txt"
	_ = os.WriteFile(note, []byte(cause.Error()+"\n"), 0o600)
	p.log.Warn("snapshot failed", zap.String("archived", dst), zap.Error(cause))
	return cause
}

// archiveName prefixes the file name with a timestamp so reprocessed names
// never collide.
func (p *Processor) archiveName(dir, path string) string {
	return filepath.Join(dir, p.now().UTC().Format("20060102T150405Z")+"-"+filepath.Base(path))
}

func (p *Processor) writeReport(dir, path string, report *pipeline.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(p.archiveName(dir, path), filepath.Ext(path)) + ".report.json"
	return os.WriteFile(name, data, 0o600)
}
