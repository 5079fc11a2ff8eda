package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/accesswatch/internal/clock"
	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
)

// Auditor receives audit events.
type Auditor interface {
	Log(e model.AuditEvent) error
}

// RunReport summarizes one batch run.
type RunReport struct {
	Source             string            `json:"source"`
	FullLoad           bool              `json:"full_load"`
	StartedAt          time.Time         `json:"started_at"`
	FinishedAt         time.Time         `json:"finished_at"`
	AppsProcessed      int               `json:"apps_processed"`
	AppsFailed         int               `json:"apps_failed"`
	ViolationsDetected int               `json:"violations_detected"`
	ViolationsResolved int               `json:"violations_resolved"`
	AlertsSent         int               `json:"alerts_sent"`
	DeliveryFailures   int               `json:"delivery_failures"`
	Errors             map[string]string `json:"errors,omitempty"` // app_id -> error
	Apps               []AppResult       `json:"apps"`
}

// Runner processes every application of a snapshot with bounded parallelism.
type Runner struct {
	pipeline *Pipeline
	workers  int
	audit    Auditor
	clock    clock.Clock
	log      *zap.Logger
	metrics  *Metrics
}

// NewRunner creates a Runner. workers < 1 runs sequentially.
func NewRunner(p *Pipeline, workers int, audit Auditor, clk clock.Clock, log *zap.Logger, metrics *Metrics) *Runner {
	if workers < 1 {
		workers = 1
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{pipeline: p, workers: workers, audit: audit, clock: clk, log: log, metrics: metrics}
}

// Run processes all applications in snap. Every error, storage failures
// included, aborts only its own application and is listed in the report.
// Storage errors are also joined into the returned error once every
// application has run, since they usually point at the backend rather than
// the data.
func (r *Runner) Run(ctx context.Context, snap *model.Snapshot) (*RunReport, error) {
	start := time.Now()
	report := &RunReport{StartedAt: r.clock.Now()}
	if snap != nil {
		report.Source = snap.Source
		report.FullLoad = snap.FullLoad
	}

	apps := snap.AppIDs()
	results := make([]AppResult, len(apps))
	ran := make([]bool, len(apps))

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, appID := range apps {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = r.pipeline.RunApp(ctx, snap, appID)
			ran[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var storageErrs []error
	for i, res := range results {
		if !ran[i] {
			continue
		}
		report.Apps = append(report.Apps, res)
		report.AppsProcessed++
		if res.Err != nil {
			report.AppsFailed++
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[res.AppID] = res.Err.Error()
			if errs.IsKind(res.Err, errs.KindStorage) {
				storageErrs = append(storageErrs, fmt.Errorf("%s: %w", res.AppID, res.Err))
			}
		}
		report.ViolationsDetected += len(res.Violations)
		report.ViolationsResolved += len(res.Resolved)
		report.AlertsSent += len(res.Alerts)
		for _, o := range res.Outcomes {
			if o.Err != nil {
				report.DeliveryFailures++
			}
		}
	}
	runErr := errors.Join(storageErrs...)
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	report.FinishedAt = r.clock.Now()
	r.metrics.run(time.Since(start).Seconds())

	r.log.Info("run completed",
		zap.String("source", report.Source),
		zap.Int("apps_processed", report.AppsProcessed),
		zap.Int("apps_failed", report.AppsFailed),
		zap.Int("violations", report.ViolationsDetected),
		zap.Int("alerts", report.AlertsSent),
		zap.Error(runErr))
	r.emit(report)
	return report, runErr
}

func (r *Runner) emit(rep *RunReport) {
	if r.audit == nil {
		return
	}
	err := r.audit.Log(model.AuditEvent{
		EventType: model.EventRunCompleted,
		Timestamp: rep.FinishedAt,
		Details: map[string]string{
			"source":              rep.Source,
			"apps_processed":      strconv.Itoa(rep.AppsProcessed),
			"apps_failed":         strconv.Itoa(rep.AppsFailed),
			"violations_detected": strconv.Itoa(rep.ViolationsDetected),
			"violations_resolved": strconv.Itoa(rep.ViolationsResolved),
			"alerts_sent":         strconv.Itoa(rep.AlertsSent),
			"delivery_failures":   strconv.Itoa(rep.DeliveryFailures),
		},
	})
	if err != nil {
		r.log.Warn("audit log failed", zap.String("event_type", model.EventRunCompleted), zap.Error(err))
	}
}
