// Package pipeline runs the per-application KPI, policy and alert stages and
// fans applications out over a bounded worker pool.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/accesswatch/internal/alert"
	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
	"github.com/ppiankov/accesswatch/internal/policy"
)

// KPIComputer computes every configured KPI for one application.
type KPIComputer interface {
	ComputeAll(ctx context.Context, snap *model.Snapshot, appID string) ([]model.KPIRecord, error)
}

// Evaluator classifies readings and moves violations through their lifecycle.
type Evaluator interface {
	EvaluateCycle(ctx context.Context, appID string, readings []policy.Reading) (policy.Outcome, error)
}

// AlertSender builds, persists and dispatches alerts.
type AlertSender interface {
	GenerateAndSend(ctx context.Context, v model.Violation) (model.Alert, []alert.ChannelOutcome, error)
}

// AppResult is everything one application run produced.
type AppResult struct {
	AppID      string                 `json:"app_id"`
	KPIs       []model.KPIRecord      `json:"kpis"`
	Violations []model.Violation      `json:"violations"`
	Resolved   []model.Violation      `json:"resolved"`
	Alerts     []model.Alert          `json:"alerts"`
	Outcomes   []alert.ChannelOutcome `json:"outcomes"`
	Err        error                  `json:"-"`
}

// Failed reports whether the application aborted.
func (r AppResult) Failed() bool { return r.Err != nil }

// Pipeline wires the three stages for one application.
type Pipeline struct {
	kpis    KPIComputer
	policy  Evaluator
	alerts  AlertSender
	log     *zap.Logger
	metrics *Metrics
}

// New creates a Pipeline. alerts may be nil to evaluate without dispatching.
func New(kpis KPIComputer, pol Evaluator, alerts AlertSender, log *zap.Logger, metrics *Metrics) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{kpis: kpis, policy: pol, alerts: alerts, log: log, metrics: metrics}
}

// RunApp computes KPIs (persisted before evaluation), evaluates them, and
// sends one alert per NEW or RECURRING violation. The first error aborts the
// application and is returned in the result.
func (p *Pipeline) RunApp(ctx context.Context, snap *model.Snapshot, appID string) (res AppResult) {
	res.AppID = appID
	defer func() {
		if r := recover(); r != nil {
			res.Err = errs.Processing("pipeline panicked", map[string]string{"app_id": appID}, fmt.Errorf("%v", r))
		}
		p.finish(res)
	}()

	recs, err := p.kpis.ComputeAll(ctx, snap, appID)
	if err != nil {
		res.Err = err
		return res
	}
	res.KPIs = recs
	for _, r := range recs {
		p.metrics.kpi(r)
	}

	out, err := p.policy.EvaluateCycle(ctx, appID, policy.ReadingsFrom(recs))
	if err != nil {
		res.Err = err
		return res
	}
	res.Violations = out.Violations
	res.Resolved = out.Resolved
	for _, v := range out.Violations {
		p.metrics.violation(v)
	}
	for _, v := range out.Resolved {
		p.metrics.violation(v)
	}

	if p.alerts == nil {
		return res
	}
	for _, v := range out.Violations {
		a, outcomes, err := p.alerts.GenerateAndSend(ctx, v)
		if err != nil {
			res.Err = err
			return res
		}
		res.Alerts = append(res.Alerts, a)
		res.Outcomes = append(res.Outcomes, outcomes...)
		for _, o := range outcomes {
			switch {
			case o.Skipped:
				p.metrics.delivery(o.Channel, StatusSkipped)
			case o.Err != nil:
				p.metrics.delivery(o.Channel, StatusFailure)
			default:
				p.metrics.delivery(o.Channel, StatusSuccess)
			}
		}
	}
	return res
}

func (p *Pipeline) finish(res AppResult) {
	if res.Err != nil {
		kind := string(errs.KindOf(res.Err))
		if kind == "" {
			kind = "UNKNOWN"
		}
		p.metrics.appDone(StatusFailure)
		p.metrics.appError(kind)
		p.log.Error("application run failed", zap.String("app_id", res.AppID), zap.String("error_code", kind), zap.Error(res.Err))
		return
	}
	p.metrics.appDone(StatusSuccess)
	p.log.Info("application processed",
		zap.String("app_id", res.AppID),
		zap.Int("kpis", len(res.KPIs)),
		zap.Int("violations", len(res.Violations)),
		zap.Int("resolved", len(res.Resolved)),
		zap.Int("alerts", len(res.Alerts)))
}
