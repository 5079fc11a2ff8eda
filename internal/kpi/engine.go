// Package kpi derives per-application key performance indicators from an
// access snapshot. Each computed record is persisted before it is returned.
package kpi

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/accesswatch/internal/clock"
	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
)

// Persister stores computed KPI records.
type Persister interface {
	PersistKPI(ctx context.Context, k model.KPIRecord) error
}

// Auditor receives audit events. Errors are logged and never fail a computation.
type Auditor interface {
	Log(ev model.AuditEvent) error
}

// Engine computes KPIs for one application at a time. Safe for concurrent use.
type Engine struct {
	store   Persister
	audit   Auditor
	clock   clock.Clock
	log     *zap.Logger
	metrics map[string]MetricFunc
	order   []string
}

// NewEngine builds an engine over the named metrics, or all built-ins when
// names is empty. Unknown names are a ConfigurationError.
func NewEngine(store Persister, audit Auditor, clk clock.Clock, log *zap.Logger, names ...string) (*Engine, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	all := make(map[string]MetricFunc, len(builtin))
	for _, m := range builtin {
		all[m.name] = m.fn
	}
	if len(names) == 0 {
		names = Names()
	}
	e := &Engine{store: store, audit: audit, clock: clk, log: log, metrics: make(map[string]MetricFunc)}
	for _, n := range names {
		fn, ok := all[n]
		if !ok {
			return nil, errs.Configuration("unknown KPI", map[string]string{"kpi_name": n}, nil)
		}
		if _, dup := e.metrics[n]; dup {
			continue
		}
		e.metrics[n] = fn
		e.order = append(e.order, n)
	}
	return e, nil
}

// Names returns the enabled KPI names in evaluation order.
func (e *Engine) Names() []string {
	return append([]string(nil), e.order...)
}

// Compute derives one KPI for appID, persists it, and returns it.
func (e *Engine) Compute(ctx context.Context, snap *model.Snapshot, appID, kpiName string) (model.KPIRecord, error) {
	return e.compute(ctx, snap, appID, kpiName, e.clock.Now())
}

// ComputeAll derives every enabled KPI for appID, stamped with one instant.
// The first failure aborts the remaining metrics for the application.
func (e *Engine) ComputeAll(ctx context.Context, snap *model.Snapshot, appID string) ([]model.KPIRecord, error) {
	now := e.clock.Now()
	out := make([]model.KPIRecord, 0, len(e.order))
	for _, name := range e.order {
		rec, err := e.compute(ctx, snap, appID, name, now)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Values flattens records into the kpi_name -> value map the rule engine takes.
func Values(recs []model.KPIRecord) map[string]float64 {
	out := make(map[string]float64, len(recs))
	for _, r := range recs {
		out[r.KPIName] = r.Value
	}
	return out
}

func (e *Engine) compute(ctx context.Context, snap *model.Snapshot, appID, kpiName string, now time.Time) (model.KPIRecord, error) {
	errCtx := map[string]string{"app_id": appID, "kpi_name": kpiName}
	if appID == "" {
		return model.KPIRecord{}, errs.Validation("app_id is required", errCtx, nil)
	}
	fn, ok := e.metrics[kpiName]
	if !ok {
		return model.KPIRecord{}, errs.Processing("unknown KPI", errCtx, nil)
	}

	rows := snap.ForApp(appID)
	value, err := safeRun(fn, Input{Rows: rows, snap: snap, Now: now})
	if err != nil {
		return model.KPIRecord{}, errs.Processing("KPI computation failed", errCtx, err)
	}
	meta := map[string]string{"rows": strconv.Itoa(len(rows))}
	if snap != nil && snap.Source != "" {
		meta["source"] = snap.Source
	}
	rec, err := model.NewKPIRecord(appID, kpiName, value, now, meta)
	if err != nil {
		return model.KPIRecord{}, errs.Processing("KPI computation failed", errCtx, err)
	}

	if err := e.store.PersistKPI(ctx, rec); err != nil {
		return model.KPIRecord{}, err
	}

	e.log.Debug("kpi computed",
		zap.String("app_id", appID),
		zap.String("kpi_name", kpiName),
		zap.Float64("value", value),
		zap.Int("rows", len(rows)))
	e.emit(model.AuditEvent{
		EventType: model.EventKPIComputed,
		Timestamp: now,
		Details: map[string]string{
			"app_id":      appID,
			"kpi_name":    kpiName,
			"value":       strconv.FormatFloat(value, 'f', -1, 64),
			"computed_at": rec.ComputedAt.Format(time.RFC3339Nano),
		},
	})
	return rec, nil
}

func (e *Engine) emit(ev model.AuditEvent) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ev); err != nil {
		e.log.Warn("audit log failed", zap.String("event_type", ev.EventType), zap.Error(err))
	}
}

// safeRun converts a panicking metric into an error so one bad row set
// cannot take down the batch.
func safeRun(fn MetricFunc, in Input) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("metric panicked: %v", r)
		}
	}()
	return fn(in)
}
