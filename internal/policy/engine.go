// Package policy turns KPI values into violations by comparing them to
// tiered thresholds, and carries each (app, rule) pair through its
// NEW -> RECURRING -> RESOLVED lifecycle.
package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/accesswatch/internal/clock"
	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
)

// Store is the persistence the rule engine needs.
type Store interface {
	PersistViolation(ctx context.Context, v model.Violation) error
	QueryViolations(ctx context.Context, appID string, state model.ViolationState) ([]model.Violation, error)
}

// Auditor receives audit events.
type Auditor interface {
	Log(ev model.AuditEvent) error
}

// Reading is one KPI value presented for evaluation.
type Reading struct {
	KPIName string
	Value   float64
}

// ReadingsFrom converts computed records to readings, preserving order.
func ReadingsFrom(recs []model.KPIRecord) []Reading {
	out := make([]Reading, len(recs))
	for i, r := range recs {
		out[i] = Reading{KPIName: r.KPIName, Value: r.Value}
	}
	return out
}

// Outcome is the result of one evaluation cycle for an application.
type Outcome struct {
	// Violations are NEW or RECURRING, in reading order.
	Violations []model.Violation
	// Resolved were open before this cycle and are now under threshold.
	Resolved []model.Violation
}

// Engine evaluates readings against a fixed threshold table.
type Engine struct {
	store Store
	audit Auditor
	clock clock.Clock
	log   *zap.Logger

	mu         sync.RWMutex
	thresholds model.Thresholds

	// appLocks serializes lookup-before-create per application.
	appLocks sync.Map
}

// NewEngine creates a rule engine. thresholds is treated as read-only; use
// SetThresholds to swap in a new table.
func NewEngine(store Store, audit Auditor, clk clock.Clock, log *zap.Logger, thresholds model.Thresholds) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if thresholds == nil {
		thresholds = model.Thresholds{}
	}
	return &Engine{store: store, audit: audit, clock: clk, log: log, thresholds: thresholds}
}

// Thresholds returns the engine's threshold table.
func (e *Engine) Thresholds() model.Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// SetThresholds atomically replaces the threshold table. Cycles already
// running keep the table they started with.
func (e *Engine) SetThresholds(th model.Thresholds) {
	if th == nil {
		th = model.Thresholds{}
	}
	e.mu.Lock()
	e.thresholds = th
	e.mu.Unlock()
}

// Evaluate returns the NEW and RECURRING violations for appID, in reading order.
// Resolutions still happen; use EvaluateCycle to see them.
func (e *Engine) Evaluate(ctx context.Context, appID string, readings []Reading) ([]model.Violation, error) {
	out, err := e.EvaluateCycle(ctx, appID, readings)
	if err != nil {
		return nil, err
	}
	return out.Violations, nil
}

// EvaluateCycle classifies each reading independently. Each KPI name may
// appear at most once per cycle. A breach with an open
// violation for the same rule makes it RECURRING; a breach without one creates
// a NEW violation; a LOW reading resolves any open violation for its rule.
// Storage errors are returned as-is; anything else is a ProcessingError.
func (e *Engine) EvaluateCycle(ctx context.Context, appID string, readings []Reading) (out Outcome, err error) {
	if appID == "" {
		return Outcome{}, errs.Validation("app_id is required", nil, nil)
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = Outcome{}, errs.Processing("policy evaluation failed", map[string]string{"app_id": appID}, fmt.Errorf("panic: %v", r))
		}
	}()

	mu := e.lockFor(appID)
	mu.Lock()
	defer mu.Unlock()

	seen := make(map[string]bool, len(readings))
	for _, r := range readings {
		if r.KPIName == "" || math.IsNaN(r.Value) || math.IsInf(r.Value, 0) || r.Value < 0 {
			return Outcome{}, errs.Processing("policy evaluation failed",
				map[string]string{"app_id": appID, "kpi_name": r.KPIName},
				fmt.Errorf("invalid KPI value %v", r.Value))
		}
		if seen[r.KPIName] {
			return Outcome{}, errs.Processing("policy evaluation failed",
				map[string]string{"app_id": appID, "kpi_name": r.KPIName},
				errors.New("duplicate KPI reading in one cycle"))
		}
		seen[r.KPIName] = true
	}

	open, err := e.openByRule(ctx, appID)
	if err != nil {
		return Outcome{}, err
	}

	thresholds := e.Thresholds()
	now := e.clock.Now()
	for _, r := range readings {
		table := thresholds.For(r.KPIName)
		sev := Classify(r.Value, table)
		ruleID := RuleID(r.KPIName)
		prev, hasOpen := open[ruleID]

		switch {
		case sev == model.SeverityLow && hasOpen:
			resolved, err := e.resolve(ctx, prev, r, now)
			if err != nil {
				return Outcome{}, err
			}
			delete(open, ruleID)
			out.Resolved = append(out.Resolved, resolved)

		case sev == model.SeverityLow:
			// under threshold, nothing open

		case hasOpen:
			v, err := e.recur(ctx, prev, sev, r, table, now)
			if err != nil {
				return Outcome{}, err
			}
			open[ruleID] = v
			out.Violations = append(out.Violations, v)

		default:
			v, err := e.create(ctx, appID, ruleID, sev, r, table, now)
			if err != nil {
				return Outcome{}, err
			}
			open[ruleID] = v
			out.Violations = append(out.Violations, v)
		}
	}
	return out, nil
}

// Reconcile resolves open violations for appID whose KPI now reads LOW.
// Readings for KPIs without an open violation are ignored.
func (e *Engine) Reconcile(ctx context.Context, appID string, readings []Reading) ([]model.Violation, error) {
	var low []Reading
	for _, r := range readings {
		if Classify(r.Value, e.Thresholds().For(r.KPIName)) == model.SeverityLow {
			low = append(low, r)
		}
	}
	out, err := e.EvaluateCycle(ctx, appID, low)
	if err != nil {
		return nil, err
	}
	return out.Resolved, nil
}

func (e *Engine) lockFor(appID string) *sync.Mutex {
	m, _ := e.appLocks.LoadOrStore(appID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// openByRule returns the most recently detected open violation per rule.
func (e *Engine) openByRule(ctx context.Context, appID string) (map[string]model.Violation, error) {
	open := make(map[string]model.Violation)
	for _, state := range []model.ViolationState{model.StateNew, model.StateRecurring} {
		vs, err := e.store.QueryViolations(ctx, appID, state)
		if err != nil {
			return nil, err
		}
		for _, v := range vs {
			if cur, ok := open[v.RuleID]; !ok || v.DetectedAt.After(cur.DetectedAt) {
				open[v.RuleID] = v
			}
		}
	}
	return open, nil
}

func evidence(value float64) map[string]string {
	return map[string]string{"kpi_value": strconv.FormatFloat(value, 'f', -1, 64)}
}

func (e *Engine) create(ctx context.Context, appID, ruleID string, sev model.Severity, r Reading, table model.TierTable, now time.Time) (model.Violation, error) {
	v, err := model.NewViolation(appID, ruleID, sev,
		map[string]float64{r.KPIName: r.Value}, tableMap(table), evidence(r.Value), now, model.StateNew)
	if err != nil {
		return model.Violation{}, errs.Processing("policy evaluation failed",
			map[string]string{"app_id": appID, "kpi_name": r.KPIName}, err)
	}
	if err := e.store.PersistViolation(ctx, v); err != nil {
		return model.Violation{}, err
	}
	e.log.Info("violation detected",
		zap.String("app_id", appID),
		zap.String("rule_id", ruleID),
		zap.String("severity", string(sev)),
		zap.Float64("value", r.Value))
	e.emit(model.EventViolationDetected, now, v)
	return v, nil
}

// recur carries an open violation forward with fresh evidence. Its id is kept.
func (e *Engine) recur(ctx context.Context, prev model.Violation, sev model.Severity, r Reading, table model.TierTable, now time.Time) (model.Violation, error) {
	v := prev
	v.State = model.StateRecurring
	v.Severity = sev
	v.KPIValues = map[string]float64{r.KPIName: r.Value}
	v.ThresholdBreached = tableMap(table)
	v.Evidence = evidence(r.Value)
	v.DetectedAt = now.UTC()
	v.ResolvedAt = nil
	if err := e.store.PersistViolation(ctx, v); err != nil {
		return model.Violation{}, err
	}
	e.log.Info("violation recurring",
		zap.String("app_id", v.AppID),
		zap.String("rule_id", v.RuleID),
		zap.String("violation_id", v.ViolationID),
		zap.String("severity", string(sev)))
	e.emit(model.EventViolationRecurred, now, v)
	return v, nil
}

func (e *Engine) resolve(ctx context.Context, prev model.Violation, r Reading, now time.Time) (model.Violation, error) {
	v := prev
	at := now.UTC()
	v.State = model.StateResolved
	v.ResolvedAt = &at
	v.Evidence = evidence(r.Value)
	if err := e.store.PersistViolation(ctx, v); err != nil {
		return model.Violation{}, err
	}
	e.log.Info("violation resolved",
		zap.String("app_id", v.AppID),
		zap.String("rule_id", v.RuleID),
		zap.String("violation_id", v.ViolationID))
	e.emit(model.EventViolationResolved, now, v)
	return v, nil
}

func (e *Engine) emit(eventType string, now time.Time, v model.Violation) {
	if e.audit == nil {
		return
	}
	ev := model.AuditEvent{
		EventType: eventType,
		Timestamp: now,
		Details: map[string]string{
			"violation_id": v.ViolationID,
			"app_id":       v.AppID,
			"rule_id":      v.RuleID,
			"severity":     string(v.Severity),
			"state":        string(v.State),
			"kpi_value":    v.Evidence["kpi_value"],
		},
	}
	if err := e.audit.Log(ev); err != nil {
		e.log.Warn("audit log failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
