package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ppiankov/accesswatch/internal/alert"
	"github.com/ppiankov/accesswatch/internal/clock"
	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/ingest"
	"github.com/ppiankov/accesswatch/internal/kpi"
	"github.com/ppiankov/accesswatch/internal/model"
	"github.com/ppiankov/accesswatch/internal/policy"
	"github.com/ppiankov/accesswatch/internal/storage"
)

var runTime = time.Date(2025, 11, 2, 9, 0, 0, 0, time.UTC)

type recAudit struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (r *recAudit) Log(e model.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type okChannel struct {
	mu   sync.Mutex
	sent int
}

func (c *okChannel) Name() string { return "ok" }

func (c *okChannel) Send(context.Context, model.Alert) (model.DeliveryResult, error) {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	return model.DeliveryResult{Success: true}, nil
}

func orphanCSV(orphans int) string {
	var b strings.Builder
	b.WriteString("app_id,user_id,status,exit_date\n")
	for i := 0; i < orphans; i++ {
		fmt.Fprintf(&b, "APP-1,u%d,active,2025-01-15\n", i)
	}
	b.WriteString("APP-1,keeper,active,\n")
	b.WriteString("APP-2,u1,active,\n")
	return b.String()
}

func parse(t *testing.T, data string) *model.Snapshot {
	t.Helper()
	snap, err := ingest.Parse(strings.NewReader(data), "snapshot.csv")
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

type harness struct {
	store   *storage.MemoryStore
	audit   *recAudit
	channel *okChannel
	clock   *clock.Fixed
	runner  *Runner
	metrics *Metrics
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	h := &harness{
		store:   storage.NewMemoryStore(),
		audit:   &recAudit{},
		channel: &okChannel{},
		clock:   clock.NewFixed(runTime),
		metrics: NewMetrics(),
	}
	kpis, err := kpi.NewEngine(h.store, h.audit, h.clock, nil)
	if err != nil {
		t.Fatal(err)
	}
	pol := policy.NewEngine(h.store, h.audit, h.clock, nil, policy.DefaultThresholds())
	gen := alert.NewGenerator(h.store, []alert.Channel{h.channel}, h.audit, h.clock, nil)
	h.runner = NewRunner(New(kpis, pol, gen, nil, h.metrics), workers, h.audit, h.clock, nil, h.metrics)
	return h
}

func TestRunDetectsAndAlerts(t *testing.T) {
	h := newHarness(t, 4)
	rep, err := h.runner.Run(context.Background(), parse(t, orphanCSV(15)))
	if err != nil {
		t.Fatal(err)
	}
	if rep.AppsProcessed != 2 || rep.AppsFailed != 0 {
		t.Fatalf("report = %+v", rep)
	}
	// orphan_accounts and policy_violations both reach critical for APP-1.
	if rep.ViolationsDetected != 2 || rep.AlertsSent != 2 || h.channel.sent != 2 {
		t.Errorf("violations=%d alerts=%d sent=%d", rep.ViolationsDetected, rep.AlertsSent, h.channel.sent)
	}
	for _, app := range rep.Apps {
		if len(app.KPIs) != len(kpi.Names()) {
			t.Errorf("%s: %d kpis", app.AppID, len(app.KPIs))
		}
		for _, v := range app.Violations {
			if v.AppID != "APP-1" || v.Severity != model.SeverityCritical {
				t.Errorf("unexpected violation %+v", v)
			}
		}
	}

	stored, _ := h.store.LoadKPIs(context.Background(), "")
	if len(stored) != 2*len(kpi.Names()) {
		t.Errorf("stored kpis = %d", len(stored))
	}
	alerts, _ := h.store.LoadAlerts(context.Background(), "APP-1")
	if len(alerts) != 2 || alerts[0].RiskScore != 90 {
		t.Errorf("stored alerts = %+v", alerts)
	}

	last := h.audit.events[len(h.audit.events)-1]
	if last.EventType != model.EventRunCompleted || last.Details["alerts_sent"] != "2" {
		t.Errorf("last audit event = %+v", last)
	}
	if got := testutil.ToFloat64(h.metrics.kpiValue.WithLabelValues("APP-1", kpi.OrphanAccounts)); got != 15 {
		t.Errorf("kpi gauge = %v", got)
	}
}

func TestRunLifecycleAcrossCycles(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	if _, err := h.runner.Run(ctx, parse(t, orphanCSV(15))); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(24 * time.Hour)
	rep, err := h.runner.Run(ctx, parse(t, orphanCSV(12)))
	if err != nil {
		t.Fatal(err)
	}
	if rep.ViolationsDetected != 2 {
		t.Fatalf("second cycle violations = %d", rep.ViolationsDetected)
	}
	for _, v := range rep.Apps[0].Violations {
		if v.State != model.StateRecurring {
			t.Errorf("expected RECURRING, got %s", v.State)
		}
	}

	h.clock.Advance(24 * time.Hour)
	rep, err = h.runner.Run(ctx, parse(t, orphanCSV(0)))
	if err != nil {
		t.Fatal(err)
	}
	if rep.ViolationsResolved != 2 || rep.ViolationsDetected != 0 {
		t.Errorf("third cycle = %+v", rep)
	}
	open, _ := h.store.QueryViolations(ctx, "APP-1", model.StateRecurring)
	if len(open) != 0 {
		t.Errorf("violations still open: %+v", open)
	}
	all, _ := h.store.LoadViolations(ctx, "APP-1")
	if len(all) != 2 {
		t.Errorf("violation ids should be stable across cycles, got %d records", len(all))
	}
}

type fakeKPIs struct{ fail map[string]error }

func (f fakeKPIs) ComputeAll(_ context.Context, _ *model.Snapshot, appID string) ([]model.KPIRecord, error) {
	if err := f.fail[appID]; err != nil {
		return nil, err
	}
	rec, _ := model.NewKPIRecord(appID, kpi.OrphanAccounts, 0, runTime, nil)
	return []model.KPIRecord{rec}, nil
}

type noViolations struct{}

func (noViolations) EvaluateCycle(context.Context, string, []policy.Reading) (policy.Outcome, error) {
	return policy.Outcome{}, nil
}

func TestRunIsolatesAppErrors(t *testing.T) {
	kpis := fakeKPIs{fail: map[string]error{
		"APP-2": errs.Processing("metric failed", map[string]string{"app_id": "APP-2"}, nil),
	}}
	metrics := NewMetrics()
	r := NewRunner(New(kpis, noViolations{}, nil, nil, metrics), 2, nil, nil, nil, metrics)

	rep, err := r.Run(context.Background(), parse(t, orphanCSV(1)))
	if err != nil {
		t.Fatalf("processing errors must not fail the run: %v", err)
	}
	if rep.AppsProcessed != 2 || rep.AppsFailed != 1 {
		t.Errorf("report = %+v", rep)
	}
	if !strings.Contains(rep.Errors["APP-2"], "PROCESSING_ERROR") {
		t.Errorf("errors = %v", rep.Errors)
	}
	if got := testutil.ToFloat64(metrics.appErrors.WithLabelValues(string(errs.KindProcessing))); got != 1 {
		t.Errorf("app error metric = %v", got)
	}
}

func TestRunContinuesAfterStorageError(t *testing.T) {
	snapshot := "app_id,user_id,status,exit_date\n" +
		"APP-1,u1,active,\n" +
		"APP-2,u1,active,\n" +
		"APP-3,u1,active,\n"
	tests := []struct {
		name    string
		workers int
		fail    map[string]error
		failed  []string
	}{
		{
			name:    "first app sequential",
			workers: 1,
			fail:    map[string]error{"APP-1": errs.Storage("disk full", nil, nil)},
			failed:  []string{"APP-1"},
		},
		{
			name:    "two apps parallel",
			workers: 3,
			fail: map[string]error{
				"APP-1": errs.Storage("disk full", nil, nil),
				"APP-3": errs.Storage("disk full", nil, nil),
			},
			failed: []string{"APP-1", "APP-3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner(New(fakeKPIs{fail: tt.fail}, noViolations{}, nil, nil, nil), tt.workers, nil, nil, nil, nil)

			rep, err := r.Run(context.Background(), parse(t, snapshot))
			if !errs.IsKind(err, errs.KindStorage) {
				t.Fatalf("expected StorageError, got %v", err)
			}
			if rep.AppsProcessed != 3 || len(rep.Apps) != 3 {
				t.Fatalf("processed %d of 3 apps", rep.AppsProcessed)
			}
			if rep.AppsFailed != len(tt.failed) {
				t.Errorf("failed = %d, want %d", rep.AppsFailed, len(tt.failed))
			}
			for _, app := range tt.failed {
				if _, ok := rep.Errors[app]; !ok {
					t.Errorf("no error recorded for %s", app)
				}
				if !strings.Contains(err.Error(), app) {
					t.Errorf("returned error does not name %s: %v", app, err)
				}
			}
			for _, res := range rep.Apps {
				if _, failed := tt.fail[res.AppID]; !failed && (res.Err != nil || len(res.KPIs) != 1) {
					t.Errorf("%s: err=%v kpis=%d", res.AppID, res.Err, len(res.KPIs))
				}
			}
		})
	}
}

type panicKPIs struct{}

func (panicKPIs) ComputeAll(context.Context, *model.Snapshot, string) ([]model.KPIRecord, error) {
	panic("boom")
}

func TestRunAppRecoversPanic(t *testing.T) {
	p := New(panicKPIs{}, noViolations{}, nil, nil, nil)
	res := p.RunApp(context.Background(), parse(t, orphanCSV(0)), "APP-1")
	if !errs.IsKind(res.Err, errs.KindProcessing) {
		t.Fatalf("expected ProcessingError, got %v", res.Err)
	}
}

func TestMetricsRegister(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("expected duplicate registration error")
	}
	m.appDone(StatusSuccess)
	m.run(1.5)
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{MetricAppsProcessedTotal, MetricRunDurationSeconds} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}

	var nilMetrics *Metrics
	nilMetrics.appDone(StatusSuccess)
}

func TestDigestSelectsRecentLowerSeverity(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	mk := func(id string, sev model.Severity, at time.Time) model.Alert {
		return model.Alert{
			AlertID: id, AppID: "APP-1", Severity: sev, RiskScore: 50,
			ViolationIDs: []string{"v-" + id}, Title: "t", Description: "d",
			Recommendations: []string{"a", "b", "c"}, CreatedAt: at, Persona: model.PersonaComplianceOfficer,
		}
	}
	for _, a := range []model.Alert{
		mk("old", model.SeverityMedium, runTime.Add(-48*time.Hour)),
		mk("crit", model.SeverityCritical, runTime),
		mk("med", model.SeverityMedium, runTime.Add(time.Hour)),
		mk("low", model.SeverityLow, runTime),
	} {
		if err := store.PersistAlert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	got, err := DigestAlerts(ctx, store, runTime.Add(-24*time.Hour), model.SeverityMedium)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].AlertID != "low" || got[1].AlertID != "med" {
		t.Errorf("digest alerts = %+v", got)
	}
}
