package alert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/accesswatch/internal/clock"
	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
	"github.com/ppiankov/accesswatch/internal/risk"
)

type memStore struct {
	mu     sync.Mutex
	alerts []model.Alert
	err    error
}

func (m *memStore) PersistAlert(_ context.Context, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.alerts = append(m.alerts, a)
	return nil
}

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

func (r *recAudit) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// fakeChannel records calls and returns a fixed error.
type fakeChannel struct {
	name  string
	err   error
	mu    sync.Mutex
	sent  []model.Alert
	delay time.Duration
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, a model.Alert) (model.DeliveryResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return model.DeliveryResult{Error: ctx.Err().Error()}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, a)
	f.mu.Unlock()
	if f.err != nil {
		return model.DeliveryResult{Error: f.err.Error()}, f.err
	}
	return model.DeliveryResult{Success: true}, nil
}

var genTime = time.Date(2025, 11, 2, 9, 0, 0, 0, time.UTC)

func testViolation(sev model.Severity) model.Violation {
	return model.Violation{
		ViolationID:       "v-42",
		AppID:             "APP-001",
		RuleID:            "threshold_orphan_accounts",
		Severity:          sev,
		KPIValues:         map[string]float64{"orphan_accounts": 15},
		ThresholdBreached: map[string]float64{"critical": 10},
		Evidence:          map[string]string{"kpi_value": "15"},
		DetectedAt:        genTime,
		State:             model.StateNew,
	}
}

func TestBuildRiskScoreBySeverity(t *testing.T) {
	g := NewGenerator(&memStore{}, nil, nil, clock.NewFixed(genTime), zap.NewNop())
	tests := map[model.Severity]float64{
		model.SeverityCritical: 90,
		model.SeverityHigh:     70,
		model.SeverityMedium:   50,
	}
	for sev, want := range tests {
		a := g.Build(context.Background(), testViolation(sev))
		if a.RiskScore != want {
			t.Errorf("%s: risk_score = %v, want %v", sev, a.RiskScore, want)
		}
	}
}

func TestGenerateAndSendCritical(t *testing.T) {
	store := &memStore{}
	ch := &fakeChannel{name: "slack"}
	g := NewGenerator(store, []Channel{ch}, nil, clock.NewFixed(genTime), zap.NewNop())

	a, outcomes, err := g.GenerateAndSend(context.Background(), testViolation(model.SeverityCritical))
	if err != nil {
		t.Fatal(err)
	}
	if a.RiskScore != 90 || a.Persona != model.PersonaComplianceOfficer {
		t.Errorf("alert = %+v", a)
	}
	if a.Title != "CRITICAL violation in APP-001" {
		t.Errorf("title = %q", a.Title)
	}
	if a.Description != "Rule threshold_orphan_accounts triggered with 15" {
		t.Errorf("description = %q", a.Description)
	}
	if len(a.Recommendations) != 3 || !strings.Contains(a.Recommendations[0], "APP-001") {
		t.Errorf("recommendations = %v", a.Recommendations)
	}
	if len(a.ViolationIDs) != 1 || a.ViolationIDs[0] != "v-42" {
		t.Errorf("violation ids = %v", a.ViolationIDs)
	}
	if !a.CreatedAt.Equal(genTime) {
		t.Errorf("created_at = %v", a.CreatedAt)
	}
	if len(store.alerts) != 1 || store.alerts[0].AlertID != a.AlertID {
		t.Errorf("stored = %+v", store.alerts)
	}
	if len(outcomes) != 1 || !outcomes[0].Result.Success {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

func TestFailingChannelDoesNotBlockOthers(t *testing.T) {
	bad, badHits := statusServer(t, 500)
	good, goodHits := statusServer(t, 200)
	channels := []Channel{
		NewWebhookChannel(ChannelConfig{Name: "broken", Type: TypeWebhook, URL: bad.URL}, WithRetry(fastRetry)),
		NewWebhookChannel(ChannelConfig{Name: "healthy", Type: TypeWebhook, URL: good.URL}, WithRetry(fastRetry)),
	}
	store := &memStore{}
	audit := &recAudit{}
	g := NewGenerator(store, channels, audit, clock.NewFixed(genTime), zap.NewNop())

	a, outcomes, err := g.GenerateAndSend(context.Background(), testViolation(model.SeverityHigh))
	if err != nil {
		t.Fatalf("GenerateAndSend must not fail on channel errors: %v", err)
	}
	if len(store.alerts) != 1 || store.alerts[0].AlertID != a.AlertID {
		t.Fatal("alert must be persisted despite channel failure")
	}
	if len(outcomes) != 2 || outcomes[0].Channel != "broken" || outcomes[1].Channel != "healthy" {
		t.Fatalf("outcomes out of order: %+v", outcomes)
	}
	if !errs.IsKind(outcomes[0].Err, errs.KindIntegration) || outcomes[0].Result.Success {
		t.Errorf("broken outcome = %+v", outcomes[0])
	}
	if outcomes[1].Err != nil || !outcomes[1].Result.Success {
		t.Errorf("healthy outcome = %+v", outcomes[1])
	}
	if badHits.Load() != MaxAttempts || goodHits.Load() != 1 {
		t.Errorf("hits broken=%d healthy=%d", badHits.Load(), goodHits.Load())
	}
	if audit.count(model.EventAlertCreated) != 1 || audit.count(model.EventAlertDispatch) != 2 {
		t.Errorf("audit events = %+v", audit.events)
	}
}

func TestStorageFailureSkipsDispatch(t *testing.T) {
	store := &memStore{err: errs.Storage("disk full", nil, nil)}
	ch := &fakeChannel{name: "slack"}
	g := NewGenerator(store, []Channel{ch}, nil, clock.NewFixed(genTime), zap.NewNop())

	_, _, err := g.GenerateAndSend(context.Background(), testViolation(model.SeverityCritical))
	if !errs.IsKind(err, errs.KindStorage) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if len(ch.sent) != 0 {
		t.Error("no channel may be contacted before the alert is persisted")
	}
}

func TestChannelTimeoutIsPerChannel(t *testing.T) {
	slow := &fakeChannel{name: "slow", delay: time.Second}
	fast := &fakeChannel{name: "fast"}
	g := NewGenerator(&memStore{}, []Channel{slow, fast}, nil, clock.NewFixed(genTime), zap.NewNop(),
		WithChannelTimeout(20*time.Millisecond))

	start := time.Now()
	_, outcomes, err := g.GenerateAndSend(context.Background(), testViolation(model.SeverityHigh))
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("dispatch waited on slow channel: %v", time.Since(start))
	}
	if !errors.Is(outcomes[0].Err, context.DeadlineExceeded) {
		t.Errorf("slow outcome = %+v", outcomes[0])
	}
	if !outcomes[1].Result.Success {
		t.Errorf("fast outcome = %+v", outcomes[1])
	}
}

func TestMinSeveritySkipsChannel(t *testing.T) {
	srv, hits := statusServer(t, 200)
	ch := NewWebhookChannel(ChannelConfig{Name: "pager", Type: TypeWebhook, URL: srv.URL, MinSeverity: "critical"})
	g := NewGenerator(&memStore{}, []Channel{ch}, nil, clock.NewFixed(genTime), zap.NewNop())

	_, outcomes, err := g.GenerateAndSend(context.Background(), testViolation(model.SeverityMedium))
	if err != nil {
		t.Fatal(err)
	}
	if !outcomes[0].Skipped || hits.Load() != 0 {
		t.Errorf("outcome = %+v, hits = %d", outcomes[0], hits.Load())
	}
}

type fakeAdvisor struct{ as risk.Assessment }

func (f fakeAdvisor) AnalyzeViolation(context.Context, model.Violation) risk.Assessment { return f.as }

func TestAdvisorExtendsDescription(t *testing.T) {
	tests := []struct {
		name     string
		as       risk.Assessment
		wantDesc string
	}{
		{
			name:     "ai assessment",
			as:       risk.Assessment{Source: risk.SourceAI, RiskScore: 77, Explanation: "HR feed is stale"},
			wantDesc: "AI risk assessment 77/100: HR feed is stale",
		},
		{
			name: "severity fallback",
			as:   risk.Assessment{Source: risk.SourceSeverity, RiskScore: 90},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGenerator(&memStore{}, nil, nil, clock.NewFixed(genTime), zap.NewNop(), WithAdvisor(fakeAdvisor{as: tt.as}))
			a := g.Build(context.Background(), testViolation(model.SeverityCritical))
			if a.RiskScore != 90 {
				t.Errorf("AI score must not replace severity score: %v", a.RiskScore)
			}
			if len(a.Recommendations) != 3 {
				t.Errorf("recommendations = %v, want the 3 standard ones", a.Recommendations)
			}
			for _, r := range a.Recommendations {
				if strings.Contains(r, "AI risk") {
					t.Errorf("assessment leaked into recommendations: %v", a.Recommendations)
				}
			}
			if !strings.HasPrefix(a.Description, "Rule ") {
				t.Errorf("description = %q", a.Description)
			}
			if tt.wantDesc != "" && !strings.Contains(a.Description, tt.wantDesc) {
				t.Errorf("description = %q, want it to contain %q", a.Description, tt.wantDesc)
			}
			if tt.wantDesc == "" && strings.Contains(a.Description, "AI risk") {
				t.Errorf("fallback assessment should add nothing: %q", a.Description)
			}
		})
	}
}

func TestSendDigestOnlyDigestChannels(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		got = buf.String()
	}))
	defer srv.Close()

	slack := NewSlackChannel(ChannelConfig{Name: "slack", Type: TypeSlack, URL: srv.URL}, WithRetry(fastRetry))
	plain := &fakeChannel{name: "plain"}
	audit := &recAudit{}
	g := NewGenerator(&memStore{}, []Channel{plain, slack}, audit, clock.NewFixed(genTime), zap.NewNop())

	outcomes := g.SendDigest(context.Background(), []model.Alert{testAlert(model.SeverityMedium)})
	if len(outcomes) != 1 || outcomes[0].Channel != "slack" || !outcomes[0].Result.Success {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if !strings.Contains(got, "digest") || !strings.Contains(got, SlackComplianceChannel) {
		t.Errorf("digest body = %s", got)
	}
	if len(plain.sent) != 0 {
		t.Error("non-digest channel should not receive digests")
	}
	if audit.count(model.EventDigestDispatch) != 1 {
		t.Errorf("audit = %+v", audit.events)
	}
	if g.SendDigest(context.Background(), nil) != nil {
		t.Error("empty digest should send nothing")
	}
}
