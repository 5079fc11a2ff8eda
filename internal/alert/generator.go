package alert

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/accesswatch/internal/clock"
	"github.com/ppiankov/accesswatch/internal/model"
	"github.com/ppiankov/accesswatch/internal/risk"
)

// Store persists alerts.
type Store interface {
	PersistAlert(ctx context.Context, a model.Alert) error
}

// Auditor receives audit events.
type Auditor interface {
	Log(e model.AuditEvent) error
}

// Advisor supplies an optional AI risk assessment.
type Advisor interface {
	AnalyzeViolation(ctx context.Context, v model.Violation) risk.Assessment
}

// ChannelOutcome is the result of dispatching one alert to one channel.
type ChannelOutcome struct {
	Channel string               `json:"channel"`
	Result  model.DeliveryResult `json:"result"`
	Err     error                `json:"-"`
	Skipped bool                 `json:"skipped,omitempty"`
}

// configured is implemented by every channel built in this package.
type configured interface {
	settings() ChannelConfig
}

// Generator builds alerts from violations, persists them, and fans them out
// to channels.
type Generator struct {
	store    Store
	channels []Channel
	audit    Auditor
	clock    clock.Clock
	log      *zap.Logger
	advisor  Advisor
	timeout  time.Duration
}

// GeneratorOption customizes a Generator.
type GeneratorOption func(*Generator)

// WithAdvisor attaches an AI advisor. Its score is advisory only.
func WithAdvisor(a Advisor) GeneratorOption {
	return func(g *Generator) { g.advisor = a }
}

// WithChannelTimeout sets the timeout for channels that do not configure one.
func WithChannelTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) { g.timeout = d }
}

// NewGenerator creates a Generator. Channels are dispatched in the given order.
func NewGenerator(store Store, channels []Channel, audit Auditor, clk clock.Clock, log *zap.Logger, opts ...GeneratorOption) *Generator {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	g := &Generator{
		store:    store,
		channels: channels,
		audit:    audit,
		clock:    clk,
		log:      log,
		timeout:  DefaultChannelTimeout,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Channels returns the configured channel names in dispatch order.
func (g *Generator) Channels() []string {
	names := make([]string, len(g.channels))
	for i, c := range g.channels {
		names[i] = c.Name()
	}
	return names
}

// Build turns a violation into an alert without persisting it.
func (g *Generator) Build(ctx context.Context, v model.Violation) model.Alert {
	value := v.Evidence["kpi_value"]
	if value == "" {
		value = "n/a"
	}
	desc := fmt.Sprintf("Rule %s triggered with %s", v.RuleID, value)
	if g.advisor != nil {
		if as := g.advisor.AnalyzeViolation(ctx, v); as.Source == risk.SourceAI {
			desc += fmt.Sprintf(". AI risk assessment %.0f/100: %s", as.RiskScore, as.Explanation)
		}
	}
	return model.Alert{
		AlertID:      uuid.NewString(),
		AppID:        v.AppID,
		Severity:     v.Severity,
		RiskScore:    risk.SeverityScore(v.Severity),
		ViolationIDs: []string{v.ViolationID},
		Title:        fmt.Sprintf("%s violation in %s", v.Severity, v.AppID),
		Description:  desc,
		Recommendations: []string{
			fmt.Sprintf("Review %s access policies", v.AppID),
			"Investigate root cause of anomaly",
			"Take remediation action if needed",
		},
		CreatedAt: g.clock.Now(),
		Persona:   model.PersonaComplianceOfficer,
	}
}

// GenerateAndSend builds, persists, and dispatches one alert. A storage error
// is returned before any channel is contacted. Channel failures never fail the
// call; they are reported in the outcomes, which follow channel order.
func (g *Generator) GenerateAndSend(ctx context.Context, v model.Violation) (model.Alert, []ChannelOutcome, error) {
	a := g.Build(ctx, v)
	if err := a.Validate(); err != nil {
		return model.Alert{}, nil, fmt.Errorf("build alert for %s: %w", v.ViolationID, err)
	}
	if err := g.store.PersistAlert(ctx, a); err != nil {
		return model.Alert{}, nil, err
	}
	g.emit(model.EventAlertCreated, map[string]string{
		"alert_id":     a.AlertID,
		"app_id":       a.AppID,
		"violation_id": v.ViolationID,
		"severity":     string(a.Severity),
		"risk_score":   strconv.FormatFloat(a.RiskScore, 'f', -1, 64),
	})

	outcomes := g.Dispatch(ctx, a)
	return a, outcomes, nil
}

// Dispatch sends a to every channel concurrently. Each channel runs under its
// own timeout.
func (g *Generator) Dispatch(ctx context.Context, a model.Alert) []ChannelOutcome {
	outcomes := make([]ChannelOutcome, len(g.channels))
	var wg sync.WaitGroup
	for i, ch := range g.channels {
		outcomes[i].Channel = ch.Name()
		if !g.accepts(ch, a.Severity) {
			outcomes[i].Skipped = true
			continue
		}
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			outcomes[i] = g.sendOne(ctx, ch, a)
		}(i, ch)
	}
	wg.Wait()
	return outcomes
}

func (g *Generator) sendOne(ctx context.Context, ch Channel, a model.Alert) (out ChannelOutcome) {
	out.Channel = ch.Name()
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("channel %s panicked: %v", ch.Name(), r)
			out.Result = model.DeliveryResult{Error: out.Err.Error()}
		}
		g.record(model.EventAlertDispatch, a.AlertID, out)
	}()

	cctx, cancel := context.WithTimeout(ctx, g.timeoutFor(ch))
	defer cancel()
	out.Result, out.Err = ch.Send(cctx, a)
	return out
}

// SendDigest delivers alerts as one message to every digest-capable channel.
func (g *Generator) SendDigest(ctx context.Context, alerts []model.Alert) []ChannelOutcome {
	var outcomes []ChannelOutcome
	if len(alerts) == 0 {
		return nil
	}
	for _, ch := range g.channels {
		dc, ok := ch.(DigestChannel)
		if !ok {
			continue
		}
		out := ChannelOutcome{Channel: ch.Name()}
		cctx, cancel := context.WithTimeout(ctx, g.timeoutFor(ch))
		out.Result, out.Err = dc.SendDigest(cctx, alerts)
		cancel()
		g.record(model.EventDigestDispatch, strconv.Itoa(len(alerts)), out)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (g *Generator) accepts(ch Channel, sev model.Severity) bool {
	c, ok := ch.(configured)
	if !ok || c.settings().MinSeverity == "" {
		return true
	}
	floor, err := model.ParseSeverity(c.settings().MinSeverity)
	if err != nil {
		return true
	}
	return sev.AtLeast(floor)
}

func (g *Generator) timeoutFor(ch Channel) time.Duration {
	if c, ok := ch.(configured); ok && c.settings().Timeout > 0 {
		return c.settings().Timeout
	}
	return g.timeout
}

func (g *Generator) record(event, ref string, out ChannelOutcome) {
	details := map[string]string{
		"channel": out.Channel,
		"success": strconv.FormatBool(out.Result.Success),
		"retries": strconv.Itoa(out.Result.Retries),
	}
	if event == model.EventDigestDispatch {
		details["alerts"] = ref
	} else {
		details["alert_id"] = ref
	}
	if out.Err != nil {
		details["error"] = out.Err.Error()
		g.log.Warn("alert delivery failed", zap.String("channel", out.Channel), zap.String("ref", ref), zap.Error(out.Err))
	} else {
		g.log.Info("alert delivered", zap.String("channel", out.Channel), zap.String("ref", ref), zap.Int("retries", out.Result.Retries))
	}
	g.emit(event, details)
}

func (g *Generator) emit(event string, details map[string]string) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Log(model.AuditEvent{EventType: event, Timestamp: g.clock.Now(), Details: details}); err != nil {
		g.log.Warn("audit log failed", zap.String("event_type", event), zap.Error(err))
	}
}
