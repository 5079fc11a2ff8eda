// Package risk adds an advisory AI risk assessment to violations. The
// deterministic severity score is always available and is returned whenever
// the AI collaborator fails, times out, or answers with something unusable.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/accesswatch/internal/clock"
	"github.com/ppiankov/accesswatch/internal/model"
	"github.com/ppiankov/accesswatch/internal/policy"
)

// Client is an AI text completion backend.
type Client interface {
	Analyze(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Assessment sources.
const (
	SourceAI       = "ai"
	SourceSeverity = "severity"
)

// Defaults for Analyzer.
const (
	DefaultMaxTokens  = 500
	DefaultTimeout    = 30 * time.Second
	maxExplanationLen = 200
)

// severityScores is the deterministic risk score per severity.
var severityScores = map[model.Severity]float64{
	model.SeverityCritical: 90,
	model.SeverityHigh:     70,
	model.SeverityMedium:   50,
	model.SeverityLow:      30,
}

// SeverityScore returns the fixed risk score for sev. Unknown severities
// score as MEDIUM.
func SeverityScore(sev model.Severity) float64 {
	if s, ok := severityScores[sev]; ok {
		return s
	}
	return 50
}

// Assessment is the outcome of one analysis.
type Assessment struct {
	AppID       string            `json:"app_id"`
	KPIName     string            `json:"kpi_name"`
	Value       float64           `json:"value"`
	RiskScore   float64           `json:"risk_score"`
	Confidence  float64           `json:"confidence"`
	Explanation string            `json:"explanation"`
	Factors     map[string]string `json:"factors"`
	Source      string            `json:"source"`
	AnalyzedAt  time.Time         `json:"analyzed_at"`
}

// Analyzer asks the AI client for a risk assessment and falls back to the
// severity score on any failure. A nil client always falls back.
type Analyzer struct {
	client    Client
	clock     clock.Clock
	log       *zap.Logger
	timeout   time.Duration
	maxTokens int
}

// NewAnalyzer creates an Analyzer. Zero timeout or maxTokens use defaults.
func NewAnalyzer(client Client, clk clock.Clock, log *zap.Logger, timeout time.Duration, maxTokens int) *Analyzer {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Analyzer{client: client, clock: clk, log: log, timeout: timeout, maxTokens: maxTokens}
}

const promptTemplate = `Analyze the following access compliance KPI anomaly:
- Application: %s
- KPI: %s
- Value: %s
- Severity: %s

Return ONLY valid JSON, no markdown fences, no commentary:
{"risk_score": <0-100>, "confidence": <0-100>, "explanation": "<root cause in one or two sentences>", "factors": {"<name>": "<detail>"}}`

// BuildPrompt renders the analysis prompt for one KPI.
func BuildPrompt(appID, kpiName string, value float64, sev model.Severity) string {
	return fmt.Sprintf(promptTemplate, appID, kpiName, strconv.FormatFloat(value, 'f', -1, 64), sev)
}

// AnalyzeViolation assesses the first KPI of a violation.
func (a *Analyzer) AnalyzeViolation(ctx context.Context, v model.Violation) Assessment {
	kpiName := policy.KPIFromRuleID(v.RuleID)
	value, ok := v.KPIValues[kpiName]
	if !ok {
		names := make([]string, 0, len(v.KPIValues))
		for k := range v.KPIValues {
			names = append(names, k)
		}
		sort.Strings(names)
		if len(names) > 0 {
			kpiName, value = names[0], v.KPIValues[names[0]]
		}
	}
	return a.Analyze(ctx, v.AppID, kpiName, value, v.Severity)
}

// Analyze returns an AI assessment, or the severity fallback.
func (a *Analyzer) Analyze(ctx context.Context, appID, kpiName string, value float64, sev model.Severity) Assessment {
	fallback := Assessment{
		AppID:       appID,
		KPIName:     kpiName,
		Value:       value,
		RiskScore:   SeverityScore(sev),
		Confidence:  0,
		Explanation: fmt.Sprintf("%s severity for %s", sev, kpiName),
		Factors:     map[string]string{"kpi_value": strconv.FormatFloat(value, 'f', -1, 64)},
		Source:      SourceSeverity,
		AnalyzedAt:  a.clock.Now(),
	}
	if a.client == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.client.Analyze(ctx, BuildPrompt(appID, kpiName, value, sev), a.maxTokens)
	if err != nil {
		a.log.Warn("ai analysis failed, using severity score",
			zap.String("app_id", appID), zap.String("kpi_name", kpiName), zap.Error(err))
		return fallback
	}
	parsed, err := parseAssessment(raw)
	if err != nil {
		a.log.Warn("ai analysis unparseable, using severity score",
			zap.String("app_id", appID), zap.String("kpi_name", kpiName), zap.Error(err))
		return fallback
	}

	out := fallback
	out.RiskScore = parsed.RiskScore
	out.Confidence = parsed.Confidence
	out.Explanation = truncate(parsed.Explanation, maxExplanationLen)
	for k, v := range parsed.Factors {
		out.Factors[k] = v
	}
	out.Source = SourceAI
	return out
}

type aiResponse struct {
	RiskScore   *float64          `json:"risk_score"`
	Confidence  float64           `json:"confidence"`
	Explanation string            `json:"explanation"`
	Factors     map[string]string `json:"factors"`
}

type parsedAssessment struct {
	RiskScore   float64
	Confidence  float64
	Explanation string
	Factors     map[string]string
}

func parseAssessment(raw string) (parsedAssessment, error) {
	raw = cleanJSON(raw)
	var r aiResponse
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return parsedAssessment{}, fmt.Errorf("cannot parse analysis response: %s", truncate(raw, 200))
	}
	if r.RiskScore == nil || math.IsNaN(*r.RiskScore) || *r.RiskScore < 0 || *r.RiskScore > model.MaxRiskScore {
		return parsedAssessment{}, fmt.Errorf("risk_score missing or outside [0,100]")
	}
	conf := math.Max(0, math.Min(100, r.Confidence))
	return parsedAssessment{
		RiskScore:   *r.RiskScore,
		Confidence:  conf,
		Explanation: strings.TrimSpace(r.Explanation),
		Factors:     r.Factors,
	}, nil
}

// cleanJSON strips markdown fences and surrounding whitespace.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
