package mcp

import (
	"context"
	"fmt"
	"sort"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/accesswatch/internal/model"
	"github.com/ppiankov/accesswatch/internal/policy"
	"github.com/ppiankov/accesswatch/internal/risk"
)

// defaultAlertLimit caps accesswatch_alerts when no limit is given.
const defaultAlertLimit = 20

// --- Input/Output types ---

// ClassifyInput defines parameters for the accesswatch_classify tool.
type ClassifyInput struct {
	KPIName string  `json:"kpi_name" jsonschema:"KPI name, e.g. orphan_accounts"`
	Value   float64 `json:"value" jsonschema:"non-negative KPI value"`
}

// ClassifyOutput contains the dry-run classification.
type ClassifyOutput struct {
	KPIName    string             `json:"kpi_name"`
	Value      float64            `json:"value"`
	Severity   string             `json:"severity"`
	RuleID     string             `json:"rule_id"`
	RiskScore  float64            `json:"risk_score"`
	Breaches   bool               `json:"breaches"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// ViolationsInput defines parameters for the accesswatch_open_violations tool.
type ViolationsInput struct {
	AppID       string `json:"app_id,omitempty" jsonschema:"application id, omit for all applications"`
	MinSeverity string `json:"min_severity,omitempty" jsonschema:"lowest severity to include (LOW/MEDIUM/HIGH/CRITICAL)"`
}

// ViolationsOutput lists open violations.
type ViolationsOutput struct {
	Violations []ViolationItem `json:"violations"`
}

// ViolationItem describes one open violation.
type ViolationItem struct {
	ViolationID string  `json:"violation_id"`
	AppID       string  `json:"app_id"`
	RuleID      string  `json:"rule_id"`
	Severity    string  `json:"severity"`
	State       string  `json:"state"`
	KPIValue    float64 `json:"kpi_value"`
	DetectedAt  string  `json:"detected_at"`
}

// KPIsInput defines parameters for the accesswatch_kpis tool.
type KPIsInput struct {
	AppID string `json:"app_id" jsonschema:"application id"`
}

// KPIsOutput holds the latest value per KPI.
type KPIsOutput struct {
	AppID string    `json:"app_id"`
	KPIs  []KPIItem `json:"kpis"`
}

// KPIItem is one KPI reading.
type KPIItem struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Severity   string  `json:"severity"`
	ComputedAt string  `json:"computed_at"`
}

// AlertsInput defines parameters for the accesswatch_alerts tool.
type AlertsInput struct {
	AppID string `json:"app_id,omitempty" jsonschema:"application id, omit for all applications"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum alerts to return (default 20)"`
}

// AlertsOutput lists recent alerts.
type AlertsOutput struct {
	Alerts []AlertItem `json:"alerts"`
}

// AlertItem summarizes one alert.
type AlertItem struct {
	AlertID   string  `json:"alert_id"`
	AppID     string  `json:"app_id"`
	Severity  string  `json:"severity"`
	RiskScore float64 `json:"risk_score"`
	Title     string  `json:"title"`
	CreatedAt string  `json:"created_at"`
}

// --- Handlers ---

func (s *Server) handleClassify(ctx context.Context, req *mcpsdk.CallToolRequest, input ClassifyInput) (*mcpsdk.CallToolResult, ClassifyOutput, error) {
	if input.KPIName == "" {
		return nil, ClassifyOutput{}, fmt.Errorf("kpi_name is required")
	}
	if input.Value < 0 {
		return nil, ClassifyOutput{}, fmt.Errorf("value must be non-negative, got %v", input.Value)
	}

	table := s.thresholds.Thresholds().For(input.KPIName)
	sev := policy.Classify(input.Value, table)

	bounds := make(map[string]float64, len(table))
	for tier, v := range table {
		bounds[string(tier)] = v
	}

	return nil, ClassifyOutput{
		KPIName:    input.KPIName,
		Value:      input.Value,
		Severity:   string(sev),
		RuleID:     policy.RuleID(input.KPIName),
		RiskScore:  risk.SeverityScore(sev),
		Breaches:   sev != model.SeverityLow,
		Thresholds: bounds,
	}, nil
}

func (s *Server) handleOpenViolations(ctx context.Context, req *mcpsdk.CallToolRequest, input ViolationsInput) (*mcpsdk.CallToolResult, ViolationsOutput, error) {
	floor := model.SeverityLow
	if input.MinSeverity != "" {
		sev, err := model.ParseSeverity(input.MinSeverity)
		if err != nil {
			return nil, ViolationsOutput{}, err
		}
		floor = sev
	}

	var open []model.Violation
	for _, state := range []model.ViolationState{model.StateNew, model.StateRecurring} {
		vs, err := s.store.QueryViolations(ctx, input.AppID, state)
		if err != nil {
			return nil, ViolationsOutput{}, err
		}
		open = append(open, vs...)
	}

	sort.SliceStable(open, func(i, j int) bool {
		if open[i].Severity.Rank() != open[j].Severity.Rank() {
			return open[i].Severity.Rank() > open[j].Severity.Rank()
		}
		return open[i].DetectedAt.Before(open[j].DetectedAt)
	})

	items := make([]ViolationItem, 0, len(open))
	for _, v := range open {
		if !v.Severity.AtLeast(floor) {
			continue
		}
		items = append(items, ViolationItem{
			ViolationID: v.ViolationID,
			AppID:       v.AppID,
			RuleID:      v.RuleID,
			Severity:    string(v.Severity),
			State:       string(v.State),
			KPIValue:    v.KPIValues[policy.KPIFromRuleID(v.RuleID)],
			DetectedAt:  v.DetectedAt.Format(time.RFC3339),
		})
	}

	return nil, ViolationsOutput{Violations: items}, nil
}

func (s *Server) handleKPIs(ctx context.Context, req *mcpsdk.CallToolRequest, input KPIsInput) (*mcpsdk.CallToolResult, KPIsOutput, error) {
	if input.AppID == "" {
		return nil, KPIsOutput{}, fmt.Errorf("app_id is required")
	}
	recs, err := s.store.LoadKPIs(ctx, input.AppID)
	if err != nil {
		return nil, KPIsOutput{}, err
	}

	latest := make(map[string]model.KPIRecord)
	for _, r := range recs {
		if prev, ok := latest[r.KPIName]; !ok || r.ComputedAt.After(prev.ComputedAt) {
			latest[r.KPIName] = r
		}
	}

	th := s.thresholds.Thresholds()
	items := make([]KPIItem, 0, len(latest))
	for name, r := range latest {
		items = append(items, KPIItem{
			Name:       name,
			Value:      r.Value,
			Severity:   string(policy.Classify(r.Value, th.For(name))),
			ComputedAt: r.ComputedAt.Format(time.RFC3339),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return nil, KPIsOutput{AppID: input.AppID, KPIs: items}, nil
}

func (s *Server) handleAlerts(ctx context.Context, req *mcpsdk.CallToolRequest, input AlertsInput) (*mcpsdk.CallToolResult, AlertsOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultAlertLimit
	}
	alerts, err := s.store.LoadAlerts(ctx, input.AppID)
	if err != nil {
		return nil, AlertsOutput{}, err
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}

	items := make([]AlertItem, len(alerts))
	for i, a := range alerts {
		items[i] = AlertItem{
			AlertID:   a.AlertID,
			AppID:     a.AppID,
			Severity:  string(a.Severity),
			RiskScore: a.RiskScore,
			Title:     a.Title,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
		}
	}
	return nil, AlertsOutput{Alerts: items}, nil
}
