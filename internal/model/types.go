package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how far a KPI value exceeds its threshold tiers.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityRank maps severity to a comparable integer for ordering.
var SeverityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal of s. Unknown severities rank below LOW.
func (s Severity) Rank() int {
	r, ok := SeverityRank[s]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether s is ordered at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity accepts any letter case.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := SeverityRank[sev]; !ok {
		return "", fmt.Errorf("invalid severity: %q", s)
	}
	return sev, nil
}

// Tier names one threshold boundary of a KPI.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Tiers lists all tiers in ascending order.
var Tiers = []Tier{TierLow, TierMedium, TierHigh, TierCritical}

// TierTable holds the numeric boundaries for one KPI.
type TierTable map[Tier]float64

// Bound returns the boundary for tier, or +Inf when the tier is not configured.
func (t TierTable) Bound(tier Tier) float64 {
	if v, ok := t[tier]; ok {
		return v
	}
	return math.Inf(1)
}

// Thresholds maps KPI names to their tier tables. Read-only once loaded.
type Thresholds map[string]TierTable

// For returns the tier table for a KPI. A missing KPI yields an empty table,
// which never breaches.
func (t Thresholds) For(kpiName string) TierTable {
	if tt, ok := t[kpiName]; ok {
		return tt
	}
	return TierTable{}
}

// KPIRecord is one computed indicator value. Treat as immutable: recomputation
// produces a new record with a later ComputedAt.
type KPIRecord struct {
	AppID      string            `json:"app_id"`
	KPIName    string            `json:"kpi_name"`
	Value      float64           `json:"value"`
	ComputedAt time.Time         `json:"computed_at"`
	Meta       map[string]string `json:"meta"`
}

// kpiNamespace scopes deterministic KPI record keys.
var kpiNamespace = uuid.MustParse("6f1d3a52-8a0e-4b8e-9a53-2f6c1c7d9e10")

// NewKPIRecord validates and builds a KPIRecord. The meta map is copied.
func NewKPIRecord(appID, kpiName string, value float64, computedAt time.Time, meta map[string]string) (KPIRecord, error) {
	if appID == "" {
		return KPIRecord{}, fmt.Errorf("kpi record: app_id is required")
	}
	if kpiName == "" {
		return KPIRecord{}, fmt.Errorf("kpi record: kpi_name is required")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return KPIRecord{}, fmt.Errorf("kpi record: value must be a finite non-negative number, got %v", value)
	}
	m := make(map[string]string, len(meta))
	for k, v := range meta {
		m[k] = v
	}
	return KPIRecord{
		AppID:      appID,
		KPIName:    kpiName,
		Value:      value,
		ComputedAt: computedAt.UTC(),
		Meta:       m,
	}, nil
}

// Key is a deterministic identifier for storage. Writing the same record twice
// addresses the same key.
func (k KPIRecord) Key() string {
	name := fmt.Sprintf("%s|%s|%d", k.AppID, k.KPIName, k.ComputedAt.UnixNano())
	return uuid.NewSHA1(kpiNamespace, []byte(name)).String()
}

// ViolationState is the lifecycle state of a violation.
type ViolationState string

const (
	StateNew       ViolationState = "NEW"
	StateRecurring ViolationState = "RECURRING"
	StateResolved  ViolationState = "RESOLVED"
)

// ParseViolationState rejects anything outside NEW, RECURRING, RESOLVED.
func ParseViolationState(s string) (ViolationState, error) {
	switch ViolationState(s) {
	case StateNew, StateRecurring, StateResolved:
		return ViolationState(s), nil
	default:
		return "", fmt.Errorf("invalid violation state: %q", s)
	}
}

// IsOpen reports whether the state still needs attention.
func (s ViolationState) IsOpen() bool {
	return s == StateNew || s == StateRecurring
}

// Violation is a detected breach of one KPI for one application.
type Violation struct {
	ViolationID       string             `json:"violation_id"`
	AppID             string             `json:"app_id"`
	RuleID            string             `json:"rule_id"`
	Severity          Severity           `json:"severity"`
	KPIValues         map[string]float64 `json:"kpi_values"`
	ThresholdBreached map[string]float64 `json:"threshold_breached"`
	Evidence          map[string]string  `json:"evidence"`
	DetectedAt        time.Time          `json:"detected_at"`
	State             ViolationState     `json:"state"`
	ResolvedAt        *time.Time         `json:"resolved_at,omitempty"`
}

// Validate checks the invariants every stored or emitted violation must hold.
func (v Violation) Validate() error {
	if v.ViolationID == "" {
		return fmt.Errorf("violation: violation_id is required")
	}
	if v.AppID == "" || v.RuleID == "" {
		return fmt.Errorf("violation %s: app_id and rule_id are required", v.ViolationID)
	}
	if _, err := ParseViolationState(string(v.State)); err != nil {
		return fmt.Errorf("violation %s: %w", v.ViolationID, err)
	}
	if v.Severity.Rank() < 0 {
		return fmt.Errorf("violation %s: invalid severity %q", v.ViolationID, v.Severity)
	}
	return nil
}

// NewViolation builds a violation with a fresh random identity and validates it.
func NewViolation(appID, ruleID string, sev Severity, kpiValues, breached map[string]float64,
	evidence map[string]string, detectedAt time.Time, state ViolationState) (Violation, error) {
	v := Violation{
		ViolationID:       uuid.NewString(),
		AppID:             appID,
		RuleID:            ruleID,
		Severity:          sev,
		KPIValues:         kpiValues,
		ThresholdBreached: breached,
		Evidence:          evidence,
		DetectedAt:        detectedAt.UTC(),
		State:             state,
	}
	if err := v.Validate(); err != nil {
		return Violation{}, err
	}
	return v, nil
}

// Persona is the intended audience of an alert.
type Persona string

const (
	PersonaComplianceOfficer Persona = "compliance_officer"
	PersonaAppOwner          Persona = "app_owner"
)

// Alert bounds.
const (
	MinRecommendations = 3
	MaxRecommendations = 5
	MaxRiskScore       = 100.0
)

// Alert is a dispatch-ready notification derived from violations.
type Alert struct {
	AlertID         string    `json:"alert_id"`
	AppID           string    `json:"app_id"`
	Severity        Severity  `json:"severity"`
	RiskScore       float64   `json:"risk_score"`
	ViolationIDs    []string  `json:"violation_ids"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Recommendations []string  `json:"recommendations"`
	CreatedAt       time.Time `json:"created_at"`
	Persona         Persona   `json:"persona"`
}

// Validate checks alert invariants.
func (a Alert) Validate() error {
	if a.AlertID == "" || a.AppID == "" {
		return fmt.Errorf("alert: alert_id and app_id are required")
	}
	if a.RiskScore < 0 || a.RiskScore > MaxRiskScore || math.IsNaN(a.RiskScore) {
		return fmt.Errorf("alert %s: risk_score %v outside [0,100]", a.AlertID, a.RiskScore)
	}
	if len(a.ViolationIDs) == 0 {
		return fmt.Errorf("alert %s: at least one violation id is required", a.AlertID)
	}
	if n := len(a.Recommendations); n < MinRecommendations || n > MaxRecommendations {
		return fmt.Errorf("alert %s: %d recommendations, want %d..%d", a.AlertID, n, MinRecommendations, MaxRecommendations)
	}
	switch a.Persona {
	case PersonaComplianceOfficer, PersonaAppOwner:
	default:
		return fmt.Errorf("alert %s: invalid persona %q", a.AlertID, a.Persona)
	}
	if a.Severity.Rank() < 0 {
		return fmt.Errorf("alert %s: invalid severity %q", a.AlertID, a.Severity)
	}
	return nil
}

// DeliveryResult reports one channel send attempt sequence.
type DeliveryResult struct {
	Success     bool       `json:"success"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Retries     int        `json:"retries"`
	Error       string     `json:"error,omitempty"`
}

// AuditEvent is one entry for the audit side channel.
type AuditEvent struct {
	EventType string            `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details"`
}

// Audit event types.
const (
	EventKPIComputed        = "kpi_computed"
	EventViolationDetected  = "violation_detected"
	EventViolationRecurred  = "violation_recurring"
	EventViolationResolved  = "violation_resolved"
	EventAlertCreated       = "alert_created"
	EventAlertDispatch      = "alert_dispatch"
	EventDigestDispatch     = "digest_dispatch"
	EventKeyRotated         = "encryption_key_rotated"
	EventRunCompleted       = "run_completed"
	EventThresholdsReloaded = "thresholds_reloaded"
)
