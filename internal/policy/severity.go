package policy

import (
	"math"
	"strings"

	"github.com/ppiankov/accesswatch/internal/model"
)

// Classify maps a KPI value to a severity. Tiers are checked from critical
// down with >=; an absent tier never matches. Anything below medium is LOW.
func Classify(value float64, table model.TierTable) model.Severity {
	switch {
	case value >= table.Bound(model.TierCritical):
		return model.SeverityCritical
	case value >= table.Bound(model.TierHigh):
		return model.SeverityHigh
	case value >= table.Bound(model.TierMedium):
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// BreachedTier returns the tier matching sev, for evidence and messages.
func BreachedTier(sev model.Severity) model.Tier {
	return model.Tier(strings.ToLower(string(sev)))
}

// RuleID names the threshold rule for a KPI.
func RuleID(kpiName string) string {
	return "threshold_" + kpiName
}

// KPIFromRuleID is the inverse of RuleID.
func KPIFromRuleID(ruleID string) string {
	return strings.TrimPrefix(ruleID, "threshold_")
}

// tableMap copies a tier table into the plain map stored on violations.
// Infinite bounds are never stored.
func tableMap(table model.TierTable) map[string]float64 {
	out := make(map[string]float64, len(table))
	for t, v := range table {
		if !math.IsInf(v, 0) {
			out[string(t)] = v
		}
	}
	return out
}
