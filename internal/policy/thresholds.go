package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
)

// DefaultThresholdsYAML is written by `accesswatch init` and used when no
// thresholds file exists.
const DefaultThresholdsYAML = `# KPI thresholds. A value at or above a tier boundary reaches that tier.
# Missing tiers never match. Values below "medium" are LOW and raise nothing.
alert_thresholds:
  orphan_accounts:        {low: 1,  medium: 3,  high: 5,  critical: 10}
  privileged_accounts:    {low: 5,  medium: 10, high: 15, critical: 20}
  failed_access_attempts: {low: 10, medium: 25, high: 50, critical: 100}
  access_provisioning_time: {low: 7, medium: 14, high: 30, critical: 60}
  access_reviews:         {low: 1,  medium: 5,  high: 10, critical: 20}
  policy_violations:      {low: 1,  medium: 3,  high: 5,  critical: 10}
  excessive_permissions:  {low: 5,  medium: 10, high: 20, critical: 50}
  dormant_accounts:       {low: 10, medium: 30, high: 60, critical: 100}
`

// thresholdsFile accepts both the wrapped form (alert_thresholds: {...})
// and a bare kpi_name -> tiers mapping.
type thresholdsFile struct {
	AlertThresholds map[string]map[string]float64 `yaml:"alert_thresholds"`
}

// DefaultThresholds returns the built-in threshold table.
func DefaultThresholds() model.Thresholds {
	th, err := ParseThresholds([]byte(DefaultThresholdsYAML))
	if err != nil {
		panic(fmt.Sprintf("policy: default thresholds invalid: %v", err))
	}
	return th
}

// LoadThresholds reads a thresholds file and returns it with the SHA-256
// hash of its raw bytes. Empty path or missing file returns defaults hashed
// over empty input. Invalid YAML or tier values are a ConfigurationError.
func LoadThresholds(path string) (model.Thresholds, string, error) {
	if path == "" {
		return DefaultThresholds(), hashBytes(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultThresholds(), hashBytes(nil), nil
		}
		return nil, "", errs.Configuration("failed to read thresholds", map[string]string{"path": path}, err)
	}
	th, err := ParseThresholds(data)
	if err != nil {
		return nil, "", errs.Configuration("failed to parse thresholds", map[string]string{"path": path}, err)
	}
	return th, hashBytes(data), nil
}

// ParseThresholds decodes and validates a thresholds document.
func ParseThresholds(data []byte) (model.Thresholds, error) {
	var wrapped thresholdsFile
	if err := yaml.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	raw := wrapped.AlertThresholds
	if raw == nil {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	th := make(model.Thresholds, len(raw))
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		table := make(model.TierTable, len(raw[name]))
		for tier, v := range raw[name] {
			t := model.Tier(tier)
			if !knownTier(t) {
				return nil, fmt.Errorf("%s: unknown tier %q", name, tier)
			}
			if math.IsNaN(v) || v < 0 {
				return nil, fmt.Errorf("%s.%s: boundary must be non-negative, got %v", name, tier, v)
			}
			table[t] = v
		}
		if err := checkOrder(name, table); err != nil {
			return nil, err
		}
		th[name] = table
	}
	return th, nil
}

func knownTier(t model.Tier) bool {
	for _, k := range model.Tiers {
		if k == t {
			return true
		}
	}
	return false
}

// checkOrder rejects tables where a higher tier has a lower boundary than a
// configured lower tier.
func checkOrder(name string, table model.TierTable) error {
	prevTier, prev := model.Tier(""), math.Inf(-1)
	for _, t := range model.Tiers {
		v, ok := table[t]
		if !ok {
			continue
		}
		if v < prev {
			return fmt.Errorf("%s: %s (%v) is below %s (%v)", name, t, v, prevTier, prev)
		}
		prevTier, prev = t, v
	}
	return nil
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
