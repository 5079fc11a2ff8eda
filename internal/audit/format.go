package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a TailResult as a human-readable text timeline.
func FormatTimeline(result *TailResult) string {
	if len(result.Entries) == 0 {
		return "No audit entries found.\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Audit: %s to %s UTC\n",
		formatDate(result.Summary.FirstTimestamp), formatTimeOnly(result.Summary.LastTimestamp))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		app := e.Details["app_id"]
		if app == "" {
			app = "-"
		}
		tag := ""
		if e.Details["success"] == "false" {
			tag = "  [failed]"
		}
		fmt.Fprintf(&b, "%-10s %-24s %-12s %s%s\n",
			formatTimeOnly(e.Timestamp), e.EventType, truncate(app, 12), truncate(describe(e), 60), tag)
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))
	return b.String()
}

// FormatJSON renders a TailResult as indented JSON.
func FormatJSON(result *TailResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal audit result: %w", err)
	}
	return string(data), nil
}

// describe picks the most useful details of an entry for one line.
func describe(e Entry) string {
	var parts []string
	for _, k := range []string{"kpi_name", "value", "rule_id", "severity", "channel", "retries", "error"} {
		if v, ok := e.Details[k]; ok {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, " ")
}

func formatDate(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s Summary) string {
	events := make([]string, 0, len(s.ByEvent))
	for k := range s.ByEvent {
		events = append(events, k)
	}
	sort.Strings(events)
	parts := make([]string, 0, len(events))
	for _, k := range events {
		parts = append(parts, fmt.Sprintf("%d %s", s.ByEvent[k], k))
	}
	return fmt.Sprintf("Summary: %s | Failed dispatches: %d\n", strings.Join(parts, ", "), s.FailedDispatch)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
