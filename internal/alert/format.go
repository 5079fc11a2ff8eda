package alert

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/ppiankov/accesswatch/internal/model"
)

// Default Slack channels by severity.
const (
	SlackCriticalChannel   = "#security-critical"
	SlackComplianceChannel = "#compliance-alerts"
)

// SlackChannelFor routes CRITICAL and HIGH alerts to the security channel and
// everything else to the compliance channel. overrides is keyed by severity
// in any letter case.
func SlackChannelFor(sev model.Severity, overrides map[string]string) string {
	for k, v := range overrides {
		if strings.EqualFold(k, string(sev)) && v != "" {
			return v
		}
	}
	if sev.AtLeast(model.SeverityHigh) {
		return SlackCriticalChannel
	}
	return SlackComplianceChannel
}

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, a model.Alert) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(a, "")
	case "pagerduty":
		return formatPagerDuty(a)
	default:
		return formatGeneric(a)
	}
}

func formatGeneric(a model.Alert) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":  "compliance_alert",
		"alert": a,
	})
}

var severityEmoji = map[model.Severity]string{
	model.SeverityCritical: ":rotating_light:",
	model.SeverityHigh:     ":warning:",
	model.SeverityMedium:   ":bar_chart:",
	model.SeverityLow:      ":information_source:",
}

func slackText(a model.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n", severityEmoji[a.Severity], a.Title)
	fmt.Fprintf(&b, "App: %s\nSeverity: %s\nRisk Score: %.0f/100\n\n%s\n\n*Recommendations:*\n",
		a.AppID, a.Severity, a.RiskScore, a.Description)
	for _, r := range a.Recommendations {
		fmt.Fprintf(&b, "• %s\n", r)
	}
	return b.String()
}

func formatSlack(a model.Alert, channel string) ([]byte, error) {
	recs := make([]string, len(a.Recommendations))
	for i, r := range a.Recommendations {
		recs[i] = "• " + r
	}
	payload := map[string]any{
		"text": slackText(a),
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("accesswatch: %s", a.Title),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*App:* %s", a.AppID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", a.Severity)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Risk Score:* %.0f/100", a.RiskScore)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Alert:* %s", a.AlertID)},
				},
			},
			map[string]any{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": a.Description},
			},
			map[string]any{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": "*Recommendations:*\n" + strings.Join(recs, "\n")},
			},
		},
	}
	if channel != "" {
		payload["channel"] = channel
	}
	return json.Marshal(payload)
}

func formatSlackDigest(alerts []model.Alert, channel string) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "*accesswatch digest* (%d alerts)\n", len(alerts))
	for _, a := range alerts {
		fmt.Fprintf(&b, "• %s (%s) - %s\n", a.Title, a.AppID, a.Severity)
	}
	payload := map[string]any{"text": b.String()}
	if channel != "" {
		payload["channel"] = channel
	}
	return json.Marshal(payload)
}

func formatPagerDuty(a model.Alert) ([]byte, error) {
	severity := "info"
	switch a.Severity {
	case model.SeverityCritical:
		severity = "critical"
	case model.SeverityHigh:
		severity = "error"
	case model.SeverityMedium:
		severity = "warning"
	}

	payload := map[string]any{
		"event_action": "trigger",
		"dedup_key":    strings.Join(a.ViolationIDs, ","),
		"payload": map[string]any{
			"summary":  a.Title,
			"severity": severity,
			"source":   "accesswatch",
			"custom_details": map[string]any{
				"app_id":          a.AppID,
				"alert_id":        a.AlertID,
				"risk_score":      a.RiskScore,
				"description":     a.Description,
				"recommendations": a.Recommendations,
				"violation_ids":   a.ViolationIDs,
			},
		},
	}
	return json.Marshal(payload)
}

func emailSubject(a model.Alert) string {
	return fmt.Sprintf("[%s] %s", a.Severity, a.Title)
}

func emailBody(a model.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(a.Title))
	fmt.Fprintf(&b, "<p><strong>Application:</strong> %s</p>", html.EscapeString(a.AppID))
	fmt.Fprintf(&b, "<p><strong>Severity:</strong> %s</p>", a.Severity)
	fmt.Fprintf(&b, "<p><strong>Risk Score:</strong> %.0f/100</p>", a.RiskScore)
	fmt.Fprintf(&b, "<h3>Description</h3><p>%s</p>", html.EscapeString(a.Description))
	b.WriteString("<h3>Recommendations</h3><ol>")
	for _, r := range a.Recommendations {
		fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(r))
	}
	b.WriteString("</ol>")
	return b.String()
}

func digestSubject(alerts []model.Alert) string {
	return fmt.Sprintf("Access Compliance Digest (%d alerts)", len(alerts))
}

func digestBody(alerts []model.Alert) string {
	var b strings.Builder
	b.WriteString("<h2>Access Compliance Digest</h2><ol>")
	for _, a := range alerts {
		fmt.Fprintf(&b, "<li>%s (%s) - %s</li>", html.EscapeString(a.Title), html.EscapeString(a.AppID), a.Severity)
	}
	b.WriteString("</ol>")
	return b.String()
}
