package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Action:* %s", event.ActionType)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Target:* %s", event.Target)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:* %s", event.RiskLevel)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Agent:* %s", event.AgentID)},
	}
	if event.Principal != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*By:* %s", event.Principal)})
	}
	if event.Reason != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)})
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("impactgate: action %s", event.Status),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
			map[string]any{
				"type": "context",
				"elements": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("%s · %s", event.ActionID, event.Summary)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"dedup_key":    fmt.Sprintf("%s:%d", event.ActionID, event.Sequence),
		"payload": map[string]any{
			"summary":  fmt.Sprintf("impactgate %s: %s %s", event.Status, event.ActionType, event.Target),
			"severity": severityFor(event.RiskLevel),
			"source":   "impactgate",
			"custom_details": map[string]any{
				"action_id": event.ActionID,
				"agent_id":  event.AgentID,
				"risk":      event.RiskLevel,
				"decision":  event.Decision,
				"principal": event.Principal,
				"reason":    event.Reason,
			},
		},
	}
	return json.Marshal(payload)
}

func severityFor(risk string) string {
	switch risk {
	case "critical":
		return "critical"
	case "high":
		return "error"
	case "medium":
		return "warning"
	default:
		return "info"
	}
}
