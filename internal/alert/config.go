package alert

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"      json:"url"`
	Format  string            `yaml:"format"   json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"   json:"events"` // ["pending", "rejected", "timed_out", "failed"]
	MinRisk string            `yaml:"min_risk" json:"min_risk,omitempty"`
	Headers map[string]string `yaml:"headers"  json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp  string `json:"timestamp"`
	ActionID   string `json:"action_id"`
	AgentID    string `json:"agent_id"`
	ActionType string `json:"action_type"`
	Target     string `json:"target"`
	Status     string `json:"status"`
	RiskLevel  string `json:"risk_level"`
	Summary    string `json:"summary,omitempty"`
	Decision   string `json:"decision,omitempty"`
	Principal  string `json:"principal,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Sequence   uint64 `json:"sequence"`
}
