package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTimeoutSeconds is how long a previewed action waits for a decision.
const DefaultTimeoutSeconds = 300

// MaxTimeoutSeconds bounds the approval window at 30 days.
const MaxTimeoutSeconds = 30 * 24 * 60 * 60

// ActionType enumerates the operations an agent can propose.
type ActionType string

const (
	FileWrite    ActionType = "file_write"
	FileCreate   ActionType = "file_create"
	FileDelete   ActionType = "file_delete"
	FileMove     ActionType = "file_move"
	DBQuery      ActionType = "db_query"
	DBExecute    ActionType = "db_execute"
	APICall      ActionType = "api_call"
	ShellCommand ActionType = "shell_command"
	Custom       ActionType = "custom"
)

// ActionTypes lists every valid action type in declaration order.
var ActionTypes = []ActionType{
	FileWrite, FileCreate, FileDelete, FileMove,
	DBQuery, DBExecute, APICall, ShellCommand, Custom,
}

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsFile reports whether the action operates on the filesystem.
func (t ActionType) IsFile() bool {
	switch t {
	case FileWrite, FileCreate, FileDelete, FileMove:
		return true
	}
	return false
}

// RiskLevel is a totally ordered risk classification.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskRank maps risk to a comparable integer. Unknown levels rank -1.
var RiskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the ordinal of the level, or -1 when unknown.
func (r RiskLevel) Rank() int {
	if n, ok := RiskRank[r]; ok {
		return n
	}
	return -1
}

// Valid reports whether r is a known level.
func (r RiskLevel) Valid() bool { return r.Rank() >= 0 }

// AtLeast reports whether r is at or above other.
func (r RiskLevel) AtLeast(other RiskLevel) bool { return r.Rank() >= other.Rank() }

// MaxRisk returns the higher of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseRiskLevel validates a risk level string.
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return r, nil
}

// State is the lifecycle position of an action, derived from its events.
type State string

const (
	StateNone      State = ""
	StateProposed  State = "proposed"
	StatePreviewed State = "previewed"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateTimedOut  State = "timed_out"
	StateExecuted  State = "executed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is legal.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateTimedOut, StateExecuted, StateFailed:
		return true
	}
	return false
}

// ApprovalStatus is the externally visible status of an action.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusTimedOut ApprovalStatus = "timed_out"
	StatusExecuted ApprovalStatus = "executed"
	StatusFailed   ApprovalStatus = "failed"
)

// ApprovalStatus projects the lifecycle state onto the public status.
func (s State) ApprovalStatus() ApprovalStatus {
	switch s {
	case StateApproved:
		return StatusApproved
	case StateRejected:
		return StatusRejected
	case StateTimedOut:
		return StatusTimedOut
	case StateExecuted:
		return StatusExecuted
	case StateFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Decision is the policy verdict.
type Decision string

const (
	Allow           Decision = "allow"
	RequireApproval Decision = "require_approval"
	Deny            Decision = "deny"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case Allow, RequireApproval, Deny:
		return true
	}
	return false
}

// ActionRequest is what an agent submits.
type ActionRequest struct {
	ActionType           ActionType     `json:"action_type" yaml:"action_type"`
	Target               string         `json:"target" yaml:"target"`
	Description          string         `json:"description" yaml:"description"`
	Payload              map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Context              string         `json:"context,omitempty" yaml:"context,omitempty"`
	AutoApproveIfLowRisk bool           `json:"auto_approve_if_low_risk" yaml:"auto_approve_if_low_risk"`
	TimeoutSeconds       int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Validate checks a request before any event is written.
func (r *ActionRequest) Validate() error {
	if r.ActionType == "" {
		return Validation("action_type is required")
	}
	if !r.ActionType.Valid() {
		return Validation(fmt.Sprintf("invalid action_type %q", r.ActionType)).
			With("action_type", string(r.ActionType))
	}
	if r.Target == "" {
		return Validation("target is required")
	}
	if r.TimeoutSeconds < 0 {
		return Validation("timeout_seconds must not be negative")
	}
	if r.TimeoutSeconds > MaxTimeoutSeconds {
		return Validation(fmt.Sprintf("timeout_seconds must be at most %d", MaxTimeoutSeconds)).
			With("timeout_seconds", fmt.Sprint(r.TimeoutSeconds))
	}
	return nil
}

// Timeout returns the approval window, applying the default.
func (r *ActionRequest) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// PayloadString returns a string payload field, or "" when absent.
func (r *ActionRequest) PayloadString(key string) string {
	if r.Payload == nil {
		return ""
	}
	if s, ok := r.Payload[key].(string); ok {
		return s
	}
	return ""
}

// FileChange is one file-level effect of an action.
type FileChange struct {
	Path            string `json:"path"`
	Operation       string `json:"operation"`
	Diff            string `json:"diff,omitempty"`
	LinesAdded      int    `json:"lines_added"`
	LinesRemoved    int    `json:"lines_removed"`
	DestinationPath string `json:"destination_path,omitempty"`
}

// Preview is the analyzer's assessment of an action.
type Preview struct {
	RiskLevel     RiskLevel    `json:"risk_level"`
	RiskFactors   []string     `json:"risk_factors"`
	FileChanges   []FileChange `json:"file_changes"`
	Warnings      []string     `json:"warnings"`
	Summary       string       `json:"summary"`
	AffectedCount int          `json:"affected_count"`
	IsReversible  bool         `json:"is_reversible"`

	ScannerMaxSeverity RiskLevel `json:"scanner_max_severity"`
	ScannerReasonIDs   []string  `json:"scanner_reason_ids"`
}

// Verdict is the result of evaluating a policy against a preview.
type Verdict struct {
	Decision            Decision `json:"decision"`
	MatchedRuleID       string   `json:"matched_rule_id,omitempty"`
	MatchedRulePriority *int     `json:"matched_rule_priority,omitempty"`
	PolicyVersion       string   `json:"policy_version,omitempty"`
	Trace               []string `json:"trace,omitempty"`
}

// Action is the folded view of an action stream.
type Action struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Request     ActionRequest   `json:"request"`
	State       State           `json:"state"`
	Status      ApprovalStatus  `json:"approval_status"`
	Preview     *Preview        `json:"preview,omitempty"`
	Verdict     *Verdict        `json:"verdict,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
	DecidedBy   string          `json:"decided_by,omitempty"`
	AutoApplied bool            `json:"auto_approved,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Failure     string          `json:"failure,omitempty"`
	Version     uint64          `json:"version"`
}

// Expired reports whether a previewed action has passed its deadline.
func (a *Action) Expired(now time.Time) bool {
	return a.State == StatePreviewed && !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}
