package lifecycle

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ppiankov/impactgate/internal/model"
)

// Event types written to action streams.
const (
	EventProposed         = "ActionProposed"
	EventPreviewGenerated = "ActionPreviewGenerated"
	EventApproved         = "ActionApproved"
	EventRejected         = "ActionRejected"
	EventTimedOut         = "ActionTimedOut"
	EventExecuted         = "ActionExecuted"
	EventFailed           = "ActionFailed"
)

// EventTypes lists every lifecycle event type.
var EventTypes = []string{
	EventProposed, EventPreviewGenerated, EventApproved, EventRejected,
	EventTimedOut, EventExecuted, EventFailed,
}

// AutoApprovePrincipal is recorded on automated approvals.
const AutoApprovePrincipal = "system:auto-approve"

// TimeoutPrincipal is recorded on sweeper timeouts.
const TimeoutPrincipal = "system:timeout-sweeper"

const streamPrefix = "action:"

// StreamID returns the event stream that holds an action.
func StreamID(actionID string) string { return streamPrefix + actionID }

// ActionID extracts the action id from a stream id.
func ActionID(streamID string) (string, bool) {
	if !strings.HasPrefix(streamID, streamPrefix) {
		return "", false
	}
	return strings.TrimPrefix(streamID, streamPrefix), true
}

// Proposed is the data of EventProposed.
type Proposed struct {
	ActionID  string              `json:"action_id"`
	AgentID   string              `json:"agent_id"`
	Request   model.ActionRequest `json:"request"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// PreviewGenerated is the data of EventPreviewGenerated.
type PreviewGenerated struct {
	Preview model.Preview  `json:"preview"`
	Verdict *model.Verdict `json:"verdict,omitempty"`
}

// Approved is the data of EventApproved.
type Approved struct {
	Principal string `json:"principal"`
	Comment   string `json:"comment,omitempty"`
	Automated bool   `json:"automated"`
}

// Rejected is the data of EventRejected.
type Rejected struct {
	Principal string `json:"principal"`
	Reason    string `json:"reason"`
}

// TimedOut is the data of EventTimedOut.
type TimedOut struct {
	Deadline time.Time `json:"deadline"`
}

// Executed is the data of EventExecuted.
type Executed struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// Failed is the data of EventFailed.
type Failed struct {
	Error string `json:"error"`
}
