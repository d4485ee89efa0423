package lifecycle

import (
	"fmt"

	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/model"
)

// transitions maps each event type to the states it may follow and the
// state it produces.
var transitions = map[string]struct {
	from []model.State
	to   model.State
}{
	EventProposed:         {[]model.State{model.StateNone}, model.StateProposed},
	EventPreviewGenerated: {[]model.State{model.StateProposed}, model.StatePreviewed},
	EventApproved:         {[]model.State{model.StatePreviewed}, model.StateApproved},
	EventRejected:         {[]model.State{model.StatePreviewed}, model.StateRejected},
	EventTimedOut:         {[]model.State{model.StatePreviewed}, model.StateTimedOut},
	EventExecuted:         {[]model.State{model.StateApproved}, model.StateExecuted},
	EventFailed:           {[]model.State{model.StateApproved}, model.StateFailed},
}

// Fold derives an action from its events. It is the only way action state
// is computed; a sequence the state machine does not allow is reported as
// model.ErrInvalidChain.
func Fold(events []eventstore.Event) (*model.Action, error) {
	a := &model.Action{}
	for _, e := range events {
		if err := Apply(a, e); err != nil {
			return nil, err
		}
	}
	if a.State == model.StateNone {
		return nil, model.NotFound("action", "")
	}
	return a, nil
}

// Apply advances a by one event. Read models use it to stay in step with
// Fold.
func Apply(a *model.Action, e eventstore.Event) error {
	t, ok := transitions[e.Type]
	if !ok {
		return model.InvalidChain(e.StreamID, e.Sequence, fmt.Sprintf("unknown event type %q", e.Type))
	}
	legal := false
	for _, s := range t.from {
		if a.State == s {
			legal = true
			break
		}
	}
	if !legal {
		cur := a.State
		if cur == model.StateNone {
			cur = "none"
		}
		return model.InvalidChain(e.StreamID, e.Sequence,
			fmt.Sprintf("%s is not legal from state %s", e.Type, cur))
	}

	bad := func(err error) error {
		return model.InvalidChain(e.StreamID, e.Sequence, fmt.Sprintf("decode %s: %v", e.Type, err))
	}

	switch e.Type {
	case EventProposed:
		var d Proposed
		if err := e.Decode(&d); err != nil {
			return bad(err)
		}
		a.ID = d.ActionID
		a.AgentID = d.AgentID
		a.Request = d.Request
		a.CreatedAt = d.CreatedAt
		if a.CreatedAt.IsZero() {
			a.CreatedAt = e.Timestamp
		}
		a.ExpiresAt = d.ExpiresAt
	case EventPreviewGenerated:
		var d PreviewGenerated
		if err := e.Decode(&d); err != nil {
			return bad(err)
		}
		a.Preview = &d.Preview
		a.Verdict = d.Verdict
	case EventApproved:
		var d Approved
		if err := e.Decode(&d); err != nil {
			return bad(err)
		}
		a.DecidedBy = d.Principal
		a.AutoApplied = d.Automated
		a.Reason = d.Comment
		ts := e.Timestamp
		a.DecidedAt = &ts
	case EventRejected:
		var d Rejected
		if err := e.Decode(&d); err != nil {
			return bad(err)
		}
		a.DecidedBy = d.Principal
		a.Reason = d.Reason
		ts := e.Timestamp
		a.DecidedAt = &ts
	case EventTimedOut:
		ts := e.Timestamp
		a.DecidedAt = &ts
		a.DecidedBy = TimeoutPrincipal
	case EventExecuted:
		var d Executed
		if err := e.Decode(&d); err != nil {
			return bad(err)
		}
		a.Result = d.Result
	case EventFailed:
		var d Failed
		if err := e.Decode(&d); err != nil {
			return bad(err)
		}
		a.Failure = d.Error
	}

	a.State = t.to
	a.Status = a.State.ApprovalStatus()
	a.Version = e.Sequence
	return nil
}
