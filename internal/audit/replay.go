package audit

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/model"
)

// ReplayFilter holds filtering criteria for replay.
type ReplayFilter struct {
	ActionID string
	AgentID  string
	Type     string
	From     time.Time // zero value = no lower bound
	To       time.Time // zero value = no upper bound
}

// ReplaySummary holds transition counts for the replayed events.
type ReplaySummary struct {
	Total          int             `json:"total"`
	Proposed       int             `json:"proposed"`
	Approved       int             `json:"approved"`
	AutoApproved   int             `json:"auto_approved"`
	Rejected       int             `json:"rejected"`
	TimedOut       int             `json:"timed_out"`
	Executed       int             `json:"executed"`
	Failed         int             `json:"failed"`
	Other          int             `json:"other"`
	MaxRisk        model.RiskLevel `json:"max_risk,omitempty"`
	FirstTimestamp time.Time       `json:"first_timestamp"`
	LastTimestamp  time.Time       `json:"last_timestamp"`
}

// ReplayEntry is one event with the action context needed to read it.
type ReplayEntry struct {
	Event      eventstore.Event `json:"event"`
	ActionID   string           `json:"action_id,omitempty"`
	AgentID    string           `json:"agent_id,omitempty"`
	ActionType model.ActionType `json:"action_type,omitempty"`
	Target     string           `json:"target,omitempty"`
	Actor      string           `json:"actor,omitempty"`
	Detail     string           `json:"detail,omitempty"`
}

// ReplayResult holds filtered entries and summary.
type ReplayResult struct {
	Filter  ReplayFilter  `json:"-"`
	Entries []ReplayEntry `json:"entries"`
	Summary ReplaySummary `json:"summary"`
}

// FromStore iterates the store in commit order.
func FromStore(ctx context.Context, store eventstore.Store) iter.Seq2[eventstore.Event, error] {
	return store.Feed(ctx, 0)
}

// Replay folds events from src, keeping those that match the filter.
// Action context (agent, target) comes from each stream's proposal, so
// filters by agent also catch the decisions made about that agent's
// actions.
func Replay(src iter.Seq2[eventstore.Event, error], filter ReplayFilter) (*ReplayResult, error) {
	result := &ReplayResult{Filter: filter, Entries: []ReplayEntry{}}
	actions := map[string]*model.Action{}

	for e, err := range src {
		if err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		entry := ReplayEntry{Event: e, Actor: e.Metadata["actor"]}
		if id, ok := lifecycle.ActionID(e.StreamID); ok {
			a := actions[id]
			if a == nil {
				a = &model.Action{}
				actions[id] = a
			}
			// Folding errors are left to verify; replay shows what is there.
			_ = lifecycle.Apply(a, e)
			entry.ActionID = id
			entry.AgentID = a.AgentID
			entry.ActionType = a.Request.ActionType
			entry.Target = a.Request.Target
			entry.Detail = detail(a, e)
		}
		if !filter.match(entry) {
			continue
		}
		result.Entries = append(result.Entries, entry)
		updateSummary(&result.Summary, entry, actions[entry.ActionID])
	}
	return result, nil
}

func (f ReplayFilter) match(e ReplayEntry) bool {
	if f.ActionID != "" && e.ActionID != f.ActionID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && e.Event.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && e.Event.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Event.Timestamp.After(f.To) {
		return false
	}
	return true
}

func detail(a *model.Action, e eventstore.Event) string {
	switch e.Type {
	case lifecycle.EventPreviewGenerated:
		if a.Preview == nil {
			return ""
		}
		s := fmt.Sprintf("risk=%s", a.Preview.RiskLevel)
		if a.Verdict != nil {
			s += " policy=" + string(a.Verdict.Decision)
		}
		return s
	case lifecycle.EventRejected:
		return a.Reason
	case lifecycle.EventApproved:
		if a.AutoApplied {
			return "auto"
		}
		return a.Reason
	case lifecycle.EventFailed:
		return a.Failure
	}
	return ""
}

func updateSummary(s *ReplaySummary, entry ReplayEntry, a *model.Action) {
	s.Total++

	switch entry.Event.Type {
	case lifecycle.EventProposed:
		s.Proposed++
	case lifecycle.EventApproved:
		s.Approved++
		if entry.Detail == "auto" {
			s.AutoApproved++
		}
	case lifecycle.EventRejected:
		s.Rejected++
	case lifecycle.EventTimedOut:
		s.TimedOut++
	case lifecycle.EventExecuted:
		s.Executed++
	case lifecycle.EventFailed:
		s.Failed++
	case lifecycle.EventPreviewGenerated:
		if a != nil && a.Preview != nil {
			s.MaxRisk = maxRisk(s.MaxRisk, a.Preview.RiskLevel)
		}
	default:
		s.Other++
	}

	if s.FirstTimestamp.IsZero() {
		s.FirstTimestamp = entry.Event.Timestamp
	}
	s.LastTimestamp = entry.Event.Timestamp
}

func maxRisk(cur, next model.RiskLevel) model.RiskLevel {
	if cur == "" {
		return next
	}
	return model.MaxRisk(cur, next)
}
