// Package lifecycle drives actions through proposal, preview, decision and
// execution. Every transition is an event appended to the action's stream;
// state is never stored, only folded.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/impactgate/internal/analyzer"
	"github.com/ppiankov/impactgate/internal/eventbus"
	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/model"
	"github.com/ppiankov/impactgate/internal/policy"
)

const defaultPollInterval = 250 * time.Millisecond

// Engine owns the action state machine.
type Engine struct {
	store    eventstore.Store
	bus      *eventbus.Bus
	analyzer *analyzer.Analyzer
	policy   atomic.Pointer[policy.Policy]
	now      func() time.Time
	logger   *slog.Logger
	poll     time.Duration

	defaultTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus publishes every appended event on b and lets WaitForDecision
// wake on decisions instead of polling alone.
func WithBus(b *eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithAnalyzer replaces the default analyzer.
func WithAnalyzer(a *analyzer.Analyzer) Option { return func(e *Engine) { e.analyzer = a } }

// WithPolicy sets the policy evaluated for every preview.
func WithPolicy(p *policy.Policy) Option { return func(e *Engine) { e.policy.Store(p) } }

// WithClock overrides the time source used for deadlines.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithPollInterval sets how often WaitForDecision re-reads the stream.
func WithPollInterval(d time.Duration) Option { return func(e *Engine) { e.poll = d } }

// WithDefaultTimeout sets the approval window for requests that do not
// name one.
func WithDefaultTimeout(d time.Duration) Option { return func(e *Engine) { e.defaultTimeout = d } }

// New builds an engine over store.
func New(store eventstore.Store, opts ...Option) *Engine {
	e := &Engine{
		now:    time.Now,
		logger: slog.Default(),
		poll:   defaultPollInterval,
	}
	for _, o := range opts {
		o(e)
	}
	if e.analyzer == nil {
		e.analyzer = analyzer.New()
	}
	if e.bus != nil {
		store = e.bus.Attach(store)
	}
	e.store = store
	return e
}

// Store returns the store the engine appends to.
func (e *Engine) Store() eventstore.Store { return e.store }

// Bus returns the attached bus, or nil.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// SetPolicy swaps the active policy. A nil policy disables verdicts.
func (e *Engine) SetPolicy(p *policy.Policy) { e.policy.Store(p) }

// Policy returns the active policy, or nil.
func (e *Engine) Policy() *policy.Policy { return e.policy.Load() }

// Submit validates req, analyzes it and records the proposal together with
// its preview in one append, so a stream never holds a proposal without a
// preview. A low-risk action that asked for it and is not denied by policy
// is approved in the same append.
func (e *Engine) Submit(ctx context.Context, agentID string, req model.ActionRequest) (*model.Action, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate action id: %w", err)
	}
	actionID := id.String()
	now := e.now().UTC()

	preview, verdict := e.assess(ctx, &req)

	drafts := []eventstore.Draft{
		{
			Type: EventProposed,
			Data: Proposed{
				ActionID:  actionID,
				AgentID:   agentID,
				Request:   req,
				CreatedAt: now,
				ExpiresAt: now.Add(e.window(&req)),
			},
			Metadata: actor(agentID),
		},
		{
			Type:     EventPreviewGenerated,
			Data:     PreviewGenerated{Preview: preview, Verdict: verdict},
			Metadata: actor("system:analyzer"),
		},
	}
	auto := req.AutoApproveIfLowRisk &&
		preview.RiskLevel == model.RiskLow &&
		(verdict == nil || verdict.Decision != model.Deny)
	if auto {
		drafts = append(drafts, eventstore.Draft{
			Type:     EventApproved,
			Data:     Approved{Principal: AutoApprovePrincipal, Automated: true},
			Metadata: actor(AutoApprovePrincipal),
		})
	}

	events, err := e.store.Append(ctx, StreamID(actionID), 0, drafts...)
	if err != nil {
		return nil, err
	}
	a, err := Fold(events)
	if err != nil {
		return nil, err
	}

	e.logger.Info("action submitted",
		"action_id", actionID,
		"agent_id", agentID,
		"action_type", req.ActionType,
		"risk", preview.RiskLevel,
		"status", a.Status,
	)
	return a, nil
}

// Assess analyzes req and evaluates the active policy without recording
// anything.
func (e *Engine) Assess(ctx context.Context, req model.ActionRequest) (model.Preview, *model.Verdict, error) {
	if err := req.Validate(); err != nil {
		return model.Preview{}, nil, err
	}
	preview, verdict := e.assess(ctx, &req)
	return preview, verdict, nil
}

func (e *Engine) assess(ctx context.Context, req *model.ActionRequest) (model.Preview, *model.Verdict) {
	preview := e.analyzer.Analyze(ctx, req)
	p := e.policy.Load()
	if p == nil {
		return preview, nil
	}
	v := policy.Decide(policy.InputFor(req, &preview), p)
	return preview, &v
}

func (e *Engine) window(req *model.ActionRequest) time.Duration {
	if req.TimeoutSeconds <= 0 && e.defaultTimeout > 0 {
		return e.defaultTimeout
	}
	return req.Timeout()
}

// Get folds the action's stream.
func (e *Engine) Get(ctx context.Context, id string) (*model.Action, error) {
	events, err := e.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	return Fold(events)
}

// Events returns the verified event stream of one action.
func (e *Engine) Events(ctx context.Context, id string) ([]eventstore.Event, error) {
	if id == "" {
		return nil, model.Validation("action id is required")
	}
	events, err := eventstore.Collect(e.store.Read(ctx, StreamID(id), 1))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, model.NotFound("action", id)
	}
	return events, nil
}

// Preview returns the stored preview of an action.
func (e *Engine) Preview(ctx context.Context, id string) (*model.Preview, error) {
	a, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Preview == nil {
		return nil, model.NotFound("preview", id)
	}
	return a.Preview, nil
}

// Approve records a human approval. Only a previewed action that has not
// passed its deadline can be approved.
func (e *Engine) Approve(ctx context.Context, id, principal, comment string) (*model.Action, error) {
	if principal == "" {
		return nil, model.Validation("principal is required")
	}
	return e.decide(ctx, id, model.StateApproved, eventstore.Draft{
		Type:     EventApproved,
		Data:     Approved{Principal: principal, Comment: comment},
		Metadata: actor(principal),
	})
}

// Reject records a human rejection. A reason is mandatory.
func (e *Engine) Reject(ctx context.Context, id, principal, reason string) (*model.Action, error) {
	if principal == "" {
		return nil, model.Validation("principal is required")
	}
	if reason == "" {
		return nil, model.Validation("reason is required when rejecting")
	}
	return e.decide(ctx, id, model.StateRejected, eventstore.Draft{
		Type:     EventRejected,
		Data:     Rejected{Principal: principal, Reason: reason},
		Metadata: actor(principal),
	})
}

// Decision is a human verdict on a pending action.
type Decision struct {
	Approve   bool
	Principal string
	// Reason is the rejection reason, or the approval comment.
	Reason string
}

// Decide dispatches to Approve or Reject.
func (e *Engine) Decide(ctx context.Context, id string, d Decision) (*model.Action, error) {
	if d.Approve {
		return e.Approve(ctx, id, d.Principal, d.Reason)
	}
	return e.Reject(ctx, id, d.Principal, d.Reason)
}

// decide appends a decision against the version it was checked at, so of
// two racing deciders exactly one wins and the other gets a conflict.
func (e *Engine) decide(ctx context.Context, id string, to model.State, d eventstore.Draft) (*model.Action, error) {
	a, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.State != model.StatePreviewed {
		return nil, model.InvalidTransition(id, a.State, to)
	}
	if a.Expired(e.now()) {
		return nil, model.InvalidTransition(id, a.State, to).
			With("deadline", a.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return e.append(ctx, a, d)
}

// Timeout moves an expired previewed action to timed_out. Calling it on an
// action that already timed out is a no-op; calling it before the deadline
// is an invalid transition.
func (e *Engine) Timeout(ctx context.Context, id string) (*model.Action, error) {
	a, _, err := e.timeout(ctx, id)
	return a, err
}

// timeout reports whether this call wrote the TimedOut event.
func (e *Engine) timeout(ctx context.Context, id string) (*model.Action, bool, error) {
	var (
		out     *model.Action
		changed bool
	)
	err := Retry(ctx, DefaultRetryAttempts, func() error {
		a, err := e.Get(ctx, id)
		if err != nil {
			return err
		}
		if a.State == model.StateTimedOut {
			out = a
			return nil
		}
		if a.State != model.StatePreviewed {
			return model.InvalidTransition(id, a.State, model.StateTimedOut)
		}
		now := e.now()
		if !a.Expired(now) {
			return model.InvalidTransition(id, a.State, model.StateTimedOut).
				With("deadline", a.ExpiresAt.UTC().Format(time.RFC3339))
		}
		a, err = e.append(ctx, a, eventstore.Draft{
			Type:     EventTimedOut,
			Data:     TimedOut{Deadline: a.ExpiresAt},
			Metadata: actor(TimeoutPrincipal),
		})
		if err != nil {
			return err
		}
		out, changed = a, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// Executor performs an approved action and returns its result.
type Executor func(ctx context.Context, a *model.Action) (any, error)

// Execute runs fn for an approved action and records the outcome. An
// executor error is recorded as ActionFailed and also returned.
//
// Execute is not an exclusive claim: two callers may both run fn. The
// outcome is appended against the version read before fn ran, so only one
// is recorded and the other caller gets a ConcurrencyConflict.
func (e *Engine) Execute(ctx context.Context, id string, fn Executor) (*model.Action, error) {
	a, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.State != model.StateApproved {
		return nil, model.InvalidTransition(id, a.State, model.StateExecuted)
	}
	result, execErr := fn(ctx, a)
	if execErr != nil {
		failed, err := e.append(ctx, a, failedDraft(execErr.Error()))
		if err != nil {
			return nil, err
		}
		return failed, execErr
	}
	d, err := executedDraft(result)
	if err != nil {
		return nil, err
	}
	return e.append(ctx, a, d)
}

// RecordExecuted records a successful execution performed elsewhere.
func (e *Engine) RecordExecuted(ctx context.Context, id string, result any) (*model.Action, error) {
	d, err := executedDraft(result)
	if err != nil {
		return nil, err
	}
	return e.outcome(ctx, id, model.StateExecuted, d)
}

// RecordFailed records a failed execution performed elsewhere.
func (e *Engine) RecordFailed(ctx context.Context, id, msg string) (*model.Action, error) {
	return e.outcome(ctx, id, model.StateFailed, failedDraft(msg))
}

func executedDraft(result any) (eventstore.Draft, error) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return eventstore.Draft{}, model.Validation("result is not JSON-encodable: " + err.Error())
		}
		raw = b
	}
	return eventstore.Draft{Type: EventExecuted, Data: Executed{Result: raw}}, nil
}

func failedDraft(msg string) eventstore.Draft {
	if msg == "" {
		msg = "execution failed"
	}
	return eventstore.Draft{Type: EventFailed, Data: Failed{Error: msg}}
}

func (e *Engine) outcome(ctx context.Context, id string, to model.State, d eventstore.Draft) (*model.Action, error) {
	var out *model.Action
	err := Retry(ctx, DefaultRetryAttempts, func() error {
		a, err := e.Get(ctx, id)
		if err != nil {
			return err
		}
		if a.State != model.StateApproved {
			return model.InvalidTransition(id, a.State, to)
		}
		out, err = e.append(ctx, a, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) append(ctx context.Context, a *model.Action, d eventstore.Draft) (*model.Action, error) {
	events, err := e.store.Append(ctx, StreamID(a.ID), a.Version, d)
	if err != nil {
		return nil, err
	}
	next := *a
	for _, ev := range events {
		if err := Apply(&next, ev); err != nil {
			return nil, err
		}
	}
	e.logger.Info("action transition",
		"action_id", a.ID,
		"from", a.State,
		"to", next.State,
		"version", next.Version,
	)
	return &next, nil
}

// Filter narrows List.
type Filter struct {
	Status  model.ApprovalStatus
	State   model.State
	AgentID string
}

func (f Filter) match(a *model.Action) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.State != "" && a.State != f.State {
		return false
	}
	if f.AgentID != "" && a.AgentID != f.AgentID {
		return false
	}
	return true
}

// List folds every action stream and returns those matching f, oldest
// first. A stream that fails to fold is skipped and logged.
func (e *Engine) List(ctx context.Context, f Filter) ([]*model.Action, error) {
	streams, err := e.store.Streams(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.Action
	for _, s := range streams {
		id, ok := ActionID(s)
		if !ok {
			continue
		}
		a, err := e.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("skipping unreadable action stream", "stream_id", s, "error", err)
			continue
		}
		if f.match(a) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Pending lists actions waiting for a decision.
func (e *Engine) Pending(ctx context.Context) ([]*model.Action, error) {
	return e.List(ctx, Filter{State: model.StatePreviewed})
}

// WaitForDecision blocks until the action leaves the pending states, the
// wait elapses or ctx is done. On an elapsed wait the still-pending action
// is returned without error.
func (e *Engine) WaitForDecision(ctx context.Context, id string, wait time.Duration) (*model.Action, error) {
	signal := make(chan struct{}, 1)
	if e.bus != nil {
		stream := StreamID(id)
		unsubscribe := e.bus.SubscribeAll(func(_ context.Context, ev eventstore.Event) error {
			if ev.StreamID == stream {
				select {
				case signal <- struct{}{}:
				default:
				}
			}
			return nil
		})
		defer unsubscribe()
	}

	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		a, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.State != model.StateProposed && a.State != model.StatePreviewed {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return a, nil
		case <-signal:
		case <-ticker.C:
		}
	}
}

func actor(principal string) map[string]string {
	if principal == "" {
		return nil
	}
	return map[string]string{"actor": principal}
}
