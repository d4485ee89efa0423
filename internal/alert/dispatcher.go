package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/model"
)

// Lookup reads an action's event stream. lifecycle.Engine.Events satisfies it.
type Lookup func(ctx context.Context, id string) ([]eventstore.Event, error)

// Dispatcher fans lifecycle events out to matching webhook configurations.
// Deliveries are sent one at a time in the order they were dispatched.
type Dispatcher struct {
	configs []AlertConfig
	lookup  Lookup
	logger  *slog.Logger
	wg      sync.WaitGroup

	mu      sync.Mutex
	queue   []delivery
	running bool
}

type delivery struct {
	cfg   AlertConfig
	event AlertEvent
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig, lookup Lookup, logger *slog.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{configs: configs, lookup: lookup, logger: logger}
}

// statusFor maps the events worth alerting on to the status they produce.
var statusFor = map[string]model.ApprovalStatus{
	lifecycle.EventPreviewGenerated: model.StatusPending,
	lifecycle.EventApproved:         model.StatusApproved,
	lifecycle.EventRejected:         model.StatusRejected,
	lifecycle.EventTimedOut:         model.StatusTimedOut,
	lifecycle.EventExecuted:         model.StatusExecuted,
	lifecycle.EventFailed:           model.StatusFailed,
}

// Handle is an eventbus.Handler. It folds the action as of e, builds the
// alert and queues it; webhook failures never reach the bus.
func (d *Dispatcher) Handle(ctx context.Context, e eventstore.Event) error {
	status, ok := statusFor[e.Type]
	if !ok {
		return nil
	}
	id, ok := lifecycle.ActionID(e.StreamID)
	if !ok {
		return nil
	}
	events, err := d.lookup(ctx, id)
	if err != nil {
		return err
	}
	n := 0
	for n < len(events) && events[n].Sequence <= e.Sequence {
		n++
	}
	a, err := lifecycle.Fold(events[:n])
	if err != nil {
		return err
	}
	event := NewEvent(a, e)
	event.Status = string(status)
	d.Dispatch(event)
	return nil
}

// NewEvent describes an action as of event e.
func NewEvent(a *model.Action, e eventstore.Event) AlertEvent {
	ev := AlertEvent{
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		ActionID:   a.ID,
		AgentID:    a.AgentID,
		ActionType: string(a.Request.ActionType),
		Target:     a.Request.Target,
		Status:     string(a.Status),
		Principal:  a.DecidedBy,
		Reason:     a.Reason,
		Sequence:   e.Sequence,
	}
	if a.Preview != nil {
		ev.RiskLevel = string(a.Preview.RiskLevel)
		ev.Summary = a.Preview.Summary
	}
	if a.Verdict != nil {
		ev.Decision = string(a.Verdict.Decision)
	}
	if a.Failure != "" {
		ev.Reason = a.Failure
	}
	return ev
}

// Dispatch queues the event for every webhook whose Events list matches.
// A single background worker drains the queue; Wait blocks until it is empty.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	var batch []delivery
	for _, cfg := range d.configs {
		if matches(cfg, event) {
			batch = append(batch, delivery{cfg: cfg, event: event})
		}
	}
	if len(batch) == 0 {
		return
	}
	d.mu.Lock()
	d.wg.Add(len(batch))
	d.queue = append(d.queue, batch...)
	if !d.running {
		d.running = true
		go d.drain()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if err := Send(context.Background(), next.cfg, next.event); err != nil {
			d.logger.Warn("alert delivery failed", "url", next.cfg.URL, "action_id", next.event.ActionID, "error", err)
		}
		d.wg.Done()
	}
}

// Wait blocks until every queued delivery is done.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func matches(cfg AlertConfig, event AlertEvent) bool {
	if cfg.MinRisk != "" && !model.RiskLevel(event.RiskLevel).AtLeast(model.RiskLevel(cfg.MinRisk)) {
		return false
	}
	for _, e := range cfg.Events {
		if e == event.Status || (event.Decision != "" && e == "policy_"+event.Decision) {
			return true
		}
	}
	return false
}
