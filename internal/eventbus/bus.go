// Package eventbus dispatches newly appended events to in-process
// subscribers such as read-model projectors and notifiers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/impactgate/internal/eventstore"
)

// Handler consumes one event. Returning an error triggers redelivery.
type Handler func(ctx context.Context, e eventstore.Event) error

const (
	defaultAttempts = 3
	defaultBackoff  = 50 * time.Millisecond
)

type subscription struct {
	id        uint64
	eventType string // empty matches every type
	handler   Handler
}

// Bus delivers each event at least once to every matching subscriber, in
// subscription order. A handler that keeps failing is logged and skipped;
// publishers never see subscriber errors.
type Bus struct {
	mu       sync.RWMutex
	subs     []subscription
	nextID   uint64
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger for delivery failures.
func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.logger = l } }

// WithRetry sets delivery attempts per handler and the pause between them.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(b *Bus) {
		if attempts > 0 {
			b.attempts = attempts
		}
		b.backoff = backoff
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:   slog.Default(),
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers h for events of one type. The returned func removes it.
func (b *Bus) Subscribe(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, eventType: eventType, handler: h})
	return func() { b.unsubscribe(id) }
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.Subscribe("", h)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers events in order.
func (b *Bus) Publish(ctx context.Context, events ...eventstore.Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	for _, e := range events {
		for _, s := range subs {
			if s.eventType != "" && s.eventType != e.Type {
				continue
			}
			b.deliver(ctx, s, e)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, e eventstore.Event) {
	var err error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		if err = s.handler(ctx, e); err == nil {
			return
		}
		if attempt < b.attempts && b.backoff > 0 {
			select {
			case <-ctx.Done():
				attempt = b.attempts
			case <-time.After(b.backoff * time.Duration(attempt)):
			}
		}
	}
	b.logger.Warn("event subscriber failed",
		"event_id", e.ID,
		"stream_id", e.StreamID,
		"type", e.Type,
		"attempts", b.attempts,
		"error", err)
}
