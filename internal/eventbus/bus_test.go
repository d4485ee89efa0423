package eventbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/impactgate/internal/eventstore"
)

func quietBus() *Bus {
	return New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithRetry(3, 0))
}

func TestSubscribeByType(t *testing.T) {
	b := quietBus()
	var got []string
	b.Subscribe("A", func(_ context.Context, e eventstore.Event) error {
		got = append(got, "A:"+e.ID)
		return nil
	})
	b.SubscribeAll(func(_ context.Context, e eventstore.Event) error {
		got = append(got, "*:"+e.ID)
		return nil
	})

	b.Publish(context.Background(),
		eventstore.Event{ID: "1", Type: "A"},
		eventstore.Event{ID: "2", Type: "B"})

	assert.Equal(t, []string{"A:1", "*:1", "*:2"}, got)
}

func TestUnsubscribe(t *testing.T) {
	b := quietBus()
	calls := 0
	cancel := b.SubscribeAll(func(context.Context, eventstore.Event) error {
		calls++
		return nil
	})
	b.Publish(context.Background(), eventstore.Event{Type: "A"})
	cancel()
	b.Publish(context.Background(), eventstore.Event{Type: "A"})
	assert.Equal(t, 1, calls)
}

func TestRedeliveryUntilSuccess(t *testing.T) {
	b := quietBus()
	attempts := 0
	b.SubscribeAll(func(context.Context, eventstore.Event) error {
		attempts++
		if attempts < 3 {
			return errors.New("projector busy")
		}
		return nil
	})
	b.Publish(context.Background(), eventstore.Event{Type: "A"})
	assert.Equal(t, 3, attempts)
}

func TestFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := quietBus()
	b.SubscribeAll(func(context.Context, eventstore.Event) error {
		return errors.New("down")
	})
	delivered := false
	b.SubscribeAll(func(context.Context, eventstore.Event) error {
		delivered = true
		return nil
	})
	b.Publish(context.Background(), eventstore.Event{Type: "A"})
	assert.True(t, delivered)
}

func TestAttachPublishesAfterCommit(t *testing.T) {
	b := quietBus()
	store := b.Attach(eventstore.NewMemoryStore())

	var mu sync.Mutex
	var seen []uint64
	b.Subscribe("ActionProposed", func(_ context.Context, e eventstore.Event) error {
		mu.Lock()
		seen = append(seen, e.Sequence)
		mu.Unlock()
		return errors.New("read model unavailable")
	})

	ctx := context.Background()
	events, err := store.Append(ctx, "action:1", 0, eventstore.Draft{Type: "ActionProposed"})
	require.NoError(t, err, "subscriber failure must not fail the append")
	require.Len(t, events, 1)

	persisted, err := eventstore.Collect(store.Read(ctx, "action:1", 0))
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
	assert.Equal(t, []uint64{1, 1, 1}, seen, "redelivered on each attempt")

	_, err = store.Append(ctx, "action:1", 0, eventstore.Draft{Type: "ActionProposed"})
	require.Error(t, err)
	assert.Len(t, seen, 3, "failed appends publish nothing")
}
