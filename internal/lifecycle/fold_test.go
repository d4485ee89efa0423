package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/model"
)

func TestFoldRejectsIllegalSequences(t *testing.T) {
	ctx := context.Background()
	s := eventstore.NewMemoryStore()
	stream := StreamID("forged")

	_, err := s.Append(ctx, stream, 0,
		eventstore.Draft{Type: EventProposed, Data: Proposed{ActionID: "forged", Request: lowRisk(false)}},
		eventstore.Draft{Type: EventApproved, Data: Approved{Principal: "mallory"}},
	)
	require.NoError(t, err, "the store does not know the state machine")

	events, err := eventstore.Collect(s.Read(ctx, stream, 1))
	require.NoError(t, err)

	_, err = Fold(events)
	var me *model.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, model.KindInvalidChain, me.Kind)
	assert.Equal(t, "2", me.Details["sequence"])

	e := New(s)
	_, err = e.Get(ctx, "forged")
	assert.ErrorIs(t, err, model.ErrInvalidChain)
}

func TestFoldUnknownEventType(t *testing.T) {
	_, err := Fold([]eventstore.Event{{StreamID: "action:x", Sequence: 1, Type: "Teleported"}})
	assert.ErrorIs(t, err, model.ErrInvalidChain)
}

func TestFoldEmpty(t *testing.T) {
	_, err := Fold(nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStreamIDRoundTrip(t *testing.T) {
	id, ok := ActionID(StreamID("abc"))
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = ActionID("ci:run")
	assert.False(t, ok)
}
