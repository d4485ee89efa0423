package eventstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsAndNormalizes(t *testing.T) {
	a, err := Canonical(map[string]any{"b": 1, "a": "<x>", "c": []any{"é"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x>","b":1,"c":["é"]}`, string(a))

	b, err := Canonical(map[string]any{"c": []any{"é"}, "a": "<x>", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalKeepsNumberLiterals(t *testing.T) {
	out, err := Canonical(map[string]any{"n": 12345678901234567})
	require.NoError(t, err)
	assert.Equal(t, `{"n":12345678901234567}`, string(out))
}

func TestComputeHashCoversSequenceAndPrev(t *testing.T) {
	e := Event{
		ID:        "e1",
		StreamID:  "s",
		Sequence:  1,
		Type:      "A",
		Data:      []byte(`{"x":1}`),
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PrevHash:  GenesisHash,
	}
	h1, err := ComputeHash(e)
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, h1)

	again, err := ComputeHash(e)
	require.NoError(t, err)
	assert.Equal(t, h1, again)

	e.Sequence = 2
	h2, _ := ComputeHash(e)
	assert.NotEqual(t, h1, h2)

	e.Sequence = 1
	e.PrevHash = "sha256:ff"
	h3, _ := ComputeHash(e)
	assert.NotEqual(t, h1, h3)
}

func TestChainRejectsGapAndForeignStream(t *testing.T) {
	events, err := seal("s", 0, GenesisHash, time.Now(), []Draft{{Type: "A"}, {Type: "B"}})
	require.NoError(t, err)

	c := NewChain("s")
	require.NoError(t, c.Next(events[0]))
	require.NoError(t, c.Next(events[1]))
	seq, tail := c.Tail()
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, events[1].Hash, tail)

	c = NewChain("s")
	assert.Error(t, c.Next(events[1]))

	c = NewChain("other")
	assert.Error(t, c.Next(events[0]))
}
