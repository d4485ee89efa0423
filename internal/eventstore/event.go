// Package eventstore is the append-only, hash-chained log that is the sole
// persistence authority for action lifecycles.
package eventstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is one immutable fact in a stream.
//
// Sequence numbers start at 1 and are dense per stream. Position is the
// store-assigned global cursor used by the feed; it is not part of the hash.
type Event struct {
	ID        string            `json:"event_id"`
	StreamID  string            `json:"stream_id"`
	Sequence  uint64            `json:"sequence"`
	Position  uint64            `json:"position"`
	Type      string            `json:"type"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Draft is an event the caller wants appended. The store assigns identity,
// sequence, timestamp and hashes.
type Draft struct {
	Type     string
	Data     any
	Metadata map[string]string
}

func newEventID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// seal turns drafts into chained events following the given tail.
func seal(streamID string, tail uint64, prevHash string, now time.Time, drafts []Draft) ([]Event, error) {
	out := make([]Event, 0, len(drafts))
	for i, d := range drafts {
		data, err := Canonical(d.Data)
		if err != nil {
			return nil, err
		}
		e := Event{
			ID:        newEventID(),
			StreamID:  streamID,
			Sequence:  tail + uint64(i) + 1,
			Type:      d.Type,
			Data:      data,
			Metadata:  d.Metadata,
			Timestamp: now.UTC(),
			PrevHash:  prevHash,
		}
		if e.Hash, err = ComputeHash(e); err != nil {
			return nil, err
		}
		prevHash = e.Hash
		out = append(out, e)
	}
	return out, nil
}
