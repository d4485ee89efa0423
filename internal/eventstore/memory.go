package eventstore

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/ppiankov/impactgate/internal/model"
)

// MemoryStore keeps events in process memory. It backs tests and
// ephemeral CI runs.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]Event
	feed    []Event
	opts    options
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]Event),
		opts:    buildOptions(opts),
	}
}

func (m *MemoryStore) Append(ctx context.Context, streamID string, expected uint64, drafts ...Draft) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, model.Validation("stream id is required")
	}
	if len(drafts) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.streams[streamID]
	tail, prev := uint64(len(current)), GenesisHash
	if tail > 0 {
		prev = current[tail-1].Hash
	}
	if tail != expected {
		return nil, model.ConcurrencyConflict(streamID, expected, tail)
	}

	events, err := seal(streamID, tail, prev, m.opts.now(), drafts)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Position = uint64(len(m.feed)) + 1
		m.feed = append(m.feed, events[i])
	}
	m.streams[streamID] = append(current, events...)
	return cloneEvents(events), nil
}

func (m *MemoryStore) snapshot(streamID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneEvents(m.streams[streamID])
}

func (m *MemoryStore) raw(ctx context.Context, streamID string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for _, e := range m.snapshot(streamID) {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) Read(ctx context.Context, streamID string, fromSeq uint64) iter.Seq2[Event, error] {
	return verified(streamID, fromSeq, m.raw(ctx, streamID))
}

func (m *MemoryStore) Verify(ctx context.Context, streamID string) (VerifyResult, error) {
	return verifyEvents(streamID, m.raw(ctx, streamID))
}

func (m *MemoryStore) Streams(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Feed(ctx context.Context, afterPosition uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		m.mu.RLock()
		var tail []Event
		if afterPosition < uint64(len(m.feed)) {
			tail = cloneEvents(m.feed[afterPosition:])
		}
		m.mu.RUnlock()
		for _, e := range tail {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) Close() error { return nil }

func cloneEvents(in []Event) []Event {
	if len(in) == 0 {
		return nil
	}
	out := make([]Event, len(in))
	for i, e := range in {
		e.Data = append([]byte(nil), e.Data...)
		if e.Metadata != nil {
			meta := make(map[string]string, len(e.Metadata))
			for k, v := range e.Metadata {
				meta[k] = v
			}
			e.Metadata = meta
		}
		out[i] = e
	}
	return out
}
