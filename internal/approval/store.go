// Package approval keeps an in-memory read model of actions, fed by the
// event bus and rebuilt from the store feed, so pending and expired
// queries do not fold every stream.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/impactgate/internal/eventstore"
	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/model"
)

// Store is the approval read model. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	actions  map[string]*model.Action
	position uint64
	logger   *slog.Logger
}

// NewStore creates an empty read model.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{actions: make(map[string]*model.Action), logger: logger}
}

// Handle applies one event. It is an eventbus.Handler: duplicates are
// ignored and a gap in a stream is reported so the bus redelivers.
func (s *Store) Handle(_ context.Context, e eventstore.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(e)
}

func (s *Store) apply(e eventstore.Event) error {
	id, ok := lifecycle.ActionID(e.StreamID)
	if !ok {
		return nil
	}
	cur, ok := s.actions[id]
	if !ok {
		cur = &model.Action{}
	}
	if e.Sequence <= cur.Version {
		return nil
	}
	if e.Sequence != cur.Version+1 {
		return fmt.Errorf("action %s: event %d arrived before %d", id, e.Sequence, cur.Version+1)
	}
	next := *cur
	if err := lifecycle.Apply(&next, e); err != nil {
		return err
	}
	s.actions[id] = &next
	return nil
}

// Rebuild catches up from the store feed after the last position seen.
func (s *Store) Rebuild(ctx context.Context, store eventstore.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for e, err := range store.Feed(ctx, s.position) {
		if err != nil {
			return fmt.Errorf("rebuild approvals: %w", err)
		}
		if err := s.apply(e); err != nil {
			s.logger.Warn("approval read model skipped event",
				"stream_id", e.StreamID, "sequence", e.Sequence, "error", err)
		}
		s.position = e.Position
		n++
	}
	if n > 0 {
		s.logger.Debug("approval read model caught up", "events", n, "position", s.position)
	}
	return nil
}

// Get returns a copy of one action.
func (s *Store) Get(id string) (*model.Action, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// List returns actions with the given status, or all when status is
// empty, oldest first.
func (s *Store) List(status model.ApprovalStatus) []*model.Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Action
	for _, a := range s.actions {
		if status != "" && a.Status != status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pending returns previewed actions awaiting a decision.
func (s *Store) Pending() []*model.Action {
	var out []*model.Action
	for _, a := range s.List(model.StatusPending) {
		if a.State == model.StatePreviewed {
			out = append(out, a)
		}
	}
	return out
}

// Expired returns ids of previewed actions past their deadline.
func (s *Store) Expired(now time.Time) []string {
	var ids []string
	for _, a := range s.Pending() {
		if a.Expired(now) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Position is the feed position the model has caught up to.
func (s *Store) Position() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

type snapshot struct {
	Position uint64                   `json:"position"`
	Actions  map[string]*model.Action `json:"actions"`
}

// Save writes the model to path atomically.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(snapshot{Position: s.position, Actions: s.actions}, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load restores a snapshot written by Save. A missing file leaves the
// model empty. Call Rebuild afterwards to catch up.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("corrupt approval snapshot %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = snap.Position
	s.actions = snap.Actions
	if s.actions == nil {
		s.actions = make(map[string]*model.Action)
	}
	return nil
}
