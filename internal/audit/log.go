// Package audit exports, mirrors, verifies and replays the event log.
// Exported files are JSON lines, one event per line, carrying the chain
// hashes so a copy can be verified without the database.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ppiankov/impactgate/internal/eventstore"
)

// Log mirrors committed events to an append-only JSONL file.
type Log struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// Open opens (or creates) a mirror file for appending.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &Log{path: path, file: file}, nil
}

// Path returns the mirror file location.
func (l *Log) Path() string { return l.path }

// Record appends one event and syncs to disk.
func (l *Log) Record(e eventstore.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

// Handle is an eventbus.Handler.
func (l *Log) Handle(_ context.Context, e eventstore.Event) error { return l.Record(e) }

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Export writes every event in the store to w in commit order and returns
// how many were written.
func Export(ctx context.Context, store eventstore.Store, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	n := 0
	for e, err := range store.Feed(ctx, 0) {
		if err != nil {
			return n, fmt.Errorf("audit: read feed: %w", err)
		}
		if err := enc.Encode(e); err != nil {
			return n, fmt.Errorf("audit: write event: %w", err)
		}
		n++
	}
	return n, nil
}
