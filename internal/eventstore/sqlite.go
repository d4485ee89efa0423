package eventstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/impactgate/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// 1 - events table with append-only triggers
const currentSchemaVersion = 1

// readPageSize bounds how many rows a lazy read holds open at once.
const readPageSize = 256

// SQLiteStore is the durable event log. Immutability is enforced inside
// the database by triggers that abort any UPDATE or DELETE on events.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// OpenSQLite creates or opens the database at path.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// DB exposes the handle for maintenance tooling and tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, streamID string, expected uint64, drafts ...Draft) ([]Event, error) {
	if streamID == "" {
		return nil, model.Validation("stream id is required")
	}
	if len(drafts) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	tail, prev := uint64(0), GenesisHash
	row := tx.QueryRowContext(ctx,
		`SELECT seq, hash FROM events WHERE stream_id = ? ORDER BY seq DESC LIMIT 1`, streamID)
	switch err := row.Scan(&tail, &prev); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("eventstore: read tail: %w", err)
	}
	if tail != expected {
		return nil, model.ConcurrencyConflict(streamID, expected, tail)
	}

	events, err := seal(streamID, tail, prev, s.opts.now(), drafts)
	if err != nil {
		return nil, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events
		(event_id, stream_id, seq, type, data, metadata, ts, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("eventstore: prepare: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		meta, err := json.Marshal(metadataOrEmpty(e.Metadata))
		if err != nil {
			return nil, fmt.Errorf("eventstore: metadata: %w", err)
		}
		res, err := stmt.ExecContext(ctx, e.ID, e.StreamID, e.Sequence, e.Type, string(e.Data),
			string(meta), e.Timestamp.Format(time.RFC3339Nano), e.PrevHash, e.Hash)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, model.ConcurrencyConflict(streamID, expected, expected+1)
			}
			return nil, fmt.Errorf("eventstore: insert: %w", err)
		}
		pos, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("eventstore: position: %w", err)
		}
		e.Position = uint64(pos)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, model.ConcurrencyConflict(streamID, expected, expected+1)
		}
		return nil, fmt.Errorf("eventstore: commit: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) Read(ctx context.Context, streamID string, fromSeq uint64) iter.Seq2[Event, error] {
	return verified(streamID, fromSeq, s.raw(ctx, streamID))
}

func (s *SQLiteStore) Verify(ctx context.Context, streamID string) (VerifyResult, error) {
	return verifyEvents(streamID, s.raw(ctx, streamID))
}

// raw pages through a stream without verification. Rows are closed between
// pages so a consumer may append while iterating.
func (s *SQLiteStore) raw(ctx context.Context, streamID string) iter.Seq2[Event, error] {
	return s.paged(ctx, func(cursor uint64) (*sql.Rows, error) {
		return s.db.QueryContext(ctx, `SELECT position, event_id, stream_id, seq, type, data, metadata, ts, prev_hash, hash
			FROM events WHERE stream_id = ? AND seq > ? ORDER BY seq LIMIT ?`, streamID, cursor, readPageSize)
	}, func(e Event) uint64 { return e.Sequence }, 0)
}

func (s *SQLiteStore) Feed(ctx context.Context, afterPosition uint64) iter.Seq2[Event, error] {
	return s.paged(ctx, func(cursor uint64) (*sql.Rows, error) {
		return s.db.QueryContext(ctx, `SELECT position, event_id, stream_id, seq, type, data, metadata, ts, prev_hash, hash
			FROM events WHERE position > ? ORDER BY position LIMIT ?`, cursor, readPageSize)
	}, func(e Event) uint64 { return e.Position }, afterPosition)
}

func (s *SQLiteStore) paged(ctx context.Context, query func(cursor uint64) (*sql.Rows, error), key func(Event) uint64, start uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		cursor := start
		for {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			page, err := s.page(query, cursor)
			if err != nil {
				yield(Event{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				cursor = key(e)
			}
			if len(page) < readPageSize {
				return
			}
		}
	}
}

func (s *SQLiteStore) page(query func(uint64) (*sql.Rows, error), cursor uint64) ([]Event, error) {
	rows, err := query(cursor)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e          Event
			data, meta string
			ts         string
		)
		if err := rows.Scan(&e.Position, &e.ID, &e.StreamID, &e.Sequence, &e.Type, &data, &meta, &ts, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		e.Data = json.RawMessage(data)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("eventstore: metadata for %s: %w", e.ID, err)
			}
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("eventstore: timestamp for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Streams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT stream_id FROM events ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("eventstore: streams: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
