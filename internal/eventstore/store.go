package eventstore

import (
	"context"
	"iter"
	"time"

	"github.com/ppiankov/impactgate/internal/model"
)

// Store is the append-only event log.
//
// Append succeeds only when expected equals the stream's current tail
// sequence (0 for a new stream); otherwise it fails with a
// model.ErrConcurrencyConflict. A batch is appended atomically.
// Read yields events in sequence order, verifying the chain from genesis
// while it goes, and yields a model.ErrInvalidChain error at the first
// divergence. Both Read and Feed are lazy and may be ranged over again.
type Store interface {
	Append(ctx context.Context, streamID string, expected uint64, drafts ...Draft) ([]Event, error)
	Read(ctx context.Context, streamID string, fromSeq uint64) iter.Seq2[Event, error]
	Verify(ctx context.Context, streamID string) (VerifyResult, error)
	Streams(ctx context.Context) ([]string, error)
	Feed(ctx context.Context, afterPosition uint64) iter.Seq2[Event, error]
	Close() error
}

// VerifyResult holds the outcome of recomputing one stream's chain.
type VerifyResult struct {
	StreamID   string `json:"stream_id"`
	Valid      bool   `json:"valid"`
	Events     int    `json:"events"`
	DivergedAt uint64 `json:"diverged_at,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func invalid(stream string, seq uint64, msg string) error {
	return model.InvalidChain(stream, seq, msg)
}

// verifyEvents runs a chain check over a raw, unverified sequence.
func verifyEvents(streamID string, events iter.Seq2[Event, error]) (VerifyResult, error) {
	res := VerifyResult{StreamID: streamID, Valid: true}
	chain := NewChain(streamID)
	for e, err := range events {
		if err != nil {
			return res, err
		}
		if cerr := chain.Next(e); cerr != nil {
			res.Valid = false
			res.DivergedAt = uint64(res.Events) + 1
			if me, ok := model.AsError(cerr); ok {
				res.Error = me.Message
			} else {
				res.Error = cerr.Error()
			}
			return res, nil
		}
		res.Events++
	}
	return res, nil
}

// verified wraps a raw sequence so that it yields only chain-checked events
// at or after fromSeq.
func verified(streamID string, fromSeq uint64, raw iter.Seq2[Event, error]) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		chain := NewChain(streamID)
		for e, err := range raw {
			if err != nil {
				yield(Event{}, err)
				return
			}
			if cerr := chain.Next(e); cerr != nil {
				yield(Event{}, cerr)
				return
			}
			if e.Sequence < fromSeq {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Event, error]) ([]Event, error) {
	var out []Event
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}
