package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"sort"

	"github.com/ppiankov/impactgate/internal/eventstore"
)

// maxLine bounds a single exported event.
const maxLine = 16 << 20

// VerifyResult holds the outcome of verifying an exported file.
type VerifyResult struct {
	Valid     bool                      `json:"valid"`
	Lines     int                       `json:"lines"`
	Streams   int                       `json:"streams"`
	Error     string                    `json:"error,omitempty"`
	ErrorLine int                       `json:"error_line,omitempty"`
	Results   []eventstore.VerifyResult `json:"streams_detail,omitempty"`
}

// ReadFile iterates the events of an exported JSONL file. Blank lines are
// skipped; a malformed line ends iteration with an error naming it.
func ReadFile(path string) iter.Seq2[eventstore.Event, error] {
	return func(yield func(eventstore.Event, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(eventstore.Event{}, fmt.Errorf("open: %w", err))
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			if len(scanner.Bytes()) == 0 {
				continue
			}
			var e eventstore.Event
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				yield(eventstore.Event{}, &LineError{Line: lineNum, Err: err})
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(eventstore.Event{}, fmt.Errorf("scan: %w", err))
		}
	}
}

// LineError locates a parse failure in an exported file.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *LineError) Unwrap() error { return e.Err }

// VerifyFile recomputes every stream chain in an exported file. Events of
// different streams may interleave, as they do in commit order.
func VerifyFile(path string) VerifyResult {
	chains := map[string]*eventstore.Chain{}
	counts := map[string]int{}
	res := VerifyResult{}

	for e, err := range ReadFile(path) {
		if err != nil {
			res.Error = err.Error()
			if le, ok := err.(*LineError); ok {
				res.ErrorLine = le.Line
			}
			return res
		}
		res.Lines++
		c, ok := chains[e.StreamID]
		if !ok {
			c = eventstore.NewChain(e.StreamID)
			chains[e.StreamID] = c
		}
		if err := c.Next(e); err != nil {
			res.Error = err.Error()
			res.ErrorLine = res.Lines
			return res
		}
		counts[e.StreamID]++
	}

	res.Valid = true
	res.Streams = len(chains)
	for stream, n := range counts {
		res.Results = append(res.Results, eventstore.VerifyResult{StreamID: stream, Valid: true, Events: n})
	}
	sort.Slice(res.Results, func(i, j int) bool { return res.Results[i].StreamID < res.Results[j].StreamID })
	return res
}

// VerifyStore verifies every stream in the store and reports whether all
// of them are intact.
func VerifyStore(ctx context.Context, store eventstore.Store) ([]eventstore.VerifyResult, bool, error) {
	streams, err := store.Streams(ctx)
	if err != nil {
		return nil, false, err
	}
	ok := true
	out := make([]eventstore.VerifyResult, 0, len(streams))
	for _, s := range streams {
		r, err := store.Verify(ctx, s)
		if err != nil {
			return nil, false, err
		}
		if !r.Valid {
			ok = false
		}
		out = append(out, r)
	}
	return out, ok, nil
}
