package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind categorizes failures surfaced to callers.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation_error"
	KindNotFound            ErrorKind = "not_found"
	KindInvalidTransition   ErrorKind = "invalid_transition"
	KindConcurrencyConflict ErrorKind = "concurrency_conflict"
	KindInvalidChain        ErrorKind = "invalid_chain"
	KindAnalysisDegraded    ErrorKind = "analysis_degraded"
	KindPolicy              ErrorKind = "policy_error"
	KindInternal            ErrorKind = "internal_error"
)

// Error is the structured error carried across package and transport boundaries.
// Two errors match under errors.Is when their kinds are equal.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so callers can write errors.Is(err, model.ErrNotFound).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// With returns e with one more detail attached.
func (e *Error) With(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
	ErrInvalidChain        = &Error{Kind: KindInvalidChain}
	ErrAnalysisDegraded    = &Error{Kind: KindAnalysisDegraded}
	ErrPolicy              = &Error{Kind: KindPolicy}
)

// KindOf extracts the kind from err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError returns the structured error inside err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func NotFound(what, id string) *Error {
	return (&Error{Kind: KindNotFound, Message: what + " not found"}).With("id", id)
}

// InvalidTransition names both the state the action is in and the one requested.
func InvalidTransition(id string, current, requested State) *Error {
	cur := string(current)
	if cur == "" {
		cur = "none"
	}
	return (&Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot move action from %s to %s", cur, requested),
	}).With("action_id", id).With("current", cur).With("requested", string(requested))
}

func ConcurrencyConflict(stream string, expected, actual uint64) *Error {
	return (&Error{
		Kind:    KindConcurrencyConflict,
		Message: fmt.Sprintf("stream %s moved: expected sequence %d, found %d", stream, expected, actual),
	}).With("stream_id", stream).
		With("expected", fmt.Sprint(expected)).
		With("actual", fmt.Sprint(actual))
}

func InvalidChain(stream string, seq uint64, msg string) *Error {
	return (&Error{
		Kind:    KindInvalidChain,
		Message: msg,
	}).With("stream_id", stream).With("sequence", fmt.Sprint(seq))
}

func AnalysisDegraded(msg string, err error) *Error {
	return &Error{Kind: KindAnalysisDegraded, Message: msg, Err: err}
}

func PolicyError(msg string, err error) *Error {
	return &Error{Kind: KindPolicy, Message: msg, Err: err}
}
