package turn

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why a turn did not complete normally.
type ErrorKind string

const (
	KindSessionInvalid       ErrorKind = "session_invalid"
	KindRetrievalUnavailable ErrorKind = "retrieval_unavailable"
	KindGeneration           ErrorKind = "generation_backend_error"
	KindPersistence          ErrorKind = "persistence_error"
	KindTimeout              ErrorKind = "timeout"
	KindCancelled            ErrorKind = "cancelled"
	KindInvalidRequest       ErrorKind = "invalid_request"
	KindOverloaded           ErrorKind = "overloaded"
)

var (
	ErrEmptyMessage = errors.New("message is empty")

	errTurnDeadline = errors.New("turn deadline exceeded")
	errIdleTimeout  = errors.New("generation backend idle")
	errAbandoned    = errors.New("stream abandoned by caller")
)

// Error is a failed turn. Op names the step that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("turn %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("turn %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a turn error, or "" for any other error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// classify attributes err to kind unless the turn context was already
// cancelled, in which case the cancellation cause wins.
func classify(ctx context.Context, kind ErrorKind, op string, err error) *Error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return &Error{Kind: kind, Op: op, Err: err}
	case errors.Is(cause, errTurnDeadline), errors.Is(cause, errIdleTimeout), errors.Is(cause, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Op: op, Err: cause}
	default:
		return &Error{Kind: KindCancelled, Op: op, Err: cause}
	}
}
