package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an upload failure; it decides retry behavior and the
// terminal status reported to the caller.
type Kind string

const (
	// KindTransient covers network errors and 5xx responses; retried.
	KindTransient Kind = "transient"
	// KindRateLimited is a 429/rate-limit response; retried, backoff honors
	// any Retry-After hint.
	KindRateLimited Kind = "rate_limited"
	// KindAuth is a 401/403; the session is invalidated and re-auth attempted
	// once, after which it is terminal.
	KindAuth Kind = "auth"
	// KindTimeout means the job deadline expired mid-request; terminal.
	KindTimeout Kind = "timeout"
	// KindPermanent covers everything else (malformed requests, other 4xx,
	// unreadable files); never retried.
	KindPermanent Kind = "permanent"
)

// Error is the structured failure surfaced by the executor: a kind, a
// human-readable message, and the wrapped cause. Raw stack traces never leave
// this package.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// RetryAfter carries a server-provided backoff hint (Retry-After header)
	// for rate-limit responses; zero when absent.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the failure kind, mapping bare context errors to timeout.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindPermanent
}

func retryable(kind Kind) bool {
	return kind == KindTransient || kind == KindRateLimited
}
