// Package apierr defines the error taxonomy shared by the Quantarc API client:
// usage errors raised before any network activity, transient transport errors
// eligible for retry, service errors surfaced by the API, and lifecycle errors
// for operations attempted out of order.
package apierr

import (
	"encoding/json"
	"fmt"
)

// UsageError reports invalid or contradictory caller arguments. It is always
// raised before any network call and is never retried.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// Usagef builds a UsageError from a format string.
func Usagef(format string, args ...any) *UsageError {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// TransientError wraps a network-level failure (connection error, timeout)
// that is eligible for bounded retry with backoff.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// ServiceError reports a failure surfaced by the API service: a non-200
// status, a response body with success=false, or an exhausted retry budget.
// Request holds the request payload with the bearer token already masked.
type ServiceError struct {
	StatusCode int             // 0 when no HTTP response was received
	Message    string          // human-readable failure description
	Body       []byte          // raw response body, when available
	Request    json.RawMessage // redacted request payload for diagnostics
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("service returned status %d: %s", e.StatusCode, e.Body)
}

// LifecycleError reports an operation attempted before its required prior
// step, or an orchestration budget running out.
type LifecycleError struct {
	Op  string
	Msg string
}

func (e *LifecycleError) Error() string { return e.Op + ": " + e.Msg }
