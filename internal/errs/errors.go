// Package errs defines the error taxonomy shared by every pipeline stage.
// Errors carry a Kind, a retryable flag and an optional hint so the retry
// loop and the CLI can decide what to do without string matching.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies an error.
type Kind string

const (
	KindValidation Kind = "validation" // bad input
	KindParse      Kind = "parse"      // model output or stored data could not be decoded
	KindUpstream   Kind = "upstream"   // model provider, embedding backend, tool call
	KindDatabase   Kind = "database"
	KindUnexpected Kind = "unexpected"
)

// Reason refines KindUpstream errors.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonRateLimited   Reason = "rate_limited"
	ReasonUnavailable   Reason = "unavailable"
	ReasonEmptyResponse Reason = "empty_response"
	ReasonTimeout       Reason = "timeout"
	ReasonToolFailure   Reason = "tool_failure"
	ReasonBadRequest    Reason = "bad_request"
)

// Error is the typed error returned by novelloop packages.
type Error struct {
	Kind       Kind
	Reason     Reason
	Op         string // operation that failed, e.g. "llm.generate"
	Message    string
	Retryable  bool
	Hint       string        // optional operator hint
	StatusCode int           // HTTP status when known
	RetryAfter time.Duration // server-requested delay when known
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Reason != ReasonNone {
		b.WriteString("/")
		b.WriteString(string(e.Reason))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind and Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Reason == ReasonNone || e.Reason == t.Reason)
}

// WithHint returns a copy of e carrying an operator hint.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

// Validation creates a non-retryable validation error.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Parse wraps a decode failure.
func Parse(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindParse, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Database wraps a storage failure.
func Database(op string, err error) *Error {
	return &Error{Kind: KindDatabase, Op: op, Err: err}
}

// Unexpected wraps a programming error or an unknown failure.
func Unexpected(op string, err error) *Error {
	return &Error{Kind: KindUnexpected, Op: op, Err: err}
}

// Upstream creates an upstream error with the retry flag derived from reason.
func Upstream(op string, reason Reason, err error) *Error {
	return &Error{
		Kind:      KindUpstream,
		Reason:    reason,
		Op:        op,
		Retryable: reason.retryable(),
		Err:       err,
	}
}

// FromStatus maps an HTTP status code to an upstream error.
// 408 and 429 are retryable, as is every 5xx; the rest of the 4xx range is not.
func FromStatus(op string, status int, body string) *Error {
	var reason Reason
	switch {
	case status == http.StatusTooManyRequests:
		reason = ReasonRateLimited
	case status == http.StatusRequestTimeout:
		reason = ReasonTimeout
	case status >= 500:
		reason = ReasonUnavailable
	case status >= 400:
		reason = ReasonBadRequest
	default:
		reason = ReasonUnavailable
	}
	e := Upstream(op, reason, nil)
	e.StatusCode = status
	e.Message = fmt.Sprintf("status %d: %s", status, truncate(body, 300))
	return e
}

func (r Reason) retryable() bool {
	switch r {
	case ReasonRateLimited, ReasonUnavailable, ReasonEmptyResponse, ReasonTimeout:
		return true
	default:
		return false
	}
}

// =============================================================================
// INSPECTION
// =============================================================================

// KindOf returns the Kind of err, or KindUnexpected for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// IsRetryable reports whether err should be retried by the backoff loop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// RetryAfterOf returns the server-requested delay carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// HintOf returns the operator hint attached to err.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// Classify converts arbitrary errors from transports into *Error.
// Context deadline expiry becomes a retryable timeout; cancellation stays
// non-retryable so shutdown is not delayed by the retry loop.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Upstream(op, ReasonTimeout, err)
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindUpstream, Op: op, Err: err}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return Upstream(op, ReasonUnavailable, err)
		}
	}
	return Unexpected(op, err)
}

// transientPatterns are transport failures that are worth retrying.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"eof",
	"i/o timeout",
	"tls handshake timeout",
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
