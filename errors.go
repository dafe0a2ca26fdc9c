package gro

import (
	"fmt"
	"strconv"
	"time"
)

// ErrorKind classifies a runtime error for propagation policy decisions.
type ErrorKind string

const (
	KindProvider ErrorKind = "provider_error"
	KindTool     ErrorKind = "tool_error"
	KindConfig   ErrorKind = "config_error"
	KindMCP      ErrorKind = "mcp_error"
	KindTimeout  ErrorKind = "timeout_error"
	KindSession  ErrorKind = "session_error"
	KindBatch    ErrorKind = "batch_error"
)

// Error is the runtime's structured error. The cause chain is preserved by
// value through Unwrap so callers can match wrapped ErrHTTP/net errors with
// errors.As after any number of wrapping layers.
type Error struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Provider  string
	Model     string
	RequestID string
	Latency   time.Duration
	cause     error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// WrapError builds an Error of the given kind around cause.
func WrapError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause, Retryable: kind == KindMCP || kind == KindTimeout}
}

// ErrLLM is a provider-level failure that is not an HTTP status error
// (marshalling, malformed responses, refused features).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from a provider endpoint. RetryAfter carries
// the parsed Retry-After header when the server sent one.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
	RequestID  string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses an HTTP Retry-After header value given in seconds.
// HTTP-date forms are ignored; the backoff floor covers those.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
