package gro

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"regexp"
	"syscall"
	"time"
)

// connectionErrPattern matches the message text of network-class failures
// that indicate a sustained outage rather than a request-level problem.
var connectionErrPattern = regexp.MustCompile(`(?i)(econnrefused|econnreset|etimedout|enetunreach|eai_again|socket hang ?up|connection refused|connection reset|broken pipe|no such host|network is unreachable|i/o timeout|fetch timeout|tls handshake timeout)`)

// IsConnectionError reports whether err (or anything in its cause chain) is a
// connection-class failure: refused/reset/unreachable sockets, DNS failures,
// and fetch timeouts. These are retried indefinitely by WithConnectionRecovery;
// everything else surfaces immediately.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ETIMEDOUT,
		syscall.ENETUNREACH,
		syscall.EPIPE,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var timeout *Error
	if errors.As(err, &timeout) && timeout.Kind == KindTimeout {
		return true
	}
	// Walk the cause chain matching message text for errors that lost their
	// type identity through serialization or third-party wrapping.
	for e := err; e != nil; e = errors.Unwrap(e) {
		if connectionErrPattern.MatchString(e.Error()) {
			return true
		}
	}
	return false
}

// Recovery backoff schedule: 5 → 10 → 30 → 60s cap, plus 25% jitter.
var recoverySchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

const recoveryJitterFrac = 0.25

// RecoveryOptions configures WithConnectionRecovery.
type RecoveryOptions struct {
	// Logger receives a WARN per recovery attempt. Nil = silent.
	Logger *slog.Logger
	// Where tags log lines with the protected call site.
	Where string
}

// WithConnectionRecovery invokes fn until it stops failing with a
// connection-class error, sleeping with capped exponential backoff between
// attempts. Non-connection errors are rethrown unchanged. Cancellation of ctx
// aborts the wait and returns ctx.Err().
//
// This is the outermost wrapper for sustained outages; drivers perform their
// own bounded retries first (see RetryCall).
func WithConnectionRecovery[T any](ctx context.Context, opts RecoveryOptions, fn func() (T, error)) (T, error) {
	var zero T
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger
	}
	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !IsConnectionError(err) {
			return zero, err
		}

		delay := recoverySchedule[min(attempt, len(recoverySchedule)-1)]
		jitter := time.Duration(rand.Float64() * recoveryJitterFrac * float64(delay))
		logger.Warn("connection lost, retrying",
			"where", opts.Where,
			"delay", delay+jitter,
			"error", err)

		timer := time.NewTimer(delay + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
