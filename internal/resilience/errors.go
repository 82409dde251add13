// Package resilience provides error classification, retry with backoff, and
// circuit breaking for the pipeline's external calls.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// Kind buckets an error by how the scheduler should react to it.
type Kind int

const (
	// KindTransient errors are retried per the stage's retry policy.
	KindTransient Kind = iota
	// KindPermanent errors terminate the item at its current stage.
	KindPermanent
	// KindBudget errors mark remaining sections Skipped rather than Failed.
	KindBudget
	// KindFatal errors halt the scheduler; in-flight work rolls back.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindBudget:
		return "budget"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifiedError attaches a Kind to an error, with optional rate-limit
// delay and HTTP status.
type ClassifiedError struct {
	Err        error
	Kind       Kind
	RetryAfter time.Duration
	StatusCode int
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient wraps err as retryable, with an optional HTTP status code.
func Transient(err error, statusCode int) *ClassifiedError {
	return &ClassifiedError{Err: err, Kind: KindTransient, StatusCode: statusCode}
}

// RateLimited wraps err as retryable after the given delay.
func RateLimited(err error, retryAfter time.Duration) *ClassifiedError {
	return &ClassifiedError{Err: err, Kind: KindTransient, StatusCode: 429, RetryAfter: retryAfter}
}

// Permanent wraps err as a permanent input error.
func Permanent(err error) *ClassifiedError {
	return &ClassifiedError{Err: err, Kind: KindPermanent}
}

// Budget wraps err as a budget exhaustion.
func Budget(err error) *ClassifiedError {
	return &ClassifiedError{Err: err, Kind: KindBudget}
}

// Fatal wraps err as a system-level failure.
func Fatal(err error) *ClassifiedError {
	return &ClassifiedError{Err: err, Kind: KindFatal}
}

// KindOf returns the Kind of err. Unclassified errors that look like network
// trouble are treated as transient; everything else is permanent.
func KindOf(err error) Kind {
	if err == nil {
		return KindPermanent
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if looksTransient(err) {
		return KindTransient
	}
	return KindPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// RetryAfterOf returns the rate-limit delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// IsTransientHTTPStatus reports whether an HTTP status indicates a
// server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func looksTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
