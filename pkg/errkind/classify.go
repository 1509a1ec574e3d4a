// Package errkind classifies raw errors into retry-relevant kinds.
// The classifier is pure: it inspects error values and messages only,
// never global state, so handlers and the worker runtime can share it.
package errkind

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind is the retry classification of an error.
type Kind string

const (
	// Transient errors are retriable as-is (429/502/503/529, connection resets).
	Transient Kind = "TRANSIENT"
	// Permanent errors are never retried (4xx client errors, validation, auth).
	Permanent Kind = "PERMANENT"
	// Timeout errors are retriable, ideally with a higher deadline.
	Timeout Kind = "TIMEOUT"
	// Resource errors are retriable after a cooldown (rate limits, OOM, disk full).
	Resource Kind = "RESOURCE"
	// Unknown errors are retried once, then treated as Permanent.
	Unknown Kind = "UNKNOWN"
)

// Retriable reports whether the kind permits another attempt.
func (k Kind) Retriable() bool {
	return k != Permanent
}

// CountsAsBreakerFailure reports whether the kind increments a circuit
// breaker's failure counter. Permanent errors propagate without tripping.
func (k Kind) CountsAsBreakerFailure() bool {
	return k != Permanent
}

// Error is an error annotated with a classification kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with an explicit kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// FromHTTPStatus maps an upstream HTTP status code to a kind.
func FromHTTPStatus(status int) Kind {
	switch status {
	case 408, 504:
		return Timeout
	case 429:
		return Resource
	case 500, 502, 503, 529:
		return Transient
	}
	if status >= 400 && status < 500 {
		return Permanent
	}
	if status >= 500 {
		return Transient
	}
	return Unknown
}

// resourceMarkers are message fragments that indicate exhaustion rather
// than failure. Checked before transient markers: "rate limit" responses
// often also mention retrying.
var resourceMarkers = []string{
	"rate limit",
	"out of memory",
	"no space left on device",
	"disk full",
	"semaphore acquire timed out",
	"resource exhausted",
}

var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"connection aborted",
	"broken pipe",
	"no such host",
	"temporary failure in name resolution",
	"service unavailable",
	"bad gateway",
	"overloaded",
	"eof",
}

var permanentMarkers = []string{
	"bad request",
	"unauthorized",
	"forbidden",
	"not found",
	"method not allowed",
	"unprocessable",
	"invalid api key",
	"authentication",
	"schema validation",
	"unknown payload type",
}

// Classify maps a raw error to a Kind. A nil error classifies as Unknown;
// callers should not classify successes.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	msg := strings.ToLower(err.Error())

	for _, marker := range resourceMarkers {
		if strings.Contains(msg, marker) {
			return Resource
		}
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "aborterror") {
		return Timeout
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return Permanent
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return Transient
		}
	}

	return Unknown
}
