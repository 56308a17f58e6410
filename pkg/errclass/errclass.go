// Package errclass maps transport and HTTP failures into the small taxonomy
// the rest of the client uses to decide retry eligibility. It is the single
// source of truth for that decision - no other package re-implements it.
package errclass

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Class is a classification of a request failure.
type Class string

const (
	// ClassTimeout represents a request that ran out of time (deadline
	// exceeded, read timeout).
	ClassTimeout Class = "timeout"

	// ClassConnectivity represents transport-level failures: DNS resolution,
	// refused connections, unreachable networks.
	ClassConnectivity Class = "connectivity"

	// ClassRateLimited represents HTTP 429 responses.
	ClassRateLimited Class = "rate_limited"

	// ClassUnavailable represents 5xx responses. The upstream names 503 as
	// its throttling status, but 500/502 behave identically for retry
	// purposes, so all 5xx land here.
	ClassUnavailable Class = "unavailable"

	// ClassClient represents 4xx responses other than 429. Never retried.
	ClassClient Class = "client_error"

	// ClassEmptyResponse represents a 200 response with no body. The
	// upstream occasionally returns these under load.
	ClassEmptyResponse Class = "empty_response"

	// ClassParse represents a payload that could not be decoded.
	ClassParse Class = "parse_failure"

	// ClassCacheCorruption represents an unreadable persisted store.
	// Recovered locally as a cold start, never fatal.
	ClassCacheCorruption Class = "cache_corruption"

	// ClassUnknown is everything else.
	ClassUnknown Class = "unknown"
)

// Substrings matched against opaque error text when no typed error is
// available. Matching is case-insensitive.
var (
	timeoutPhrases      = []string{"timeout", "timed out", "deadline"}
	connectivityPhrases = []string{"resolve", "no such host", "connection", "network", "broken pipe"}
)

// FromStatus classifies an HTTP status code. Codes below 400 return
// ClassUnknown; successful responses are not failures and should not be
// classified at all.
func FromStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status >= 500:
		return ClassUnavailable
	case status >= 400:
		return ClassClient
	default:
		return ClassUnknown
	}
}

// FromError classifies a transport error. Typed errors are inspected first;
// substring matching on the error text is the fallback for opaque errors
// from transports that do not expose a uniform error type.
func FromError(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassConnectivity
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassConnectivity
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ClassConnectivity
	}

	return fromText(err.Error())
}

// Classify combines both signals. A status code, when present (non-zero),
// takes precedence over the error text.
func Classify(status int, err error) Class {
	if status != 0 {
		if c := FromStatus(status); c != ClassUnknown {
			return c
		}
	}
	if err != nil {
		return FromError(err)
	}
	return ClassUnknown
}

// Retryable reports whether a failure of the given class may succeed on a
// later attempt. Client errors and empty responses cannot.
func Retryable(c Class) bool {
	switch c {
	case ClassRateLimited, ClassUnavailable, ClassTimeout, ClassConnectivity:
		return true
	default:
		return false
	}
}

func fromText(msg string) Class {
	lower := strings.ToLower(msg)
	for _, phrase := range timeoutPhrases {
		if strings.Contains(lower, phrase) {
			return ClassTimeout
		}
	}
	for _, phrase := range connectivityPhrases {
		if strings.Contains(lower, phrase) {
			return ClassConnectivity
		}
	}
	return ClassUnknown
}
