package client

import (
	"errors"
	"fmt"

	"github.com/mkarlsen/statclient/pkg/errclass"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrSourceBlocked is returned when consecutive rate-limit responses
	// suggest the source is treating this client as blocked; continuing to
	// retry would only make that worse.
	ErrSourceBlocked = errors.New("source likely blocked")

	// ErrEmptyResponse is returned for a 200 response with no body. The
	// upstream occasionally produces these under load.
	ErrEmptyResponse = errors.New("empty response")

	// ErrContextCancelled is returned when the context is cancelled during
	// throttling or backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// RequestError carries the classification of a failed request so callers and
// the retry loop never have to re-derive it from error text.
type RequestError struct {
	StatusCode int
	Class      errclass.Class
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// classOf extracts the classification from an error produced by the
// transport layer, falling back to text classification for opaque errors.
func classOf(err error) errclass.Class {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Class
	}
	return errclass.FromError(err)
}
