package upstream

import (
	"errors"
	"fmt"
)

// Common errors returned by the fetcher.
var (
	// ErrRetryExhausted is returned when every attempt failed at the transport level.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrTimeout is returned when an attempt got no response headers in time.
	ErrTimeout = errors.New("upstream timeout")

	// ErrContextCancelled is returned when the caller's context ends mid-fetch.
	ErrContextCancelled = errors.New("context cancelled")
)

// Outcome classifies a single upstream attempt.
type Outcome string

const (
	// OutcomeOK covers 2xx and 3xx responses.
	OutcomeOK Outcome = "ok"

	// OutcomeClientError covers 4xx responses. Never retried.
	OutcomeClientError Outcome = "client_error"

	// OutcomeServerError covers 5xx responses.
	OutcomeServerError Outcome = "server_error"

	// OutcomeTimeout is an attempt cancelled by the per-attempt timeout.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeTransport is a connection or protocol error.
	OutcomeTransport Outcome = "transport"
)

// FetchError is returned when no upstream response could be obtained.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// shouldRetry determines if an attempt outcome warrants another attempt.
func shouldRetry(o Outcome) bool {
	switch o {
	case OutcomeServerError, OutcomeTimeout, OutcomeTransport:
		return true
	default:
		// 2xx-3xx are done, 4xx are not transient
		return false
	}
}
