package scanner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// StatusError is returned when a log responds to a request with a non-200
// HTTP status. The response body is retained so the error message can show
// what the log actually said, in the spirit of jsonclient's RspError.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       []byte
	// RetryAfter holds a server-provided retry hint parsed from
	// a Retry-After header on a 429 response, or zero if none was given.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP Response Status: %d HTTP Response Body: %q",
		e.Endpoint, e.StatusCode, string(e.Body))
}

// Temporary returns true for statuses worth retrying: 429 and all 5xx.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ParseError is returned when a log responds with a 200 but the JSON
// envelope is malformed or missing required fields.
type ParseError struct {
	Endpoint string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Endpoint, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DecodeError is returned when a leaf_input blob can not be decoded into
// a v1 MerkleTreeLeaf wrapping a timestamped entry.
type DecodeError struct {
	Index uint64
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding leaf at index %d: %s", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// CertParseError is returned when an entry's certificate (or precert TBS)
// DER could not be parsed even by the lenient parsers.
type CertParseError struct {
	Index uint64
	Err   error
}

func (e *CertParseError) Error() string {
	return fmt.Sprintf("parsing certificate at index %d: %s", e.Index, e.Err)
}

func (e *CertParseError) Unwrap() error {
	return e.Err
}

// FatalError wraps an unrecoverable error from a scan or stream run
// together with the last committed cursor. Every index below Cursor has
// been fully processed, so a caller can resume a bounded scan from Cursor
// without skipping or duplicating entries.
type FatalError struct {
	Cursor uint64
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s (scanned up to index %d)", e.Err, e.Cursor)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// retryable reports whether a fetch error is worth another attempt.
// Retryable classes are network-level failures and temporary HTTP
// statuses. Context cancellation, non-retryable statuses and malformed
// response envelopes are not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return false
	}
	// Anything else is a transport-level failure (connection refused,
	// reset, per-request timeout) and considered transient.
	return true
}
