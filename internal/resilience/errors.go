// Package resilience provides retry, circuit breaking, and the error
// taxonomy that decides whether an ingestion failure aborts a job or is
// absorbed along the way.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// StructuralError marks a failure of the input itself (unreadable archive,
// missing required section, malformed document). It always aborts the job.
type StructuralError struct {
	Err error
}

func (e *StructuralError) Error() string {
	return e.Err.Error()
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

// NewStructural wraps an error as structural.
func NewStructural(err error) *StructuralError {
	return &StructuralError{Err: err}
}

// IsStructural reports whether the error chain contains a StructuralError.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// FetchError marks a provider fetch failure (network, auth, rate limit).
// Transient fetch errors are retried with backoff; exhaustion surfaces as
// job failure.
type FetchError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	return e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StoreWriteError marks a persistence failure on a single record. The job
// controller retries it once immediately; a repeated failure aborts the job
// while preserving records already written.
type StoreWriteError struct {
	Err error
}

func (e *StoreWriteError) Error() string {
	return e.Err.Error()
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

// NewStoreWrite wraps an error as a store write failure.
func NewStoreWrite(err error) *StoreWriteError {
	return &StoreWriteError{Err: err}
}

// IsStoreWrite reports whether the error chain contains a StoreWriteError.
func IsStoreWrite(err error) bool {
	var se *StoreWriteError
	return errors.As(err, &se)
}

// TransientError wraps an error that is safe to retry (429, 5xx, network
// timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP
// status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient network failure
// patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Heuristics for errors wrapped by HTTP clients that lose their type.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true for status codes that indicate a
// retryable server-side condition.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
