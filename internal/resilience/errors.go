package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an infrastructure error that is safe to retry
// (network, broker, transport, 429/5xx).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// DataError wraps a data-shaped failure: unreadable document, model response
// failing schema validation. Retried a bounded number of times on the theory
// that upstream flakiness may resolve, then dead-lettered with Raw attached
// for manual triage.
type DataError struct {
	Err error
	// Raw is the failing payload (e.g. the unparseable model response),
	// preserved in the job log when the job dead-letters.
	Raw string
}

func (e *DataError) Error() string { return e.Err.Error() }
func (e *DataError) Unwrap() error { return e.Err }

// NewDataError wraps an error as a data error carrying the raw failing payload.
func NewDataError(err error, raw string) *DataError {
	return &DataError{Err: err, Raw: raw}
}

// RawPayload returns the raw payload attached to a DataError in the chain, if any.
func RawPayload(err error) (string, bool) {
	var de *DataError
	if errors.As(err, &de) {
		return de.Raw, true
	}
	return "", false
}

// IsTransient reports whether the error (or any error in its chain) is a
// TransientError, or matches common transient network patterns.
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

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
