package httpclient

import (
	"errors"
	"fmt"
)

// Status classifies why a Request's callback fired with an error.
// Values below 1000 mirror real HTTP status codes returned by an
// origin server; values at or above 9000 are reserved for conditions
// that never reach the wire.
type Status int

const (
	// StatusAborted means the caller cancelled the request or the
	// client was shut down while it was outstanding.
	StatusAborted Status = 9001 + iota
	// StatusConnectFailed means every candidate address for the
	// request's queue was tried and exhausted.
	StatusConnectFailed
	// StatusDNSError means the host name could not be resolved. DNS
	// failures are transient: the request is retried within its
	// attempt budget before this surfaces.
	StatusDNSError
	// StatusInvalidURL means the request's target URL was rejected
	// at submit time.
	StatusInvalidURL
	// StatusInvalidRedirect means a 3xx Location header was missing,
	// unparseable, or the redirect ceiling was exceeded.
	StatusInvalidRedirect
	// StatusBrokenPayload means the request body stream returned an
	// error while being read.
	StatusBrokenPayload
	// StatusBadResponse means the response could not be parsed.
	StatusBadResponse
	// StatusTimeout means a per-attempt or overall deadline elapsed.
	StatusTimeout
	// StatusTLSError means the TLS handshake or certificate
	// verification failed.
	StatusTLSError
	// StatusInternal means an invariant was violated; it is never
	// expected to occur and indicates a bug in the engine itself.
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusAborted:
		return "aborted"
	case StatusConnectFailed:
		return "connect_failed"
	case StatusDNSError:
		return "dns_error"
	case StatusInvalidURL:
		return "invalid_url"
	case StatusInvalidRedirect:
		return "invalid_redirect"
	case StatusBrokenPayload:
		return "broken_payload"
	case StatusBadResponse:
		return "bad_response"
	case StatusTimeout:
		return "timeout"
	case StatusTLSError:
		return "tls_error"
	case StatusInternal:
		return "internal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Error is the single error type the engine returns to callbacks. Op
// names the operation that failed (e.g. "dial", "read_response") for
// logging; Status classifies the failure for programmatic handling;
// Err, when non-nil, wraps the underlying cause.
type Error struct {
	Status Status
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("httpclient: %s: %s: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("httpclient: %s: %s", e.Op, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, status Status, cause error) *Error {
	return &Error{Op: op, Status: status, Err: cause}
}

// IsStatus reports whether err is an *Error with the given status.
func IsStatus(err error, status Status) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Status == status
}
