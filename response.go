package httpclient

import "net/http"

// Response wraps the parsed response delivered to a Callback. Body is
// still open when the callback fires for streaming consumers; the
// engine closes it once the callback returns.
type Response struct {
	*http.Response

	// Request is the Request this Response answers, after any
	// redirects or retries: the one that actually reached the wire.
	Request *Request
}

// Callback is invoked exactly once per Request, from the engine's own
// goroutines, never synchronously from Submit or Abort. Exactly one of
// resp/err is meaningful: resp on success, err on final failure
// (typically an *Error).
type Callback func(resp *Response, err error)
