package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"
)

// State is a Request's position in the lifecycle state machine
// (NEW→QUEUED→PAYLOAD_OUT→WAITING→GOT_RESPONSE→FINISHED, with ABORTED
// reachable from any state).
type State int32

const (
	StateNew State = iota
	StateQueued
	StatePayloadOut
	StateWaiting
	StateGotResponse
	StateFinished
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateQueued:
		return "queued"
	case StatePayloadOut:
		return "payload_out"
	case StateWaiting:
		return "waiting"
	case StateGotResponse:
		return "got_response"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// singleValuedHeaders are the headers AddHeader rejects duplicates of;
// submitting a second value for one of these is a caller bug.
var singleValuedHeaders = map[string]bool{
	"Host":              true,
	"Date":              true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Authorization":     true,
	"Expect":            true,
	"User-Agent":        true,
}

// Stats reports timing information accumulated for a request: how long
// it sat queued before a connection claimed it, and how long it waited
// on a locked output before its bytes hit the wire.
type Stats struct {
	QueueWait      time.Duration
	OutputLockWait time.Duration
	Attempts       int
	Redirects      int
}

// Request is the unit of work submitted to a Client. Create one with
// Client.NewRequest, configure it, then call Submit.
type Request struct {
	mu sync.Mutex

	id    string
	label string

	client *Client

	method   string
	url      *url.URL
	proxyURL *url.URL
	header   http.Header
	haveHdr  map[string]bool

	username, password string
	authRetriedF       bool

	body                io.ReadSeeker
	bodyLen             int64
	chunked             bool
	sync                bool // Expect:100-continue requested
	preserveExactReason bool

	submitTime     time.Time
	releaseTime    time.Time
	attempts       int
	maxAttempts    int
	redirects      int
	maxRedirects   int
	timeoutAt      time.Time
	pendingTimeout time.Duration
	attemptTimeout time.Duration
	urgent         bool
	tracked        bool

	state State

	host  *Host
	queue *Queue
	peer  *Peer
	conn  *Connection

	attemptTimer *time.Timer

	callback Callback
	fired    bool

	queueEnteredAt      time.Time
	queueWaitTotal      time.Duration
	outputLockWaitTotal time.Duration
}

// NewRequest builds a Request targeting method/rawURL. It fails with a
// StatusInvalidURL *Error if rawURL's scheme is unsupported.
func (c *Client) NewRequest(method, rawURL string, callback Callback) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, newError("new_request", StatusInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "https", "unix":
	default:
		return nil, newError("new_request", StatusInvalidURL, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	r := &Request{
		id:           uuid.NewString(),
		client:       c,
		method:       method,
		url:          u,
		header:       make(http.Header),
		haveHdr:      make(map[string]bool),
		maxAttempts:  c.settings.MaxAttempts,
		maxRedirects: c.settings.MaxRedirects,
		callback:     callback,
		state:        StateNew,
	}
	r.label = fmt.Sprintf("%s %s#%s", method, u.Host, r.id[:8])

	return r, nil
}

// String returns the request's debug label.
func (r *Request) String() string { return r.label }

// ID returns the request's unique identifier.
func (r *Request) ID() string { return r.id }

// AddHeader adds a header, rejecting duplicates of single-valued
// headers (Host, Date, Content-Length, Transfer-Encoding, Connection,
// Authorization, Expect, User-Agent).
func (r *Request) AddHeader(name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	canon := http.CanonicalHeaderKey(name)
	if !httpguts.ValidHeaderFieldName(canon) || !httpguts.ValidHeaderFieldValue(value) {
		return newError("add_header", StatusInvalidURL, fmt.Errorf("invalid header %q", name))
	}
	if singleValuedHeaders[canon] && r.haveHdr[canon] {
		return newError("add_header", StatusInternal, fmt.Errorf("duplicate single-valued header %q", canon))
	}

	r.header.Add(canon, value)
	if singleValuedHeaders[canon] {
		r.haveHdr[canon] = true
	}
	return nil
}

// SetProxy routes the request through a CONNECT proxy (for https
// targets) or a plain forward proxy (for http targets) rather than
// dialing the origin directly, overriding Settings.ProxyURL.
func (r *Request) SetProxy(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return newError("set_proxy", StatusInvalidURL, err)
	}
	r.mu.Lock()
	r.proxyURL = u
	r.mu.Unlock()
	return nil
}

// SetBasicAuth configures credentials used for the request and for
// retrying once after a 401/407 challenge.
func (r *Request) SetBasicAuth(username, password string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.username, r.password = username, password
}

// SetPayload captures body as the request's body stream. body must
// support Seek(0, io.SeekStart) to be retryable after a failed
// attempt; length is the Content-Length, or -1 to send chunked.
// sync requests Expect:100-continue semantics.
func (r *Request) SetPayload(body io.ReadSeeker, length int64, sync bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.body = body
	r.bodyLen = length
	r.chunked = length < 0
	r.sync = sync
}

// SetTimeout sets the overall deadline for the request, measured from
// Submit, overriding Settings.RequestTimeout.
func (r *Request) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingTimeout = d
}

// SetAttemptTimeout sets the per-attempt deadline: how long a single
// attempt may wait for a response once it is on the wire.
func (r *Request) SetAttemptTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attemptTimeout = d
}

// SetMaxAttempts overrides Settings.MaxAttempts for this request.
func (r *Request) SetMaxAttempts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxAttempts = n
}

// SetUrgent marks the request to jump ahead of non-urgent requests at
// its Queue's head.
func (r *Request) SetUrgent(urgent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urgent = urgent
}

// PreserveExactReason requests that low-level failure causes be
// surfaced verbatim through Error.Unwrap rather than summarized, for
// callers that must mirror upstream text.
func (r *Request) PreserveExactReason(preserve bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preserveExactReason = preserve
}

// Stats returns a snapshot of this request's accumulated timing and
// counters.
func (r *Request) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		QueueWait:      r.queueWaitTotal,
		OutputLockWait: r.outputLockWaitTotal,
		Attempts:       r.attempts,
		Redirects:      r.redirects,
	}
}

// State returns the request's current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// effectiveProxy returns the proxy this request routes through: its own
// override if SetProxy was called, else the client-wide setting.
func (r *Request) effectiveProxy() *url.URL {
	if r.proxyURL != nil {
		return r.proxyURL
	}
	return r.client.settings.ProxyURL
}

// usesForwardProxy reports whether the request travels through a plain
// forward proxy and must therefore be written in absolute-URI form.
func (r *Request) usesForwardProxy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveProxy() != nil && r.url.Scheme == "http"
}

// Submit transitions the request NEW→QUEUED and routes it to its
// Host's Queue. If the client is shutting down, Submit returns nil and
// the request fails through its callback with StatusAborted. The
// callback is never invoked synchronously from Submit.
func (r *Request) Submit() error {
	r.mu.Lock()
	if r.state != StateNew {
		r.mu.Unlock()
		return newError("submit", StatusInternal, fmt.Errorf("submit called from state %s", r.state))
	}
	if r.client.closing.Load() {
		r.state = StateAborted
		r.mu.Unlock()
		r.client.failDelayed(r, newError("submit", StatusAborted, nil))
		return nil
	}

	r.submitTime = time.Now()
	overall := r.pendingTimeout
	if overall <= 0 {
		overall = r.client.settings.RequestTimeout
	}
	if overall > 0 {
		r.timeoutAt = r.submitTime.Add(overall)
	}
	if abs := r.client.settings.RequestAbsoluteTimeout; abs > 0 {
		at := r.submitTime.Add(abs)
		if r.timeoutAt.IsZero() || at.Before(r.timeoutAt) {
			r.timeoutAt = at
		}
	}
	r.state = StateQueued
	r.tracked = true
	targetURL := r.url
	if proxy := r.effectiveProxy(); proxy != nil {
		targetURL = proxy
	} else if sp := r.client.settings.ProxySocketPath; sp != "" && r.url.Scheme == "http" {
		targetURL = &url.URL{Scheme: "unix", Path: sp}
	}
	r.mu.Unlock()

	r.client.track(r)
	r.client.metrics.RequestsSubmitted.Inc()
	host, err := r.client.getOrCreateHost(targetURL)
	if err != nil {
		r.mu.Lock()
		r.state = StateAborted
		r.mu.Unlock()
		r.client.failDelayed(r, err)
		return nil
	}

	r.mu.Lock()
	r.host = host
	r.mu.Unlock()

	host.submitRequest(r)
	return nil
}

// Abort cancels the request, detaching it from whatever Queue or
// Connection currently references it and invoking its callback exactly
// once with StatusAborted unless it has already fired. Calling Abort
// on an already-finished request is a no-op.
func (r *Request) Abort() {
	r.mu.Lock()
	if r.fired || r.state == StateAborted || r.state == StateFinished {
		r.mu.Unlock()
		return
	}
	r.state = StateAborted
	q, c := r.queue, r.conn
	r.mu.Unlock()

	r.stopAttemptTimer()
	if q != nil {
		q.dropRequest(r)
	}
	if c != nil {
		c.abortRequest(r)
	}

	r.client.failDelayed(r, newError("abort", StatusAborted, nil))
}

// finish delivers the final outcome to the caller's callback exactly
// once, always from a goroutine the caller did not call into, never
// synchronously from Submit or Abort.
func (r *Request) finish(resp *Response, err error) {
	r.mu.Lock()
	if r.fired {
		r.mu.Unlock()
		return
	}
	r.fired = true
	if err == nil {
		r.state = StateFinished
	}
	cb := r.callback
	q := r.queue
	tracked := r.tracked
	submitTime := r.submitTime
	preserve := r.preserveExactReason
	r.mu.Unlock()

	if err != nil && !preserve {
		// summarize low-level causes unless the caller asked for them
		// verbatim
		var e *Error
		if errors.As(err, &e) && e.Err != nil {
			err = &Error{Status: e.Status, Op: e.Op}
		}
	}

	r.stopAttemptTimer()
	if q != nil {
		q.dropRequest(r)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if IsStatus(err, StatusAborted) {
			outcome = "aborted"
		}
	}
	r.client.metrics.RequestsCompleted.WithLabelValues(outcome).Inc()
	if !submitTime.IsZero() {
		r.client.metrics.RequestDuration.Observe(time.Since(submitTime).Seconds())
	}

	if cb != nil {
		cb(resp, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if tracked {
		r.client.untrack(r)
	}
}

// retryEligible reports whether the request may be resubmitted after a
// transient failure: attempt budget and overall deadline both allow
// another try.
func (r *Request) retryEligible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fired || r.state == StateAborted {
		return false
	}
	if r.attempts >= r.maxAttempts {
		return false
	}
	if !r.timeoutAt.IsZero() && time.Now().After(r.timeoutAt) {
		return false
	}
	return true
}

// countQueuedFailure charges an attempt for a failure that struck
// before the request reached the wire (connect refused, DNS error);
// attempts for sent requests are counted when the send begins.
func (r *Request) countQueuedFailure() {
	r.mu.Lock()
	if r.state == StateQueued {
		r.attempts++
	}
	r.mu.Unlock()
}

// rewindBody seeks the body stream back to the start for a retry.
// Returns false if the body is non-seekable and therefore not
// retryable once any bytes have been written.
func (r *Request) rewindBody() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.body == nil {
		return true
	}
	_, err := r.body.Seek(0, io.SeekStart)
	return err == nil
}

func (r *Request) setAttemptTimer(t *time.Timer) {
	r.mu.Lock()
	if r.attemptTimer != nil {
		r.attemptTimer.Stop()
	}
	r.attemptTimer = t
	r.mu.Unlock()
}

func (r *Request) stopAttemptTimer() {
	r.mu.Lock()
	if r.attemptTimer != nil {
		r.attemptTimer.Stop()
		r.attemptTimer = nil
	}
	r.mu.Unlock()
}

func (r *Request) attemptTimeoutValue() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attemptTimeout
}

func (r *Request) hasCredentials() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.username != ""
}

func (r *Request) authRetried() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authRetriedF
}

func (r *Request) markAuthRetried() {
	r.mu.Lock()
	r.authRetriedF = true
	r.mu.Unlock()
}

func (r *Request) isIdempotent() bool {
	switch r.method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

// toHTTPRequest builds the net/http.Request the wire package will
// serialize for the current attempt. The Expect header is managed by
// the Connection, which knows whether the peer honors 100-continue.
func (r *Request) toHTTPRequest() *http.Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.url
	host := r.url.Host
	if r.url.Scheme == "unix" {
		// the socket path is addressing, not a request target
		u = &url.URL{Scheme: "http", Path: "/"}
		host = "localhost"
	}
	req := &http.Request{
		Method:        r.method,
		URL:           u,
		Header:        r.header.Clone(),
		Host:          host,
		ContentLength: r.bodyLen,
	}
	if r.chunked {
		req.ContentLength = -1
		req.TransferEncoding = []string{"chunked"}
	}
	if r.body != nil {
		req.Body = io.NopCloser(r.body)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", r.client.settings.UserAgent)
	}
	if r.username != "" {
		req.SetBasicAuth(r.username, r.password)
	}
	return req
}
