package httpclient

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/httpclient/internal/backoff"
	"github.com/prxssh/httpclient/internal/metrics"
	"github.com/prxssh/httpclient/internal/registry"
)

// Client is the top-level registry of Hosts and Peers, the settings
// every Request/Queue/Peer/Connection shares, and the bookkeeping
// needed to block in Wait until every outstanding request finishes.
type Client struct {
	settings Settings
	logger   *slog.Logger
	metrics  *metrics.Metrics

	hosts *registry.Map[string, *Host]
	peers *registry.Map[PeerAddress, *Peer]

	unixOnce sync.Once
	unixHost *Host

	mu       sync.Mutex
	requests map[*Request]struct{}
	idleCh   chan struct{}

	closing atomic.Bool

	delayedMu sync.Mutex
	delayed   []func()
	delayedCh chan struct{}
}

// New constructs a Client from settings. Call Deinit when done.
func New(settings Settings) *Client {
	c := &Client{
		settings:  settings,
		logger:    settings.Logger,
		metrics:   settings.newMetrics(),
		hosts:     registry.New[string, *Host](),
		peers:     registry.New[PeerAddress, *Peer](),
		requests:  make(map[*Request]struct{}),
		delayedCh: make(chan struct{}, 1),
	}
	go c.delayedFailureLoop()
	return c
}

// track/untrack implement Wait's "until requests_count == 0" contract.
func (c *Client) track(r *Request) {
	c.mu.Lock()
	c.requests[r] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrack(r *Request) {
	c.mu.Lock()
	delete(c.requests, r)
	idle := len(c.requests) == 0
	ch := c.idleCh
	c.mu.Unlock()

	if idle && ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until every request submitted so far has received its
// callback.
func (c *Client) Wait() {
	c.mu.Lock()
	if len(c.requests) == 0 {
		c.mu.Unlock()
		return
	}
	ch := make(chan struct{}, 1)
	c.idleCh = ch
	c.mu.Unlock()

	<-ch
}

// Deinit aborts every outstanding request with StatusAborted, closes
// all connections, and drops Host/Peer caches. The Client is unusable
// afterward.
func (c *Client) Deinit() {
	c.closing.Store(true)

	c.mu.Lock()
	outstanding := make([]*Request, 0, len(c.requests))
	for r := range c.requests {
		outstanding = append(outstanding, r)
	}
	c.mu.Unlock()
	for _, r := range outstanding {
		r.Abort()
	}

	var peers []*Peer
	c.peers.Range(func(_ PeerAddress, p *Peer) bool {
		peers = append(peers, p)
		return true
	})
	for _, p := range peers {
		p.mu.Lock()
		conns := append([]*Connection(nil), p.connections...)
		p.mu.Unlock()
		for _, conn := range conns {
			conn.close(newError("deinit", StatusAborted, nil))
		}
	}
}

// proxyAuthHeader returns the Proxy-Authorization value the configured
// proxy credentials produce, or "" if none are set.
func (c *Client) proxyAuthHeader() string {
	if c.settings.ProxyUsername == "" {
		return ""
	}
	creds := c.settings.ProxyUsername + ":" + c.settings.ProxyPassword
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

// deliverOrRetry is the single funnel every terminal or
// possibly-terminal outcome (response received, connect failed,
// timeout, parse error) passes through: it decides redirect/retry/
// credential-retry/finish. Failures reach Request.finish off the
// calling goroutine's stack via the delayed-failure mechanism so a
// callback never re-enters submit/abort; a successful response is
// delivered on the calling goroutine by finishOK.
func (c *Client) deliverOrRetry(r *Request, resp *Response, err error) {
	if resp != nil {
		if c.tryRedirectOrAuthRetry(r, resp) {
			return
		}
		if (resp.StatusCode == 503 || resp.StatusCode == 429) &&
			resp.Header.Get("Retry-After") != "" && r.retryEligible() && r.rewindBody() {
			c.delayedRetryAfter(r, resp)
			return
		}
		if resp.StatusCode >= 500 && c.settings.RetryOn5xx && r.retryEligible() && r.rewindBody() {
			c.metrics.RetriesTotal.WithLabelValues("5xx").Inc()
			c.requeue(r)
			return
		}
		c.finishOK(r, resp)
		return
	}

	if IsStatus(err, StatusAborted) {
		c.failDelayed(r, err)
		return
	}

	if r.retryEligible() && r.rewindBody() {
		r.countQueuedFailure()
		c.metrics.RetriesTotal.WithLabelValues(retryReasonLabel(err)).Inc()
		c.requeue(r)
		return
	}

	c.failDelayed(r, err)
}

func retryReasonLabel(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Status.String()
	}
	return "unknown"
}

// requeue resubmits r to its Queue for another attempt.
func (c *Client) requeue(r *Request) {
	r.mu.Lock()
	q := r.queue
	r.mu.Unlock()
	if q == nil {
		c.failDelayed(r, newError("retry", StatusInternal, nil))
		return
	}
	q.resubmit(r)
}

// delayedRetryAfter schedules r for resubmission after the server's
// Retry-After header, or a jittered backoff if the header is
// unparseable.
func (c *Client) delayedRetryAfter(r *Request, resp *Response) {
	d := parseRetryAfter(resp.Header.Get("Retry-After"))
	if d <= 0 {
		r.mu.Lock()
		attempt := r.attempts
		r.mu.Unlock()
		d = backoff.DelayedRetry(attempt, 500*time.Millisecond, 30*time.Second)
	}

	c.metrics.RetriesTotal.WithLabelValues("retry_after").Inc()

	r.mu.Lock()
	r.releaseTime = time.Now().Add(d)
	r.state = StateQueued
	r.conn = nil
	q := r.queue
	r.mu.Unlock()

	if q == nil {
		c.failDelayed(r, newError("retry", StatusInternal, nil))
		return
	}
	q.dropRequest(r)
	q.submitRequest(r)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		return time.Until(t)
	}
	return 0
}

// tryRedirectOrAuthRetry implements the 3xx-with-Location and
// 401/407-with-credentials local recovery rules. Returns true if it
// took ownership of delivering r's next step.
func (c *Client) tryRedirectOrAuthRetry(r *Request, resp *Response) bool {
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if loc == "" {
			c.failDelayed(r, newError("redirect", StatusInvalidRedirect, nil))
			return true
		}
		c.followRedirect(r, loc)
		return true
	}

	if (resp.StatusCode == 401 || resp.StatusCode == 407) && r.hasCredentials() && !r.authRetried() && r.rewindBody() {
		r.markAuthRetried()
		c.metrics.RetriesTotal.WithLabelValues("auth").Inc()
		c.requeue(r)
		return true
	}

	return false
}

// followRedirect rewrites r's target and resubmits it through Host
// resolution, since the Location may name a different origin than the
// Queue the response came from.
func (c *Client) followRedirect(r *Request, loc string) {
	relURL, err := url.Parse(loc)
	if err != nil {
		c.failDelayed(r, newError("redirect", StatusInvalidRedirect, err))
		return
	}

	r.mu.Lock()
	if r.redirects >= r.maxRedirects {
		r.mu.Unlock()
		c.failDelayed(r, newError("redirect", StatusInvalidRedirect, nil))
		return
	}
	r.url = r.url.ResolveReference(relURL)
	r.redirects++
	r.state = StateQueued
	r.conn = nil
	oldQueue := r.queue
	r.queue = nil
	targetURL := r.url
	if proxy := r.effectiveProxy(); proxy != nil {
		targetURL = proxy
	}
	r.mu.Unlock()

	if !r.rewindBody() {
		c.failDelayed(r, newError("redirect", StatusBrokenPayload, nil))
		return
	}
	if oldQueue != nil {
		oldQueue.dropRequest(r)
	}

	c.metrics.RetriesTotal.WithLabelValues("redirect").Inc()

	host, err := c.getOrCreateHost(targetURL)
	if err != nil {
		c.failDelayed(r, err)
		return
	}
	r.mu.Lock()
	r.host = host
	r.mu.Unlock()
	host.submitRequest(r)
}

// finishOK delivers a successful response to r's callback, on the
// calling goroutine (a Connection's read loop): per-connection callback
// ordering must match response arrival order, so responses may not fan
// out to per-request goroutines.
func (c *Client) finishOK(r *Request, resp *Response) {
	r.finish(resp, nil)
}

// failDelayed appends r's failure to the delayed-failure list so it is
// reported from outside any caller's stack, guaranteeing callbacks
// never re-enter submit/abort.
func (c *Client) failDelayed(r *Request, err error) {
	c.delayedMu.Lock()
	c.delayed = append(c.delayed, func() { r.finish(nil, err) })
	c.delayedMu.Unlock()

	select {
	case c.delayedCh <- struct{}{}:
	default:
	}
}

func (c *Client) delayedFailureLoop() {
	for range c.delayedCh {
		c.delayedMu.Lock()
		batch := c.delayed
		c.delayed = nil
		c.delayedMu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}
