package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/httpclient/internal/dial"
	"github.com/prxssh/httpclient/internal/wire"
	"github.com/prxssh/httpclient/pkg/logging"
)

// connFlags mirrors the boolean state tracked per connection. Grouped
// in one struct, guarded by Connection.mu, rather than a bitmask: the
// set is small and read for logging often enough that named fields pay
// for themselves.
type connFlags struct {
	connected        bool
	connectSucceeded bool
	closing          bool
	disconnected     bool
	outputLocked     bool
	outputBroken     bool
	sending          bool
	tunneling        bool
	closeIndicated   bool
}

// Connection drives one physical HTTP/1.x byte stream to a Peer's
// address: sending requests, receiving responses, and enforcing the
// per-connection timeouts.
type Connection struct {
	mu    sync.Mutex
	label string
	peer  *Peer

	netConn net.Conn
	br      *bufio.Reader

	connectStart time.Time
	connectedAt  time.Time

	// requestWaitList holds requests whose bytes are on the wire, in
	// send order; responses are matched to its head.
	requestWaitList []*Request
	// pendingRequest is the request currently being written out (its
	// body may still be withheld pending a 100-continue).
	pendingRequest *Request

	flags connFlags

	continueCh chan struct{}
	skipBodyCh chan struct{}
	waitSignal chan struct{}

	g      *errgroup.Group
	cancel context.CancelFunc
	done   chan struct{}

	idleTimer *time.Timer
}

// newConnection dials peer.addr, performs TLS/tunnel setup as needed,
// and starts the connection's read loop. It reports the connect outcome
// to peer via connectionSuccess/connectionFailure.
func newConnection(peer *Peer) (*Connection, error) {
	c := &Connection{
		label:        fmt.Sprintf("%s-%d", peer.addr, peer.nextConnSeq()),
		peer:         peer,
		connectStart: time.Now(),
		continueCh:   make(chan struct{}, 1),
		skipBodyCh:   make(chan struct{}, 1),
		waitSignal:   make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), peer.client.settings.ConnectTimeout)
	defer cancel()

	target := dial.Target{Network: "tcp", Address: peer.addr.HostPort()}
	switch peer.addr.Scheme {
	case SchemeUnix:
		target = dial.Target{Network: "unix", Address: peer.addr.Path}
	case SchemeHTTPS:
		target.TLS = peer.client.tlsConfigFor(peer.addr.SNI)
	case SchemeHTTPSTunnel:
		// peer.addr names the CONNECT proxy; the tunnel's far end is
		// the origin carried in SNI/OriginPort.
		originPort := peer.addr.OriginPort
		if originPort == 0 {
			originPort = DefaultPort(SchemeHTTPS)
		}
		target.Proxy = peer.addr.HostPort()
		target.ProxyAuth = peer.client.proxyAuthHeader()
		target.Address = fmt.Sprintf("%s:%d", peer.addr.SNI, originPort)
		target.TLS = peer.client.tlsConfigFor(peer.addr.SNI)
		c.flags.tunneling = true
	}

	conn, err := peer.client.settings.Dialer.Dial(ctx, target)
	if err != nil {
		peer.connectionFailure(err)
		var tlsErr *dial.TLSError
		if errors.As(err, &tlsErr) {
			return nil, newError("dial", StatusTLSError, err)
		}
		return nil, newError("dial", StatusConnectFailed, err)
	}

	c.netConn = conn
	c.br = bufio.NewReader(conn)
	c.connectedAt = time.Now()
	c.flags.connected = true
	c.flags.connectSucceeded = true

	runCtx, runCancel := context.WithCancel(context.Background())
	c.cancel = runCancel
	g, gctx := errgroup.WithContext(runCtx)
	c.g = g

	peer.client.logger.Debug("connection established", logging.Conn(c.label), logging.Peer(peer.addr))
	peer.addConnection(c)
	peer.connectionSuccess()
	peer.client.metrics.ConnectionsOpened.Inc()
	peer.client.metrics.ConnectionsOpen.Inc()

	g.Go(func() error { return c.readLoop(gctx) })

	go func() {
		_ = g.Wait()
		close(c.done)
	}()

	c.armIdle()
	c.nextRequest()

	return c, nil
}

// String returns the connection's debug label.
func (c *Connection) String() string { return c.label }

// readyLocked reports 1 if a new request may begin sending, 0 if the
// connection is busy, -1 if it is unusable. Callers hold c.mu.
func (c *Connection) readyLocked() int {
	if c.flags.closing || c.flags.disconnected || c.flags.outputBroken {
		return -1
	}
	if c.flags.sending || c.flags.outputLocked {
		return 0
	}
	if len(c.requestWaitList) >= c.peer.client.settings.MaxPipelinedRequests {
		return 0
	}
	if len(c.requestWaitList) > 0 {
		// pipelining onto an occupied connection: the peer must have
		// proven itself, and the request awaiting a response must be
		// safe to follow.
		if !c.peer.pipeliningAllowed() {
			return 0
		}
		tail := c.requestWaitList[len(c.requestWaitList)-1]
		if tail.sync {
			return 0
		}
		if !tail.isIdempotent() && !c.peer.client.settings.PipeliningAllowNonidempotent {
			return 0
		}
	}
	return 1
}

// checkReady reports 1 if output is writable and not locked, 0 if
// busy, -1 if unusable.
func (c *Connection) checkReady() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLocked()
}

// nextRequest claims a request from the peer and begins sending it, if
// the connection is idle and a request is available. Returns 1 if a
// request was picked up, 0 if none is available, -1 on fatal error.
func (c *Connection) nextRequest() int {
	c.mu.Lock()
	ready := c.readyLocked()
	if ready != 1 {
		c.mu.Unlock()
		return min(ready, 0)
	}
	c.flags.sending = true
	pipelined := len(c.requestWaitList) > 0
	c.mu.Unlock()

	req := c.peer.claimRequest(false)
	if req == nil {
		c.mu.Lock()
		c.flags.sending = false
		c.mu.Unlock()
		return 0
	}

	if pipelined && req.syncRequested() {
		// an Expect:100-continue request may not pipeline behind an
		// outstanding response; put it back for when we drain.
		c.mu.Lock()
		c.flags.sending = false
		c.mu.Unlock()
		req.queueRef().pushFront(req)
		return 0
	}

	go c.sendRequest(req)
	return 1
}

func (r *Request) syncRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sync
}

func (r *Request) queueRef() *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue
}

// sendRequest writes req's head (and body, subject to 100-continue
// gating) to the wire, then hands send rights to the next claimant.
func (c *Connection) sendRequest(req *Request) {
	now := time.Now()
	req.mu.Lock()
	req.state = StatePayloadOut
	req.conn = c
	req.peer = c.peer
	req.attempts++
	attemptNum := req.attempts
	syncBody := req.sync
	var queueWait time.Duration
	if !req.queueEnteredAt.IsZero() {
		queueWait = now.Sub(req.queueEnteredAt)
		req.queueWaitTotal += queueWait
		req.queueEnteredAt = time.Time{}
	}
	req.mu.Unlock()
	c.peer.client.metrics.RequestQueueLatency.Observe(queueWait.Seconds())

	hreq := req.toHTTPRequest()

	withholdBody := syncBody && !c.peer.noPayloadSync()
	if withholdBody {
		hreq.Header.Set("Expect", "100-continue")
	}

	c.mu.Lock()
	nonPipelineable := syncBody
	if nonPipelineable {
		c.flags.outputLocked = true
	}
	c.pendingRequest = req
	depth := len(c.requestWaitList) + 1
	c.mu.Unlock()
	c.peer.client.metrics.PipelineDepth.Observe(float64(depth))

	c.disarmIdle()
	c.peer.client.logger.Debug("sending request",
		logging.Conn(c.label), logging.Request(req.label), logging.Attempt(attemptNum))

	var writeErr error
	switch {
	case withholdBody:
		writeErr = wire.WriteRequestHead(c.netConn, hreq)
	case req.usesForwardProxy():
		writeErr = wire.WriteRequestAbsolute(c.netConn, hreq)
	default:
		writeErr = wire.WriteRequest(c.netConn, hreq)
	}
	if writeErr != nil {
		c.sendFailed(req, newError("write_request", StatusBrokenPayload, writeErr))
		return
	}

	if withholdBody {
		// register before the body goes out so the read loop can match
		// interim (100) or early final responses to this request.
		c.enqueueWaiting(req, StatePayloadOut)
		lockWaitStart := time.Now()
		select {
		case <-c.continueCh:
		case <-c.skipBodyCh:
			// final response arrived before the body was released; the
			// read loop already delivered it and the body is discarded.
			c.sendDone(false)
			c.nextRequest()
			return
		case <-time.After(c.peer.client.settings.ContinueTimeout):
			// peer never acknowledged; send the body anyway.
		case <-c.done:
			return
		}
		req.mu.Lock()
		req.outputLockWaitTotal += time.Since(lockWaitStart)
		req.mu.Unlock()
		if err := c.writeBody(hreq); err != nil {
			c.sendFailed(req, newError("write_body", StatusBrokenPayload, err))
			return
		}
		req.mu.Lock()
		req.state = StateWaiting
		req.mu.Unlock()
	} else {
		c.enqueueWaiting(req, StateWaiting)
	}

	c.armAttemptTimer(req)
	c.sendDone(!nonPipelineable)
	c.nextRequest()
}

// sendDone releases the single-writer reservation; unlock reopens the
// output for pipelined sends (false while a non-pipelineable request
// awaits its response).
func (c *Connection) sendDone(unlock bool) {
	c.mu.Lock()
	c.flags.sending = false
	c.pendingRequest = nil
	if unlock {
		c.flags.outputLocked = false
	}
	c.mu.Unlock()
}

func (c *Connection) enqueueWaiting(req *Request, state State) {
	req.mu.Lock()
	req.state = state
	req.mu.Unlock()

	c.mu.Lock()
	c.requestWaitList = append(c.requestWaitList, req)
	c.mu.Unlock()
	c.signalWaitList()
}

func (c *Connection) signalWaitList() {
	select {
	case c.waitSignal <- struct{}{}:
	default:
	}
}

// writeBody streams a withheld body after the head already went out,
// applying chunked framing itself since the serializer only saw the
// head.
func (c *Connection) writeBody(hreq *http.Request) error {
	if hreq.Body == nil {
		return nil
	}
	if hreq.ContentLength < 0 {
		cw := httputil.NewChunkedWriter(c.netConn)
		if _, err := io.Copy(cw, hreq.Body); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
		_, err := io.WriteString(c.netConn, "\r\n")
		return err
	}
	_, err := io.Copy(c.netConn, hreq.Body)
	return err
}

// armAttemptTimer starts the per-attempt response deadline once req is
// fully on the wire: a stalled peer forfeits the whole connection.
func (c *Connection) armAttemptTimer(req *Request) {
	d := req.attemptTimeoutValue()
	if d <= 0 {
		return
	}
	req.setAttemptTimer(time.AfterFunc(d, func() { c.attemptTimedOut(req) }))
}

func (c *Connection) attemptTimedOut(req *Request) {
	c.mu.Lock()
	found := false
	for i, r := range c.requestWaitList {
		if r == req {
			c.requestWaitList = append(c.requestWaitList[:i], c.requestWaitList[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return
	}

	// close first so the resubmission cannot land back on this
	// connection
	c.close(newError("attempt_timeout", StatusTimeout, nil))
	c.peer.client.deliverOrRetry(req, nil, newError("attempt_timeout", StatusTimeout, nil))
}

// readLoop reads one response at a time, matching it to the wait
// list's head in strict FIFO order, until the connection closes. The
// response payload is drained before the next head is parsed so
// pipelined response boundaries stay aligned.
func (c *Connection) readLoop(ctx context.Context) error {
	for {
		head := c.peekWaitHead()
		if head == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-c.waitSignal:
				continue
			case <-time.After(time.Second):
				// safety net: a signal delivered between the empty
				// check above and the select would otherwise be
				// missed since waitSignal is only 1-buffered.
				continue
			}
		}

		// A close with no byte of the next response buffered is a clean
		// EOF at a response boundary; ReadResponse alone would report it
		// as io.ErrUnexpectedEOF.
		if _, err := c.br.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				c.handlePeerClose(false)
			} else {
				c.handleParseError(err)
			}
			return nil
		}

		hreq := head.toHTTPRequest()
		resp, err := wire.ReadResponse(c.br, hreq)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.handlePeerClose(false)
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				c.handlePeerClose(true)
				return nil
			}
			c.handleParseError(err)
			return nil
		}

		if resp.StatusCode == http.StatusContinue {
			c.peer.setSeen100Response()
			select {
			case c.continueCh <- struct{}{}:
			default:
			}
			continue
		}

		// Buffer the payload: the callback consumes it at its leisure
		// while this loop moves on to the next pipelined response.
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			c.handleParseError(err)
			return nil
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))

		c.handleResponse(head, resp)

		c.mu.Lock()
		closing := c.flags.closing
		c.mu.Unlock()
		if closing {
			return nil
		}
	}
}

func (c *Connection) peekWaitHead() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requestWaitList) == 0 {
		return nil
	}
	return c.requestWaitList[0]
}

func (c *Connection) handleResponse(req *Request, resp *http.Response) {
	req.stopAttemptTimer()

	c.mu.Lock()
	if len(c.requestWaitList) > 0 && c.requestWaitList[0] == req {
		c.requestWaitList = c.requestWaitList[1:]
	}
	c.flags.outputLocked = false
	bodyWithheld := c.pendingRequest == req
	keepAlive := wire.IsKeepAlive(resp)
	c.flags.closeIndicated = !keepAlive
	c.mu.Unlock()

	if keepAlive && resp.ProtoAtLeast(1, 1) {
		c.peer.setAllowsPipelining()
	}

	req.mu.Lock()
	req.state = StateGotResponse
	req.mu.Unlock()

	if req.syncRequested() && resp.StatusCode >= 400 {
		// the peer answered an Expect:100-continue request with a
		// final failure; stop offering sync payloads to it.
		c.peer.setNoPayloadSync()
	}
	if bodyWithheld {
		select {
		case c.skipBodyCh <- struct{}{}:
		default:
		}
	}

	c.peer.client.deliverOrRetry(req, &Response{Response: resp, Request: req}, nil)

	if !keepAlive {
		c.close(errClosedByPeer)
		return
	}

	c.armIdle()
	c.nextRequest()
}

// handleParseError poisons the connection: it is marked output-broken
// and closed, and every wait-listed request, the head whose response
// failed to parse included, is drained through the retry funnel with
// BAD_RESPONSE.
func (c *Connection) handleParseError(err error) {
	c.mu.Lock()
	c.flags.outputBroken = true
	c.mu.Unlock()
	c.close(newError("read_response", StatusBadResponse, err))
}

// handlePeerClose handles an EOF from the peer. partial means response
// bytes for the head had begun arriving, which makes the head
// unsalvageable: it fails with BAD_RESPONSE without a retry. A clean
// EOF at a response boundary leaves every
// wait-listed request eligible for resubmission.
func (c *Connection) handlePeerClose(partial bool) {
	if partial {
		head := c.peekWaitHead()
		if head != nil {
			c.mu.Lock()
			if len(c.requestWaitList) > 0 && c.requestWaitList[0] == head {
				c.requestWaitList = c.requestWaitList[1:]
			}
			c.mu.Unlock()
			head.stopAttemptTimer()
			c.peer.client.failDelayed(head, newError("read_response", StatusBadResponse, io.ErrUnexpectedEOF))
		}
	}
	c.close(errClosedByPeer)
}

// abortRequest removes req from the wait list (if present); if req's
// bytes are on the wire the next response would be misattributed, so
// the connection is closed.
func (c *Connection) abortRequest(req *Request) {
	c.mu.Lock()
	found := false
	for i, r := range c.requestWaitList {
		if r == req {
			c.requestWaitList = append(c.requestWaitList[:i], c.requestWaitList[i+1:]...)
			found = true
			break
		}
	}
	isPending := c.pendingRequest == req
	c.mu.Unlock()

	if found || isPending {
		c.close(newError("abort", StatusAborted, nil))
	}
}

func (c *Connection) sendFailed(req *Request, err error) {
	c.mu.Lock()
	for i, r := range c.requestWaitList {
		if r == req {
			c.requestWaitList = append(c.requestWaitList[:i], c.requestWaitList[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.sendDone(false)

	c.peer.client.deliverOrRetry(req, nil, err)
	c.close(err)
}

var errClosedByPeer = newError("connection", StatusConnectFailed, fmt.Errorf("connection closed by peer"))

// close tears the connection down: cancels in-flight I/O, drains the
// wait list through the client's retry funnel, and detaches from the
// Peer. Safe to call more than once.
func (c *Connection) close(reason error) {
	c.mu.Lock()
	if c.flags.closing {
		c.mu.Unlock()
		return
	}
	c.flags.closing = true
	pending := c.requestWaitList
	c.requestWaitList = nil
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.netConn != nil {
		c.netConn.Close()
	}
	c.disarmIdle()

	for _, req := range pending {
		req.stopAttemptTimer()
		c.peer.client.deliverOrRetry(req, nil, reason)
	}

	c.mu.Lock()
	c.flags.disconnected = true
	c.mu.Unlock()

	c.peer.client.metrics.ConnectionsOpen.Dec()
	c.peer.client.metrics.ConnectionsClosed.WithLabelValues(closeReasonLabel(reason)).Inc()
	c.peer.removeConnection(c)
}

func closeReasonLabel(err error) string {
	if err == errClosedByPeer {
		return "peer_closed"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status.String()
	}
	return "unknown"
}

func (c *Connection) armIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer.client.settings.MaxIdleTime <= 0 {
		return
	}
	if len(c.requestWaitList) > 0 || c.pendingRequest != nil {
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.peer.client.settings.MaxIdleTime, func() {
		c.close(newError("idle_timeout", StatusTimeout, nil))
	})
}

func (c *Connection) disarmIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// tlsConfigFor returns a tls.Config whose ServerName is sni, cloning
// the client's base config so certificate pinning/verification options
// carry over.
func (cl *Client) tlsConfigFor(sni string) *tls.Config {
	base := cl.settings.TLSConfig
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = sni
	return cfg
}
