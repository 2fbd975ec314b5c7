package httpclient

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/httpclient/internal/backoff"
	"github.com/prxssh/httpclient/pkg/logging"
)

// Peer pools the Connections sharing one PeerAddress, manages
// pipelining eligibility, failure backoff, and request claiming across
// the Queues linked to it.
type Peer struct {
	mu sync.Mutex

	client *Client
	addr   PeerAddress

	queues      []*Queue
	connections []*Connection
	rrCursor    int

	backoff     *backoff.Backoff
	backoffWait time.Duration

	disconnected     bool
	noPayloadSyncF   bool
	seen100Response  bool
	allowsPipelining bool
	handlingRequests bool
	rerunHandler     bool

	connSeq atomic.Uint64

	retryTimer *time.Timer
}

// getPeer interns a Peer by addr on client, returning the existing one
// or creating a new one.
func (c *Client) getPeer(addr PeerAddress) *Peer {
	return c.peers.GetOrCreate(addr, func() *Peer {
		return &Peer{
			client:  c,
			addr:    addr,
			backoff: c.settings.newBackoff(),
		}
	})
}

func (p *Peer) nextConnSeq() uint64 { return p.connSeq.Add(1) }

// String returns the peer's address for log lines.
func (p *Peer) String() string { return p.addr.String() }

// linkQueue registers q as a consumer of this Peer's connections.
func (p *Peer) linkQueue(q *Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cur := range p.queues {
		if cur == q {
			return
		}
	}
	p.queues = append(p.queues, q)
}

// unlinkQueue removes q; if no queues and no connections remain the
// Peer is eligible for destruction and is dropped from the client's
// registry.
func (p *Peer) unlinkQueue(q *Queue) {
	p.mu.Lock()
	for i, cur := range p.queues {
		if cur == q {
			p.queues = append(p.queues[:i], p.queues[i+1:]...)
			break
		}
	}
	empty := len(p.queues) == 0 && len(p.connections) == 0
	p.mu.Unlock()

	q.peerDisconnected(p)
	if empty {
		p.destroy()
	}
}

func (p *Peer) destroy() {
	p.mu.Lock()
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	p.disconnected = true
	p.mu.Unlock()
	p.client.peers.Delete(p.addr)
}

func (p *Peer) addConnection(c *Connection) {
	p.mu.Lock()
	p.connections = append(p.connections, c)
	p.mu.Unlock()
}

func (p *Peer) removeConnection(c *Connection) {
	p.mu.Lock()
	for i, cur := range p.connections {
		if cur == c {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			break
		}
	}
	empty := len(p.queues) == 0 && len(p.connections) == 0
	p.mu.Unlock()

	p.client.logger.Debug("connection lost", logging.Conn(c.label), logging.Peer(p.addr))
	p.triggerRequestHandler()

	if empty {
		p.destroy()
	}
}

// claimRequest walks linked Queues in round-robin order, returning the
// first Request a Queue yields, or nil if none has work.
func (p *Peer) claimRequest(noUrgent bool) *Request {
	p.mu.Lock()
	queues := append([]*Queue(nil), p.queues...)
	start := p.rrCursor
	p.mu.Unlock()

	if len(queues) == 0 {
		return nil
	}

	for i := 0; i < len(queues); i++ {
		idx := (start + i) % len(queues)
		if req := queues[idx].claimRequest(p.addr, noUrgent); req != nil {
			p.mu.Lock()
			p.rrCursor = (idx + 1) % len(queues)
			p.mu.Unlock()
			return req
		}
	}
	return nil
}

// mayOpenConnection reports whether this Peer may open an additional
// connection: under its connection ceiling, not backing off, and there
// is at least one queued request across its linked Queues.
func (p *Peer) mayOpenConnection() bool {
	p.mu.Lock()
	nConns := len(p.connections)
	p.mu.Unlock()

	if nConns >= p.client.settings.MaxParallelConnections {
		return false
	}
	if p.backoffBlocked() {
		return false
	}
	return p.hasQueuedWork()
}

func (p *Peer) backoffBlocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.backoff.Armed() {
		return false
	}
	return time.Now().Before(p.backoff.ReadyAt(p.backoffWait))
}

func (p *Peer) hasQueuedWork() bool {
	p.mu.Lock()
	queues := append([]*Queue(nil), p.queues...)
	p.mu.Unlock()

	for _, q := range queues {
		if q.hasQueuedWork() {
			return true
		}
	}
	return false
}

// triggerRequestHandler arms a zero-delay handler that feeds every idle
// Connection and, if room remains under MaxParallelConnections and
// backoff allows it, opens additional Connections. When backoff is the
// only thing in the way, a wakeup is scheduled for when it clears.
func (p *Peer) triggerRequestHandler() {
	p.mu.Lock()
	if p.disconnected {
		p.mu.Unlock()
		return
	}
	if p.handlingRequests {
		// coalesce, but don't lose the wakeup
		p.rerunHandler = true
		p.mu.Unlock()
		return
	}
	p.handlingRequests = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.handlingRequests = false
			rerun := p.rerunHandler
			p.rerunHandler = false
			p.mu.Unlock()
			if rerun {
				p.triggerRequestHandler()
			}
		}()

		p.mu.Lock()
		conns := append([]*Connection(nil), p.connections...)
		p.mu.Unlock()

		fed := false
		for _, c := range conns {
			if c.nextRequest() == 1 {
				fed = true
			}
		}
		if fed {
			return
		}

		if p.mayOpenConnection() {
			if _, err := newConnection(p); err != nil {
				p.client.logger.Debug("connect attempt failed", logging.Peer(p.addr), logging.Err(err))
			}
			return
		}

		if p.backoffBlocked() && p.hasQueuedWork() {
			p.scheduleBackoffRetry()
		}
	}()
}

// scheduleBackoffRetry re-arms the request handler for the moment the
// connect backoff clears, so queued work does not strand.
func (p *Peer) scheduleBackoffRetry() {
	p.mu.Lock()
	defer p.mu.Unlock()

	readyAt := p.backoff.ReadyAt(p.backoffWait)
	d := time.Until(readyAt)
	if d < 0 {
		d = 0
	}
	if p.retryTimer != nil {
		p.retryTimer.Stop()
	}
	p.retryTimer = time.AfterFunc(d+time.Millisecond, p.triggerRequestHandler)
}

// connectionSuccess resets backoff, promotes this Peer on every linked
// Queue's racing state, and demotes the others.
func (p *Peer) connectionSuccess() {
	p.mu.Lock()
	p.backoff.Reset()
	p.backoffWait = 0
	queues := append([]*Queue(nil), p.queues...)
	p.mu.Unlock()

	for _, q := range queues {
		q.connectionSuccess(p)
	}
}

// connectionFailure records the failure, doubles backoff, and lets each
// linked Queue advance its IP rotation (possibly exhausting the round
// and failing its requests).
func (p *Peer) connectionFailure(reason error) {
	p.mu.Lock()
	p.backoffWait = p.backoff.Trip()
	queues := append([]*Queue(nil), p.queues...)
	p.mu.Unlock()

	for _, q := range queues {
		q.connectionFailure(p.addr, reason)
	}
}

func (p *Peer) noPayloadSync() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.noPayloadSyncF
}

func (p *Peer) setNoPayloadSync() {
	p.mu.Lock()
	p.noPayloadSyncF = true
	p.mu.Unlock()
}

func (p *Peer) setSeen100Response() {
	p.mu.Lock()
	p.seen100Response = true
	p.mu.Unlock()
}

// pipeliningAllowed reports whether the peer has proven it speaks
// persistent HTTP/1.1; until then at most one request rides a
// connection at a time.
func (p *Peer) pipeliningAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowsPipelining
}

// setAllowsPipelining records that a response arrived over HTTP/1.1
// without Connection: close. Never unset: a later close-marked response
// ends its own connection, not the peer's eligibility.
func (p *Peer) setAllowsPipelining() {
	p.mu.Lock()
	p.allowsPipelining = true
	p.mu.Unlock()
}

func (p *Peer) openConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}
