package httpclient

import (
	"net/netip"
	"sync"
	"time"
)

// queueKey identifies a Queue within its Host: one per (scheme, port),
// with target carrying the unix socket path or the CONNECT tunnel
// origin where the scheme needs one.
type queueKey struct {
	scheme Scheme
	port   uint16
	target string
}

// Queue holds the pending requests for one (host, port, scheme) and
// the set of Peers currently being raced to connect on its behalf.
type Queue struct {
	mu sync.Mutex

	client *Client
	host   *Host
	scheme Scheme
	port   uint16

	unixPath   string
	tunnelHost string
	tunnelPort uint16

	// requests orders every request belonging to this queue (delayed,
	// queued, or in flight) by overall deadline, for the queue-wide
	// deadline timer.
	requests *requestHeap

	delayed *requestHeap

	queuedRequests       []*Request
	queuedUrgentRequests []*Request

	pendingPeers []*Peer
	curPeer      *Peer

	ipsConnectIdx      int
	ipsConnectStartIdx int
	connectAttempts    int
	firstConnectTime   time.Time

	requestTimer *time.Timer
	delayTimer   *time.Timer
}

func newQueue(host *Host, key queueKey) *Queue {
	q := &Queue{
		client:   host.client,
		host:     host,
		scheme:   key.scheme,
		port:     key.port,
		requests: newRequestHeap(func(r *Request) time.Time { return r.timeoutAt }),
		delayed:  newRequestHeap(func(r *Request) time.Time { return r.releaseTime }),
	}
	switch key.scheme {
	case SchemeUnix:
		q.unixPath = key.target
	case SchemeHTTPSTunnel:
		q.tunnelHost, q.tunnelPort = splitTunnelTarget(key.target)
	}
	return q
}

func (q *Queue) key() queueKey {
	switch q.scheme {
	case SchemeUnix:
		return queueKey{scheme: q.scheme, port: q.port, target: q.unixPath}
	case SchemeHTTPSTunnel:
		return queueKey{scheme: q.scheme, port: q.port, target: joinTunnelTarget(q.tunnelHost, q.tunnelPort)}
	default:
		return queueKey{scheme: q.scheme, port: q.port}
	}
}

// submitRequest inserts r into the queue's delayed or ready list
// depending on its release_time, and the overall-deadline index.
func (q *Queue) submitRequest(r *Request) {
	now := time.Now()
	r.mu.Lock()
	r.queue = q
	r.queueEnteredAt = now
	delayed := !r.releaseTime.IsZero() && r.releaseTime.After(now)
	urgent := r.urgent
	r.mu.Unlock()

	q.mu.Lock()
	q.requests.add(r)
	if delayed {
		q.delayed.add(r)
		q.armDelayTimerLocked()
	} else if urgent {
		q.queuedUrgentRequests = append(q.queuedUrgentRequests, r)
	} else {
		q.queuedRequests = append(q.queuedRequests, r)
	}
	q.armRequestTimerLocked()
	q.mu.Unlock()

	if !delayed {
		q.connectionSetup()
		q.triggerDelivery()
	}
}

// claimRequest pops the head of queuedUrgentRequests (unless noUrgent)
// else queuedRequests, returning nil if both are empty.
func (q *Queue) claimRequest(addr PeerAddress, noUrgent bool) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !noUrgent && len(q.queuedUrgentRequests) > 0 {
		r := q.queuedUrgentRequests[0]
		q.queuedUrgentRequests = q.queuedUrgentRequests[1:]
		return r
	}
	if len(q.queuedRequests) > 0 {
		r := q.queuedRequests[0]
		q.queuedRequests = q.queuedRequests[1:]
		return r
	}
	return nil
}

// hasQueuedWork reports whether there is a pickup-ready request.
func (q *Queue) hasQueuedWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queuedRequests) > 0 || len(q.queuedUrgentRequests) > 0
}

// dropRequest removes r from every internal list; used on retry,
// redirect, abort, and completion.
func (q *Queue) dropRequest(r *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queuedRequests = removeRequest(q.queuedRequests, r)
	q.queuedUrgentRequests = removeRequest(q.queuedUrgentRequests, r)
	q.requests.remove(r)
	q.delayed.remove(r)
}

func removeRequest(list []*Request, r *Request) []*Request {
	for i, cur := range list {
		if cur == r {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// resubmit re-enters r into the ready lists at the front, preserving
// urgency, after a retryable failure.
func (q *Queue) resubmit(r *Request) {
	if q.client.closing.Load() {
		q.client.failDelayed(r, newError("resubmit", StatusAborted, nil))
		return
	}

	r.mu.Lock()
	r.state = StateQueued
	r.conn = nil
	r.queueEnteredAt = time.Now()
	urgent := r.urgent
	r.mu.Unlock()

	q.pushFrontOrdered(r, urgent)
	q.connectionSetup()
	q.triggerDelivery()
}

// pushFront reinserts r at the head of its pickup list without touching
// its lifecycle state; used when a claim has to be undone.
func (q *Queue) pushFront(r *Request) {
	r.mu.Lock()
	urgent := r.urgent
	r.mu.Unlock()
	q.pushFrontOrdered(r, urgent)
}

func (q *Queue) pushFrontOrdered(r *Request, urgent bool) {
	q.mu.Lock()
	if urgent {
		q.queuedUrgentRequests = append([]*Request{r}, q.queuedUrgentRequests...)
	} else {
		q.queuedRequests = append([]*Request{r}, q.queuedRequests...)
	}
	q.mu.Unlock()
}

// connectionSetup starts (or continues) connecting: picks the next
// candidate IP from the host's resolved list and asks the client for
// (or creates) the Peer at that address, racing an additional Peer
// once SoftConnectTimeout elapses if configured. For unix sockets
// there is exactly one address and no rotation.
func (q *Queue) connectionSetup() {
	if q.scheme == SchemeUnix {
		peer := q.client.getPeer(NewUnixAddr(q.unixPath))
		q.linkPeer(peer)
		peer.triggerRequestHandler()
		return
	}

	q.mu.Lock()
	if q.curPeer != nil && q.curPeer.openConnectionCount() > 0 {
		cur := q.curPeer
		q.mu.Unlock()
		cur.triggerRequestHandler()
		return
	}
	ips := q.host.resolvedIPs()
	if len(ips) == 0 {
		q.mu.Unlock()
		// nothing to dial yet (or the previous lookup failed); a
		// resolution in flight is deduplicated by the Host.
		q.host.startDNSLookup()
		return
	}
	if q.firstConnectTime.IsZero() {
		q.firstConnectTime = time.Now()
	}
	idx := q.ipsConnectIdx % len(ips)
	ip := ips[idx]
	q.mu.Unlock()

	peer := q.peerForIP(ip)
	q.linkPeer(peer)
	peer.triggerRequestHandler()

	if q.client.settings.SoftConnectTimeout > 0 {
		time.AfterFunc(q.client.settings.SoftConnectTimeout, q.raceNextIP)
	}
}

// raceNextIP starts a second candidate Peer on the next IP when the
// soft connect timeout elapses without a winner, a happy-eyeballs-like
// fanout.
func (q *Queue) raceNextIP() {
	q.mu.Lock()
	if q.curPeer != nil {
		q.mu.Unlock()
		return
	}
	ips := q.host.resolvedIPs()
	if len(ips) < 2 {
		q.mu.Unlock()
		return
	}
	nextIdx := (q.ipsConnectIdx + 1) % len(ips)
	ip := ips[nextIdx]
	q.mu.Unlock()

	peer := q.peerForIP(ip)
	q.linkPeer(peer)
	peer.triggerRequestHandler()
}

// triggerDelivery nudges every peer currently racing (or already
// winning) the connection for this queue to feed its idle connections
// and, if room allows, open new ones.
func (q *Queue) triggerDelivery() {
	q.mu.Lock()
	peers := append([]*Peer(nil), q.pendingPeers...)
	if q.curPeer != nil {
		peers = append(peers, q.curPeer)
	}
	q.mu.Unlock()

	for _, p := range peers {
		p.triggerRequestHandler()
	}
}

func (q *Queue) peerForIP(ip netip.Addr) *Peer {
	var addr PeerAddress
	switch q.scheme {
	case SchemeHTTPS:
		addr = NewHTTPSAddr(ip, q.port, q.host.name)
	case SchemeHTTPSTunnel:
		addr = NewHTTPSTunnelAddr(ip, q.port, q.tunnelHost, q.tunnelPort)
	default:
		addr = NewHTTPAddr(ip, q.port)
	}
	return q.client.getPeer(addr)
}

func (q *Queue) linkPeer(p *Peer) {
	q.mu.Lock()
	for _, cur := range q.pendingPeers {
		if cur == p {
			q.mu.Unlock()
			p.triggerRequestHandler()
			return
		}
	}
	if q.curPeer == p {
		q.mu.Unlock()
		return
	}
	q.pendingPeers = append(q.pendingPeers, p)
	q.mu.Unlock()

	p.linkQueue(q)
}

// connectionSuccess records the winning address, drops the other
// racing peers, and resets the connect-attempt counter.
func (q *Queue) connectionSuccess(p *Peer) {
	q.mu.Lock()
	ips := q.host.resolvedIPs()
	for i, ip := range ips {
		if ip == p.addr.IP {
			q.ipsConnectStartIdx = i
			break
		}
	}
	q.connectAttempts = 0
	losers := make([]*Peer, 0, len(q.pendingPeers))
	for _, cur := range q.pendingPeers {
		if cur != p {
			losers = append(losers, cur)
		}
	}
	q.pendingPeers = nil
	q.curPeer = p
	q.mu.Unlock()

	for _, loser := range losers {
		loser.unlinkQueue(q)
	}
}

// connectionFailure rotates to the next IP; if the round returns to
// ipsConnectStartIdx and the connect-attempt budget is spent, every
// queued request fails with CONNECT_FAILED (subject to the retry
// funnel's per-request attempt accounting).
func (q *Queue) connectionFailure(addr PeerAddress, reason error) {
	q.mu.Lock()
	q.connectAttempts++
	attempts := q.connectAttempts
	exhausted := true
	if q.scheme != SchemeUnix {
		ips := q.host.resolvedIPs()
		if len(ips) == 0 {
			q.mu.Unlock()
			return
		}
		q.ipsConnectIdx = (q.ipsConnectIdx + 1) % len(ips)
		exhausted = q.ipsConnectIdx == q.ipsConnectStartIdx
	}
	maxAttempts := q.client.settings.MaxConnectAttempts
	q.mu.Unlock()

	if exhausted && (maxAttempts == 0 || attempts >= maxAttempts) {
		q.failAll(newError("connect", StatusConnectFailed, reason))
		return
	}

	q.connectionSetup()
}

// peerDisconnected removes p from pendingPeers/curPeer tracking.
func (q *Queue) peerDisconnected(p *Peer) {
	q.mu.Lock()
	q.pendingPeers = removePeer(q.pendingPeers, p)
	if q.curPeer == p {
		q.curPeer = nil
	}
	q.mu.Unlock()
}

func removePeer(list []*Peer, p *Peer) []*Peer {
	for i, cur := range list {
		if cur == p {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// failAll routes every currently queued (not yet in flight) request
// through the retry funnel with err.
func (q *Queue) failAll(err error) {
	q.mu.Lock()
	pending := append(append([]*Request(nil), q.queuedUrgentRequests...), q.queuedRequests...)
	q.queuedRequests = nil
	q.queuedUrgentRequests = nil
	q.mu.Unlock()

	for _, r := range pending {
		q.client.deliverOrRetry(r, nil, err)
	}
}

func (q *Queue) armRequestTimerLocked() {
	deadline, ok := q.requests.nextDeadline()
	if !ok {
		return
	}
	if q.requestTimer != nil {
		q.requestTimer.Stop()
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	q.requestTimer = time.AfterFunc(d, q.expireOverdue)
}

func (q *Queue) armDelayTimerLocked() {
	release, ok := q.delayed.nextDeadline()
	if !ok {
		return
	}
	if q.delayTimer != nil {
		q.delayTimer.Stop()
	}
	d := time.Until(release)
	if d < 0 {
		d = 0
	}
	q.delayTimer = time.AfterFunc(d, q.releaseDelayed)
}

// expireOverdue fails every request whose overall deadline has passed,
// queued or in flight; an in-flight request's connection is closed so
// a stalled peer cannot hold the pipeline's later responses hostage.
func (q *Queue) expireOverdue() {
	q.mu.Lock()
	expired := q.requests.popDue(time.Now())
	q.mu.Unlock()

	for _, r := range expired {
		q.dropRequest(r)

		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()

		q.client.deliverOrRetry(r, nil, newError("timeout", StatusTimeout, nil))
		if conn != nil {
			conn.close(newError("timeout", StatusTimeout, nil))
		}
	}

	q.mu.Lock()
	q.armRequestTimerLocked()
	q.mu.Unlock()
}

// releaseDelayed moves every request whose release_time has arrived
// into the pickup lists and kicks delivery.
func (q *Queue) releaseDelayed() {
	q.mu.Lock()
	ready := q.delayed.popDue(time.Now())
	q.mu.Unlock()

	for _, r := range ready {
		r.mu.Lock()
		r.releaseTime = time.Time{}
		urgent := r.urgent
		r.mu.Unlock()

		q.mu.Lock()
		if urgent {
			q.queuedUrgentRequests = append(q.queuedUrgentRequests, r)
		} else {
			q.queuedRequests = append(q.queuedRequests, r)
		}
		q.mu.Unlock()
	}

	if len(ready) > 0 {
		q.connectionSetup()
		q.triggerDelivery()
	}

	q.mu.Lock()
	q.armDelayTimerLocked()
	q.mu.Unlock()
}
