package httpclient

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/prxssh/httpclient/internal/registry"
	"github.com/prxssh/httpclient/pkg/logging"
	"github.com/prxssh/httpclient/pkg/retry"
)

// Host is a named origin: it owns DNS resolution state and one Queue
// per (scheme, port) any Request has addressed it on.
type Host struct {
	mu sync.Mutex

	client *Client
	name   string

	unixLocal  bool
	explicitIP bool

	ips          []netip.Addr
	dnsInFlight  bool
	dnsLookupErr error

	queues *registry.Map[queueKey, *Queue]
}

// getOrCreateHost interns a Host by the lowercased name in targetURL,
// or returns the client's UNIX singleton for unix-scheme URLs.
func (c *Client) getOrCreateHost(targetURL *url.URL) (*Host, error) {
	if targetURL.Scheme == "unix" {
		c.unixOnce.Do(func() {
			c.unixHost = &Host{client: c, unixLocal: true, queues: registry.New[queueKey, *Queue]()}
		})
		return c.unixHost, nil
	}

	name := canonicalHostName(targetURL)
	if name == "" {
		return nil, newError("host", StatusInvalidURL, fmt.Errorf("url %q has no host", targetURL))
	}
	h := c.hosts.GetOrCreate(name, func() *Host {
		host := &Host{client: c, name: name, queues: registry.New[queueKey, *Queue]()}
		if ip, err := netip.ParseAddr(name); err == nil {
			host.ips = []netip.Addr{ip}
			host.explicitIP = true
		}
		return host
	})
	return h, nil
}

func canonicalHostName(u *url.URL) string {
	return strings.ToLower(u.Hostname())
}

func schemeFor(u *url.URL, tunnel bool) Scheme {
	switch {
	case u.Scheme == "https" && tunnel:
		return SchemeHTTPSTunnel
	case u.Scheme == "https":
		return SchemeHTTPS
	default:
		return SchemeHTTP
	}
}

func portFor(u *url.URL, scheme Scheme) uint16 {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return uint16(n)
		}
	}
	return DefaultPort(scheme)
}

func joinTunnelTarget(host string, port uint16) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func splitTunnelTarget(target string) (string, uint16) {
	host, port, err := splitHostPort(target)
	if err != nil {
		return target, DefaultPort(SchemeHTTPS)
	}
	return host, port
}

func splitHostPort(target string) (string, uint16, error) {
	idx := strings.LastIndexByte(target, ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("no port in %q", target)
	}
	n, err := strconv.Atoi(target[idx+1:])
	if err != nil {
		return "", 0, err
	}
	return target[:idx], uint16(n), nil
}

// queueKeyFor derives the Queue identity for r within this Host. When r
// tunnels to an https origin through a proxy, the queue (and its Peers)
// must be origin-specific even though the Host is the proxy's.
func (h *Host) queueKeyFor(r *Request) queueKey {
	r.mu.Lock()
	u := r.url
	proxy := r.effectiveProxy()
	r.mu.Unlock()

	if h.unixLocal {
		sock := u.Path
		if u.Scheme != "unix" {
			// a plain-http request routed through the unix-socket proxy
			sock = h.client.settings.ProxySocketPath
		}
		return queueKey{scheme: SchemeUnix, target: sock}
	}

	routed := u
	usesTunnel := u.Scheme == "https" && proxy != nil
	if proxy != nil {
		routed = proxy
	}
	scheme := schemeFor(u, usesTunnel)
	port := portFor(routed, scheme)
	if usesTunnel {
		// the dialed port is the proxy's, not the tunnel default
		port = portFor(proxy, schemeFor(proxy, false))
	}

	key := queueKey{scheme: scheme, port: port}
	if usesTunnel {
		originPort := portFor(u, SchemeHTTPS)
		key.target = joinTunnelTarget(canonicalHostName(u), originPort)
	}
	return key
}

// submitRequest selects or creates the Queue keyed by (scheme, port)
// for r's target and hands r to it. The Host does not hold r back
// while it has no IPs: the Queue's connection setup starts the DNS
// lookup, and r waits in the Queue's pickup list until it completes.
func (h *Host) submitRequest(r *Request) {
	key := h.queueKeyFor(r)
	q := h.queues.GetOrCreate(key, func() *Queue {
		return newQueue(h, key)
	})

	q.submitRequest(r)
}

func (h *Host) resolvedIPs() []netip.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]netip.Addr(nil), h.ips...)
}

// startDNSLookup begins an async resolution; while in flight, new
// requests accumulate on their Queue until IPs arrive and
// connectionSetup is retried. A failed lookup (whatever the resolver
// error) is retried once in place before the failure is surfaced to
// queued requests, which
// themselves treat a DNS failure as retryable within their attempt
// budget.
func (h *Host) startDNSLookup() {
	h.mu.Lock()
	if h.dnsInFlight || h.unixLocal || h.explicitIP || len(h.ips) > 0 {
		h.mu.Unlock()
		return
	}
	h.dnsInFlight = true
	h.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.client.settings.DNSLookupTimeout)
		defer cancel()

		var addrs []netip.Addr
		policy := retry.Policy{Attempts: 2, Initial: h.client.settings.DNSLookupTimeout / 10}
		err := policy.Do(ctx, func(ctx context.Context) error {
			var lookupErr error
			addrs, lookupErr = h.client.settings.Resolver.LookupNetIP(ctx, "ip", h.name)
			return lookupErr
		})

		h.mu.Lock()
		h.dnsInFlight = false
		if err != nil {
			h.dnsLookupErr = err
			h.mu.Unlock()
			h.client.logger.Debug("dns lookup failed", logging.Host(h.name), logging.Err(err))
			h.failAllQueues(newError("dns", StatusDNSError, err))
			return
		}
		h.dnsLookupErr = nil
		h.ips = addrs
		h.mu.Unlock()

		h.client.logger.Debug("dns lookup succeeded", logging.Host(h.name), "addrs", len(addrs))
		h.kickAllQueues()
	}()
}

func (h *Host) kickAllQueues() {
	for _, q := range h.allQueues() {
		q.connectionSetup()
		q.triggerDelivery()
	}
}

func (h *Host) failAllQueues(err error) {
	for _, q := range h.allQueues() {
		q.failAll(err)
	}
}

func (h *Host) allQueues() []*Queue {
	var queues []*Queue
	h.queues.Range(func(_ queueKey, q *Queue) bool {
		queues = append(queues, q)
		return true
	})
	return queues
}
