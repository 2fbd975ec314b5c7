// Package dial performs the raw network connect, TLS handshake, and
// HTTP CONNECT tunneling beneath the request engine. Connection calls
// into it; it never looks at requests or responses beyond the CONNECT
// exchange itself.
package dial

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Target describes the single endpoint Dial should reach.
type Target struct {
	Network string // "tcp" or "unix"
	Address string // host:port, or a filesystem path for unix sockets
	TLS     *tls.Config
	// Proxy, if set, is a CONNECT proxy to tunnel through before
	// speaking to Address. It is always a tcp host:port.
	Proxy string
	// ProxyAuth, if set, is sent as the Proxy-Authorization header of
	// the CONNECT request.
	ProxyAuth string
}

// TLSError wraps a failure during the TLS handshake so callers can
// distinguish it from transport-level connect failures.
type TLSError struct {
	Err error
}

func (e *TLSError) Error() string { return "tls handshake: " + e.Err.Error() }

func (e *TLSError) Unwrap() error { return e.Err }

// Dialer opens connections on behalf of Connection, with a configurable
// base dialer so tests can substitute one with a short timeout or a
// fake resolver.
type Dialer struct {
	Base *net.Dialer
}

// New returns a Dialer with default settings; callers impose deadlines
// through the context passed to Dial.
func New() *Dialer {
	return &Dialer{Base: &net.Dialer{}}
}

// Dial establishes the transport-level connection described by t:
// a direct dial, optionally tunneled through a CONNECT proxy, and
// optionally wrapped in a TLS handshake. The returned conn is ready for
// wire.WriteRequest/ReadResponse traffic.
func (d *Dialer) Dial(ctx context.Context, t Target) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)

	if t.Proxy != "" {
		conn, err = d.dialViaProxy(ctx, t)
	} else {
		conn, err = d.Base.DialContext(ctx, t.Network, t.Address)
	}
	if err != nil {
		return nil, err
	}

	if t.TLS != nil {
		tlsConn := tls.Client(conn, t.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &TLSError{Err: fmt.Errorf("to %s: %w", t.Address, err)}
		}
		return tlsConn, nil
	}

	return conn, nil
}

func (d *Dialer) dialViaProxy(ctx context.Context, t Target) (net.Conn, error) {
	conn, err := d.Base.DialContext(ctx, "tcp", t.Proxy)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", t.Proxy, err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: t.Address},
		Host:   t.Address,
		Header: make(http.Header),
	}
	if t.ProxyAuth != "" {
		req.Header.Set("Proxy-Authorization", t.ProxyAuth)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT to %s: %w", t.Proxy, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response from %s: %w", t.Proxy, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("CONNECT %s via %s: status %s", t.Address, t.Proxy, resp.Status)
	}

	if br.Buffered() > 0 {
		conn.Close()
		return nil, fmt.Errorf("CONNECT %s via %s: proxy sent data before tunnel established", t.Address, t.Proxy)
	}

	return conn, nil
}
