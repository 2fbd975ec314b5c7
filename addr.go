package httpclient

import (
	"fmt"
	"net/netip"
)

// Scheme identifies the transport a PeerAddress is reached over.
type Scheme int

const (
	// SchemeHTTP is a plain-text connection on the given IP/port.
	SchemeHTTP Scheme = iota
	// SchemeHTTPS is a TLS connection terminated directly at IP/port,
	// verified against SNI.
	SchemeHTTPS
	// SchemeHTTPSTunnel is a TLS connection carried over an HTTP
	// CONNECT tunnel established at IP/port, verified against SNI.
	SchemeHTTPSTunnel
	// SchemeRaw is a plain-text connection with no HTTP semantics
	// layered on top of the byte stream. The engine itself builds no
	// address with it; CONNECT tunnels use SchemeHTTPSTunnel.
	SchemeRaw
	// SchemeUnix is a connection over a UNIX domain socket.
	SchemeUnix
)

func (s Scheme) String() string {
	switch s {
	case SchemeHTTP:
		return "http"
	case SchemeHTTPS:
		return "https"
	case SchemeHTTPSTunnel:
		return "https+tunnel"
	case SchemeRaw:
		return "raw"
	case SchemeUnix:
		return "unix"
	default:
		return "unknown"
	}
}

func (s Scheme) tls() bool { return s == SchemeHTTPS || s == SchemeHTTPSTunnel }

// PeerAddress is a structurally comparable value identifying the
// network endpoint a Peer pools connections to. Two PeerAddress values
// are == iff they name the same endpoint, which is what lets Client
// intern one Peer per address.
type PeerAddress struct {
	Scheme Scheme
	IP     netip.Addr
	Port   uint16
	SNI    string
	// OriginPort is the port of the origin behind a CONNECT tunnel;
	// IP/Port name the proxy in that case. Zero for non-tunnel schemes.
	OriginPort uint16
	Path       string // only set when Scheme == SchemeUnix
}

// NewHTTPAddr builds a plain-text PeerAddress.
func NewHTTPAddr(ip netip.Addr, port uint16) PeerAddress {
	return PeerAddress{Scheme: SchemeHTTP, IP: ip, Port: port}
}

// NewHTTPSAddr builds a direct-TLS PeerAddress. sni must be non-empty.
func NewHTTPSAddr(ip netip.Addr, port uint16, sni string) PeerAddress {
	return PeerAddress{Scheme: SchemeHTTPS, IP: ip, Port: port, SNI: sni}
}

// NewHTTPSTunnelAddr builds a tunneled-TLS PeerAddress. sni must be
// non-empty. ip/port name the CONNECT proxy, not the origin; originPort
// is the origin's port behind the tunnel.
func NewHTTPSTunnelAddr(ip netip.Addr, port uint16, sni string, originPort uint16) PeerAddress {
	return PeerAddress{Scheme: SchemeHTTPSTunnel, IP: ip, Port: port, SNI: sni, OriginPort: originPort}
}

// NewUnixAddr builds a UNIX-socket PeerAddress.
func NewUnixAddr(path string) PeerAddress {
	return PeerAddress{Scheme: SchemeUnix, Path: path}
}

// Valid reports whether a holds its invariants: every TLS variant
// carries a non-empty SNI name and a UNIX address a non-empty Path.
func (a PeerAddress) Valid() bool {
	if a.Scheme.tls() && a.SNI == "" {
		return false
	}
	if a.Scheme == SchemeUnix && a.Path == "" {
		return false
	}
	return true
}

// HostPort returns the "ip:port" form used for dialing and for the
// CONNECT proxy target; it ignores scheme and SNI.
func (a PeerAddress) HostPort() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

func (a PeerAddress) String() string {
	if a.Scheme == SchemeUnix {
		return fmt.Sprintf("unix:%s", a.Path)
	}
	if a.SNI != "" {
		return fmt.Sprintf("%s://%s:%d(%s)", a.Scheme, a.IP, a.Port, a.SNI)
	}
	return fmt.Sprintf("%s://%s:%d", a.Scheme, a.IP, a.Port)
}

// DefaultPort returns the conventional port for scheme, or 0 if scheme
// has none.
func DefaultPort(scheme Scheme) uint16 {
	switch scheme {
	case SchemeHTTP, SchemeRaw:
		return 80
	case SchemeHTTPS, SchemeHTTPSTunnel:
		return 443
	default:
		return 0
	}
}
