package httpclient

import (
	"net/http"
	"net/url"
	"testing"
)

func TestHostInterningIsCaseInsensitive(t *testing.T) {
	c := New(testSettings())
	defer c.Deinit()

	u1, _ := url.Parse("http://Example.COM/")
	u2, _ := url.Parse("http://example.com/other")

	h1, err := c.getOrCreateHost(u1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := c.getOrCreateHost(u2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("same host name interned twice")
	}
}

func TestExplicitIPHostSkipsDNS(t *testing.T) {
	c := New(testSettings())
	defer c.Deinit()

	u, _ := url.Parse("http://192.0.2.7:8080/")
	h, err := c.getOrCreateHost(u)
	if err != nil {
		t.Fatal(err)
	}
	if !h.explicitIP {
		t.Fatal("explicitIP = false for a literal IP host")
	}
	ips := h.resolvedIPs()
	if len(ips) != 1 || ips[0].String() != "192.0.2.7" {
		t.Fatalf("resolvedIPs() = %v", ips)
	}
}

func TestUnixHostIsSingleton(t *testing.T) {
	c := New(testSettings())
	defer c.Deinit()

	u1, _ := url.Parse("unix:///run/a.sock")
	u2, _ := url.Parse("unix:///run/b.sock")

	h1, _ := c.getOrCreateHost(u1)
	h2, _ := c.getOrCreateHost(u2)
	if h1 != h2 {
		t.Fatal("unix hosts not shared")
	}
	if !h1.unixLocal {
		t.Fatal("unixLocal = false")
	}
}

func TestHostRejectsEmptyName(t *testing.T) {
	c := New(testSettings())
	defer c.Deinit()

	u, _ := url.Parse("http:///path-only")
	if _, err := c.getOrCreateHost(u); !IsStatus(err, StatusInvalidURL) {
		t.Fatalf("error = %v, want INVALID_URL", err)
	}
}

func TestSchemeAndPortSelection(t *testing.T) {
	httpsURL, _ := url.Parse("https://example.com/")
	if got := schemeFor(httpsURL, false); got != SchemeHTTPS {
		t.Errorf("schemeFor(https, direct) = %v", got)
	}
	if got := schemeFor(httpsURL, true); got != SchemeHTTPSTunnel {
		t.Errorf("schemeFor(https, tunnel) = %v", got)
	}
	httpURL, _ := url.Parse("http://example.com:8080/")
	if got := schemeFor(httpURL, false); got != SchemeHTTP {
		t.Errorf("schemeFor(http) = %v", got)
	}
	if got := portFor(httpURL, SchemeHTTP); got != 8080 {
		t.Errorf("portFor(explicit) = %d, want 8080", got)
	}
	bare, _ := url.Parse("https://example.com/")
	if got := portFor(bare, SchemeHTTPS); got != 443 {
		t.Errorf("portFor(default https) = %d, want 443", got)
	}
}

func TestSplitTunnelTarget(t *testing.T) {
	host, port := splitTunnelTarget("origin.example.com:8443")
	if host != "origin.example.com" || port != 8443 {
		t.Fatalf("splitTunnelTarget = %q, %d", host, port)
	}
	host, port = splitTunnelTarget("no-port")
	if host != "no-port" || port != 443 {
		t.Fatalf("splitTunnelTarget fallback = %q, %d", host, port)
	}
}

func TestQueueKeyForTunnelIsOriginSpecific(t *testing.T) {
	c := New(testSettings())
	defer c.Deinit()

	proxyURL, _ := url.Parse("http://proxy.example.com:3128")
	h, err := c.getOrCreateHost(proxyURL)
	if err != nil {
		t.Fatal(err)
	}

	mk := func(target string) queueKey {
		r, err := c.NewRequest(http.MethodGet, target, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.SetProxy(proxyURL.String()); err != nil {
			t.Fatal(err)
		}
		return h.queueKeyFor(r)
	}

	k1 := mk("https://one.example.com/")
	k2 := mk("https://two.example.com/")

	if k1.scheme != SchemeHTTPSTunnel {
		t.Fatalf("scheme = %v, want tunnel", k1.scheme)
	}
	if k1.port != 3128 {
		t.Fatalf("port = %d, want proxy port 3128", k1.port)
	}
	if k1 == k2 {
		t.Fatal("tunnel queues to different origins share a key")
	}
	if k1.target != "one.example.com:443" {
		t.Fatalf("target = %q", k1.target)
	}
}

func TestQueueKeyForPlainProxyIsShared(t *testing.T) {
	c := New(testSettings())
	defer c.Deinit()

	proxyURL, _ := url.Parse("http://proxy.example.com:3128")
	h, err := c.getOrCreateHost(proxyURL)
	if err != nil {
		t.Fatal(err)
	}

	mk := func(target string) queueKey {
		r, err := c.NewRequest(http.MethodGet, target, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.SetProxy(proxyURL.String()); err != nil {
			t.Fatal(err)
		}
		return h.queueKeyFor(r)
	}

	k1 := mk("http://one.example.com/")
	k2 := mk("http://two.example.com/")

	if k1.scheme != SchemeHTTP || k1.port != 3128 {
		t.Fatalf("key = %+v, want plain http on proxy port", k1)
	}
	if k1 != k2 {
		t.Fatal("plain-proxy requests to different origins should share the proxy queue")
	}
}
