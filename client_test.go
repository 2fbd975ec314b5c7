package httpclient

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testSettings() Settings {
	return NewSettings(
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBackoff(5*time.Millisecond, 100*time.Millisecond),
	)
}

// scriptServer accepts connections on a loopback listener and hands
// each one to handler on its own goroutine. The returned stop function
// closes the listener.
func scriptServer(t *testing.T, handler func(conn net.Conn)) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handler(conn)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

// awaitCallback waits for one result from ch or fails the test.
type result struct {
	resp *Response
	err  error
}

func awaitCallback(t *testing.T, ch chan result) result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
		return result{}
	}
}

func readAndDiscardRequest(t *testing.T, br *bufio.Reader) *http.Request {
	t.Helper()
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil
	}
	if req.Body != nil {
		io.Copy(io.Discard, req.Body)
		req.Body.Close()
	}
	return req
}

func findPeer(c *Client) *Peer {
	var peer *Peer
	c.peers.Range(func(_ PeerAddress, p *Peer) bool {
		peer = p
		return false
	})
	return peer
}

func TestHappyPath(t *testing.T) {
	addr, stop := scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		if readAndDiscardRequest(t, br) == nil {
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	})
	defer stop()

	c := New(testSettings())
	defer c.Deinit()

	ch := make(chan result, 1)
	r, err := c.NewRequest(http.MethodGet, "http://"+addr+"/", func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}

	res := awaitCallback(t, ch)
	if res.err != nil {
		t.Fatalf("callback error: %v", res.err)
	}
	if res.resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", res.resp.StatusCode)
	}
	body, _ := io.ReadAll(res.resp.Body)
	if string(body) != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}
	if got := r.Stats().Attempts; got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}

	c.Wait()
}

func TestEchoBodyRoundTrip(t *testing.T) {
	addr, stop := scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		body, _ := io.ReadAll(req.Body)
		req.Body.Close()
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	})
	defer stop()

	c := New(testSettings())
	defer c.Deinit()

	const payload = "the quick brown fox"
	ch := make(chan result, 1)
	r, err := c.NewRequest(http.MethodPost, "http://"+addr+"/echo", func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	r.SetPayload(strings.NewReader(payload), int64(len(payload)), false)
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}

	res := awaitCallback(t, ch)
	if res.err != nil {
		t.Fatalf("callback error: %v", res.err)
	}
	body, _ := io.ReadAll(res.resp.Body)
	if string(body) != payload {
		t.Fatalf("echoed body = %q, want %q", body, payload)
	}
}

func TestPipeliningOrder(t *testing.T) {
	addr, stop := scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)

		// first request answered alone; once the client has seen an
		// HTTP/1.1 keep-alive response it pipelines the remaining two.
		if readAndDiscardRequest(t, br) == nil {
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nA")

		if readAndDiscardRequest(t, br) == nil {
			return
		}
		if readAndDiscardRequest(t, br) == nil {
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nB")
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nC")
	})
	defer stop()

	c := New(NewSettings(
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMaxParallelConnections(1),
	))
	defer c.Deinit()

	order := make(chan string, 3)
	for i := 0; i < 3; i++ {
		r, err := c.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/%d", addr, i), func(resp *Response, err error) {
			if err != nil {
				order <- "err:" + err.Error()
				return
			}
			body, _ := io.ReadAll(resp.Body)
			order <- string(body)
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Submit(); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case s := <-order:
			got = append(got, s)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out; received %v", got)
		}
	}
	want := []string{"A", "B", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("callback order = %v, want %v", got, want)
		}
	}

	if p := findPeer(c); p == nil || !p.pipeliningAllowed() {
		t.Fatal("peer did not record pipelining eligibility after first response")
	}
}

func TestRetryAfterServerClose(t *testing.T) {
	var accepts atomic.Int32
	addr, stop := scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		if accepts.Add(1) == 1 {
			// drop the first connection before responding; the request
			// had no response bytes so the client must retry it.
			return
		}
		br := bufio.NewReader(conn)
		if readAndDiscardRequest(t, br) == nil {
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	})
	defer stop()

	c := New(testSettings())
	defer c.Deinit()

	ch := make(chan result, 1)
	r, err := c.NewRequest(http.MethodGet, "http://"+addr+"/", func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}

	res := awaitCallback(t, ch)
	if res.err != nil {
		t.Fatalf("callback error: %v", res.err)
	}
	if res.resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", res.resp.StatusCode)
	}
	if got := r.Stats().Attempts; got < 2 {
		t.Fatalf("attempts = %d, want >= 2", got)
	}
}

func TestConnectRefusedExhaustsAttempts(t *testing.T) {
	// grab a port that refuses connections
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := New(testSettings())
	defer c.Deinit()

	ch := make(chan result, 1)
	r, err := c.NewRequest(http.MethodGet, "http://"+addr+"/", func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	r.SetMaxAttempts(2)
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}

	res := awaitCallback(t, ch)
	if res.err == nil {
		t.Fatal("expected connect failure, got response")
	}
	if !IsStatus(res.err, StatusConnectFailed) {
		t.Fatalf("error = %v, want CONNECT_FAILED", res.err)
	}
	if got := r.Stats().Attempts; got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestOverallTimeout(t *testing.T) {
	addr, stop := scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		readAndDiscardRequest(t, br)
		// accept, read, never respond
		time.Sleep(3 * time.Second)
	})
	defer stop()

	c := New(testSettings())
	defer c.Deinit()

	ch := make(chan result, 1)
	r, err := c.NewRequest(http.MethodGet, "http://"+addr+"/", func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	r.SetTimeout(80 * time.Millisecond)
	start := time.Now()
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}

	res := awaitCallback(t, ch)
	if !IsStatus(res.err, StatusTimeout) {
		t.Fatalf("error = %v, want TIMEOUT", res.err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %v, want well under 2s", elapsed)
	}
}

func TestAttemptTimeout(t *testing.T) {
	var accepts atomic.Int32
	addr, stop := scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		if readAndDiscardRequest(t, br) == nil {
			return
		}
		if accepts.Add(1) == 1 {
			// stall the first attempt past its per-attempt deadline
			time.Sleep(2 * time.Second)
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	})
	defer stop()

	c := New(testSettings())
	defer c.Deinit()

	ch := make(chan result, 1)
	r, err := c.NewRequest(http.MethodGet, "http://"+addr+"/", func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	r.SetAttemptTimeout(100 * time.Millisecond)
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}

	res := awaitCallback(t, ch)
	if res.err != nil {
		t.Fatalf("callback error: %v", res.err)
	}
	if res.resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", res.resp.StatusCode)
	}
	if got := r.Stats().Attempts; got < 2 {
		t.Fatalf("attempts = %d, want >= 2", got)
	}
}

func TestExpect100ContinueSucceeded(t *testing.T) {
	addr, stop := scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		if req.Header.Get("Expect") != "100-continue" {
			io.WriteString(conn, "HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\n\r\n")
			return
		}
		io.WriteString(conn, "HTTP/1.1 100 Continue\r\n\r\n")
		io.Copy(io.Discard, req.Body)
		req.Body.Close()
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	})
	defer stop()

	c := New(testSettings())
	defer c.Deinit()

	ch := make(chan result, 1)
	r, err := c.NewRequest(http.MethodPost, "http://"+addr+"/upload", func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	r.SetPayload(strings.NewReader("x"), 1, true)
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}

	res := awaitCallback(t, ch)
	if res.err != nil {
		t.Fatalf("callback error: %v", res.err)
	}
	if res.resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", res.resp.StatusCode)
	}
	if got := r.Stats().Attempts; got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}

	p := findPeer(c)
	if p == nil {
		t.Fatal("no peer recorded")
	}
	p.mu.Lock()
	seen := p.seen100Response
	p.mu.Unlock()
	if !seen {
		t.Fatal("peer did not record the 100 Continue")
	}
}

func TestExpect100ContinueRejected(t *testing.T) {
	bodyBytes := make(chan int, 1)
	addr, stop := scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		io.WriteString(conn, "HTTP/1.1 417 Expectation Failed\r\nContent-Length: 0\r\n\r\n")

		// the client must not release the body after a final failure
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _ := io.Copy(io.Discard, req.Body)
		bodyBytes <- int(n)
	})
	defer stop()

	c := New(testSettings())
	defer c.Deinit()

	ch := make(chan result, 1)
	r, err := c.NewRequest(http.MethodPost, "http://"+addr+"/upload", func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	r.SetPayload(strings.NewReader("x"), 1, true)
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}

	res := awaitCallback(t, ch)
	if res.err != nil {
		t.Fatalf("callback error: %v", res.err)
	}
	if res.resp.StatusCode != 417 {
		t.Fatalf("StatusCode = %d, want 417", res.resp.StatusCode)
	}

	select {
	case n := <-bodyBytes:
		if n != 0 {
			t.Fatalf("server received %d body bytes after rejecting the expectation", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never reported body read result")
	}

	p := findPeer(c)
	if p == nil || !p.noPayloadSync() {
		t.Fatal("peer did not disable payload sync after the rejection")
	}
}

func TestRedirectFollowed(t *testing.T) {
	var addr string
	var stop func()
	addr, stop = scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			io.Copy(io.Discard, req.Body)
			req.Body.Close()
			if req.URL.Path == "/old" {
				fmt.Fprintf(conn, "HTTP/1.1 302 Found\r\nLocation: http://%s/new\r\nContent-Length: 0\r\n\r\n", addr)
				continue
			}
			io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nnew")
		}
	})
	defer stop()

	c := New(testSettings())
	defer c.Deinit()

	ch := make(chan result, 1)
	r, err := c.NewRequest(http.MethodGet, "http://"+addr+"/old", func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}

	res := awaitCallback(t, ch)
	if res.err != nil {
		t.Fatalf("callback error: %v", res.err)
	}
	if res.resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", res.resp.StatusCode)
	}
	body, _ := io.ReadAll(res.resp.Body)
	if string(body) != "new" {
		t.Fatalf("body = %q, want %q", body, "new")
	}
	if got := r.Stats().Redirects; got != 1 {
		t.Fatalf("redirects = %d, want 1", got)
	}
}

func TestRedirectLimitExceeded(t *testing.T) {
	var addr string
	var stop func()
	addr, stop = scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			io.Copy(io.Discard, req.Body)
			req.Body.Close()
			fmt.Fprintf(conn, "HTTP/1.1 302 Found\r\nLocation: http://%s/loop\r\nContent-Length: 0\r\n\r\n", addr)
		}
	})
	defer stop()

	c := New(NewSettings(
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMaxRedirects(2),
	))
	defer c.Deinit()

	ch := make(chan result, 1)
	r, err := c.NewRequest(http.MethodGet, "http://"+addr+"/loop", func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}

	res := awaitCallback(t, ch)
	if !IsStatus(res.err, StatusInvalidRedirect) {
		t.Fatalf("error = %v, want INVALID_REDIRECT", res.err)
	}
}

func TestCallbackFiresExactlyOnce(t *testing.T) {
	addr, stop := scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		if readAndDiscardRequest(t, br) == nil {
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	})
	defer stop()

	c := New(testSettings())
	defer c.Deinit()

	var fired atomic.Int32
	ch := make(chan result, 2)
	r, err := c.NewRequest(http.MethodGet, "http://"+addr+"/", func(resp *Response, err error) {
		fired.Add(1)
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}
	awaitCallback(t, ch)

	// abort after completion must be a no-op
	r.Abort()
	r.Abort()
	time.Sleep(50 * time.Millisecond)

	if n := fired.Load(); n != 1 {
		t.Fatalf("callback fired %d times, want 1", n)
	}
}

func TestCallbackNotSynchronousWithSubmit(t *testing.T) {
	addr, stop := scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		if readAndDiscardRequest(t, br) == nil {
			return
		}
		time.Sleep(30 * time.Millisecond)
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	})
	defer stop()

	c := New(testSettings())
	defer c.Deinit()

	var fired atomic.Bool
	ch := make(chan result, 1)
	r, err := c.NewRequest(http.MethodGet, "http://"+addr+"/", func(resp *Response, err error) {
		fired.Store(true)
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}
	if fired.Load() {
		t.Fatal("callback ran synchronously inside Submit")
	}
	awaitCallback(t, ch)
}

func TestDeinitAbortsOutstanding(t *testing.T) {
	addr, stop := scriptServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		readAndDiscardRequest(t, br)
		time.Sleep(3 * time.Second)
	})
	defer stop()

	c := New(testSettings())

	ch := make(chan result, 1)
	r, err := c.NewRequest(http.MethodGet, "http://"+addr+"/", func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(); err != nil {
		t.Fatal(err)
	}

	// let the request reach the wire before tearing down
	time.Sleep(100 * time.Millisecond)
	c.Deinit()

	res := awaitCallback(t, ch)
	if !IsStatus(res.err, StatusAborted) {
		t.Fatalf("error = %v, want ABORTED", res.err)
	}
	c.Wait()
}

func TestWaitReturnsWhenIdle(t *testing.T) {
	c := New(testSettings())
	defer c.Deinit()

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked with no outstanding requests")
	}
}
