package wire

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"
	"testing"
)

func TestWriteRequestHeadOmitsBody(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://example.com/path", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	req.ContentLength = 5

	var buf bytes.Buffer
	if err := WriteRequestHead(&buf, req); err != nil {
		t.Fatal(err)
	}

	if strings.Contains(buf.String(), "hello") {
		t.Fatalf("head write leaked body: %q", buf.String())
	}
	if !strings.HasPrefix(buf.String(), "POST /path HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", buf.String())
	}
}

func TestReadResponseRoundTrip(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"

	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if !IsKeepAlive(resp) {
		t.Fatal("IsKeepAlive() = false for HTTP/1.1 without Connection: close")
	}
}

func TestIsKeepAliveRespectsConnectionClose(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	raw := "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"

	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if IsKeepAlive(resp) {
		t.Fatal("IsKeepAlive() = true despite Connection: close")
	}
}

func TestIsKeepAliveHTTP10RequiresToken(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	raw := "HTTP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n"

	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if IsKeepAlive(resp) {
		t.Fatal("IsKeepAlive() = true for HTTP/1.0 without keep-alive token")
	}
}
