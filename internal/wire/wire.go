// Package wire is the byte-level HTTP/1.x message codec beneath the
// request engine. It is deliberately thin: net/http's own client-side
// codec (http.Request.Write / http.ReadResponse) already implements
// RFC 7230 framing, so this package only adapts it to the shapes
// Connection needs rather than reimplementing the parsing.
package wire

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// WriteRequest serializes req's head and, if present, its Body stream
// to w. A body withheld for the 100-continue protocol goes through
// WriteRequestHead instead, and the caller streams it afterwards.
func WriteRequest(w io.Writer, req *http.Request) error {
	return req.Write(w)
}

// WriteRequestAbsolute serializes req in absolute-URI form, the request
// line shape a forward proxy expects for plain-text targets.
func WriteRequestAbsolute(w io.Writer, req *http.Request) error {
	return req.WriteProxy(w)
}

// WriteRequestHead serializes only req's request line and headers,
// without consuming or writing Body. Used when the body must be
// withheld pending a 100-continue response.
func WriteRequestHead(w io.Writer, req *http.Request) error {
	headless := req.Clone(req.Context())
	if req.Body == nil {
		return headless.Write(w)
	}
	// Serialize against an empty stand-in body so Content-Length or
	// Transfer-Encoding still describe the real one, then keep only the
	// bytes up to the blank line that ends the head.
	headless.Body = io.NopCloser(bytes.NewReader(nil))
	var buf bytes.Buffer
	werr := headless.Write(&buf)
	end := bytes.Index(buf.Bytes(), []byte("\r\n\r\n"))
	if end < 0 {
		return werr
	}
	_, err := w.Write(buf.Bytes()[:end+4])
	return err
}

// ReadResponse parses one complete response head from r and returns a
// Response whose Body is a stream that itself knows where the payload
// ends (Content-Length, chunked terminator, or EOF-on-close for
// HTTP/1.0 and connections without a length).
func ReadResponse(r *bufio.Reader, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(r, req)
}

// IsKeepAlive reports whether resp permits the connection to be reused
// for a subsequent request: never after "Connection: close"; for
// HTTP/1.0 only when a "Connection: keep-alive" token is present; for
// later versions otherwise always.
func IsKeepAlive(resp *http.Response) bool {
	if resp.Close {
		return false
	}
	if resp.ProtoMajor == 1 && resp.ProtoMinor == 0 {
		return hasToken(resp.Header.Get("Connection"), "keep-alive")
	}
	return true
}

func hasToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if httpguts.HeaderValuesContainsToken([]string{strings.TrimSpace(part)}, token) {
			return true
		}
	}
	return false
}
