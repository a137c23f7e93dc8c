package chttp

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sagebind/chttp/internal/metrics"
)

// Response is an incoming HTTP response whose Body streams from the Agent's
// I/O loop through a Pipe. The extension methods below are grounded in
// original_source/src/response.rs's ResponseExt trait.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser

	effectiveURI *url.URL
	localAddr    net.Addr
	remoteAddr   net.Addr
	metrics      *metrics.Snapshot

	// agent is a back-reference keeping the owning Agent handle alive for
	// as long as this Response's body is still being read (spec.md §3:
	// "Each Response body keeps a back reference to the Agent handle").
	agent io.Closer
}

// ContentLength returns the Content-Length header value, or -1 if absent or
// unparseable.
func (r *Response) ContentLength() int64 {
	v := r.Header.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// EffectiveURI returns the URI the response actually came from, which
// differs from the request URI if at least one redirect was followed. It
// returns nil if no redirect occurred and the driver did not populate it.
func (r *Response) EffectiveURI() *url.URL {
	return r.effectiveURI
}

// LocalAddr returns the local socket address the transfer was made from, if
// known.
func (r *Response) LocalAddr() net.Addr {
	return r.localAddr
}

// RemoteAddr returns the remote socket address the transfer connected to,
// if known.
func (r *Response) RemoteAddr() net.Addr {
	return r.remoteAddr
}

// Metrics returns a live view of this transfer's metrics, or nil if metrics
// were not enabled via WithMetrics.
func (r *Response) Metrics() *metrics.Snapshot {
	return r.metrics
}

// Bytes reads the entire response body into memory.
func (r *Response) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if n := r.ContentLength(); n > 0 {
		buf.Grow(int(n))
	}
	_, err := io.Copy(&buf, r.Body)
	return buf.Bytes(), err
}

// Text reads the entire response body and decodes it as a UTF-8 string,
// replacing malformed bytes with the Unicode replacement character.
func (r *Response) Text() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(b), "�"), nil
}

// CopyTo copies the response body into w, returning the number of bytes
// written.
func (r *Response) CopyTo(w io.Writer) (int64, error) {
	return io.Copy(w, r.Body)
}

// Consume discards the remainder of the response body, returning the number
// of bytes discarded. This is useful to allow the underlying connection to
// be returned to the pool without the caller needing the body contents.
func (r *Response) Consume() (int64, error) {
	return io.Copy(io.Discard, r.Body)
}

// Close closes the response body and releases the Agent back-reference.
func (r *Response) Close() error {
	err := r.Body.Close()
	if r.agent != nil {
		r.agent.Close()
	}
	return err
}
