package chttp

import (
	"bytes"
	"io"
)

// Body is the payload of a request or response. It is one of three
// variants: empty, an in-memory byte buffer, or a byte-producing stream with
// an optionally known length. Use NewBody, BodyFromBytes, BodyFromReader, or
// BodyFromReaderSized to construct one.
type Body interface {
	io.Reader

	// Len returns the exact byte count if known, and whether it is known at
	// all. A Body yields at most Len() bytes when ok is true.
	Len() (n int64, ok bool)

	// Reset repositions the body to its start, returning true on success.
	// In-memory bodies always succeed; streams succeed only if they were
	// constructed as rewindable.
	Reset() bool
}

// NewBody returns the empty body, used for requests and responses with no
// payload (GET, HEAD, 204 responses).
func NewBody() Body {
	return emptyBody{}
}

// BodyFromBytes returns a Body backed by an in-memory byte slice. The slice
// is not copied; callers must not mutate it after passing it in.
func BodyFromBytes(b []byte) Body {
	return &bytesBody{buf: b}
}

// BodyFromString returns a Body backed by an in-memory copy of s.
func BodyFromString(s string) Body {
	return BodyFromBytes([]byte(s))
}

// BodyFromReader returns a Body that streams from r with unknown length. The
// resulting Body is not resettable unless r also implements io.Seeker, in
// which case Reset seeks back to the start.
func BodyFromReader(r io.Reader) Body {
	return &streamBody{r: r, length: -1}
}

// BodyFromReaderSized returns a Body that streams from r with a known length
// in bytes. The resulting Body is not resettable unless r also implements
// io.Seeker, in which case Reset seeks back to the start.
func BodyFromReaderSized(r io.Reader, length int64) Body {
	return &streamBody{r: r, length: length}
}

type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error)  { return 0, io.EOF }
func (emptyBody) Len() (int64, bool)        { return 0, true }
func (emptyBody) Reset() bool               { return true }

// bytesBody is an in-memory, always-resettable body, mirroring
// original_source/src/body/sync.rs's Inner::Buffer variant.
type bytesBody struct {
	buf []byte
	r   *bytes.Reader
}

func (b *bytesBody) reader() *bytes.Reader {
	if b.r == nil {
		b.r = bytes.NewReader(b.buf)
	}
	return b.r
}

func (b *bytesBody) Read(p []byte) (int, error) {
	return b.reader().Read(p)
}

func (b *bytesBody) Len() (int64, bool) {
	return int64(len(b.buf)), true
}

func (b *bytesBody) Reset() bool {
	b.reader().Seek(0, io.SeekStart)
	return true
}

// streamBody wraps an arbitrary reader, mirroring original_source's
// Inner::Reader(Box<dyn Read>, Option<u64>) variant.
type streamBody struct {
	r      io.Reader
	length int64 // -1 if unknown
}

func (s *streamBody) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *streamBody) Len() (int64, bool) {
	if s.length < 0 {
		return 0, false
	}
	return s.length, true
}

func (s *streamBody) Reset() bool {
	seeker, ok := s.r.(io.Seeker)
	if !ok {
		return false
	}
	_, err := seeker.Seek(0, io.SeekStart)
	return err == nil
}
