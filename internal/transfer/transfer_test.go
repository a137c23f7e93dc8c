package transfer

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagebind/chttp/internal/metrics"
)

type fixedBody struct {
	r *bytes.Reader
}

func newFixedBody(s string) *fixedBody { return &fixedBody{r: bytes.NewReader([]byte(s))} }

func (b *fixedBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *fixedBody) Len() (int64, bool)          { return b.r.Size(), true }
func (b *fixedBody) Reset() bool {
	_, err := b.r.Seek(0, io.SeekStart)
	return err == nil
}

func testURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("http://example.com/widgets")
	require.NoError(t, err)
	return u
}

func TestStateTransitions(t *testing.T) {
	h := New(1, "GET", testURL(t), http.Header{}, newFixedBody(""), "example.com:80", metrics.New())
	assert.Equal(t, Pending, h.State())

	h.MarkActive()
	assert.Equal(t, Active, h.State())

	h.MarkHeadersSent()
	assert.Equal(t, HeadersSent, h.State())

	h.AcceptHeaders(200, "200 OK", http.Header{"Content-Type": []string{"text/plain"}}, nil, nil, nil)
	assert.Equal(t, Streaming, h.State())

	h.OnComplete(nil)
	assert.Equal(t, Done, h.State())
}

func TestStateTransitionsFailure(t *testing.T) {
	h := New(2, "GET", testURL(t), http.Header{}, newFixedBody(""), "example.com:80", metrics.New())
	h.MarkActive()
	h.OnComplete(errors.New("boom"))
	assert.Equal(t, Failed, h.State())
}

func TestAcceptHeadersResolvesOnce(t *testing.T) {
	h := New(3, "GET", testURL(t), http.Header{}, newFixedBody(""), "example.com:80", metrics.New())

	h.AcceptHeaders(200, "200 OK", http.Header{}, testURL(t), nil, nil)
	h.AcceptHeaders(500, "500 Internal Server Error", http.Header{}, nil, nil, nil)

	hdrs, err := h.AwaitHeaders()
	require.NoError(t, err)
	assert.Equal(t, 200, hdrs.StatusCode)
}

func TestOnCompleteResolvesHeadersWhenNeverSent(t *testing.T) {
	h := New(4, "GET", testURL(t), http.Header{}, newFixedBody(""), "example.com:80", metrics.New())

	done := make(chan struct{})
	var hdrs *Headers
	var hdrErr error
	go func() {
		hdrs, hdrErr = h.AwaitHeaders()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AwaitHeaders returned before the transfer completed")
	case <-time.After(20 * time.Millisecond):
	}

	failure := errors.New("connect failed")
	h.OnComplete(failure)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitHeaders did not unblock after OnComplete")
	}

	assert.Nil(t, hdrs)
	assert.Equal(t, failure, hdrErr)
	assert.Equal(t, failure, h.AwaitDone())
}

func TestOnCompleteIsIdempotent(t *testing.T) {
	h := New(5, "GET", testURL(t), http.Header{}, newFixedBody(""), "example.com:80", metrics.New())
	h.OnComplete(errors.New("first"))
	h.OnComplete(errors.New("second"))

	assert.EqualError(t, h.AwaitDone(), "first")
	assert.Equal(t, Failed, h.State())
}

func TestFillUploadTracksOffsetAndMetrics(t *testing.T) {
	snap := metrics.New()
	h := New(6, "PUT", testURL(t), http.Header{}, newFixedBody("hello world"), "example.com:80", snap)

	buf := make([]byte, 5)
	n, err := h.FillUpload(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, int64(5), snap.UploadedBytes())

	n, err = h.FillUpload(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(10), snap.UploadedBytes())

	length, ok := h.RequestBodyLength()
	assert.True(t, ok)
	assert.Equal(t, int64(11), length)

	assert.True(t, h.ResetRequestBody())
	n, err = h.FillUpload(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestAcceptBodyStreamsThroughResponseBody(t *testing.T) {
	snap := metrics.New()
	h := New(7, "GET", testURL(t), http.Header{}, newFixedBody(""), "example.com:80", snap)

	h.AcceptHeaders(200, "200 OK", http.Header{}, nil, nil, nil)
	hdrs, err := h.AwaitHeaders()
	require.NoError(t, err)

	go func() {
		_, _ = h.AcceptBody([]byte("chunk one "))
		_, _ = h.AcceptBody([]byte("chunk two"))
		h.OnComplete(nil)
	}()

	got, err := io.ReadAll(hdrs.Body)
	require.NoError(t, err)
	assert.Equal(t, "chunk one chunk two", string(got))
	assert.Equal(t, int64(len("chunk one chunk two")), snap.DownloadedBytes())
	assert.NoError(t, h.AwaitDone())
}

func TestResponsePipeReadClosedDetectsDroppedBody(t *testing.T) {
	h := New(8, "GET", testURL(t), http.Header{}, newFixedBody(""), "example.com:80", metrics.New())
	assert.False(t, h.ResponsePipeReadClosed())

	h.AcceptHeaders(200, "200 OK", http.Header{}, nil, nil, nil)
	hdrs, err := h.AwaitHeaders()
	require.NoError(t, err)

	require.NoError(t, hdrs.Body.Close())
	assert.True(t, h.ResponsePipeReadClosed())
}
