package chttp

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Small GET (spec.md §8 scenario 1).
func TestClientSmallGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := New()
	defer c.Close(context.Background())

	resp, err := c.Get(srv.URL + "/hello")
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	require.NotNil(t, resp.EffectiveURI())
	assert.Equal(t, srv.URL+"/hello", resp.EffectiveURI().String())

	require.NotNil(t, resp.LocalAddr())
	require.NotNil(t, resp.RemoteAddr())
	assert.Equal(t, "tcp", resp.RemoteAddr().Network())
}

// Chunked POST without Content-Length (spec.md §8 scenario 2).
func TestClientChunkedPOSTWithoutLength(t *testing.T) {
	var receivedLen int64
	var sawChunked int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.TransferEncoding) > 0 && r.TransferEncoding[0] == "chunked" {
			atomic.StoreInt32(&sawChunked, 1)
		}
		n, _ := io.Copy(io.Discard, r.Body)
		atomic.StoreInt64(&receivedLen, n)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	defer c.Close(context.Background())

	body := BodyFromReader(bytes.NewReader(make([]byte, 10000)))
	resp, err := c.Post(srv.URL+"/upload", body)
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, int64(10000), atomic.LoadInt64(&receivedLen))
	assert.Equal(t, int32(1), atomic.LoadInt32(&sawChunked))
}

// Redirect with limit (spec.md §8 scenario 3).
func TestClientRedirectLimitExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/next", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	c := New(WithDefaultOptions(WithRedirectPolicy(RedirectLimit(5))))
	defer c.Close(context.Background())

	_, err := c.Get(srv.URL + "/start")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTooManyRedirects))
}

// Per-host cap (spec.md §8 scenario 4, with shorter sleeps to keep the test fast).
func TestClientPerHostCap(t *testing.T) {
	const hold = 150 * time.Millisecond

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(hold)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(WithDefaultOptions(WithMaxConnectionsPerHost(2)))
	defer c.Close(context.Background())

	start := time.Now()
	errCh := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			resp, err := c.Get(srv.URL + "/slow")
			if err == nil {
				resp.Consume()
				resp.Close()
			}
			errCh <- err
		}()
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, <-errCh)
	}
	elapsed := time.Since(start)
	// 5 requests, 2 at a time, ~150ms each -> ~3 batches -> ~450ms, generously bounded.
	assert.Less(t, elapsed, 2*time.Second)
}

// Per-request timeout (spec.md §8 scenario 6).
func TestClientPerRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	defer c.Close(context.Background())

	start := time.Now()
	_, err := c.Do(mustRequest(t, "GET", srv.URL+"/slow", nil).WithOptions(WithTimeout(200 * time.Millisecond)))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
	assert.Less(t, elapsed, 350*time.Millisecond)
}

// Dropping a large body early releases the connection promptly instead of
// reading it to completion (spec.md §8 scenario 5).
func TestClientBodyDropReleasesConnection(t *testing.T) {
	const total = 100 * 1024 * 1024
	var serverDone = make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(serverDone)
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 4096)
		var written int
		for written < total {
			n, err := w.Write(buf)
			written += n
			if flusher != nil {
				flusher.Flush()
			}
			if err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New()
	defer c.Close(context.Background())

	resp, err := c.Get(srv.URL + "/firehose")
	require.NoError(t, err)

	small := make([]byte, 1024)
	_, err = io.ReadFull(resp.Body, small)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, resp.Close())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond)

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler never observed the client going away")
	}
}

func mustRequest(t *testing.T, method, rawURL string, body Body) *Request {
	t.Helper()
	req, err := NewRequest(method, rawURL, body)
	require.NoError(t, err)
	return req
}
