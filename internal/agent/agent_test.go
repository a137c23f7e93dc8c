package agent

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagebind/chttp/internal/driver"
	"github.com/sagebind/chttp/internal/metrics"
	"github.com/sagebind/chttp/internal/transfer"
)

// fakeDriver is a minimal Driver stub: Register stores the transfer and
// completes it only when the test calls finish(id), letting tests control
// exactly when a transfer moves out of Active.
type fakeDriver struct {
	notifyCh chan struct{}
	events   chan driver.Change

	mu   sync.Mutex
	live map[uint64]driver.Transfer
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		notifyCh: make(chan struct{}, 1),
		events:   make(chan driver.Change, 64),
		live:     make(map[uint64]driver.Transfer),
	}
}

func (f *fakeDriver) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeDriver) isLive(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[id]
	return ok
}

func (f *fakeDriver) Register(t driver.Transfer) error {
	f.mu.Lock()
	f.live[t.ID] = t
	f.mu.Unlock()
	t.Callbacks.AcceptHeaders(200, "200 OK", http.Header{}, t.URL, nil, nil)
	return nil
}

func (f *fakeDriver) Poll() ([]driver.Change, time.Duration) {
	var changes []driver.Change
	for {
		select {
		case c := <-f.events:
			changes = append(changes, c)
		default:
			return changes, 50 * time.Millisecond
		}
	}
}

func (f *fakeDriver) Cancel(id uint64) {
	f.finish(id, nil)
}

func (f *fakeDriver) Notify() <-chan struct{} { return f.notifyCh }

func (f *fakeDriver) Close() error { return nil }

func (f *fakeDriver) finish(id uint64, err error) {
	f.mu.Lock()
	t, ok := f.live[id]
	if ok {
		delete(f.live, id)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	t.Callbacks.OnComplete(err)
	f.events <- driver.Change{ID: id, Kind: driver.ChangeComplete}
	select {
	case f.notifyCh <- struct{}{}:
	default:
	}
}

func newTestTransfer(t *testing.T, a *Agent, method, rawURL, host string) (*transfer.Handler, driver.Transfer) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	h := transfer.New(a.NextID(), method, u, http.Header{}, emptyBody{}, host, metrics.New())
	dt := driver.Transfer{
		ID:                 h.ID,
		Method:             method,
		URL:                u,
		Header:             http.Header{},
		RequestBodyLength:  h.RequestBodyLength,
		Callbacks: driver.Callbacks{
			FillUpload:             h.FillUpload,
			ResetRequestBody:       h.ResetRequestBody,
			OnRequestStart:         h.MarkHeadersSent,
			AcceptHeaders:          h.AcceptHeaders,
			AcceptBody:             h.AcceptBody,
			ResponsePipeReadClosed: h.ResponsePipeReadClosed,
			OnComplete:             h.OnComplete,
		},
	}
	return h, dt
}

type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error) { return 0, context.Canceled }
func (emptyBody) Len() (int64, bool)        { return 0, true }
func (emptyBody) Reset() bool               { return true }

func TestSubmitAdmitsAndResolvesHeaders(t *testing.T) {
	fd := newFakeDriver()
	a := New(fd, Options{})
	handle := a.Retain()
	defer handle.Close()

	h, dt := newTestTransfer(t, a, "GET", "http://example.com/widgets", "example.com:80")
	require.NoError(t, a.Submit(h, dt))

	hdrs, err := h.AwaitHeaders()
	require.NoError(t, err)
	assert.Equal(t, 200, hdrs.StatusCode)

	fd.finish(h.ID, nil)
	require.NoError(t, h.AwaitDone())
}

func TestPerHostCapLimitsActiveTransfers(t *testing.T) {
	fd := newFakeDriver()
	a := New(fd, Options{MaxConnectionsPerHost: 2})
	handle := a.Retain()
	defer handle.Close()

	var handlers []*transfer.Handler
	for i := 0; i < 5; i++ {
		h, dt := newTestTransfer(t, a, "GET", "http://example.com/widgets", "example.com:80")
		require.NoError(t, a.Submit(h, dt))
		handlers = append(handlers, h)
	}

	// Only 2 should ever be registered with the driver at once; drain them
	// one at a time and confirm no more than 2 are concurrently live.
	admitted := 0
	for _, h := range handlers {
		deadline := time.After(time.Second)
		for {
			if n := fd.liveCount(); n > 2 {
				t.Fatalf("more than max_connections_per_host transfers live at once: %d", n)
			}
			if fd.isLive(h.ID) {
				break
			}
			select {
			case <-deadline:
				t.Fatalf("transfer %d never admitted", h.ID)
			case <-time.After(time.Millisecond):
			}
		}
		admitted++
		fd.finish(h.ID, nil)
		require.NoError(t, h.AwaitDone())
	}
	assert.Equal(t, 5, admitted)
}

func TestSubmitDuringShutdownIsCanceled(t *testing.T) {
	fd := newFakeDriver()
	a := New(fd, Options{})
	handle := a.Retain()

	require.NoError(t, a.Close(context.Background()))
	handle.Close()

	h, dt := newTestTransfer(t, a, "GET", "http://example.com/widgets", "example.com:80")
	err := a.Submit(h, dt)
	assert.Error(t, err)
	assert.Equal(t, err, h.AwaitDone())
}

func TestReleaseAllHandlesBeginsImplicitShutdown(t *testing.T) {
	fd := newFakeDriver()
	a := New(fd, Options{})
	handle := a.Retain()
	handle.Close()

	select {
	case <-a.doneCh:
	case <-time.After(time.Second):
		t.Fatal("agent loop did not exit after last handle released")
	}
}
