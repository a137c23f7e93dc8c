// Package transfer implements the per-request Transfer Handler: the state
// object the Agent attaches to one in-flight transfer, bridging the
// driver's callbacks to the headers-received and final-result promises a
// caller awaits.
package transfer

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/sagebind/chttp/internal/metrics"
	"github.com/sagebind/chttp/internal/pipe"
)

// Body is the minimal request-body surface the Transfer Handler needs. Any
// type satisfying chttp.Body (Read/Len/Reset) satisfies this by structural
// typing, so the root package can hand its Body values straight through
// without this package importing chttp.
type Body interface {
	io.Reader
	Len() (int64, bool)
	Reset() bool
}

// State is the Transfer Handler's lifecycle stage (spec.md §3). Transitions
// are monotonic: no state is re-entered.
type State int32

const (
	Pending State = iota
	Active
	HeadersSent
	Streaming
	Closing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case HeadersSent:
		return "headers_sent"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Headers is what AcceptHeaders assembles and what the headers-received
// promise resolves to.
type Headers struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser // reader end of the response pipe

	EffectiveURI *url.URL
	LocalAddr    net.Addr
	RemoteAddr   net.Addr
}

// Handler is the Transfer Handler for one in-flight request.
type Handler struct {
	ID uint64

	Method string
	URL    *url.URL
	Header http.Header

	reqBody Body
	reqOff  int64
	hostKey string
	metrics *metrics.Snapshot

	mu    sync.Mutex
	state State

	pipe *pipe.Pipe

	headersOnce  sync.Once
	headersReady chan struct{}
	headers      *Headers
	headersErr   error

	doneOnce sync.Once
	doneCh   chan struct{}
	doneErr  error
}

// New creates a Pending Transfer Handler. hostKey is the (scheme, host,
// port) authority used for per-host admission accounting.
func New(id uint64, method string, u *url.URL, header http.Header, body Body, hostKey string, snap *metrics.Snapshot) *Handler {
	return &Handler{
		ID:           id,
		Method:       method,
		URL:          u,
		Header:       header,
		reqBody:      body,
		hostKey:      hostKey,
		metrics:      snap,
		state:        Pending,
		headersReady: make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// HostKey returns the per-host admission key for this transfer.
func (h *Handler) HostKey() string { return h.hostKey }

// State returns the current lifecycle stage.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// MarkActive transitions Pending -> Active when the Agent grants an
// admission slot.
func (h *Handler) MarkActive() {
	h.setState(Active)
}

// MarkHeadersSent transitions Active -> HeadersSent once the first request
// byte has been emitted, for metrics/admission accounting (spec.md §4.4).
func (h *Handler) MarkHeadersSent() {
	h.setState(HeadersSent)
	if h.metrics != nil {
		h.metrics.MarkTransferStart()
	}
}

// FillUpload is called by the driver to pull the next chunk of request-body
// bytes. It returns 0, io.EOF at end of body. Because each transfer in this
// engine's driver runs on its own dedicated goroutine (never the Agent's
// own tick), FillUpload may block the calling goroutine without violating
// the Agent's non-blocking-tick requirement (spec.md §5).
func (h *Handler) FillUpload(buf []byte) (int, error) {
	n, err := h.reqBody.Read(buf)
	h.reqOff += int64(n)
	if h.metrics != nil && n > 0 {
		h.metrics.AddUploaded(int64(n))
	}
	return n, err
}

// RequestBodyLength returns the known length of the request body, if any.
func (h *Handler) RequestBodyLength() (int64, bool) {
	return h.reqBody.Len()
}

// ResetRequestBody attempts to rewind the request body for redirect replay
// or auth renegotiation, returning false if the body is not resettable.
func (h *Handler) ResetRequestBody() bool {
	h.reqOff = 0
	return h.reqBody.Reset()
}

func (h *Handler) resolveHeaders(hdrs *Headers, err error) {
	h.headersOnce.Do(func() {
		h.headers = hdrs
		h.headersErr = err
		if hdrs != nil {
			h.setState(Streaming)
		}
		close(h.headersReady)
	})
}

// AcceptHeaders assembles the Response's header side and resolves the
// headers-received promise exactly once (spec.md §4.4). A second call is a
// no-op. localAddr/remoteAddr are the connection's socket addresses,
// attached as response extensions (spec.md §3, §4.4, §6).
func (h *Handler) AcceptHeaders(statusCode int, status string, header http.Header, effectiveURI *url.URL, localAddr, remoteAddr net.Addr) {
	select {
	case <-h.headersReady:
		return
	default:
	}
	p := pipe.New(pipe.DefaultCapacity)
	h.pipe = p
	h.resolveHeaders(&Headers{
		StatusCode:   statusCode,
		Status:       status,
		Header:       header,
		Body:         &readCloser{p: p},
		EffectiveURI: effectiveURI,
		LocalAddr:    localAddr,
		RemoteAddr:   remoteAddr,
	}, nil)
}

// MarkNameLookup records when DNS resolution completed for this transfer's
// connection attempt, for metrics.
func (h *Handler) MarkNameLookup() {
	if h.metrics != nil {
		h.metrics.MarkNameLookup()
	}
}

// MarkConnect records when the underlying TCP (or proxy) connection
// completed, for metrics.
func (h *Handler) MarkConnect() {
	if h.metrics != nil {
		h.metrics.MarkConnect()
	}
}

// AwaitHeaders blocks until AcceptHeaders or OnComplete(err) resolves the
// headers-received promise, returning the assembled Headers or the
// terminal failure if the transfer ended before headers arrived.
func (h *Handler) AwaitHeaders() (*Headers, error) {
	<-h.headersReady
	return h.headers, h.headersErr
}

// AcceptBody writes response-body bytes into the pipe feeding the caller's
// Response.Body. If the pipe is full, Write blocks the calling (driver)
// goroutine until the caller drains it or the pipe is closed.
func (h *Handler) AcceptBody(p []byte) (int, error) {
	if h.metrics != nil && len(p) > 0 {
		h.metrics.AddDownloaded(int64(len(p)))
	}
	return h.pipe.Write(p)
}

// ResponsePipeReadClosed reports whether the caller dropped the response
// body, the signal the Agent uses to request driver cancellation (spec.md
// §4.5 step 5).
func (h *Handler) ResponsePipeReadClosed() bool {
	if h.pipe == nil {
		return false
	}
	return h.pipe.ReadClosed()
}

// OnComplete is the terminal notification (spec.md §4.4): if headers were
// never resolved, the headers-received promise resolves to the failure;
// either way the response pipe is closed (with the failure on the write
// side, or cleanly on success) and the final-result promise resolves.
func (h *Handler) OnComplete(err error) {
	h.doneOnce.Do(func() {
		h.setState(Closing)

		h.resolveHeaders(nil, err)

		if h.pipe != nil {
			if err != nil {
				h.pipe.CloseWriteWithError(err)
			} else {
				h.pipe.CloseWrite()
			}
		}

		if h.metrics != nil {
			h.metrics.MarkTransferEnd()
		}

		if err != nil {
			h.setState(Failed)
		} else {
			h.setState(Done)
		}

		h.doneErr = err
		close(h.doneCh)
	})
}

// AwaitDone blocks until OnComplete resolves the final-result promise.
func (h *Handler) AwaitDone() error {
	<-h.doneCh
	return h.doneErr
}

type readCloser struct {
	p *pipe.Pipe
}

func (r *readCloser) Read(p []byte) (int, error) { return r.p.Read(p) }
func (r *readCloser) Close() error                { return r.p.CloseRead() }
