// Package agent implements the Agent: the background I/O loop that
// multiplexes many in-flight transfers over a Driver, enforcing admission
// limits and dispatching driver callbacks to each transfer's Transfer
// Handler (spec.md §4.5). The Agent never imports net/http directly; it
// only knows about driver.Driver and transfer.Handler.
package agent

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sagebind/chttp/internal/chttperr"
	"github.com/sagebind/chttp/internal/driver"
	"github.com/sagebind/chttp/internal/metrics"
	"github.com/sagebind/chttp/internal/transfer"
)

var errCanceled = chttperr.New(chttperr.KindCanceled, nil)

// submission is one Transfer Handler crossing from a caller's goroutine
// onto the Agent's own loop (spec.md §9: "cross-thread submission").
type submission struct {
	handler *transfer.Handler
	dt      driver.Transfer
	hostKey string
}

type activeEntry struct {
	handler *transfer.Handler
	hostKey string
}

// Agent is the background I/O loop (spec.md §4.5). Construct with New and
// obtain a *Handle via Retain before submitting anything; the Agent shuts
// itself down once every Handle has been released, unless Close is called
// first.
type Agent struct {
	d          driver.Driver
	logger     *zap.Logger
	collectors *metrics.Collectors

	inboxMu        sync.Mutex
	inbox          []*submission
	cancelRequests []uint64
	wake           chan struct{}

	shutdown           atomic.Bool
	cancelAllRequested atomic.Bool
	doneCh             chan struct{}
	closeOnce          sync.Once

	refCount int64 // atomic

	nextID atomic.Uint64

	// Loop-owned state: touched only on the loop goroutine, per spec.md §5
	// ("only the Agent thread mutates the active set, pending queue, and
	// per-host counters").
	active  map[uint64]activeEntry
	pending pendingQueue
	adm     *admission
}

// Options configures a new Agent's admission limits.
type Options struct {
	MaxConnections        int
	MaxConnectionsPerHost int
	Logger                *zap.Logger
	Collectors             *metrics.Collectors
}

// New constructs an Agent and starts its loop goroutine. The returned Agent
// has a reference count of zero; callers must call Retain before Submit.
func New(d driver.Driver, opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		d:          d,
		logger:     logger,
		collectors: opts.Collectors,
		wake:       make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
		active:     make(map[uint64]activeEntry),
		adm:        newAdmission(opts.MaxConnections, opts.MaxConnectionsPerHost),
	}
	go a.loop()
	return a
}

// NextID returns a fresh, monotonically increasing transfer id (spec.md §3:
// "monotonically assigned transfer id").
func (a *Agent) NextID() uint64 {
	return a.nextID.Add(1)
}

// Handle is a reference-counted handle to a shared Agent (spec.md §3:
// "Ownership: the Client shares the Agent handle ... Each Response body
// keeps a back reference to the Agent handle"). Close releases the
// reference; a forgotten Close is caught by a finalizer as a backstop.
type Handle struct {
	a        *Agent
	released atomic.Bool
}

// Retain returns a new Handle, incrementing the Agent's reference count.
func (a *Agent) Retain() *Handle {
	atomic.AddInt64(&a.refCount, 1)
	h := &Handle{a: a}
	runtime.SetFinalizer(h, func(h *Handle) { h.Close() })
	return h
}

// Close releases this Handle's reference. It is safe to call more than
// once; only the first call has an effect.
func (h *Handle) Close() error {
	if h.released.CompareAndSwap(false, true) {
		runtime.SetFinalizer(h, nil)
		h.a.release()
	}
	return nil
}

func (a *Agent) release() {
	if atomic.AddInt64(&a.refCount, -1) == 0 {
		a.beginImplicitShutdown()
	}
}

// beginImplicitShutdown stops new admissions and lets active transfers
// drain naturally, per spec.md §9: "the Agent's I/O thread observes
// reference count reaching one (itself) as a cue to exit unless an
// explicit shutdown was requested earlier." It never force-cancels active
// transfers — that's reserved for the explicit Close path.
func (a *Agent) beginImplicitShutdown() {
	a.shutdown.Store(true)
	a.wakeUp()
}

// Close is the explicit shutdown path (spec.md §4.4: "Client.close() ...
// cancels every active transfer"). It stops new admissions, cancels every
// active and pending transfer with Canceled, and waits for the loop to
// exit or ctx to expire.
func (a *Agent) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.shutdown.Store(true)
		a.cancelAllRequested.Store(true)
		a.wakeUp()
	})
	select {
	case <-a.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) wakeUp() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Submit hands h and its driver-facing transfer description to the Agent.
// It never blocks; h is queued for the loop's next tick. Submitting while
// shutdown is in progress resolves h with Canceled immediately (spec.md
// §7: "submitting a request while shutdown is in progress yields
// Canceled") instead of queuing it.
func (a *Agent) Submit(h *transfer.Handler, dt driver.Transfer) error {
	if a.shutdown.Load() {
		h.OnComplete(errCanceled)
		return errCanceled
	}
	a.inboxMu.Lock()
	a.inbox = append(a.inbox, &submission{handler: h, dt: dt, hostKey: h.HostKey()})
	a.inboxMu.Unlock()
	a.wakeUp()
	return nil
}

// CancelTransfer requests best-effort cancellation of one in-flight or
// pending transfer, used by a caller's context expiring or being canceled
// mid-request. It never blocks; the actual cancellation happens on the
// loop's next tick.
func (a *Agent) CancelTransfer(id uint64) {
	a.inboxMu.Lock()
	a.cancelRequests = append(a.cancelRequests, id)
	a.inboxMu.Unlock()
	a.wakeUp()
}

// loop is the single-threaded, cooperative main loop (spec.md §4.5).
func (a *Agent) loop() {
	defer close(a.doneCh)

	for {
		a.drainInbox()
		a.drainCancelRequests()

		if a.cancelAllRequested.CompareAndSwap(true, false) {
			for id := range a.active {
				a.d.Cancel(id)
			}
			a.cancelPending(errCanceled)
		}

		if !a.shutdown.Load() {
			a.admitPending()
		}

		changes, wait := a.d.Poll()
		for _, c := range changes {
			a.handleChange(c)
		}

		a.checkDroppedBodies()
		a.reportMetrics()

		if a.shutdown.Load() && len(a.active) == 0 {
			a.cancelPending(errCanceled)
			return
		}

		select {
		case <-a.wake:
		case <-a.d.Notify():
		case <-time.After(wait):
		}
	}
}

func (a *Agent) drainInbox() {
	a.inboxMu.Lock()
	inbox := a.inbox
	a.inbox = nil
	a.inboxMu.Unlock()

	for _, s := range inbox {
		a.pending.push(s)
	}
}

// drainCancelRequests services CancelTransfer calls made from other
// goroutines: an active transfer is forwarded to the driver, a still-pending
// one is resolved with Canceled and dropped from the queue directly.
func (a *Agent) drainCancelRequests() {
	a.inboxMu.Lock()
	ids := a.cancelRequests
	a.cancelRequests = nil
	a.inboxMu.Unlock()

	for _, id := range ids {
		if _, ok := a.active[id]; ok {
			a.d.Cancel(id)
			continue
		}
		a.removePending(id)
	}
}

func (a *Agent) removePending(id uint64) {
	for i, item := range a.pending.items {
		if item.submit.handler.ID == id {
			a.pending.items = append(a.pending.items[:i:i], a.pending.items[i+1:]...)
			item.submit.handler.OnComplete(errCanceled)
			return
		}
	}
}

// admitPending implements spec.md §4.5 step 2: grant slots to as many
// pending transfers as current capacity allows, skipping (not blocking on)
// any whose host is saturated.
func (a *Agent) admitPending() {
	for {
		s := a.pending.admitNext(a.adm)
		if s == nil {
			return
		}
		a.admit(s)
	}
}

func (a *Agent) admit(s *submission) {
	s.handler.MarkActive()
	if err := a.d.Register(s.dt); err != nil {
		a.adm.release(s.hostKey)
		s.handler.OnComplete(err)
		return
	}
	a.active[s.handler.ID] = activeEntry{handler: s.handler, hostKey: s.hostKey}
}

func (a *Agent) cancelPending(err error) {
	for _, item := range a.pending.items {
		item.submit.handler.OnComplete(err)
	}
	a.pending.items = nil
}

func (a *Agent) handleChange(c driver.Change) {
	if c.Kind != driver.ChangeComplete {
		return
	}
	entry, ok := a.active[c.ID]
	if !ok {
		return
	}
	delete(a.active, c.ID)
	a.adm.release(entry.hostKey)

	if a.collectors != nil {
		outcome := "ok"
		if entry.handler.State() == transfer.Failed {
			outcome = "error"
		}
		a.collectors.CompletedTotal.WithLabelValues(outcome).Inc()
	}
}

// checkDroppedBodies implements spec.md §4.5 step 5: a transfer whose
// response pipe reader has been closed by the caller is cancelled.
func (a *Agent) checkDroppedBodies() {
	for id, e := range a.active {
		if e.handler.ResponsePipeReadClosed() {
			a.d.Cancel(id)
		}
	}
}

func (a *Agent) reportMetrics() {
	if a.collectors == nil {
		return
	}
	a.collectors.ActiveTransfers.Set(float64(len(a.active)))
	a.collectors.PendingTransfers.Set(float64(a.pending.len()))

	perHost := make(map[string]int, len(a.active))
	for _, e := range a.active {
		perHost[e.hostKey]++
	}
	a.collectors.PerHostActive.Reset()
	for host, n := range perHost {
		a.collectors.PerHostActive.WithLabelValues(host).Set(float64(n))
	}
}
