// Package metrics holds the per-transfer metrics snapshot and the
// process-wide Prometheus collectors the Agent updates as transfers move
// through admission and completion, grounded on rockstar-0000-aistore's use
// of github.com/prometheus/client_golang for long-lived gauges.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a live, per-transfer view of timing and byte-count data,
// populated by the driver as a transfer progresses. It is attached to a
// Response only when metrics were enabled for that request (spec.md §6:
// "metrics(bool)").
type Snapshot struct {
	mu sync.RWMutex

	requestStart    time.Time
	nameLookupAt    time.Time
	connectAt       time.Time
	transferStartAt time.Time
	transferEndAt   time.Time

	uploadedBytes   int64
	downloadedBytes int64
}

// MarkNameLookup records when DNS resolution completed.
func (s *Snapshot) MarkNameLookup() { s.mark(&s.nameLookupAt) }

// MarkConnect records when the TCP (or proxy) connection completed.
func (s *Snapshot) MarkConnect() { s.mark(&s.connectAt) }

// MarkTransferStart records when the first request byte was sent.
func (s *Snapshot) MarkTransferStart() { s.mark(&s.transferStartAt) }

// MarkTransferEnd records when the transfer reached a terminal state.
func (s *Snapshot) MarkTransferEnd() { s.mark(&s.transferEndAt) }

func (s *Snapshot) mark(field *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*field = time.Now()
}

// AddUploaded accumulates n request-body bytes sent so far.
func (s *Snapshot) AddUploaded(n int64) {
	s.mu.Lock()
	s.uploadedBytes += n
	s.mu.Unlock()
}

// AddDownloaded accumulates n response-body bytes received so far.
func (s *Snapshot) AddDownloaded(n int64) {
	s.mu.Lock()
	s.downloadedBytes += n
	s.mu.Unlock()
}

// UploadedBytes returns the number of request-body bytes sent so far.
func (s *Snapshot) UploadedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uploadedBytes
}

// DownloadedBytes returns the number of response-body bytes received so far.
func (s *Snapshot) DownloadedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.downloadedBytes
}

// TotalTime returns the elapsed time since the request started, if it has.
func (s *Snapshot) TotalTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.requestStart.IsZero() {
		return 0
	}
	end := s.transferEndAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.requestStart)
}

// New returns a Snapshot with its clock started.
func New() *Snapshot {
	return &Snapshot{requestStart: time.Now()}
}

// Collectors bundles the process-wide gauges the Agent updates. Each
// NewCollectors call builds a fresh set; registering a second set against
// the same registerer panics (MustRegister reports the duplicate).
type Collectors struct {
	ActiveTransfers  prometheus.Gauge
	PendingTransfers prometheus.Gauge
	PerHostActive    *prometheus.GaugeVec
	CompletedTotal   *prometheus.CounterVec
}

// NewCollectors constructs and registers a Collectors against reg. If reg is
// nil, the collectors are left unregistered (useful for tests).
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ActiveTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chttp",
			Name:      "active_transfers",
			Help:      "Number of transfers currently in the Active state or later.",
		}),
		PendingTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chttp",
			Name:      "pending_transfers",
			Help:      "Number of transfers waiting for an admission slot.",
		}),
		PerHostActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chttp",
			Name:      "per_host_active_transfers",
			Help:      "Number of active transfers for a given host authority.",
		}, []string{"host"}),
		CompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chttp",
			Name:      "completed_transfers_total",
			Help:      "Total number of transfers that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(c.ActiveTransfers, c.PendingTransfers, c.PerHostActive, c.CompletedTotal)
	}

	return c
}
