package agent

import (
	"golang.org/x/sync/semaphore"
)

// admission enforces spec.md §4.5's admission policy: a global concurrency
// cap plus a per-host cap, both optional (0 = unlimited). Every method here
// is only ever called from the Agent's own loop goroutine, so no internal
// locking is needed — mutating "only the Agent thread mutates ... per-host
// counters" (spec.md §5) falls out for free rather than needing enforcement.
//
// Both caps are modeled as golang.org/x/sync/semaphore.Weighted pools
// checked with TryAcquire, which never blocks — an idiomatic fit for a
// cooperative loop that must never suspend mid-tick (spec.md §5), and a
// cleaner expression of "at most N held at once" than a hand-rolled
// mutex-guarded int.
type admission struct {
	maxGlobal int
	maxHost   int

	global *semaphore.Weighted
	host   map[string]*semaphore.Weighted
}

func newAdmission(maxGlobal, maxHost int) *admission {
	a := &admission{maxGlobal: maxGlobal, maxHost: maxHost, host: make(map[string]*semaphore.Weighted)}
	if maxGlobal > 0 {
		a.global = semaphore.NewWeighted(int64(maxGlobal))
	}
	return a
}

func (a *admission) hostSem(host string) *semaphore.Weighted {
	if a.maxHost <= 0 {
		return nil
	}
	s, ok := a.host[host]
	if !ok {
		s = semaphore.NewWeighted(int64(a.maxHost))
		a.host[host] = s
	}
	return s
}

// tryAdmit attempts to reserve one global slot and one per-host slot for
// host, atomically from the caller's point of view (it releases the global
// slot again if the host slot is unavailable, so a saturated host never
// holds a global slot hostage per spec.md's fairness rule: "a head-of-line
// transfer that cannot be admitted ... does not block transfers to other
// hosts").
func (a *admission) tryAdmit(host string) bool {
	if a.global != nil && !a.global.TryAcquire(1) {
		return false
	}
	if hs := a.hostSem(host); hs != nil && !hs.TryAcquire(1) {
		if a.global != nil {
			a.global.Release(1)
		}
		return false
	}
	return true
}

// release returns host's admitted slot (and the global slot, if bounded) to
// the pool, called once a transfer reaches a terminal state.
func (a *admission) release(host string) {
	if hs := a.hostSem(host); hs != nil {
		hs.Release(1)
	}
	if a.global != nil {
		a.global.Release(1)
	}
}

// pendingQueue is the FIFO of Transfer Handlers awaiting admission
// (spec.md §3's "Pending queue"). admitNext scans head-to-tail and removes
// the first entry whose host isn't saturated, implementing the "skip a
// saturated head-of-line host, serve the next unsaturated one, preserve
// relative order within each host" fairness rule (spec.md §4.5) without
// needing a per-host sub-queue.
type pendingQueue struct {
	items []*pendingItem
}

type pendingItem struct {
	host   string
	submit *submission
}

func (q *pendingQueue) push(s *submission) {
	q.items = append(q.items, &pendingItem{host: s.hostKey, submit: s})
}

func (q *pendingQueue) len() int { return len(q.items) }

// admitNext finds and removes the first item whose host is admittable per
// adm, returning it. Returns nil if every pending item's host is currently
// saturated.
func (q *pendingQueue) admitNext(adm *admission) *submission {
	for i, item := range q.items {
		if adm.tryAdmit(item.host) {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return item.submit
		}
	}
	return nil
}
