package driver

import "time"

// idleCacheSettings derives net/http.Transport's idle-pool knobs from the
// connection_cache_size option (spec.md §4.5 "Connection cache"). A cache
// size of 0 maps onto DisableKeepAlives, matching the spec's "If capacity is
// 0, all connections close on completion (CloseConnection flag)" exactly:
// net/http.Transport already performs LRU eviction of its own idle pool
// (badu-http's connLRU did the same thing by hand against persistConn
// values this codebase doesn't own, now that the wire protocol itself is
// delegated to net/http.Transport per SPEC_FULL.md §1) so there is nothing
// left for this package to reimplement beyond translating the one option.
type idleCacheSettings struct {
	disableKeepAlives   bool
	maxIdleConns        int
	maxIdleConnsPerHost int
	idleConnTimeout     time.Duration
}

func idleCacheFor(size int) idleCacheSettings {
	if size == 0 {
		return idleCacheSettings{disableKeepAlives: true}
	}
	perHost := size
	if perHost > 8 {
		perHost = 8
	}
	return idleCacheSettings{
		maxIdleConns:        size,
		maxIdleConnsPerHost: perHost,
		idleConnTimeout:     90 * time.Second,
	}
}
