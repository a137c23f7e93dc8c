// Package policy holds the plain value types used to configure a transfer
// (version negotiation, redirect policy, authentication, DNS caching, IP
// version). They live under internal, separate from both the root chttp
// package and internal/driver, so that internal/driver can consume resolved
// configuration without importing chttp (which itself depends on
// internal/agent, which depends on internal/driver — importing chttp from
// driver would cycle). The root package re-exports these under type
// aliases, exactly as it does for internal/chttperr.
package policy

import "time"

// VersionNegotiation selects which HTTP protocol versions may be used for a
// transfer, mirroring original_source/src/config/mod.rs's
// VersionNegotiation constructors.
type VersionNegotiation int

const (
	VersionLatestCompatible VersionNegotiation = iota
	VersionHTTP10
	VersionHTTP11
	VersionHTTP2PriorKnowledge
)

// RedirectPolicy controls whether and how many redirects the driver follows
// transparently.
type RedirectPolicy struct {
	FollowFlag bool
	LimitN     int // -1 means unlimited
}

func RedirectNone() RedirectPolicy { return RedirectPolicy{} }

func RedirectFollow() RedirectPolicy { return RedirectPolicy{FollowFlag: true, LimitN: -1} }

func RedirectLimit(n int) RedirectPolicy { return RedirectPolicy{FollowFlag: true, LimitN: n} }

func (p RedirectPolicy) Follow() bool { return p.FollowFlag }

func (p RedirectPolicy) Limit() int { return p.LimitN }

// AuthMethod is a bitmask of server (or proxy) authentication schemes a
// client is willing to negotiate.
type AuthMethod int

const (
	AuthBasic AuthMethod = 1 << iota
	AuthDigest
	AuthNegotiate
	AuthNTLM
)

// Credentials is a username/password pair for HTTP authentication.
type Credentials struct {
	Username string
	Password string
}

// DNSCachePolicy controls how long resolved addresses are cached.
type DNSCachePolicy struct {
	Disabled bool
	Forever  bool
	TTL      time.Duration
}

// IPVersion restricts which address family the driver dials, grounded on
// original_source/tests/net.rs's ip_version(V4|V6|Any) exercising.
type IPVersion int

const (
	IPAny IPVersion = iota
	IPv4Only
	IPv6Only
)
