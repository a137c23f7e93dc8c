package chttp

import (
	"crypto/tls"
	"net/url"
	"time"

	"github.com/sagebind/chttp/internal/policy"
)

// optionKey identifies one entry in the extension bag. Each Option closure
// writes to exactly one key. This is the idiomatic Go rendering of
// original_source/src/config/mod.rs's Configurable/SetOpt traits, which
// write typed values into an http::Extensions map keyed by type — here
// keyed by an unexported optionKey instead, since Go has no ambient
// TypeId-keyed map in the standard library.
type optionKey int

const (
	optKeyTimeout optionKey = iota
	optKeyConnectTimeout
	optKeyVersionNegotiation
	optKeyRedirectPolicy
	optKeyAutoReferer
	optKeyAuthentication
	optKeyCredentials
	optKeyProxyURL      // Proxy<Option<Uri>> in the original source
	optKeyProxyBlacklist
	optKeyProxyAuthMask // Proxy<Authentication>
	optKeyProxyCreds    // Proxy<Credentials>
	optKeyTCPKeepAlive
	optKeyTCPNoDelay
	optKeyMaxUploadSpeed
	optKeyMaxDownloadSpeed
	optKeyDNSCache
	optKeyDNSServers
	optKeyTLSClientCertificate
	optKeyTLSCACertificate
	optKeyTLSCiphers
	optKeyTLSInsecureSkipVerify
	optKeyMaxConnections
	optKeyMaxConnectionsPerHost
	optKeyConnectionCacheSize
	optKeyMetricsEnabled
	optKeyIPVersion
	optKeyDisableCompression
	optKeyMaxResponseHeaderBytes
)

// VersionNegotiation selects which HTTP protocol versions may be used for a
// transfer, mirroring original_source/src/config/mod.rs's
// VersionNegotiation constructors.
type VersionNegotiation = policy.VersionNegotiation

const (
	// VersionLatestCompatible negotiates the newest protocol the server
	// advertises support for (the default).
	VersionLatestCompatible = policy.VersionLatestCompatible
	VersionHTTP10           = policy.VersionHTTP10
	VersionHTTP11           = policy.VersionHTTP11
	// VersionHTTP2PriorKnowledge assumes HTTP/2 without protocol
	// negotiation, for servers known in advance to support it in cleartext.
	VersionHTTP2PriorKnowledge = policy.VersionHTTP2PriorKnowledge
)

// RedirectPolicy controls whether and how many redirects the driver follows
// transparently.
type RedirectPolicy = policy.RedirectPolicy

// RedirectNone disables redirect following; 3xx responses are returned as-is.
func RedirectNone() RedirectPolicy { return policy.RedirectNone() }

// RedirectFollow follows an unlimited number of redirects.
func RedirectFollow() RedirectPolicy { return policy.RedirectFollow() }

// RedirectLimit follows at most n redirects before failing with
// TooManyRedirects.
func RedirectLimit(n int) RedirectPolicy { return policy.RedirectLimit(n) }

// AuthMethod is a bitmask of server (or proxy) authentication schemes a
// client is willing to negotiate.
type AuthMethod = policy.AuthMethod

const (
	AuthBasic     = policy.AuthBasic
	AuthDigest    = policy.AuthDigest
	AuthNegotiate = policy.AuthNegotiate
	AuthNTLM      = policy.AuthNTLM
)

// Credentials is a username/password pair for HTTP authentication.
type Credentials = policy.Credentials

// DNSCachePolicy controls how long resolved addresses are cached.
type DNSCachePolicy = policy.DNSCachePolicy

// IPVersion restricts which address family the driver dials, grounded on
// original_source/tests/net.rs's ip_version(V4|V6|Any) exercising.
type IPVersion = policy.IPVersion

const (
	IPAny    = policy.IPAny
	IPv4Only = policy.IPv4Only
	IPv6Only = policy.IPv6Only
)

// Options is the resolved extension bag: request-scoped values shadow
// client defaults by simple map lookup order (spec.md §9).
type Options struct {
	values map[optionKey]any
}

func newOptions() *Options {
	return &Options{values: make(map[optionKey]any)}
}

// Option mutates an Options bag. Construct one with the With* functions
// below.
type Option func(*Options)

func (o *Options) set(key optionKey, value any) {
	o.values[key] = value
}

func (o *Options) get(key optionKey) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// merge returns a new Options with base's values overlaid by override's
// (override wins), implementing "per-request extensions shadow client
// defaults; lookup order is request, then client defaults" (spec.md §9).
func merge(base, override *Options) *Options {
	out := newOptions()
	if base != nil {
		for k, v := range base.values {
			out.values[k] = v
		}
	}
	if override != nil {
		for k, v := range override.values {
			out.values[k] = v
		}
	}
	return out
}

// WithTimeout sets the overall request deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.set(optKeyTimeout, d) }
}

// WithConnectTimeout sets the deadline for the initial connection. Default
// 300s.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.set(optKeyConnectTimeout, d) }
}

// WithVersionNegotiation selects which HTTP protocol version(s) may be used.
func WithVersionNegotiation(v VersionNegotiation) Option {
	return func(o *Options) { o.set(optKeyVersionNegotiation, v) }
}

// WithRedirectPolicy sets the redirect-following policy.
func WithRedirectPolicy(p RedirectPolicy) Option {
	return func(o *Options) { o.set(optKeyRedirectPolicy, p) }
}

// WithAutoReferer attaches a Referer header on each redirect hop.
func WithAutoReferer(enabled bool) Option {
	return func(o *Options) { o.set(optKeyAutoReferer, enabled) }
}

// WithAuthentication records which server auth methods may be negotiated.
// The value is carried into the driver configuration, but the net-based
// driver performs no server authentication: it never reads the mask.
func WithAuthentication(mask AuthMethod) Option {
	return func(o *Options) { o.set(optKeyAuthentication, mask) }
}

// WithCredentials records server credentials in the driver configuration.
// The net-based driver does not send them; no Authorization header is added
// on their behalf.
func WithCredentials(c Credentials) Option {
	return func(o *Options) { o.set(optKeyCredentials, c) }
}

// WithProxy sets an explicit proxy URL, overriding environment variables.
// Passing nil explicitly disables proxying for this request/client.
func WithProxy(u *url.URL) Option {
	return func(o *Options) { o.set(optKeyProxyURL, u) }
}

// WithProxyBlacklist lists hosts for which the proxy is skipped.
func WithProxyBlacklist(hosts []string) Option {
	return func(o *Options) { o.set(optKeyProxyBlacklist, hosts) }
}

// WithProxyAuthentication records which proxy auth methods may be negotiated.
// Stored under its own key, distinct from WithAuthentication, resolving the
// proxy-option collision noted in spec.md §9 (see SPEC_FULL.md §9). The
// net-based driver never reads the mask.
func WithProxyAuthentication(mask AuthMethod) Option {
	return func(o *Options) { o.set(optKeyProxyAuthMask, mask) }
}

// WithProxyCredentials sets proxy credentials, stored under its own key for
// the same reason as WithProxyAuthentication. The net-based driver uses them
// only for the SOCKS5 handshake of an explicit socks5:// proxy whose URL
// carries no user info; HTTP proxies are not sent these credentials.
func WithProxyCredentials(c Credentials) Option {
	return func(o *Options) { o.set(optKeyProxyCreds, c) }
}

// WithTCPKeepAlive sets the TCP keepalive probe interval. Zero keeps
// net.Dialer's default keepalive behavior (keepalive stays enabled); a
// negative value disables it.
func WithTCPKeepAlive(d time.Duration) Option {
	return func(o *Options) { o.set(optKeyTCPKeepAlive, d) }
}

// WithTCPNoDelay toggles TCP_NODELAY (Nagle's algorithm).
func WithTCPNoDelay(enabled bool) Option {
	return func(o *Options) { o.set(optKeyTCPNoDelay, enabled) }
}

// WithMaxUploadSpeed records a request-body upload cap in bytes/s (zero
// meaning unlimited) in the driver configuration. The net-based driver does
// not throttle uploads; the value has no effect on the wire.
func WithMaxUploadSpeed(bytesPerSecond int64) Option {
	return func(o *Options) { o.set(optKeyMaxUploadSpeed, bytesPerSecond) }
}

// WithMaxDownloadSpeed records a response-body download cap in bytes/s
// (zero meaning unlimited) in the driver configuration. The net-based driver
// does not throttle downloads; the value has no effect on the wire.
func WithMaxDownloadSpeed(bytesPerSecond int64) Option {
	return func(o *Options) { o.set(optKeyMaxDownloadSpeed, bytesPerSecond) }
}

// WithDNSCache records a DNS cache policy in the driver configuration. The
// net-based driver keeps no DNS cache of its own and never reads this value;
// name resolution is left to net.Dialer.
func WithDNSCache(p DNSCachePolicy) Option {
	return func(o *Options) { o.set(optKeyDNSCache, p) }
}

// WithDNSServers records a resolver list in the driver configuration. The
// net-based driver never reads it; lookups use the system resolver.
func WithDNSServers(servers []string) Option {
	return func(o *Options) { o.set(optKeyDNSServers, servers) }
}

// WithTLSClientCertificate sets the client certificate presented during the
// TLS handshake. Certificate parsing is out of scope (spec.md §1); callers
// supply an already-parsed tls.Certificate.
func WithTLSClientCertificate(cert tls.Certificate) Option {
	return func(o *Options) { o.set(optKeyTLSClientCertificate, cert) }
}

// WithTLSCACertificate sets the base *tls.Config (typically carrying the
// RootCAs pool used to verify the server certificate). The driver clones it
// and then applies the other TLS options on top.
func WithTLSCACertificate(pool *tls.Config) Option {
	return func(o *Options) { o.set(optKeyTLSCACertificate, pool) }
}

// WithTLSCiphers restricts the TLS cipher suites offered during the
// handshake.
func WithTLSCiphers(suites []uint16) Option {
	return func(o *Options) { o.set(optKeyTLSCiphers, suites) }
}

// WithTLSInsecureSkipVerify disables server certificate verification. Not
// recommended outside of testing against a known-good peer.
func WithTLSInsecureSkipVerify(skip bool) Option {
	return func(o *Options) { o.set(optKeyTLSInsecureSkipVerify, skip) }
}

// WithMaxConnections caps the total number of concurrently active transfers
// client-wide. Zero means unlimited.
func WithMaxConnections(n int) Option {
	return func(o *Options) { o.set(optKeyMaxConnections, n) }
}

// WithMaxConnectionsPerHost caps the number of concurrently active transfers
// to a single (scheme, host, port) authority. Zero means unlimited.
func WithMaxConnectionsPerHost(n int) Option {
	return func(o *Options) { o.set(optKeyMaxConnectionsPerHost, n) }
}

// WithConnectionCacheSize caps the number of idle connections kept open for
// reuse. Zero disables caching entirely.
func WithConnectionCacheSize(n int) Option {
	return func(o *Options) { o.set(optKeyConnectionCacheSize, n) }
}

// WithMetrics enables or disables per-request metrics collection.
func WithMetrics(enabled bool) Option {
	return func(o *Options) { o.set(optKeyMetricsEnabled, enabled) }
}

// WithIPVersion restricts which address family the driver dials.
func WithIPVersion(v IPVersion) Option {
	return func(o *Options) { o.set(optKeyIPVersion, v) }
}

// WithDisableCompression disables automatic Accept-Encoding negotiation and
// transparent response decompression.
func WithDisableCompression(disable bool) Option {
	return func(o *Options) { o.set(optKeyDisableCompression, disable) }
}

// WithMaxResponseHeaderBytes caps the size of the response header block the
// driver will accumulate before failing the transfer.
func WithMaxResponseHeaderBytes(n int64) Option {
	return func(o *Options) { o.set(optKeyMaxResponseHeaderBytes, n) }
}

func durationOr(o *Options, key optionKey, def time.Duration) time.Duration {
	if v, ok := o.get(key); ok {
		return v.(time.Duration)
	}
	return def
}

func intOr(o *Options, key optionKey, def int) int {
	if v, ok := o.get(key); ok {
		return v.(int)
	}
	return def
}

func int64Or(o *Options, key optionKey, def int64) int64 {
	if v, ok := o.get(key); ok {
		return v.(int64)
	}
	return def
}

func boolOr(o *Options, key optionKey, def bool) bool {
	if v, ok := o.get(key); ok {
		return v.(bool)
	}
	return def
}
