// Package driver defines the Transfer Driver contract (spec.md §4.1) and
// ships one concrete implementation over net/http.Transport and
// golang.org/x/net/http2.Transport (SPEC_FULL.md §4.1). internal/agent
// depends only on the Driver interface in this file, never on netDriver
// directly, so the agent package itself never imports net/http.
package driver

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sagebind/chttp/internal/policy"
)

// Callbacks are the per-transfer hooks a Driver invokes as a registered
// transfer progresses. They correspond one-to-one to the Transfer Handler
// methods in spec.md §4.4; the Client (client.go) wires them straight
// through to a *transfer.Handler, and internal/agent never interprets them.
type Callbacks struct {
	// FillUpload pulls the next chunk of request-body bytes. Returns 0,
	// io.EOF at end of body.
	FillUpload func(buf []byte) (int, error)

	// ResetRequestBody rewinds the request body for redirect replay,
	// returning false if it is not resettable (spec.md §4.5: "if the
	// request body is non-replayable and a redirect with body replay is
	// required, the transfer fails").
	ResetRequestBody func() bool

	// OnRequestStart fires once, when the first request header line has been
	// written to the wire, marking the Active -> HeadersSent transition
	// (spec.md §4.4).
	OnRequestStart func()

	// OnNameLookup fires once DNS resolution completes for this transfer's
	// connection attempt.
	OnNameLookup func()

	// OnConnect fires when the transfer obtains a connection, either newly
	// dialed (after any TLS handshake) or reused from the idle pool. It
	// fires again for each redirect hop.
	OnConnect func()

	// AcceptHeaders is called exactly once, when the response status line
	// and headers are complete. localAddr/remoteAddr are the socket
	// addresses of the connection the response arrived on, attached as
	// response extensions (spec.md §3, §4.4, §6).
	AcceptHeaders func(statusCode int, status string, header http.Header, effectiveURI *url.URL, localAddr, remoteAddr net.Addr)

	// AcceptBody delivers response-body bytes in wire order. May block the
	// calling goroutine (the driver's own, never the Agent's tick) under
	// backpressure from a full pipe.
	AcceptBody func(p []byte) (int, error)

	// ResponsePipeReadClosed reports whether the consumer dropped the
	// response body, the cue the driver uses to stop streaming early
	// (spec.md §4.5 step 5 is the Agent issuing Cancel, but a driver that
	// notices the same condition mid-copy can stop sooner).
	ResponsePipeReadClosed func() bool

	// OnComplete is the terminal notification: nil on success, a
	// *chttperr.Error otherwise.
	OnComplete func(err error)
}

// Config is the resolved set of per-transfer options a Driver applies
// (spec.md §4.1 "Apply per-transfer options"), already merged from
// request-scoped and client-default Options by the Client (spec.md §9:
// "request, then client defaults").
type Config struct {
	Timeout        time.Duration
	ConnectTimeout time.Duration
	Version        policy.VersionNegotiation
	Redirect       policy.RedirectPolicy
	AutoReferer    bool

	AuthMask    policy.AuthMethod
	Credentials policy.Credentials

	ProxyURL       *url.URL
	ProxyExplicit  bool // true if WithProxy was called at all, including with nil
	ProxyBlacklist []string
	ProxyAuthMask  policy.AuthMethod
	ProxyCreds     policy.Credentials

	TCPKeepAlive time.Duration
	TCPNoDelay   bool

	MaxUploadSpeed   int64
	MaxDownloadSpeed int64

	DNSCache   policy.DNSCachePolicy
	DNSServers []string

	TLSClientCertificate tls.Certificate
	HasTLSClientCert     bool
	TLSConfig            *tls.Config
	TLSCiphers           []uint16
	TLSInsecureSkipVerify bool

	// ConnectionCacheSize is the only admission-adjacent knob the driver
	// itself applies (spec.md §4.1 lists "cache directives" under
	// per-transfer Apply, but not max_connections/max_connections_per_host
	// — those are Agent-level admission state per spec.md §3 and are
	// resolved once from the Client's default Options when the Agent is
	// constructed, never per-request).
	ConnectionCacheSize int

	MetricsEnabled bool
	IPVersion      policy.IPVersion

	DisableCompression    bool
	MaxResponseHeaderBytes int64
}

// Transfer is everything a Driver needs to know to register one outgoing
// request: the request line/headers and the callbacks to drive it.
type Transfer struct {
	ID     uint64
	Method string
	URL    *url.URL
	Header http.Header

	RequestBodyLength func() (int64, bool)

	Config Config

	Callbacks Callbacks
}

// Change describes one transfer whose state advanced since the last Poll.
// internal/agent dispatches each Change to the Transfer Handler it names;
// the Driver itself never touches a Transfer Handler directly.
type Change struct {
	ID   uint64
	Kind ChangeKind
}

// ChangeKind classifies a Change. Drivers may coalesce multiple same-kind
// events for one transfer between Polls; the Agent only needs to know a
// handler has outstanding work, not how many raw events produced it.
type ChangeKind int

const (
	ChangeHeaders ChangeKind = iota
	ChangeBody
	ChangeProgress
	ChangeComplete
)

// Driver is the lower-level multiplexed-transport abstraction the Agent
// drives (spec.md §4.1). Implementations must never block Poll for more
// than the returned wait hint, and must eventually emit a ChangeComplete
// for every transfer that was ever Registered, including cancelled ones.
type Driver interface {
	// Register enrolls a new transfer. It must not block; the actual I/O
	// happens on the driver's own concurrency (spec.md §5: "those are
	// delegated to the driver, which uses non-blocking I/O").
	Register(t Transfer) error

	// Poll returns every transfer whose state changed since the last call,
	// plus a hint for how long the Agent may safely wait before calling
	// Poll again (e.g. the nearest internal timer). Non-blocking.
	Poll() (changes []Change, wait time.Duration)

	// Cancel requests best-effort cancellation of a registered transfer.
	// The driver must still eventually emit ChangeComplete for it.
	Cancel(id uint64)

	// Notify returns a channel that receives a value whenever a Change
	// becomes available, coalesced to one pending wake (buffered, cap 1).
	// This is the "driver-internal timer" wake source spec.md §4.5 step 7
	// describes alongside the submission-channel wake mechanism.
	Notify() <-chan struct{}

	// Close releases all driver-owned resources (idle connections, DNS
	// caches, background goroutines). No further Register calls are valid
	// afterward.
	Close() error
}

// dialContext is the shape net.Dialer.DialContext and the SOCKS5 dialer
// both satisfy, used so proxy.go can return either without net_driver.go
// caring which.
type dialContext = func(ctx context.Context, network, addr string) (net.Conn, error)
