package driver

import (
	"compress/gzip"
	"container/list"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/http2"

	"github.com/sagebind/chttp/internal/chttperr"
	"github.com/sagebind/chttp/internal/policy"
)

// maxBodySlurpSize bounds how much of a redirect response body is drained
// before closing it, so the connection has a chance of returning to the
// pool instead of being torn down — badu-http's cli/client.go uerr/Do loop
// does the same drain-then-close dance (its own maxBodySlurpSize constant)
// for exactly this reason.
const maxBodySlurpSize = 2 << 10

// netDriver is the concrete Transfer Driver (SPEC_FULL.md §4.1), wrapping
// net/http.Transport for HTTP/1.1 and golang.org/x/net/http2.Transport for
// HTTP/2. Each Registered transfer runs its RoundTrip (and any redirect
// hops) on its own goroutine; Poll only drains the completion-event channel
// those goroutines post to, so it never itself performs I/O.
type netDriver struct {
	mu        sync.Mutex
	cancels   map[uint64]context.CancelFunc
	transports map[string]http.RoundTripper
	lru        *list.List
	lruElems   map[string]*list.Element

	events chan Change
	notify chan struct{}

	closed bool
}

// NewNetDriver constructs a Driver ready to Register transfers.
func NewNetDriver() Driver {
	return &netDriver{
		cancels:    make(map[uint64]context.CancelFunc),
		transports: make(map[string]http.RoundTripper),
		lru:        list.New(),
		lruElems:   make(map[string]*list.Element),
		events:     make(chan Change, 256),
		notify:     make(chan struct{}, 1),
	}
}

func (d *netDriver) Notify() <-chan struct{} { return d.notify }

func (d *netDriver) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *netDriver) post(c Change) {
	d.events <- c
	d.wake()
}

// Poll drains every currently-available Change non-blockingly. Drivers in
// this engine never need the Agent to wait on them directly: the Notify
// channel is the wake source, Poll is just the drain.
func (d *netDriver) Poll() ([]Change, time.Duration) {
	var changes []Change
	for {
		select {
		case c := <-d.events:
			changes = append(changes, c)
		default:
			return changes, time.Second
		}
	}
}

func (d *netDriver) Cancel(id uint64) {
	d.mu.Lock()
	cancel, ok := d.cancels[id]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func (d *netDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	cancels := make([]context.CancelFunc, 0, len(d.cancels))
	for _, c := range d.cancels {
		cancels = append(cancels, c)
	}
	transports := d.transports
	d.transports = nil
	d.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	for _, rt := range transports {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
	return nil
}

// Register enrolls t and starts its goroutine. It never blocks.
func (d *netDriver) Register(t Transfer) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return chttperr.New(chttperr.KindCanceled, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if t.Config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.Config.Timeout)
	}
	d.cancels[t.ID] = cancel
	d.mu.Unlock()

	go d.run(ctx, cancel, t)
	return nil
}

func (d *netDriver) finish(t Transfer, err error) {
	d.mu.Lock()
	cancel, ok := d.cancels[t.ID]
	delete(d.cancels, t.ID)
	d.mu.Unlock()
	if ok {
		cancel()
	}
	t.Callbacks.OnComplete(err)
	d.post(Change{ID: t.ID, Kind: ChangeComplete})
}

// run drives one transfer end to end, including any redirect hops the
// driver performs transparently per spec.md §4.5. Relocated here from the
// Client layer (SPEC_FULL.md §4.1), adapted from badu-http's
// cli/client.go Client.Do redirect loop.
func (d *netDriver) run(ctx context.Context, cancel context.CancelFunc, t Transfer) {
	defer cancel()

	rt := d.transportFor(t.Config)

	method := t.Method
	reqURL := t.URL
	header := t.Header.Clone()
	firstHop := true
	includeBody := true
	redirectCount := 0
	var effectiveURI *url.URL
	var localAddr, remoteAddr net.Addr
	var requestStarted sync.Once

	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteHeaderField: func(string, []string) {
			if t.Callbacks.OnRequestStart != nil {
				requestStarted.Do(t.Callbacks.OnRequestStart)
			}
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			if t.Callbacks.OnNameLookup != nil {
				t.Callbacks.OnNameLookup()
			}
		},
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Conn != nil {
				localAddr = info.Conn.LocalAddr()
				remoteAddr = info.Conn.RemoteAddr()
			}
			if t.Callbacks.OnConnect != nil {
				t.Callbacks.OnConnect()
			}
		},
	})

	for {
		body, bodyLen := requestBodyFor(t, includeBody)

		req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
		if err != nil {
			d.finish(t, classify(err))
			return
		}
		req.Header = header
		if bodyLen >= 0 {
			req.ContentLength = bodyLen
		}
		if t.Config.DisableCompression {
			req.Header.Set("Accept-Encoding", "identity")
		}

		resp, err := rt.RoundTrip(req)
		if err != nil {
			select {
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					d.finish(t, chttperr.New(chttperr.KindTimeout, ctx.Err()))
				} else {
					d.finish(t, chttperr.New(chttperr.KindCanceled, ctx.Err()))
				}
			default:
				d.finish(t, classify(err))
			}
			return
		}

		if firstHop {
			effectiveURI = reqURL
		}

		if shouldRedirect(t.Config, resp.StatusCode) {
			loc := resp.Header.Get("Location")
			io.CopyN(io.Discard, resp.Body, maxBodySlurpSize)
			resp.Body.Close()

			if loc == "" {
				d.finish(t, chttperr.New(chttperr.KindInvalidHTTPFormat, fmt.Errorf("%d response missing Location header", resp.StatusCode)))
				return
			}
			limit := t.Config.Redirect.Limit()
			if limit >= 0 && redirectCount >= limit {
				d.finish(t, chttperr.New(chttperr.KindTooManyRedirects, nil))
				return
			}
			next, err := reqURL.Parse(loc)
			if err != nil {
				d.finish(t, chttperr.New(chttperr.KindInvalidHTTPFormat, err))
				return
			}

			newMethod, nextIncludesBody := redirectMethod(method, resp.StatusCode)
			if nextIncludesBody && bodyLen != 0 {
				if t.Callbacks.ResetRequestBody == nil || !t.Callbacks.ResetRequestBody() {
					d.finish(t, chttperr.New(chttperr.KindRequestBodyError, fmt.Errorf("redirect requires a replayable request body")))
					return
				}
			} else {
				nextIncludesBody = false
			}

			header = copyHeadersForRedirect(header, reqURL, next)
			if t.Config.AutoReferer {
				if ref := refererFor(reqURL, next); ref != "" {
					header.Set("Referer", ref)
				}
			}

			method = newMethod
			reqURL = next
			effectiveURI = next
			includeBody = nextIncludesBody
			redirectCount++
			firstHop = false
			continue
		}

		t.Callbacks.AcceptHeaders(resp.StatusCode, resp.Status, resp.Header, effectiveURI, localAddr, remoteAddr)

		d.streamBody(ctx, t, resp)
		return
	}
}

// streamBody copies the response body into the transfer's pipe, applying
// transparent content-decoding (spec.md §4.6 step 5) and stopping early if
// the consumer has dropped the response body.
func (d *netDriver) streamBody(ctx context.Context, t Transfer, resp *http.Response) {
	defer resp.Body.Close()

	reader := resp.Body
	if !t.Config.DisableCompression {
		switch resp.Header.Get("Content-Encoding") {
		case "gzip":
			gz, err := gzip.NewReader(reader)
			if err != nil {
				d.finish(t, chttperr.New(chttperr.KindInvalidContentEncoding, err))
				return
			}
			defer gz.Close()
			reader = gz
		case "br":
			reader = io.NopCloser(brotli.NewReader(reader))
		}
	}

	buf := make([]byte, 16*1024)
	for {
		if t.Callbacks.ResponsePipeReadClosed != nil && t.Callbacks.ResponsePipeReadClosed() {
			d.finish(t, chttperr.New(chttperr.KindCanceled, nil))
			return
		}
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := t.Callbacks.AcceptBody(buf[:n]); werr != nil {
				d.finish(t, chttperr.New(chttperr.KindCanceled, werr))
				return
			}
		}
		if err == io.EOF {
			d.finish(t, nil)
			return
		}
		if err != nil {
			select {
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					d.finish(t, chttperr.New(chttperr.KindTimeout, ctx.Err()))
				} else {
					d.finish(t, chttperr.New(chttperr.KindCanceled, ctx.Err()))
				}
			default:
				d.finish(t, classify(err))
			}
			return
		}
	}
}

// requestBodyFor adapts the Transfer Handler's FillUpload callback (pulled
// on the first hop, or on a later hop once the body has been reset for
// replay) into an io.Reader net/http can drive, and resolves its known
// length per spec.md §4.6 step 4.
func requestBodyFor(t Transfer, includeBody bool) (io.Reader, int64) {
	length := int64(-1)
	if n, ok := t.RequestBodyLength(); ok {
		length = n
	}
	if length == 0 || !includeBody {
		return nil, 0
	}
	return fillUploadReader{fill: t.Callbacks.FillUpload}, length
}

// fillUploadReader adapts FillUpload (0, io.EOF at end) to io.Reader.
type fillUploadReader struct {
	fill func(buf []byte) (int, error)
}

func (r fillUploadReader) Read(p []byte) (int, error) {
	return r.fill(p)
}

func shouldRedirect(cfg Config, status int) bool {
	if !cfg.Redirect.Follow() {
		return false
	}
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// redirectMethod mirrors net/http's redirectBehavior: 301/302/303 downgrade
// a POST to GET with no body; 307/308 preserve method and body.
func redirectMethod(method string, status int) (newMethod string, includeBody bool) {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound:
		if method != http.MethodGet && method != http.MethodHead {
			return http.MethodGet, false
		}
		return method, method == http.MethodGet
	case http.StatusSeeOther:
		if method != http.MethodGet && method != http.MethodHead {
			return http.MethodGet, false
		}
		return method, false
	default: // 307, 308
		return method, true
	}
}

// copyHeadersForRedirect mirrors badu-http's shouldCopyHeaderOnRedirect:
// sensitive headers (Authorization, Cookie, WWW-Authenticate) are dropped
// when the redirect crosses to a different host.
func copyHeadersForRedirect(prev http.Header, from, to *url.URL) http.Header {
	next := make(http.Header, len(prev))
	sameHost := from.Hostname() == to.Hostname()
	for k, vv := range prev {
		switch k {
		case "Authorization", "Www-Authenticate", "Cookie", "Cookie2":
			if !sameHost {
				continue
			}
		}
		next[k] = append([]string(nil), vv...)
	}
	return next
}

func refererFor(from, to *url.URL) string {
	if from.Scheme == "https" && to.Scheme == "http" {
		return ""
	}
	ref := *from
	ref.User = nil
	ref.Fragment = ""
	return ref.String()
}

// transportFor returns a RoundTripper configured for cfg's proxy/TLS/
// keepalive/version settings, reusing a cached *http.Transport keyed by
// those fields so persistent connections survive across transfers to the
// same configuration (spec.md §4.5's connection cache). Eviction is LRU,
// exactly as badu-http's connLRU evicts idle persistConns, except here the
// unit being cached is a whole *http.Transport rather than one connection,
// since net/http.Transport already owns its own per-host idle pool end to
// end (SPEC_FULL.md §4.1).
func (d *netDriver) transportFor(cfg Config) http.RoundTripper {
	key := transportCacheKey(cfg)

	d.mu.Lock()
	if rt, ok := d.transports[key]; ok {
		d.lru.MoveToFront(d.lruElems[key])
		d.mu.Unlock()
		return rt
	}
	d.mu.Unlock()

	rt := buildTransport(cfg)

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.transports[key]; ok {
		return existing
	}
	d.transports[key] = rt
	d.lruElems[key] = d.lru.PushFront(key)
	const maxCachedTransports = 64
	for d.lru.Len() > maxCachedTransports {
		oldest := d.lru.Back()
		if oldest == nil {
			break
		}
		oldKey := oldest.Value.(string)
		d.lru.Remove(oldest)
		delete(d.lruElems, oldKey)
		if old, ok := d.transports[oldKey]; ok {
			if t, ok := old.(*http.Transport); ok {
				t.CloseIdleConnections()
			}
			delete(d.transports, oldKey)
		}
	}
	return rt
}

func transportCacheKey(cfg Config) string {
	proxy := ""
	if cfg.ProxyExplicit && cfg.ProxyURL != nil {
		proxy = cfg.ProxyURL.String()
	}
	return fmt.Sprintf("v=%d|proxy=%s|pexplicit=%v|pbl=%q|pcreds=%q|ka=%s|nodelay=%v|cache=%d|insecure=%v|ip=%d|ct=%s|tls=%p|cert=%v/%p|ciphers=%v|mrh=%d",
		cfg.Version, proxy, cfg.ProxyExplicit, cfg.ProxyBlacklist, cfg.ProxyCreds, cfg.TCPKeepAlive, cfg.TCPNoDelay, cfg.ConnectionCacheSize,
		cfg.TLSInsecureSkipVerify, cfg.IPVersion, cfg.ConnectTimeout, cfg.TLSConfig,
		cfg.HasTLSClientCert, cfg.TLSClientCertificate.Certificate, cfg.TLSCiphers, cfg.MaxResponseHeaderBytes)
}

func buildTransport(cfg Config) http.RoundTripper {
	idle := idleCacheFor(cfg.ConnectionCacheSize)

	dialer := &net.Dialer{
		Timeout:   connectTimeoutOr(cfg, 30*time.Second),
		KeepAlive: cfg.TCPKeepAlive,
	}

	dial := dialerFor(dialer, cfg)

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	tlsConfig.InsecureSkipVerify = cfg.TLSInsecureSkipVerify
	if cfg.HasTLSClientCert {
		tlsConfig.Certificates = []tls.Certificate{cfg.TLSClientCertificate}
	}
	if len(cfg.TLSCiphers) > 0 {
		tlsConfig.CipherSuites = cfg.TLSCiphers
	}

	t := &http.Transport{
		Proxy:                 resolveProxy(cfg),
		DialContext:           dial,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     idle.disableKeepAlives,
		MaxIdleConns:          idle.maxIdleConns,
		MaxIdleConnsPerHost:   idle.maxIdleConnsPerHost,
		IdleConnTimeout:       idle.idleConnTimeout,
		DisableCompression:    true, // this driver handles Accept-Encoding/decoding itself
		MaxResponseHeaderBytes: cfg.MaxResponseHeaderBytes,
	}

	switch cfg.Version {
	case policy.VersionHTTP10, policy.VersionHTTP11:
		// plain net/http.Transport already speaks 1.0/1.1; leave h2 off.
	case policy.VersionHTTP2PriorKnowledge:
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dial(ctx, network, addr)
			},
		}
	default:
		_, _ = http2.ConfigureTransport(t)
	}

	return t
}

func dialerFor(dialer *net.Dialer, cfg Config) dialContext {
	base := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if cfg.IPVersion != policy.IPAny {
			network = networkForIPVersion(cfg.IPVersion)
		}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if cfg.TCPNoDelay {
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
		}
		return conn, nil
	}

	if cfg.ProxyExplicit && cfg.ProxyURL != nil && cfg.ProxyURL.Scheme == "socks5" {
		return socks5DialContext(cfg.ProxyURL, cfg, base)
	}
	return base
}

func networkForIPVersion(v policy.IPVersion) string {
	switch v {
	case policy.IPv4Only:
		return "tcp4"
	case policy.IPv6Only:
		return "tcp6"
	default:
		return "tcp"
	}
}

func connectTimeoutOr(cfg Config, def time.Duration) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return def
}
