package chttp

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sagebind/chttp/internal/agent"
	"github.com/sagebind/chttp/internal/driver"
	"github.com/sagebind/chttp/internal/metrics"
	"github.com/sagebind/chttp/internal/transfer"
)

const defaultUserAgent = "chttp/1.0"

// ClientOption configures a Client at construction time, distinct from the
// per-request Option family: these select the Client's own wiring (its
// Driver, logger, middleware chain, metrics registry) rather than transfer
// behavior.
type ClientOption func(*clientConfig)

type clientConfig struct {
	driver      driver.Driver
	logger      *zap.Logger
	collectors  *metrics.Collectors
	middlewares []Middleware
	defaults    []Option
}

// WithMiddleware appends mw to the Client's middleware chain, outermost
// first (spec.md §4.7: middleware closer to the front of the list sees the
// request before those behind it, and the response after).
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *clientConfig) { c.middlewares = append(c.middlewares, mw...) }
}

// WithDefaultOptions sets per-request Options applied to every request made
// through this Client, shadowed by any Option passed to the request itself
// (spec.md §9).
func WithDefaultOptions(opts ...Option) ClientOption {
	return func(c *clientConfig) { c.defaults = append(c.defaults, opts...) }
}

// WithLogger sets the zap.Logger the Client logs per-request events through.
// It is also handed to the Agent, which stores it but emits no log lines;
// the net-based driver takes no logger. Defaults to zap.NewNop() if never
// set.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = logger }
}

// WithMetricsRegistry enables the process-wide Prometheus collectors the
// Agent updates (active/pending/per-host gauges, completed counter),
// registering them against reg. Per-request timing snapshots still require
// WithMetrics(true) on top of this.
func WithMetricsRegistry(reg prometheus.Registerer) ClientOption {
	return func(c *clientConfig) { c.collectors = metrics.NewCollectors(reg) }
}

// Client issues HTTP requests through a shared Agent, applying a middleware
// chain and per-request option resolution (spec.md §4.6).
type Client struct {
	handle      *agent.Handle
	a           *agent.Agent
	logger      *zap.Logger
	middlewares []Middleware
	defaults    *Options
}

// New constructs a Client backed by a fresh net-based Driver and Agent.
func New(opts ...ClientOption) *Client {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.driver == nil {
		cfg.driver = driver.NewNetDriver()
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	defaults := newOptions()
	for _, o := range cfg.defaults {
		o(defaults)
	}

	a := agent.New(cfg.driver, agent.Options{
		MaxConnections:        intOr(defaults, optKeyMaxConnections, 0),
		MaxConnectionsPerHost: intOr(defaults, optKeyMaxConnectionsPerHost, 0),
		Logger:                cfg.logger,
		Collectors:            cfg.collectors,
	})

	return &Client{
		handle:      a.Retain(),
		a:           a,
		logger:      cfg.logger,
		middlewares: cfg.middlewares,
		defaults:    defaults,
	}
}

// Close cancels every in-flight transfer and releases the Client's Agent
// reference, waiting for the Agent's loop to exit or ctx to expire (spec.md
// §4.4: "Client.close() ... cancels every active transfer").
func (c *Client) Close(ctx context.Context) error {
	err := c.a.Close(ctx)
	c.handle.Close()
	return err
}

// Do submits req through the middleware chain and blocks until response
// headers arrive or the transfer fails outright, returning a *Response
// whose Body streams the remainder (spec.md §4.6).
func (c *Client) Do(req *Request) (*Response, error) {
	next := chainNext(c.middlewares, c.send)
	return next(req.Context(), req)
}

// Get issues a GET request for rawURL.
func (c *Client) Get(rawURL string) (*Response, error) {
	req, err := NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Head issues a HEAD request for rawURL.
func (c *Client) Head(rawURL string) (*Response, error) {
	req, err := NewRequest(http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post issues a POST request for rawURL with the given body.
func (c *Client) Post(rawURL string, body Body) (*Response, error) {
	req, err := NewRequest(http.MethodPost, rawURL, body)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Put issues a PUT request for rawURL with the given body.
func (c *Client) Put(rawURL string, body Body) (*Response, error) {
	req, err := NewRequest(http.MethodPut, rawURL, body)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Delete issues a DELETE request for rawURL.
func (c *Client) Delete(rawURL string) (*Response, error) {
	req, err := NewRequest(http.MethodDelete, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// send is the innermost Next: the actual request-pipeline implementation
// middleware eventually delegates to (spec.md §4.6): normalize headers,
// resolve options, submit to the Agent, and block the caller's own
// goroutine until headers arrive.
func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	opts := merge(c.defaults, req.options())

	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", defaultUserAgent)
	}
	if !boolOr(opts, optKeyDisableCompression, false) && header.Get("Accept-Encoding") == "" {
		header.Set("Accept-Encoding", "gzip, br")
	}

	hostKey := authorityKey(req.URL)
	traceID := uuid.New().String()
	logger := c.logger.With(
		zap.String("trace_id", traceID),
		zap.String("method", req.Method),
		zap.String("host", hostKey),
	)

	var snap *metrics.Snapshot
	if boolOr(opts, optKeyMetricsEnabled, false) {
		snap = metrics.New()
	}

	id := c.a.NextID()
	h := transfer.New(id, req.Method, req.URL, header, req.Body, hostKey, snap)

	dt := driver.Transfer{
		ID:                id,
		Method:            req.Method,
		URL:               req.URL,
		Header:            header,
		RequestBodyLength: h.RequestBodyLength,
		Config:            buildDriverConfig(opts),
		Callbacks: driver.Callbacks{
			FillUpload:             h.FillUpload,
			ResetRequestBody:       h.ResetRequestBody,
			OnRequestStart:         h.MarkHeadersSent,
			OnNameLookup:           h.MarkNameLookup,
			OnConnect:              h.MarkConnect,
			AcceptHeaders:          h.AcceptHeaders,
			AcceptBody:             h.AcceptBody,
			ResponsePipeReadClosed: h.ResponsePipeReadClosed,
			OnComplete: func(err error) {
				h.OnComplete(err)
				if err != nil {
					logger.Debug("transfer failed", zap.Error(err))
				}
			},
		},
	}

	if err := c.a.Submit(h, dt); err != nil {
		return nil, err
	}

	// A canceled or expired request context requests best-effort driver
	// cancellation; the transfer's own OnComplete/AwaitHeaders unblock
	// regardless; this goroutine just relays ctx into the Agent.
	watchDone := make(chan struct{})
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.a.CancelTransfer(id)
			case <-watchDone:
			}
		}()
	}

	hdrs, err := h.AwaitHeaders()
	close(watchDone)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode:   hdrs.StatusCode,
		Status:       hdrs.Status,
		Header:       hdrs.Header,
		Body:         hdrs.Body,
		effectiveURI: hdrs.EffectiveURI,
		localAddr:    hdrs.LocalAddr,
		remoteAddr:   hdrs.RemoteAddr,
		metrics:      snap,
		agent:        c.a.Retain(),
	}, nil
}

// authorityKey returns the (scheme, host, port) key used for per-host
// admission and transport caching.
func authorityKey(u *url.URL) string {
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}
	return u.Scheme + "://" + host
}

// buildDriverConfig resolves a driver.Config from the merged Options bag,
// handed to the driver at Register time instead of a separate mutable
// "Apply" call (spec.md §4.1's "Apply per-transfer options" step, realized
// here as a value rather than a later method since the driver never
// mutates a transfer's configuration after registering it).
func buildDriverConfig(o *Options) driver.Config {
	var cfg driver.Config

	cfg.Timeout = durationOr(o, optKeyTimeout, 0)
	cfg.ConnectTimeout = durationOr(o, optKeyConnectTimeout, defaultConnectTimeout)

	if v, ok := o.get(optKeyVersionNegotiation); ok {
		cfg.Version = v.(VersionNegotiation)
	}
	if v, ok := o.get(optKeyRedirectPolicy); ok {
		cfg.Redirect = v.(RedirectPolicy)
	} else {
		cfg.Redirect = RedirectNone()
	}
	cfg.AutoReferer = boolOr(o, optKeyAutoReferer, false)

	if v, ok := o.get(optKeyAuthentication); ok {
		cfg.AuthMask = v.(AuthMethod)
	}
	if v, ok := o.get(optKeyCredentials); ok {
		cfg.Credentials = v.(Credentials)
	}

	if v, ok := o.get(optKeyProxyURL); ok {
		cfg.ProxyExplicit = true
		if v != nil {
			cfg.ProxyURL = v.(*url.URL)
		}
	}
	if v, ok := o.get(optKeyProxyBlacklist); ok {
		cfg.ProxyBlacklist = v.([]string)
	}
	if v, ok := o.get(optKeyProxyAuthMask); ok {
		cfg.ProxyAuthMask = v.(AuthMethod)
	}
	if v, ok := o.get(optKeyProxyCreds); ok {
		cfg.ProxyCreds = v.(Credentials)
	}

	cfg.TCPKeepAlive = durationOr(o, optKeyTCPKeepAlive, 0)
	cfg.TCPNoDelay = boolOr(o, optKeyTCPNoDelay, false)

	cfg.MaxUploadSpeed = int64Or(o, optKeyMaxUploadSpeed, 0)
	cfg.MaxDownloadSpeed = int64Or(o, optKeyMaxDownloadSpeed, 0)

	if v, ok := o.get(optKeyDNSCache); ok {
		cfg.DNSCache = v.(DNSCachePolicy)
	}
	if v, ok := o.get(optKeyDNSServers); ok {
		cfg.DNSServers = v.([]string)
	}

	if v, ok := o.get(optKeyTLSClientCertificate); ok {
		cfg.TLSClientCertificate = v.(tls.Certificate)
		cfg.HasTLSClientCert = true
	}
	if v, ok := o.get(optKeyTLSCACertificate); ok {
		cfg.TLSConfig = v.(*tls.Config)
	}
	if v, ok := o.get(optKeyTLSCiphers); ok {
		cfg.TLSCiphers = v.([]uint16)
	}
	cfg.TLSInsecureSkipVerify = boolOr(o, optKeyTLSInsecureSkipVerify, false)

	cfg.ConnectionCacheSize = intOr(o, optKeyConnectionCacheSize, 100)
	cfg.MetricsEnabled = boolOr(o, optKeyMetricsEnabled, false)

	if v, ok := o.get(optKeyIPVersion); ok {
		cfg.IPVersion = v.(IPVersion)
	}

	cfg.DisableCompression = boolOr(o, optKeyDisableCompression, false)
	cfg.MaxResponseHeaderBytes = int64Or(o, optKeyMaxResponseHeaderBytes, 0)

	return cfg
}

const defaultConnectTimeout = 300 * time.Second
