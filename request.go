package chttp

import (
	"context"
	"net/http"
	"net/url"
)

// Request is an outgoing HTTP request. Once submitted to a Client it is
// treated as immutable; the Client and Agent never mutate the Header map or
// Body a caller passed in.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   Body

	ctx  context.Context
	opts *Options
}

// NewRequest builds a Request for method and rawURL. body may be nil, which
// is equivalent to passing NewBody().
func NewRequest(method, rawURL string, body Body) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, NewError(KindInvalidHTTPFormat, err)
	}
	if body == nil {
		body = NewBody()
	}
	return &Request{
		Method: method,
		URL:    u,
		Header: make(http.Header),
		Body:   body,
		ctx:    context.Background(),
	}, nil
}

// WithContext returns a shallow copy of r with its context set to ctx, used
// to carry cancellation and request-scoped deadlines down into the Agent.
func (r *Request) WithContext(ctx context.Context) *Request {
	if ctx == nil {
		panic("chttp: nil context")
	}
	r2 := new(Request)
	*r2 = *r
	r2.ctx = ctx
	return r2
}

// Context returns the request's context, never nil.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithOptions returns a shallow copy of r with its per-request option
// overrides set to opts. These shadow the Client's defaults (spec.md §9:
// "per-request extensions shadow client defaults").
func (r *Request) WithOptions(opts ...Option) *Request {
	r2 := new(Request)
	*r2 = *r
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	r2.opts = o
	return r2
}

func (r *Request) options() *Options {
	if r.opts == nil {
		return newOptions()
	}
	return r.opts
}
