package chttp

import "context"

// Next invokes the remainder of the middleware chain with req, returning the
// eventual Response or failure. A Middleware calls Next exactly once (or not
// at all, to short-circuit the chain itself).
type Next func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps request/response handling around the rest of the chain.
// Contracts (spec.md §4.7): Handle must not retain req or the returned
// Response past its own return, must be deterministic given its inputs, and
// must not block the Agent thread — it runs entirely on the caller's own
// goroutine.
type Middleware interface {
	Handle(ctx context.Context, req *Request, next Next) (*Response, error)
}

// MiddlewareFunc adapts a plain function to the Middleware interface.
type MiddlewareFunc func(ctx context.Context, req *Request, next Next) (*Response, error)

func (f MiddlewareFunc) Handle(ctx context.Context, req *Request, next Next) (*Response, error) {
	return f(ctx, req, next)
}

// chain builds a single Next that walks middlewares outer-to-inner on the
// way in and inner-to-outer on the way out, then calls invoker for the
// actual submission. The recursion shape — slice off the head, pass the
// remainder forward — is grounded on
// original_source/src/interceptor/context.rs's Context.send, which
// recurses the same way rather than iterating with an index; that shape
// guarantees a middleware can't be invoked twice or skipped by accident.
func chainNext(middlewares []Middleware, invoker Next) Next {
	if len(middlewares) == 0 {
		return invoker
	}
	head := middlewares[0]
	rest := chainNext(middlewares[1:], invoker)
	return func(ctx context.Context, req *Request) (*Response, error) {
		return head.Handle(ctx, req, rest)
	}
}
