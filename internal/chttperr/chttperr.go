// Package chttperr defines the flat error taxonomy shared by every layer of
// the engine. It lives under internal so that internal/driver, internal/agent,
// and internal/transfer can all produce and compare classified errors without
// importing the root chttp package (which itself depends on internal/agent),
// which would otherwise create an import cycle. The root package re-exports
// everything here under type aliases so callers never see this package name.
package chttperr

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Kind identifies a class of failure a transfer can terminate with. The set
// is flat and exhaustive by design: callers switch on Kind rather than
// inspecting wrapped causes for anything but logging.
type Kind int

const (
	// KindUnknown is never produced by this package; it exists so the zero
	// value of Kind is not mistaken for a real classification.
	KindUnknown Kind = iota
	KindBadClientCertificate
	KindBadServerCertificate
	KindCanceled
	KindConnectFailed
	KindCouldntResolveHost
	KindCouldntResolveProxy
	KindTransportError
	KindInternal
	KindInvalidContentEncoding
	KindInvalidCredentials
	KindInvalidHTTPFormat
	KindInvalidJSON
	KindInvalidUTF8
	KindIO
	KindNoResponse
	KindRangeRequestUnsupported
	KindRequestBodyError
	KindResponseBodyError
	KindSSLConnectFailed
	KindSSLEngineError
	KindTimeout
	KindTooManyConnections
	KindTooManyRedirects
)

func (k Kind) String() string {
	switch k {
	case KindBadClientCertificate:
		return "bad_client_certificate"
	case KindBadServerCertificate:
		return "bad_server_certificate"
	case KindCanceled:
		return "canceled"
	case KindConnectFailed:
		return "connect_failed"
	case KindCouldntResolveHost:
		return "couldnt_resolve_host"
	case KindCouldntResolveProxy:
		return "couldnt_resolve_proxy"
	case KindTransportError:
		return "transport_error"
	case KindInternal:
		return "internal"
	case KindInvalidContentEncoding:
		return "invalid_content_encoding"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindInvalidHTTPFormat:
		return "invalid_http_format"
	case KindInvalidJSON:
		return "invalid_json"
	case KindInvalidUTF8:
		return "invalid_utf8"
	case KindIO:
		return "io"
	case KindNoResponse:
		return "no_response"
	case KindRangeRequestUnsupported:
		return "range_request_unsupported"
	case KindRequestBodyError:
		return "request_body_error"
	case KindResponseBodyError:
		return "response_body_error"
	case KindSSLConnectFailed:
		return "ssl_connect_failed"
	case KindSSLEngineError:
		return "ssl_engine_error"
	case KindTimeout:
		return "timeout"
	case KindTooManyConnections:
		return "too_many_connections"
	case KindTooManyRedirects:
		return "too_many_redirects"
	default:
		return "unknown"
	}
}

// Error is the error type returned for every transfer failure. It carries a
// Kind for programmatic dispatch and, usually, the underlying cause.
type Error struct {
	Kind  Kind
	Cause error
}

// New wraps cause (which may be nil) as a classified Error.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return "chttp: " + e.Kind.String()
	}
	return "chttp: " + e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for Kind comparisons against a sentinel *Error
// carrying only a Kind (Cause == nil matches any cause of that Kind).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && (other.Cause == nil || errors.Is(e.Cause, other.Cause))
}

// Of reports whether err is a *Error of the given Kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Classify maps a low-level I/O or context error onto a Kind, following the
// same dispatch order as original_source/src/error.rs's From<io::Error> and
// From<curl::Error> impls, rebased onto the stdlib error types net/http and
// crypto/tls actually raise.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var asErr *Error
	if errors.As(err, &asErr) {
		return asErr
	}

	switch {
	case errors.Is(err, context.Canceled):
		return New(KindCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return New(KindTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return New(KindNoResponse, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return New(KindCouldntResolveHost, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(KindTimeout, err)
		}
		return New(KindConnectFailed, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "certificate is not trusted"), strings.Contains(msg, "x509: certificate signed by unknown authority"):
		return New(KindBadServerCertificate, err)
	case strings.Contains(msg, "tls:"), strings.Contains(msg, "x509:"):
		return New(KindSSLConnectFailed, err)
	case strings.Contains(msg, "too many redirects"):
		return New(KindTooManyRedirects, err)
	}

	return New(KindTransportError, pkgerrors.WithStack(err))
}
