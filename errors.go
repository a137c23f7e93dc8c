package chttp

import "github.com/sagebind/chttp/internal/chttperr"

// Kind identifies a class of failure a transfer can terminate with. The set
// is flat and exhaustive by design: switch on Kind rather than inspecting
// wrapped causes for anything but logging.
type Kind = chttperr.Kind

// The full, flat error taxonomy. Every transfer failure classifies as
// exactly one of these.
const (
	KindBadClientCertificate    = chttperr.KindBadClientCertificate
	KindBadServerCertificate    = chttperr.KindBadServerCertificate
	KindCanceled                = chttperr.KindCanceled
	KindConnectFailed           = chttperr.KindConnectFailed
	KindCouldntResolveHost      = chttperr.KindCouldntResolveHost
	KindCouldntResolveProxy     = chttperr.KindCouldntResolveProxy
	KindTransportError          = chttperr.KindTransportError
	KindInternal                = chttperr.KindInternal
	KindInvalidContentEncoding  = chttperr.KindInvalidContentEncoding
	KindInvalidCredentials      = chttperr.KindInvalidCredentials
	KindInvalidHTTPFormat       = chttperr.KindInvalidHTTPFormat
	KindInvalidJSON             = chttperr.KindInvalidJSON
	KindInvalidUTF8             = chttperr.KindInvalidUTF8
	KindIO                      = chttperr.KindIO
	KindNoResponse              = chttperr.KindNoResponse
	KindRangeRequestUnsupported = chttperr.KindRangeRequestUnsupported
	KindRequestBodyError        = chttperr.KindRequestBodyError
	KindResponseBodyError       = chttperr.KindResponseBodyError
	KindSSLConnectFailed        = chttperr.KindSSLConnectFailed
	KindSSLEngineError          = chttperr.KindSSLEngineError
	KindTimeout                 = chttperr.KindTimeout
	KindTooManyConnections      = chttperr.KindTooManyConnections
	KindTooManyRedirects        = chttperr.KindTooManyRedirects
)

// Error is the error type returned for every transfer failure.
type Error = chttperr.Error

// NewError wraps cause (which may be nil) as a classified Error.
func NewError(kind Kind, cause error) *Error {
	return chttperr.New(kind, cause)
}

// IsKind reports whether err is a *chttp.Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	return chttperr.Of(err, kind)
}
