package driver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"

	"github.com/sagebind/chttp/internal/chttperr"
)

// classify maps a net/http.Transport (or golang.org/x/net/http2.Transport)
// RoundTrip error onto the flat chttperr.Kind taxonomy (SPEC_FULL.md §4.1,
// §7), extending chttperr.Classify with the TLS certificate distinctions
// that only a real *tls.Config-backed RoundTrip can produce: a bad client
// certificate is the local credential being rejected, a bad server
// certificate is the hostname/chain failing verification, distinct from a
// generic SSLConnectFailed handshake error.
func classify(err error) *chttperr.Error {
	if err == nil {
		return nil
	}

	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return chttperr.New(chttperr.KindBadServerCertificate, err)
	}

	var unknownAuthorityErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthorityErr) {
		return chttperr.New(chttperr.KindBadServerCertificate, err)
	}

	var certVerifyErr *tls.CertificateVerificationError
	if errors.As(err, &certVerifyErr) {
		return chttperr.New(chttperr.KindBadServerCertificate, err)
	}

	var recordHeaderErr tls.RecordHeaderError
	if errors.As(err, &recordHeaderErr) {
		return chttperr.New(chttperr.KindSSLConnectFailed, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return chttperr.New(chttperr.KindTimeout, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return chttperr.New(chttperr.KindCouldntResolveHost, err)
		}
	}

	return chttperr.Classify(err)
}
