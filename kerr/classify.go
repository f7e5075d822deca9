package kerr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"syscall"
)

// FromNetwork classifies a low-level transport error the way
// backend/s3.shouldRetry and backend/b2.shouldRetryNoReauth classify an
// awserr/http error, generalized away from any one HTTP client library.
func FromNetwork(err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, err)
	}

	if isTLSError(err) {
		return New(KindSSL, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if isTLSError(urlErr.Err) {
			return New(KindSSL, err)
		}
		if urlErr.Timeout() {
			return New(KindTimeout, err)
		}
		var dnsErr *net.DNSError
		if errors.As(urlErr.Err, &dnsErr) {
			return New(KindUnknownHost, err)
		}
		return New(KindConnect, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return New(KindUnknownHost, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(KindTimeout, err)
		}
		return New(KindConnect, err)
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return New(KindConnect, err)
	}

	return New(KindSend, err)
}

// isTLSError reports whether err (or anything it wraps) is a handshake or
// certificate-verification failure, the transport errors spec.md §4.3
// classifies as KindSSL rather than a generic KindConnect.
func isTLSError(err error) bool {
	if err == nil {
		return false
	}
	var certVerifyErr *tls.CertificateVerificationError
	if errors.As(err, &certVerifyErr) {
		return true
	}
	var invalidCertErr x509.CertificateInvalidError
	if errors.As(err, &invalidCertErr) {
		return true
	}
	var unknownAuthorityErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthorityErr) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	var recordHeaderErr tls.RecordHeaderError
	if errors.As(err, &recordHeaderErr) {
		return true
	}
	return false
}

// IsRetryableHTTPStatus reports whether status (as classified by
// spec §4.3) should trigger a TryNextServer decision.
func IsRetryableHTTPStatus(status int) bool {
	if status == 509 {
		return false // Throttled, handled separately
	}
	return status >= 500 && status <= 599
}
