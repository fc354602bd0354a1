package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// classifyAPIError buckets a provider API failure. Timeout and unknown are
// the ambiguous categories: the call may have landed.
func classifyAPIError(ctx context.Context, err error) APIFailureCategory {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
		return FailureAuthError
	}
	if apierrors.IsInvalid(err) || apierrors.IsBadRequest(err) {
		return FailurePreflight
	}

	var tlsRecordErr tls.RecordHeaderError
	if errors.As(err, &tlsRecordErr) {
		return FailureTLSError
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return FailureTLSError
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "tls") || strings.Contains(msg, "certificate") {
		return FailureTLSError
	}

	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return FailureSocketMissing
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH) {
		return FailureSocketUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureAPIUnreachable
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return FailureAPIUnreachable
	}
	return FailureUnknown
}
