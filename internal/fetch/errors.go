package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"

	"tunecache/internal/transport"
)

// Failure taxonomy for a download attempt. Network, server and rejected
// failures are retried inside the fetcher; everything else surfaces to the
// caller on first occurrence.
var (
	// ErrResolution: the source for a key could not be obtained.
	ErrResolution = errors.New("source resolution failed")
	// ErrNetwork: connection-level transient fault (reset, refused, DNS,
	// timeout).
	ErrNetwork = errors.New("transient network failure")
	// ErrUpstreamRejected: the upstream refused an otherwise valid source,
	// typically an expired authorization. Forces re-resolution.
	ErrUpstreamRejected = errors.New("upstream rejected source")
	// ErrServer: upstream 5xx.
	ErrServer = errors.New("upstream server error")
	// ErrUpstream: any other 4xx or malformed response. Not retried.
	ErrUpstream = errors.New("upstream refused request")
	// ErrWrite: local disk fault while writing the cache entry.
	ErrWrite = errors.New("cache write failed")

	// ErrTooManyRedirects mirrors the transport sentinel so callers only
	// need this package for classification.
	ErrTooManyRedirects = transport.ErrTooManyRedirects
)

// Retryable reports whether a classified failure warrants another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrServer) ||
		errors.Is(err, ErrUpstreamRejected)
}

// classifyStatus maps a non-200 upstream response to the taxonomy.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusForbidden || code == http.StatusUnauthorized || code == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrUpstreamRejected, code)
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrServer, code)
	default:
		return fmt.Errorf("%w: status %d", ErrUpstream, code)
	}
}

// classifyTransport maps an error out of the HTTP client or the transfer
// loop to the taxonomy. Errors already classified pass through unchanged.
func classifyTransport(err error) error {
	switch {
	case err == nil:
		return nil
	case Retryable(err),
		errors.Is(err, ErrUpstream),
		errors.Is(err, ErrResolution),
		errors.Is(err, ErrWrite):
		return err
	case errors.Is(err, ErrTooManyRedirects):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		// Per-attempt timeout; treated like any transient network fault.
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	default:
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return fmt.Errorf("%w: %w", ErrWrite, err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		// client.Do failures that reach here are connection-level.
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}
