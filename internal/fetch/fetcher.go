// Package fetch downloads one source into the cache with retries. Each
// attempt restarts from byte zero; the upstream offers no resumption, so a
// failed attempt discards its partial temp file and starts over, possibly
// against a freshly resolved source.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"tunecache/internal/cache"
	"tunecache/internal/config"
	"tunecache/internal/core/logger"
	"tunecache/internal/core/types"
	"tunecache/internal/resolver"
	"tunecache/internal/transport"
)

type FetcherOption func(*Fetcher)

func WithTransfer(t *transport.Transfer) FetcherOption {
	return func(f *Fetcher) {
		f.transfer = t
	}
}

func WithLimiter(l *types.RateLimiter) FetcherOption {
	return func(f *Fetcher) {
		f.limiter = l
	}
}

func WithFetcherLogger(log *logger.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.log = log
	}
}

// Fetcher executes download attempts against resolved sources and writes
// successful transfers into the cache store.
type Fetcher struct {
	store    *cache.Store
	cfg      config.DownloadConfig
	transfer *transport.Transfer
	limiter  *types.RateLimiter
	log      *logger.Logger
}

// Request describes one fetch effort. The callbacks feed progress tracking
// and run on the transfer hot path.
type Request struct {
	Key      string
	Resolver resolver.Resolver
	// OnAttempt fires at the start of every attempt; downloaded byte
	// counts reset because attempts restart from zero.
	OnAttempt func(attempt int)
	// OnTotal reports the upstream content length when known.
	OnTotal func(total int64)
	// OnBytes reports each chunk written.
	OnBytes func(n int64)
}

func NewFetcher(store *cache.Store, cfg config.DownloadConfig, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		store: store,
		cfg:   cfg,
		limiter: types.NewRateLimiter(
			cfg.RateLimit,
			cfg.RateBurst,
		),
		log: logger.NewLogger(logger.WithName("fetch")),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.transfer == nil {
		f.transfer = transport.NewTransfer(
			transport.WithClient(transport.NewHTTPClient(
				cfg.ConnectTimeout.Duration(),
				cfg.RedirectCap,
			)),
		)
	}
	return f
}

// Fetch runs up to the configured number of attempts with backoff. It
// returns the final cached size on success, or the last classified failure
// once attempts are exhausted. Fatal failures return immediately.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (int64, error) {
	var lastErr error

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := f.cfg.RetryDelay(attempt - 1)
			f.log.Info("retrying download", "key", req.Key, "attempt", attempt, "backoff", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		if req.OnAttempt != nil {
			req.OnAttempt(attempt)
		}

		size, err := f.attempt(ctx, req)
		if err == nil {
			return size, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		lastErr = err
		if !Retryable(err) {
			f.log.Warn("download failed permanently", "key", req.Key, "attempt", attempt, "error", err)
			return 0, err
		}

		// A rejected source is stale; a transient network fault may mean
		// the same. Either way the next attempt resolves afresh.
		if errors.Is(err, ErrUpstreamRejected) || errors.Is(err, ErrNetwork) {
			req.Resolver.Invalidate(req.Key)
		}
		f.log.Warn("download attempt failed", "key", req.Key, "attempt", attempt, "error", err)
	}

	return 0, fmt.Errorf("download failed after %d attempts: %w", f.cfg.MaxAttempts, lastErr)
}

type directResolver interface {
	resolver.DirectDownloader
	Direct() bool
}

func (f *Fetcher) attempt(ctx context.Context, req Request) (int64, error) {
	actx, cancel := types.NewTimeoutSubContext(ctx, f.cfg.TransferTimeout.Duration())
	defer cancel()

	if d, ok := req.Resolver.(directResolver); ok && d.Direct() {
		return f.attemptDirect(actx, req, d)
	}
	return f.attemptURL(actx, req)
}

func (f *Fetcher) attemptURL(ctx context.Context, req Request) (int64, error) {
	src, err := req.Resolver.Resolve(ctx, req.Key)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrResolution, err)
	}

	var size int64
	err = f.transfer.Get(ctx, src.URL, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return classifyStatus(resp.StatusCode)
		}

		if resp.ContentLength > 0 && req.OnTotal != nil {
			req.OnTotal(resp.ContentLength)
		}

		rw := types.NewReaderWriter(
			types.RWWithIOReader(resp.Body),
			types.RWWithReadLimiter(f.limiter),
			types.RWWithReaderCallback(req.OnBytes),
		)
		written, werr := f.store.WriteAtomically(req.Key, rw.Reader(ctx))
		if werr != nil {
			return werr
		}
		size = written
		return nil
	}, transport.WithHeaders(src.Headers))

	if err != nil {
		return 0, classifyTransport(err)
	}
	return size, nil
}

// attemptDirect lets the resolver download straight into a store-issued
// temp path, then promotes the file. The partial file is removed on any
// failure so a later attempt starts clean.
func (f *Fetcher) attemptDirect(ctx context.Context, req Request, d directResolver) (int64, error) {
	tempPath, err := f.store.TempPathFor(req.Key)
	if err != nil {
		return 0, err
	}

	if err := d.DownloadTo(ctx, req.Key, tempPath); err != nil {
		os.Remove(tempPath)
		if errors.Is(err, resolver.ErrUnknownKey) {
			return 0, fmt.Errorf("%w: %w", ErrResolution, err)
		}
		return 0, classifyTransport(err)
	}

	size, err := f.store.Promote(req.Key, tempPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	if req.OnTotal != nil {
		req.OnTotal(size)
	}
	if req.OnBytes != nil {
		req.OnBytes(size)
	}
	return size, nil
}
