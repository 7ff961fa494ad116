package types

import (
	"context"
	"io"
)

type RWCallback func(n int64)
type RWOption func(*ReaderWriter)

func RWWithReadLimiter(limiter *RateLimiter) RWOption {
	return func(r *ReaderWriter) {
		r.limiter = limiter
	}
}

func RWWithIOReader(reader io.Reader) RWOption {
	return func(r *ReaderWriter) {
		r.reader = reader
	}
}

func RWWithReaderCallback(callback RWCallback) RWOption {
	return func(r *ReaderWriter) {
		r.callback = callback
	}
}

type ReaderFunc func(p []byte) (int, error)

func (f ReaderFunc) Read(p []byte) (int, error) { return f(p) }

// ReaderWriter wraps an io.Reader with context cancellation, rate limiting
// and a per-read byte callback.
//
// NOTE: The callback sits on the transfer hot path so don't block in it.
type ReaderWriter struct {
	reader   io.Reader
	limiter  *RateLimiter
	callback RWCallback
}

// NewReaderWriter creates a new ReaderWriter.
func NewReaderWriter(opts ...RWOption) *ReaderWriter {
	r := &ReaderWriter{
		limiter: DefaultRateLimiter(),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Reader creates a new io.Reader that wraps the underlying reader.
func (rw *ReaderWriter) Reader(ctx context.Context) io.Reader {
	return ReaderFunc(func(p []byte) (int, error) {
		return rw.read(ctx, p)
	})
}

// CloseReader closes the underlying reader if it is an io.Closer.
func (rw *ReaderWriter) CloseReader() error {
	if closer, ok := rw.reader.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (rw *ReaderWriter) read(ctx context.Context, p []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
		if rw.limiter != nil {
			if err := rw.limiter.WaitN(ctx, len(p)); err != nil {
				return 0, err
			}
		}
		n, err := rw.reader.Read(p)
		if n > 0 && rw.callback != nil {
			rw.callback(int64(n))
		}
		return n, err
	}
}
