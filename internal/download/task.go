package download

import (
	"context"
	"sync/atomic"
	"time"

	"tunecache/internal/core/types"

	"tunecache/internal/resolver"
)

// task is one logical fetch effort for a key. Exactly one task exists per
// key while it is queued or active; every caller for that key shares it.
type task struct {
	key      string
	resolver resolver.Resolver

	downloaded atomic.Int64
	total      atomic.Int64
	status     atomic.Value // types.Status
	startedAt  time.Time

	// done closes exactly once when the task reaches a terminal state;
	// path and err are immutable afterwards.
	done chan struct{}
	path string
	err  error
}

func newTask(key string, res resolver.Resolver) *task {
	t := &task{
		key:       key,
		resolver:  res,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	t.status.Store(types.StatusQueued)
	return t
}

func (t *task) currentStatus() types.Status {
	return t.status.Load().(types.Status)
}

func (t *task) snapshot() Progress {
	downloaded := t.downloaded.Load()
	total := t.total.Load()
	var pct float64
	if total > 0 {
		pct = float64(downloaded) / float64(total) * 100
		if pct > 100 {
			pct = 100
		}
	}
	return Progress{
		Key:             t.key,
		DownloadedBytes: downloaded,
		TotalBytes:      total,
		Percentage:      pct,
		Status:          t.currentStatus(),
		StartedAt:       t.startedAt,
	}
}

// Handle is the shared future returned to every caller requesting a key.
type Handle struct {
	done <-chan struct{}
	path func() string
	err  func() error
}

// Done is closed once the download reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the download finishes or ctx is cancelled, returning
// the cached file path.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		if err := h.err(); err != nil {
			return "", err
		}
		return h.path(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Err returns the terminal error; only valid after Done is closed.
func (h *Handle) Err() error {
	return h.err()
}

// Path returns the cached file path; only valid after Done is closed with
// a nil Err.
func (h *Handle) Path() string {
	return h.path()
}

func (t *task) handle() *Handle {
	return &Handle{
		done: t.done,
		path: func() string { return t.path },
		err:  func() error { return t.err },
	}
}

// resolvedHandle produces an already-completed handle for cache hits.
func resolvedHandle(path string) *Handle {
	done := make(chan struct{})
	close(done)
	return &Handle{
		done: done,
		path: func() string { return path },
		err:  func() error { return nil },
	}
}
