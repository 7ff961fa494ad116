// Package download coordinates fetches so that each key is downloaded at
// most once no matter how many callers ask for it concurrently. Admission
// is bounded by a worker budget; overflow waits in a FIFO queue. Downloads
// run detached from request lifetimes so a disconnecting client never
// cancels a cache write on its own.
package download

import (
	"context"
	"sync"
	"time"

	"tunecache/internal/cache"
	"tunecache/internal/core/logger"
	"tunecache/internal/core/types"
	"tunecache/internal/fetch"
	"tunecache/internal/resolver"
)

type CoordinatorOption func(*Coordinator)

func WithCoordinatorLogger(log *logger.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = log
	}
}

func WithProgressGrace(grace time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.progressGrace = grace
	}
}

// Coordinator owns the in-flight task registry and the worker budget.
type Coordinator struct {
	store         *cache.Store
	fetcher       *fetch.Fetcher
	evictor       *cache.Evictor
	maxConcurrent int
	progressGrace time.Duration
	log           *logger.Logger

	// mu guards the check-and-insert that enforces at-most-one-fetch per
	// key, plus the queue and worker accounting.
	mu       sync.Mutex
	inflight map[string]*task
	queue    []*task
	active   int

	progress *progressRegistry

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewCoordinator(store *cache.Store, fetcher *fetch.Fetcher, evictor *cache.Evictor, maxConcurrent int, opts ...CoordinatorOption) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:         store,
		fetcher:       fetcher,
		evictor:       evictor,
		maxConcurrent: maxConcurrent,
		progressGrace: 30 * time.Second,
		log:           logger.NewLogger(logger.WithName("download")),
		inflight:      make(map[string]*task),
		baseCtx:       ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.progress = newProgressRegistry(c.progressGrace)
	return c
}

// Request returns a shared handle for the key. Cached keys resolve
// immediately without a fetch; keys already in flight return the existing
// task's handle; everything else creates a task and admits it when a
// worker slot frees up.
func (c *Coordinator) Request(key string, res resolver.Resolver) (*Handle, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The cache check lives inside the critical section so a promote
	// racing with a new request cannot start a second fetch.
	if path, err := c.store.PathFor(key); err == nil && c.store.Has(key) {
		return resolvedHandle(path), nil
	}

	if t, ok := c.inflight[key]; ok {
		return t.handle(), nil
	}

	t := newTask(key, res)
	c.inflight[key] = t
	c.progress.set(t.snapshot())

	if c.active < c.maxConcurrent {
		c.startLocked(t)
	} else {
		c.queue = append(c.queue, t)
		c.log.Info("download queued", "key", key, "queue_depth", len(c.queue))
	}

	return t.handle(), nil
}

// startLocked begins a task; callers must hold mu.
func (c *Coordinator) startLocked(t *task) {
	c.active++
	t.status.Store(types.StatusActive)
	t.startedAt = time.Now()
	c.progress.set(t.snapshot())

	c.wg.Add(1)
	go c.run(t)
}

func (c *Coordinator) run(t *task) {
	defer c.wg.Done()

	c.log.Info("download started", "key", t.key)

	size, err := c.fetcher.Fetch(c.baseCtx, fetch.Request{
		Key:      t.key,
		Resolver: t.resolver,
		OnAttempt: func(attempt int) {
			// Attempts restart from byte zero.
			t.downloaded.Store(0)
			c.progress.set(t.snapshot())
		},
		OnTotal: func(total int64) {
			t.total.Store(total)
		},
		OnBytes: func(n int64) {
			t.downloaded.Add(n)
			c.progress.set(t.snapshot())
		},
	})

	if err == nil {
		t.path, _ = c.store.PathFor(t.key)
		t.status.Store(types.StatusCompleted)
		c.log.Info("download completed", "key", t.key, "size", types.Bytes(size))

		if c.evictor != nil {
			if evictErr := c.evictor.RunIfNeeded(c.baseCtx); evictErr != nil {
				c.log.Warn("eviction pass failed", "error", evictErr)
			}
		}
	} else {
		t.err = err
		t.status.Store(types.StatusFailed)
		c.log.Error("download failed", "key", t.key, "error", err)
	}

	c.finish(t)
}

// finish publishes the terminal state, notifies waiters and admits the
// next queued task.
func (c *Coordinator) finish(t *task) {
	c.progress.finish(t.snapshot())
	close(t.done)

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inflight, t.key)
	c.active--

	if len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.startLocked(next)
	}
}

// Status is the per-key view served by the status endpoints.
type Status struct {
	Cached      bool      `json:"cached"`
	Downloading bool      `json:"downloading"`
	Progress    *Progress `json:"progress,omitempty"`
}

// StatusOf reports whether the key is cached or downloading, with progress
// when available (including terminal snapshots inside the grace window).
func (c *Coordinator) StatusOf(key string) Status {
	var s Status
	s.Cached = c.store.Has(key)

	if p, ok := c.progress.get(key); ok {
		s.Progress = &p
		s.Downloading = p.Status.IsActive()
	}
	return s
}

// QueueDepth returns the number of tasks waiting for a worker slot.
func (c *Coordinator) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Shutdown waits for in-flight downloads up to the context deadline, then
// cancels whatever is left. Queued tasks that never started fail with the
// cancellation.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("shutdown grace expired, cancelling in-flight downloads")
		c.cancel()
		<-done
	}

	c.cancel()
	c.progress.stop()
	return nil
}
