package download

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tunecache/internal/cache"
	"tunecache/internal/config"
	"tunecache/internal/core/types"
	"tunecache/internal/fetch"
	"tunecache/internal/resolver"
)

// stubResolver points every key at the same upstream URL.
type stubResolver struct {
	url      string
	resolves atomic.Int32
}

func (r *stubResolver) Resolve(ctx context.Context, key string) (*resolver.Source, error) {
	r.resolves.Add(1)
	return &resolver.Source{URL: r.url}, nil
}

func (r *stubResolver) Invalidate(key string) {}

func testFetcher(t *testing.T, store *cache.Store) *fetch.Fetcher {
	t.Helper()
	return fetch.NewFetcher(store, config.DownloadConfig{
		MaxConcurrent:   4,
		MaxAttempts:     2,
		RetryDelays:     []types.Duration{types.Duration(time.Millisecond)},
		RedirectCap:     5,
		ConnectTimeout:  types.Duration(5 * time.Second),
		TransferTimeout: types.Duration(10 * time.Second),
	})
}

func createTestStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.NewStore(t.TempDir(), ".mp3")
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store
}

func touchFile(path string, at time.Time) error {
	return os.Chtimes(path, at, at)
}

func shutdownCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestCoordinatorSingleFetchPerKey(t *testing.T) {
	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		time.Sleep(50 * time.Millisecond) // widen the race window
		w.Write([]byte("audio payload"))
	}))
	defer upstream.Close()

	store := createTestStore(t)
	coordinator := NewCoordinator(store, testFetcher(t, store), nil, 4)
	defer shutdownCoordinator(t, coordinator)
	res := &stubResolver{url: upstream.URL}

	const callers = 50
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := coordinator.Request("track1", res)
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = handle.Wait(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Caller %d failed: %v", i, err)
		}
	}
	if got := upstreamHits.Load(); got != 1 {
		t.Fatalf("Expected exactly one upstream fetch, got %d", got)
	}
	if !store.Has("track1") {
		t.Fatalf("Key should be cached after the shared download")
	}
}

func TestCoordinatorCachedKeyResolvesImmediately(t *testing.T) {
	store := createTestStore(t)
	if _, err := store.WriteAtomically("track1", bytes.NewReader([]byte("cached"))); err != nil {
		t.Fatalf("Failed to seed cache: %v", err)
	}

	coordinator := NewCoordinator(store, testFetcher(t, store), nil, 4)
	defer shutdownCoordinator(t, coordinator)
	res := &stubResolver{url: "http://unused.invalid"}

	handle, err := coordinator.Request("track1", res)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	select {
	case <-handle.Done():
	default:
		t.Fatalf("Handle for a cached key should already be done")
	}

	path, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	want, _ := store.PathFor("track1")
	if path != want {
		t.Fatalf("Expected path %q, got %q", want, path)
	}
	if got := res.resolves.Load(); got != 0 {
		t.Fatalf("Cached keys must not hit the resolver, got %d resolutions", got)
	}
}

func TestCoordinatorInvalidKeyRejected(t *testing.T) {
	store := createTestStore(t)
	coordinator := NewCoordinator(store, testFetcher(t, store), nil, 4)
	defer shutdownCoordinator(t, coordinator)

	if _, err := coordinator.Request("../escape", &stubResolver{}); err == nil {
		t.Fatalf("Expected invalid key to be rejected")
	}
}

func TestCoordinatorQueuesBeyondWorkerBudget(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("payload"))
	}))
	defer upstream.Close()

	store := createTestStore(t)
	coordinator := NewCoordinator(store, testFetcher(t, store), nil, 1)
	res := &stubResolver{url: upstream.URL}

	h1, err := coordinator.Request("first", res)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	h2, err := coordinator.Request("second", res)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	// With one worker slot the second task must wait in the queue.
	if depth := coordinator.QueueDepth(); depth != 1 {
		t.Fatalf("Expected queue depth 1, got %d", depth)
	}

	status := coordinator.StatusOf("second")
	if status.Progress == nil || status.Progress.Status != types.StatusQueued {
		t.Fatalf("Queued task should report queued status, got %+v", status)
	}

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := h1.Wait(ctx); err != nil {
		t.Fatalf("First download failed: %v", err)
	}
	if _, err := h2.Wait(ctx); err != nil {
		t.Fatalf("Queued download failed: %v", err)
	}

	if !store.Has("first") || !store.Has("second") {
		t.Fatalf("Both keys should be cached")
	}
	shutdownCoordinator(t, coordinator)
}

func TestCoordinatorProgressLifecycle(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1000))
	}))
	defer upstream.Close()

	store := createTestStore(t)
	coordinator := NewCoordinator(store, testFetcher(t, store), nil, 4,
		WithProgressGrace(100*time.Millisecond),
	)
	defer shutdownCoordinator(t, coordinator)
	res := &stubResolver{url: upstream.URL}

	handle, err := coordinator.Request("track1", res)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if _, err := handle.Wait(context.Background()); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	// Inside the grace window the terminal snapshot is still visible.
	status := coordinator.StatusOf("track1")
	if !status.Cached {
		t.Fatalf("Key should report cached")
	}
	if status.Downloading {
		t.Fatalf("Completed download should not report downloading")
	}
	if status.Progress == nil || status.Progress.Status != types.StatusCompleted {
		t.Fatalf("Expected completed progress inside the grace window, got %+v", status.Progress)
	}
	if status.Progress.DownloadedBytes != 1000 {
		t.Fatalf("Expected 1000 downloaded bytes, got %d", status.Progress.DownloadedBytes)
	}

	// After the grace window the snapshot expires; cached remains.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := coordinator.StatusOf("track1"); s.Progress == nil {
			if !s.Cached {
				t.Fatalf("Key should stay cached after progress expiry")
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Terminal progress snapshot never expired")
}

func TestCoordinatorFailedDownloadReportsError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	store := createTestStore(t)
	coordinator := NewCoordinator(store, testFetcher(t, store), nil, 4)
	defer shutdownCoordinator(t, coordinator)
	res := &stubResolver{url: upstream.URL}

	handle, err := coordinator.Request("track1", res)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if _, err := handle.Wait(context.Background()); err == nil {
		t.Fatalf("Expected the download to fail")
	}
	if store.Has("track1") {
		t.Fatalf("Failed download must not cache anything")
	}

	status := coordinator.StatusOf("track1")
	if status.Cached || status.Downloading {
		t.Fatalf("Failed key should be neither cached nor downloading, got %+v", status)
	}
	if status.Progress == nil || status.Progress.Status != types.StatusFailed {
		t.Fatalf("Expected failed progress snapshot, got %+v", status.Progress)
	}

	// A later request for the same key starts a fresh task.
	handle2, err := coordinator.Request("track1", res)
	if err != nil {
		t.Fatalf("Retry request failed: %v", err)
	}
	if _, err := handle2.Wait(context.Background()); err == nil {
		t.Fatalf("Upstream still fails, so the retry should too")
	}
}

func TestCoordinatorEvictsAfterCompletion(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 600))
	}))
	defer upstream.Close()

	store := createTestStore(t)
	if _, err := store.WriteAtomically("old", bytes.NewReader(make([]byte, 600))); err != nil {
		t.Fatalf("Failed to seed cache: %v", err)
	}
	oldPath, _ := store.PathFor("old")
	stale := time.Now().Add(-time.Hour)
	if err := touchFile(oldPath, stale); err != nil {
		t.Fatalf("Failed to backdate entry: %v", err)
	}

	evictor := cache.NewEvictor(store, types.Bytes(1000), 0.8)
	coordinator := NewCoordinator(store, testFetcher(t, store), evictor, 4)
	defer shutdownCoordinator(t, coordinator)
	res := &stubResolver{url: upstream.URL}

	handle, err := coordinator.Request("fresh", res)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if _, err := handle.Wait(context.Background()); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	if store.Has("old") {
		t.Fatalf("Stale entry should be evicted after the new download")
	}
	if !store.Has("fresh") {
		t.Fatalf("Fresh entry should survive eviction")
	}
}
