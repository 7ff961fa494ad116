package cache

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"tunecache/internal/core/types"
)

// writeAged writes an entry and backdates its access time so eviction
// ordering is deterministic in tests.
func writeAged(t *testing.T, store *Store, key string, size int, age time.Duration) {
	t.Helper()
	if _, err := store.WriteAtomically(key, bytes.NewReader(createTestData(size))); err != nil {
		t.Fatalf("Failed to write %q: %v", key, err)
	}
	path, _ := store.PathFor(key)
	at := time.Now().Add(-age)
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("Failed to backdate %q: %v", key, err)
	}
}

func TestEvictorUnderBudgetDoesNothing(t *testing.T) {
	store := createTestStore(t)
	writeAged(t, store, "a", 100, time.Hour)
	writeAged(t, store, "b", 100, time.Minute)

	evictor := NewEvictor(store, types.Bytes(1000), 0.8)
	if err := evictor.RunIfNeeded(context.Background()); err != nil {
		t.Fatalf("Eviction pass failed: %v", err)
	}

	if !store.Has("a") || !store.Has("b") {
		t.Fatalf("Entries within budget must not be evicted")
	}
}

func TestEvictorRemovesOldestFirst(t *testing.T) {
	store := createTestStore(t)
	writeAged(t, store, "oldest", 400, 3*time.Hour)
	writeAged(t, store, "middle", 400, 2*time.Hour)
	writeAged(t, store, "newest", 400, 1*time.Hour)

	// Total 1200 over a 1000 budget; trimming to 50% needs 700 freed, which
	// takes the two oldest entries.
	evictor := NewEvictor(store, types.Bytes(1000), 0.5)
	if err := evictor.RunIfNeeded(context.Background()); err != nil {
		t.Fatalf("Eviction pass failed: %v", err)
	}

	if store.Has("oldest") {
		t.Fatalf("Oldest entry should be evicted first")
	}
	if store.Has("middle") {
		t.Fatalf("Middle entry should be evicted to reach the target")
	}
	if !store.Has("newest") {
		t.Fatalf("Newest entry should survive")
	}
}

func TestEvictorStopsAtTarget(t *testing.T) {
	store := createTestStore(t)
	writeAged(t, store, "a", 300, 4*time.Hour)
	writeAged(t, store, "b", 300, 3*time.Hour)
	writeAged(t, store, "c", 300, 2*time.Hour)
	writeAged(t, store, "d", 300, 1*time.Hour)

	// Total 1200 over 1000; target 0.8 means trim to 800. One eviction
	// leaves 900, still over, so the pass takes the two oldest entries and
	// stops at 600.
	evictor := NewEvictor(store, types.Bytes(1000), 0.8)
	if err := evictor.RunIfNeeded(context.Background()); err != nil {
		t.Fatalf("Eviction pass failed: %v", err)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.TotalFiles != 2 {
		t.Fatalf("Expected exactly two evictions, %d files remain", stats.TotalFiles)
	}
	if store.Has("a") || store.Has("b") {
		t.Fatalf("The two oldest entries should have been evicted")
	}
	if !store.Has("c") || !store.Has("d") {
		t.Fatalf("The two newest entries should survive")
	}
}

func TestEvictorReadRefreshesRecency(t *testing.T) {
	store := createTestStore(t)
	writeAged(t, store, "cold", 600, 2*time.Hour)
	writeAged(t, store, "warm", 600, 1*time.Hour)

	// Reading "cold" touches it, making "warm" the eviction candidate.
	rr, err := store.OpenRange("cold", 0, -1)
	if err != nil {
		t.Fatalf("Failed to open entry: %v", err)
	}
	io.Copy(io.Discard, rr)
	rr.Close()

	evictor := NewEvictor(store, types.Bytes(1000), 0.8)
	if err := evictor.RunIfNeeded(context.Background()); err != nil {
		t.Fatalf("Eviction pass failed: %v", err)
	}

	if !store.Has("cold") {
		t.Fatalf("Recently read entry should survive eviction")
	}
	if store.Has("warm") {
		t.Fatalf("Least recently used entry should be evicted")
	}
}

func TestEvictorDeterministicTieBreak(t *testing.T) {
	store := createTestStore(t)
	at := time.Now().Add(-time.Hour)
	for _, key := range []string{"bravo", "alpha"} {
		if _, err := store.WriteAtomically(key, bytes.NewReader(createTestData(600))); err != nil {
			t.Fatalf("Failed to write %q: %v", key, err)
		}
		path, _ := store.PathFor(key)
		if err := os.Chtimes(path, at, at); err != nil {
			t.Fatalf("Failed to set times: %v", err)
		}
	}

	evictor := NewEvictor(store, types.Bytes(1000), 0.8)
	if err := evictor.RunIfNeeded(context.Background()); err != nil {
		t.Fatalf("Eviction pass failed: %v", err)
	}

	if store.Has("alpha") {
		t.Fatalf("Equal access times should evict in key order")
	}
	if !store.Has("bravo") {
		t.Fatalf("Second key in tie order should survive")
	}
}
