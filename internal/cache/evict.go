package cache

import (
	"context"
	"sort"
	"sync"

	"tunecache/internal/core/logger"
	"tunecache/internal/core/types"
)

type EvictorOption func(*Evictor)

func WithEvictorLogger(log *logger.Logger) EvictorOption {
	return func(e *Evictor) {
		e.log = log
	}
}

// Evictor keeps the cache within its size budget by deleting whole files,
// least recently accessed first.
type Evictor struct {
	store  *Store
	budget types.Bytes
	target float64
	log    *logger.Logger

	// One eviction pass at a time. Passes racing with reads or deletes are
	// benign since Remove treats missing files as a no-op.
	mu sync.Mutex
}

// NewEvictor creates an evictor that trims the cache to target*budget once
// total size exceeds budget.
func NewEvictor(store *Store, budget types.Bytes, target float64, opts ...EvictorOption) *Evictor {
	e := &Evictor{
		store:  store,
		budget: budget,
		target: target,
		log:    logger.NewLogger(logger.WithName("evictor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunIfNeeded is invoked after every successful cache write. When the total
// cached size exceeds the budget it deletes entries in ascending access
// order until the total is at or below target*budget.
func (e *Evictor) RunIfNeeded(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var total int64
	var candidates []Candidate
	err := e.store.Scan(func(c Candidate) {
		total += c.SizeBytes
		candidates = append(candidates, c)
	})
	if err != nil {
		return err
	}

	if types.Bytes(total) <= e.budget {
		return nil
	}

	// Oldest access first; ties broken by key so ordering is deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AccessedAt.Equal(candidates[j].AccessedAt) {
			return candidates[i].Key < candidates[j].Key
		}
		return candidates[i].AccessedAt.Before(candidates[j].AccessedAt)
	})

	targetSize := int64(float64(e.budget.Int64()) * e.target)
	var freed int64
	var evicted int

	for _, c := range candidates {
		if total-freed <= targetSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.store.Remove(c.Key); err != nil {
			e.log.Warn("failed to evict cache entry", "key", c.Key, "error", err)
			continue
		}
		freed += c.SizeBytes
		evicted++
		e.log.Debug("evicted cache entry", "key", c.Key, "size", types.Bytes(c.SizeBytes), "last_access", c.AccessedAt)
	}

	if evicted > 0 {
		e.log.Info("cache eviction pass complete",
			"evicted", evicted,
			"freed", types.Bytes(freed),
			"total", types.Bytes(total-freed),
			"budget", e.budget,
		)
	}
	return nil
}
