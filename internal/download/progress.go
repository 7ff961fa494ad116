package download

import (
	"time"

	"tunecache/internal/core/types"

	"github.com/jellydator/ttlcache/v3"
)

// Progress is the read-only projection of a download task exposed to
// status pollers.
type Progress struct {
	Key             string       `json:"key"`
	DownloadedBytes int64        `json:"downloaded_bytes"`
	TotalBytes      int64        `json:"total_bytes"`
	Percentage      float64      `json:"percentage"`
	Status          types.Status `json:"status"`
	StartedAt       time.Time    `json:"started_at"`
}

// progressRegistry keeps live download progress, plus terminal snapshots
// for a grace window so pollers see a definitive completed/failed state
// instead of an abrupt disappearance.
type progressRegistry struct {
	entries *ttlcache.Cache[string, Progress]
	grace   time.Duration
}

func newProgressRegistry(grace time.Duration) *progressRegistry {
	r := &progressRegistry{
		entries: ttlcache.New(
			ttlcache.WithTTL[string, Progress](grace),
			ttlcache.WithDisableTouchOnHit[string, Progress](),
		),
		grace: grace,
	}
	go r.entries.Start()
	return r
}

func (r *progressRegistry) stop() {
	r.entries.Stop()
}

// set records live progress; live entries never expire on their own since
// the task is still in the registry.
func (r *progressRegistry) set(p Progress) {
	r.entries.Set(p.Key, p, ttlcache.NoTTL)
}

// finish records a terminal snapshot that expires after the grace window.
func (r *progressRegistry) finish(p Progress) {
	r.entries.Set(p.Key, p, r.grace)
}

func (r *progressRegistry) get(key string) (Progress, bool) {
	item := r.entries.Get(key)
	if item == nil {
		return Progress{}, false
	}
	return item.Value(), true
}
