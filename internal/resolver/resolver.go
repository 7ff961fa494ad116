// Package resolver turns opaque content keys into fetchable sources. A
// source is usually a short-lived URL (a presigned object URL, an extractor
// result) that can expire before the download finishes, so every resolver
// supports explicit invalidation and re-resolution.
package resolver

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownKey indicates the key does not exist upstream and cannot be
// fetched at all.
var ErrUnknownKey = errors.New("unknown content key")

// Source is a fetchable location for a key.
type Source struct {
	URL     string
	Headers map[string]string
	// ExpiresAt bounds how long the URL stays valid; zero means unknown.
	ExpiresAt time.Time
}

// Resolver obtains sources for keys. Resolve may return a memoized source;
// Invalidate drops the memo so the next Resolve produces a fresh one.
type Resolver interface {
	Resolve(ctx context.Context, key string) (*Source, error)
	Invalidate(key string)
}

// DirectDownloader is implemented by resolvers that download straight into
// a file instead of yielding a URL. The caller supplies the target path and
// promotes the file after a successful return.
type DirectDownloader interface {
	DownloadTo(ctx context.Context, key, path string) error
}
