// Package cache owns the on-disk audio cache: one file per key under the
// cache root, written through a temp-file-then-rename promote so readers
// never observe a partially written file. Access time rides on file mtime
// so LRU ordering survives restarts without a metadata sidecar.
package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tunecache/internal/core/logger"
	"tunecache/internal/core/types"
)

// ErrNotCached indicates the key has no canonical file in the cache.
var ErrNotCached = errors.New("cache entry not found")

// ErrInvalidKey indicates the key cannot be mapped to a cache file.
var ErrInvalidKey = errors.New("invalid cache key")

// TempSuffix marks in-progress writes; files with this suffix are never
// served and are swept at startup.
const TempSuffix = ".tmp"

type StoreOption func(*Store)

func WithStoreLogger(log *logger.Logger) StoreOption {
	return func(s *Store) {
		s.log = log
	}
}

// Store maps opaque keys to files under the cache root.
type Store struct {
	root string
	ext  string
	log  *logger.Logger
}

// Stats summarizes the cache contents. Temp files are excluded.
type Stats struct {
	TotalFiles     int         `json:"total_files"`
	TotalSizeBytes types.Bytes `json:"total_size_bytes"`
}

// Candidate is the eviction view over a cached file.
type Candidate struct {
	Key        string
	Path       string
	SizeBytes  int64
	AccessedAt time.Time
}

// NewStore creates the cache root if needed and sweeps orphaned temp files
// left behind by a previous crash.
func NewStore(root, ext string, opts ...StoreOption) (*Store, error) {
	if root == "" {
		return nil, errors.New("cache root required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	s := &Store{
		root: abs,
		ext:  ext,
		log:  logger.NewLogger(logger.WithName("cache")),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sweepTempFiles()
	return s, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// PathFor returns the canonical file path for a key. Keys are opaque but
// must be usable as a single file name component.
func (s *Store) PathFor(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, key+s.ext), nil
}

// TempPathFor returns the in-progress write path for a key. The caller owns
// the file until Promote or cleanup.
func (s *Store) TempPathFor(key string) (string, error) {
	path, err := s.PathFor(key)
	if err != nil {
		return "", err
	}
	return path + TempSuffix, nil
}

// ValidateKey rejects keys that cannot safely name a cache file.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.ContainsAny(key, "/\\") || key != filepath.Base(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Has reports whether the canonical file for key exists.
func (s *Store) Has(key string) bool {
	path, err := s.PathFor(key)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// SizeOf returns the size of the cached file, or false if not cached.
func (s *Store) SizeOf(key string) (int64, bool) {
	path, err := s.PathFor(key)
	if err != nil {
		return 0, false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}

// RangeReader streams a byte window of a cached file.
type RangeReader struct {
	io.Reader
	file *os.File

	// Start and End are the inclusive bounds served; Size is the full
	// file size.
	Start int64
	End   int64
	Size  int64
}

func (r *RangeReader) Close() error {
	return r.file.Close()
}

// OpenRange opens the canonical file for key. start/end are inclusive byte
// offsets; end < 0 means to the last byte. Reading marks the entry as
// recently used.
func (s *Store) OpenRange(key string, start, end int64) (*RangeReader, error) {
	path, err := s.PathFor(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotCached
		}
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()

	if end < 0 || end >= size {
		end = size - 1
	}
	if start < 0 || start >= size || start > end {
		f.Close()
		return nil, fmt.Errorf("range %d-%d outside file of %d bytes", start, end, size)
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	s.touch(path)

	return &RangeReader{
		Reader: io.LimitReader(f, end-start+1),
		file:   f,
		Start:  start,
		End:    end,
		Size:   size,
	}, nil
}

// WriteAtomically streams body into the temp path for key and renames it to
// the canonical path on success. On any failure the temp file is removed
// and the canonical path is left untouched.
func (s *Store) WriteAtomically(key string, body io.Reader) (int64, error) {
	path, err := s.PathFor(key)
	if err != nil {
		return 0, err
	}
	tempPath := path + TempSuffix

	tempFile, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return 0, err
	}

	return s.promote(tempPath, path, written)
}

// Promote renames an externally written temp file to the canonical path for
// key. Used by resolvers that download straight to a file.
func (s *Store) Promote(key, tempPath string) (int64, error) {
	path, err := s.PathFor(key)
	if err != nil {
		os.Remove(tempPath)
		return 0, err
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		return 0, fmt.Errorf("stat temp file: %w", err)
	}

	return s.promote(tempPath, path, info.Size())
}

func (s *Store) promote(tempPath, path string, size int64) (int64, error) {
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("promote cache entry: %w", err)
	}
	s.touch(path)
	s.log.Debug("cache entry promoted", "path", path, "size", size)
	return size, nil
}

// Remove deletes the canonical file for key. A missing file is a no-op so
// concurrent eviction passes race benignly.
func (s *Store) Remove(key string) error {
	path, err := s.PathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Stats walks the cache root and sums complete entries.
func (s *Store) Stats() (Stats, error) {
	var stats Stats
	err := s.Scan(func(c Candidate) {
		stats.TotalFiles++
		stats.TotalSizeBytes += types.Bytes(c.SizeBytes)
	})
	return stats, err
}

// Scan enumerates complete cache entries. Temp files and foreign files are
// skipped.
func (s *Store) Scan(fn func(Candidate)) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, TempSuffix) {
			continue
		}
		if s.ext != "" && !strings.HasSuffix(name, s.ext) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Entry may have been evicted between readdir and stat.
			continue
		}

		fn(Candidate{
			Key:        strings.TrimSuffix(name, s.ext),
			Path:       filepath.Join(s.root, name),
			SizeBytes:  info.Size(),
			AccessedAt: info.ModTime(),
		})
	}
	return nil
}

// touch marks a file as recently used. The filesystem mtime stands in for
// access time because atime is unreliable across mount options.
func (s *Store) touch(path string) {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		s.log.Debug("failed to update access time", "path", path, "error", err)
	}
}

func (s *Store) sweepTempFiles() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), TempSuffix) {
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		if err := os.Remove(path); err == nil {
			s.log.Info("removed orphaned temp file", "path", path)
		}
	}
}
