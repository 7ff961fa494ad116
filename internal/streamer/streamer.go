// Package streamer serves cached audio over HTTP. Cached keys are served
// straight from disk with full Range support; uncached keys are proxied
// live from the resolved source while the coordinator captures the same
// key to cache in the background.
package streamer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"tunecache/internal/api"
	"tunecache/internal/api/response"
	"tunecache/internal/cache"
	"tunecache/internal/core/logger"
	"tunecache/internal/core/types"
	"tunecache/internal/download"
	"tunecache/internal/resolver"
	"tunecache/internal/transport"
)

type StreamerOption func(*Streamer)

func WithLogger(log *logger.Logger) StreamerOption {
	return func(s *Streamer) {
		s.log = log
	}
}

func WithTransfer(t *transport.Transfer) StreamerOption {
	return func(s *Streamer) {
		s.transfer = t
	}
}

// Streamer wires the cache, coordinator and resolver behind the HTTP
// surface.
type Streamer struct {
	store       *cache.Store
	coordinator *download.Coordinator
	resolver    resolver.Resolver
	transfer    *transport.Transfer
	maxSize     types.Bytes
	contentType string
	log         *logger.Logger
}

// audioTypes covers the formats we serve; the system mime database is not
// guaranteed to know them.
var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".flac": "audio/flac",
	".wav":  "audio/wav",
}

func contentTypeFor(fileExt string) string {
	if ct, ok := audioTypes[fileExt]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(fileExt); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func NewStreamer(store *cache.Store, coordinator *download.Coordinator, res resolver.Resolver, maxSize types.Bytes, fileExt string, opts ...StreamerOption) *Streamer {
	contentType := contentTypeFor(fileExt)

	s := &Streamer{
		store:       store,
		coordinator: coordinator,
		resolver:    res,
		transfer:    transport.NewTransfer(),
		maxSize:     maxSize,
		contentType: contentType,
		log:         logger.NewLogger(logger.WithName("streamer")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandlers registers the content routes.
func (s *Streamer) RegisterHandlers(registrar api.HandlerRegistrar) error {
	routes := []api.Route{
		api.NewRoute(http.MethodGet, "/health", s.handleHealth),
		api.NewRoute(http.MethodGet, "/content/{key}", s.handleContent),
		api.NewRoute(http.MethodPost, "/content/{key}/preload", s.handlePreload),
		api.NewRoute(http.MethodPost, "/content/{key}/preload-wait", s.handlePreloadWait),
		api.NewRoute(http.MethodGet, "/content/{key}/status", s.handleStatus),
		api.NewRoute(http.MethodPost, "/content/status/batch", s.handleBatchStatus),
		api.NewRoute(http.MethodGet, "/cache/stats", s.handleCacheStats),
	}

	for _, route := range routes {
		if err := registrar.RegisterHandler(route); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streamer) handleHealth(w http.ResponseWriter, r *http.Request) {
	response.Respond(w, response.WithJSON(response.JSON{"status": "healthy"}))
}

func (s *Streamer) handleContent(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := cache.ValidateKey(key); err != nil {
		response.Respond(w, response.WithJSONError(err, http.StatusBadRequest))
		return
	}

	if s.store.Has(key) {
		s.serveCached(w, r, key)
		return
	}
	s.serveLive(w, r, key)
}

// serveCached answers from disk: 200 for full reads, 206 for ranges, 416
// when the requested range falls outside the file.
func (s *Streamer) serveCached(w http.ResponseWriter, r *http.Request, key string) {
	size, ok := s.store.SizeOf(key)
	if !ok {
		// Evicted between Has and SizeOf; fall back to the live path.
		s.serveLive(w, r, key)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", s.contentType)

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		s.copyRange(w, r, key, 0, -1, size, http.StatusOK)
		return
	}

	br, err := parseRange(rangeHeader)
	if err != nil {
		// Malformed Range headers are ignored per RFC 9110; serve the
		// full representation.
		s.log.Debug("ignoring malformed range header", "key", key, "range", rangeHeader)
		s.copyRange(w, r, key, 0, -1, size, http.StatusOK)
		return
	}

	if br.Start >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		response.Respond(w, response.WithStatus(http.StatusRequestedRangeNotSatisfiable))
		return
	}

	end := br.End
	if end < 0 || end >= size {
		end = size - 1
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.Start, end, size))
	s.copyRange(w, r, key, br.Start, end, size, http.StatusPartialContent)
}

func (s *Streamer) copyRange(w http.ResponseWriter, r *http.Request, key string, start, end, size int64, status int) {
	rr, err := s.store.OpenRange(key, start, end)
	if err != nil {
		response.Respond(w, response.WithJSONError(err, http.StatusInternalServerError))
		return
	}
	defer rr.Close()

	w.Header().Set("Content-Length", fmt.Sprintf("%d", rr.End-rr.Start+1))
	w.WriteHeader(status)

	if _, err := io.Copy(w, rr); err != nil {
		// Almost always the client going away mid-stream; not a failure.
		s.log.Debug("cached stream interrupted", "key", key, "error", err)
	}
}

// serveLive proxies bytes from the resolved source straight to the client
// while the coordinator captures the key to cache in the background. The
// two consume independent upstream fetches, so the cache-write path keeps
// its per-key mutual exclusion. Range headers are not honored here; the
// client gets the full body from byte zero.
func (s *Streamer) serveLive(w http.ResponseWriter, r *http.Request, key string) {
	handle, err := s.coordinator.Request(key, s.resolver)
	if err != nil {
		response.Respond(w, response.WithJSONError(err, http.StatusInternalServerError))
		return
	}

	// Direct-download resolvers produce no URL to proxy, so the client
	// waits for the cache write instead.
	if d, ok := s.resolver.(interface{ Direct() bool }); ok && d.Direct() {
		s.waitAndServe(w, r, key, handle)
		return
	}

	src, err := s.resolver.Resolve(r.Context(), key)
	if err != nil {
		response.Respond(w, response.WithJSONError(err, statusForError(err)))
		return
	}

	fw := newFlushWriter(w)
	err = s.transfer.Get(r.Context(), src.URL, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("upstream status %s", resp.Status)
		}

		w.Header().Set("Content-Type", s.contentType)
		if resp.ContentLength > 0 {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", resp.ContentLength))
		}

		// Headers go out with the first received byte; unknown length
		// falls back to chunked transfer.
		if _, err := io.Copy(fw, resp.Body); err != nil {
			return err
		}
		return nil
	}, transport.WithHeaders(src.Headers))

	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; the background capture keeps running.
			s.log.Debug("live stream aborted by client", "key", key)
			return
		}
		if !fw.wrote {
			// No body byte has gone out yet, so the status is still ours
			// to set.
			s.log.Warn("live stream failed", "key", key, "error", err)
			w.Header().Del("Content-Type")
			w.Header().Del("Content-Length")
			response.Respond(w, response.WithJSONError(err, statusForError(err)))
			return
		}
		// Mid-stream failure; the status is already on the wire.
		s.log.Warn("live stream interrupted", "key", key, "error", err)
	}
}

// waitAndServe blocks until the background download lands, then serves the
// cached file with full range support.
func (s *Streamer) waitAndServe(w http.ResponseWriter, r *http.Request, key string, handle *download.Handle) {
	if _, err := handle.Wait(r.Context()); err != nil {
		if r.Context().Err() != nil {
			s.log.Debug("client gave up waiting for download", "key", key)
			return
		}
		response.Respond(w, response.WithJSONError(err, statusForError(err)))
		return
	}
	s.serveCached(w, r, key)
}

func (s *Streamer) handlePreload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := cache.ValidateKey(key); err != nil {
		response.Respond(w, response.WithJSONError(err, http.StatusBadRequest))
		return
	}

	if _, err := s.coordinator.Request(key, s.resolver); err != nil {
		response.Respond(w, response.WithJSONError(err, http.StatusInternalServerError))
		return
	}

	response.Respond(w,
		response.WithJSONStatus(response.JSON{"key": key, "accepted": true}, http.StatusAccepted),
	)
}

func (s *Streamer) handlePreloadWait(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := cache.ValidateKey(key); err != nil {
		response.Respond(w, response.WithJSONError(err, http.StatusBadRequest))
		return
	}

	handle, err := s.coordinator.Request(key, s.resolver)
	if err != nil {
		response.Respond(w, response.WithJSONError(err, http.StatusInternalServerError))
		return
	}

	path, err := handle.Wait(r.Context())
	if err != nil {
		response.Respond(w, response.WithJSONError(err, statusForError(err)))
		return
	}

	size, _ := s.store.SizeOf(key)
	response.Respond(w, response.WithJSON(response.JSON{
		"key":        key,
		"path":       path,
		"size_bytes": size,
	}))
}

func (s *Streamer) handleStatus(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := cache.ValidateKey(key); err != nil {
		response.Respond(w, response.WithJSONError(err, http.StatusBadRequest))
		return
	}

	response.Respond(w, response.WithJSON(s.coordinator.StatusOf(key)))
}

func (s *Streamer) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keys []string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Respond(w, response.WithJSONError(err, http.StatusBadRequest))
		return
	}

	statuses := make(map[string]download.Status, len(req.Keys))
	for _, key := range req.Keys {
		if cache.ValidateKey(key) != nil {
			continue
		}
		statuses[key] = s.coordinator.StatusOf(key)
	}

	response.Respond(w, response.WithJSON(response.JSON{"statuses": statuses}))
}

func (s *Streamer) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		response.Respond(w, response.WithJSONError(err, http.StatusInternalServerError))
		return
	}

	response.Respond(w, response.WithJSON(response.JSON{
		"total_files":      stats.TotalFiles,
		"total_size_bytes": stats.TotalSizeBytes,
		"max_size_bytes":   s.maxSize,
		"queue_depth":      s.coordinator.QueueDepth(),
	}))
}

// statusForError maps a terminal fetch failure to an HTTP status: unknown
// keys are 404, exhausted timeouts 504, everything else 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, resolver.ErrUnknownKey):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// flushWriter pushes each chunk to the client immediately so playback can
// start before the transfer finishes. It also records whether any body byte
// has been written, which decides who still owns the response status.
type flushWriter struct {
	w       io.Writer
	flusher http.Flusher
	wrote   bool
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	fw := &flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}
	return fw
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if n > 0 {
		fw.wrote = true
	}
	if err == nil && fw.flusher != nil {
		fw.flusher.Flush()
	}
	return n, err
}
