// Package cli is the HTTP client behind the tunecache command line tool.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"tunecache/internal/core/types"

	"gopkg.in/yaml.v3"
)

// Config is the optional client-side config file (~/.tunecache.yaml).
type Config struct {
	ServerURL string `yaml:"server_url"`
}

// LoadConfig reads the client config; a missing file returns defaults.
func LoadConfig(configFile string) Config {
	cfg := Config{}
	if configFile == "" {
		return cfg
	}

	f, err := os.Open(configFile)
	if err != nil {
		return cfg
	}
	defer f.Close()

	// Decode errors fall back to defaults; the flag can always override.
	_ = yaml.NewDecoder(f).Decode(&cfg)
	return cfg
}

// KeyStatus mirrors the daemon's per-key status payload.
type KeyStatus struct {
	Cached      bool      `json:"cached"`
	Downloading bool      `json:"downloading"`
	Progress    *Progress `json:"progress,omitempty"`
}

type Progress struct {
	Key             string       `json:"key"`
	DownloadedBytes int64        `json:"downloaded_bytes"`
	TotalBytes      int64        `json:"total_bytes"`
	Percentage      float64      `json:"percentage"`
	Status          types.Status `json:"status"`
	StartedAt       time.Time    `json:"started_at"`
}

type CacheStats struct {
	TotalFiles     int    `json:"total_files"`
	TotalSizeBytes uint64 `json:"total_size_bytes"`
	MaxSizeBytes   uint64 `json:"max_size_bytes"`
	QueueDepth     int    `json:"queue_depth"`
}

type Client struct {
	ServerURL  string
	httpClient *http.Client
}

func NewClient(serverURL string) *Client {
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	return &Client{
		ServerURL: serverURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Preload asks the daemon to fetch a key into the cache. With wait set it
// blocks until the download finishes.
func (c *Client) Preload(ctx context.Context, key string, wait bool) error {
	endpoint := fmt.Sprintf("%s/content/%s/preload", c.ServerURL, key)
	if wait {
		endpoint = fmt.Sprintf("%s/content/%s/preload-wait", c.ServerURL, key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to preload %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error != "" {
			return fmt.Errorf("preload %s failed: %s", key, payload.Error)
		}
		return fmt.Errorf("preload %s failed, status: %d", key, resp.StatusCode)
	}
	return nil
}

// Status fetches the per-key cache/download status.
func (c *Client) Status(ctx context.Context, key string) (*KeyStatus, error) {
	endpoint := fmt.Sprintf("%s/content/%s/status", c.ServerURL, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get status for %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request for %s failed, status: %d", key, resp.StatusCode)
	}

	var status KeyStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}

// BatchStatus fetches status for many keys in one round trip.
func (c *Client) BatchStatus(ctx context.Context, keys []string) (map[string]KeyStatus, error) {
	body, err := json.Marshal(map[string][]string{"keys": keys})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/content/status/batch", c.ServerURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("batch status request failed, status: %d", resp.StatusCode)
	}

	var payload struct {
		Statuses map[string]KeyStatus `json:"statuses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode batch status: %w", err)
	}
	return payload.Statuses, nil
}

// Stats fetches cache-wide statistics.
func (c *Client) Stats(ctx context.Context) (*CacheStats, error) {
	endpoint := fmt.Sprintf("%s/cache/stats", c.ServerURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats request failed, status: %d", resp.StatusCode)
	}

	var stats CacheStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	return &stats, nil
}
