package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tunecache/internal/core/types"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
resolver:
  type: command
  command: /usr/local/bin/resolve-track
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Listen != "http://0.0.0.0:8080" {
		t.Fatalf("Expected default listen address, got %q", cfg.Listen)
	}
	if cfg.Cache.MaxSize != types.Bytes(2<<30) {
		t.Fatalf("Expected default 2GiB budget, got %v", cfg.Cache.MaxSize)
	}
	if cfg.Cache.EvictionTargetFraction != 0.8 {
		t.Fatalf("Expected default eviction target 0.8, got %v", cfg.Cache.EvictionTargetFraction)
	}
	if cfg.Cache.FileExt != ".mp3" {
		t.Fatalf("Expected default file extension, got %q", cfg.Cache.FileExt)
	}
	if cfg.Downloads.MaxConcurrent != 4 {
		t.Fatalf("Expected default 4 workers, got %d", cfg.Downloads.MaxConcurrent)
	}
	if cfg.Downloads.MaxAttempts != 3 {
		t.Fatalf("Expected default 3 attempts, got %d", cfg.Downloads.MaxAttempts)
	}
	if len(cfg.Downloads.RetryDelays) != 3 {
		t.Fatalf("Expected 3 default retry delays, got %d", len(cfg.Downloads.RetryDelays))
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfigFile(t, `
listen: http://127.0.0.1:9090
cache:
  path: /tmp/test-cache
  max_size: 512MiB
  eviction_target_fraction: 0.5
downloads:
  max_concurrent: 8
  max_attempts: 5
  retry_delays: ["100ms", "500ms"]
  transfer_timeout: 2m
resolver:
  type: command
  command: /opt/resolve
  args: ["--format", "mp3"]
  url_ttl: 10m
progress:
  grace_period: 1m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Listen != "http://127.0.0.1:9090" {
		t.Fatalf("Expected overridden listen, got %q", cfg.Listen)
	}
	if cfg.Cache.MaxSize != types.Bytes(512<<20) {
		t.Fatalf("Expected 512MiB budget, got %d", cfg.Cache.MaxSize)
	}
	if cfg.Cache.EvictionTargetFraction != 0.5 {
		t.Fatalf("Expected eviction target 0.5, got %v", cfg.Cache.EvictionTargetFraction)
	}
	if cfg.Downloads.MaxConcurrent != 8 {
		t.Fatalf("Expected 8 workers, got %d", cfg.Downloads.MaxConcurrent)
	}
	if cfg.Downloads.TransferTimeout.Duration() != 2*time.Minute {
		t.Fatalf("Expected 2m transfer timeout, got %v", cfg.Downloads.TransferTimeout)
	}
	if len(cfg.Downloads.RetryDelays) != 2 || cfg.Downloads.RetryDelays[0].Duration() != 100*time.Millisecond {
		t.Fatalf("Expected overridden retry delays, got %v", cfg.Downloads.RetryDelays)
	}
	if cfg.Resolver.Command != "/opt/resolve" || len(cfg.Resolver.Args) != 2 {
		t.Fatalf("Expected resolver command config, got %+v", cfg.Resolver)
	}
	if cfg.Resolver.URLTTL.Duration() != 10*time.Minute {
		t.Fatalf("Expected 10m URL TTL, got %v", cfg.Resolver.URLTTL)
	}
	if cfg.Progress.GracePeriod.Duration() != time.Minute {
		t.Fatalf("Expected 1m grace period, got %v", cfg.Progress.GracePeriod)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing resolver command", `
resolver:
  type: command
`},
		{"unsupported resolver type", `
resolver:
  type: carrier-pigeon
`},
		{"s3 without bucket", `
resolver:
  type: s3
  s3:
    region: us-east-1
`},
		{"bad eviction fraction", `
cache:
  eviction_target_fraction: 1.5
resolver:
  type: command
  command: /opt/resolve
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, tc.content)
			if _, err := Load(path); err == nil {
				t.Fatalf("Expected config to be rejected")
			}
		})
	}
}

func TestLoadS3Resolver(t *testing.T) {
	path := writeConfigFile(t, `
resolver:
  type: s3
  s3:
    bucket: audio-masters
    region: eu-west-1
    key_prefix: tracks/
    presign_expiry: 30m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Resolver.S3.Bucket != "audio-masters" || cfg.Resolver.S3.Region != "eu-west-1" {
		t.Fatalf("Expected s3 settings, got %+v", cfg.Resolver.S3)
	}
	if cfg.Resolver.S3.PresignExpiry.Duration() != 30*time.Minute {
		t.Fatalf("Expected 30m presign expiry, got %v", cfg.Resolver.S3.PresignExpiry)
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	cfg := DownloadConfig{
		RetryDelays: []types.Duration{
			types.Duration(1 * time.Second),
			types.Duration(3 * time.Second),
			types.Duration(5 * time.Second),
		},
	}

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, 1 * time.Second},
		{2, 3 * time.Second},
		{3, 5 * time.Second},
		{4, 5 * time.Second}, // past the schedule the last delay repeats
		{0, 1 * time.Second},
	}
	for _, tc := range cases {
		if got := cfg.RetryDelay(tc.retry); got != tc.want {
			t.Fatalf("RetryDelay(%d) = %v, expected %v", tc.retry, got, tc.want)
		}
	}

	empty := DownloadConfig{}
	if got := empty.RetryDelay(1); got != 0 {
		t.Fatalf("Empty schedule should return 0, got %v", got)
	}
}
