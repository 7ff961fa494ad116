package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"tunecache/internal/core/types"

	"github.com/goccy/go-yaml"
)

// Config is the full daemon configuration. Every recognized option is
// enumerated here with a documented default; it is validated once at
// startup and passed by handle to the components that need it.
type Config struct {
	// Listen is the HTTP listen address, e.g. http://0.0.0.0:8080.
	Listen string `yaml:"listen"`
	Debug  bool   `yaml:"debug"`

	Cache     CacheConfig    `yaml:"cache"`
	Downloads DownloadConfig `yaml:"downloads"`
	Resolver  ResolverConfig `yaml:"resolver"`
	Progress  ProgressConfig `yaml:"progress"`

	// ShutdownGrace bounds how long shutdown waits for in-flight cache
	// writes before abandoning them.
	ShutdownGrace types.Duration `yaml:"shutdown_grace"`
}

type CacheConfig struct {
	Path string `yaml:"path"`
	// FileExt is appended to every key to form the on-disk file name.
	FileExt string `yaml:"file_ext"`
	// MaxSize is the total cache budget. Eviction trims the cache down to
	// EvictionTargetFraction of this budget when it is exceeded.
	MaxSize                types.Bytes `yaml:"max_size"`
	EvictionTargetFraction float64     `yaml:"eviction_target_fraction"`
}

type DownloadConfig struct {
	MaxConcurrent   int              `yaml:"max_concurrent"`
	MaxAttempts     int              `yaml:"max_attempts"`
	RetryDelays     []types.Duration `yaml:"retry_delays"`
	RedirectCap     int              `yaml:"redirect_cap"`
	ConnectTimeout  types.Duration   `yaml:"connect_timeout"`
	TransferTimeout types.Duration   `yaml:"transfer_timeout"`
	RateLimit       types.Bytes      `yaml:"rate_limit"`
	RateBurst       types.Bytes      `yaml:"rate_burst"`
}

type ResolverConfig struct {
	// Type selects the source resolver: "command" or "s3".
	Type string `yaml:"type"`
	// Command and Args configure the command resolver. The key is appended
	// as the final argument; the command prints a fetchable URL on stdout.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Direct switches the command resolver to download straight into a
	// cache-issued file instead of printing a URL. Args may reference
	// {key} and {output} placeholders.
	Direct bool `yaml:"direct"`
	// URLTTL bounds how long a resolved URL is reused before re-resolving.
	URLTTL types.Duration `yaml:"url_ttl"`

	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket        string         `yaml:"bucket"`
	Region        string         `yaml:"region"`
	KeyPrefix     string         `yaml:"key_prefix"`
	PresignExpiry types.Duration `yaml:"presign_expiry"`
}

type ProgressConfig struct {
	// GracePeriod keeps terminal download progress visible to status
	// pollers after completion or failure.
	GracePeriod types.Duration `yaml:"grace_period"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Listen: "http://0.0.0.0:8080",
		Cache: CacheConfig{
			Path:                   "/var/cache/tunecache",
			FileExt:                ".mp3",
			MaxSize:                types.Bytes(2 << 30), // 2GiB
			EvictionTargetFraction: 0.8,
		},
		Downloads: DownloadConfig{
			MaxConcurrent: 4,
			MaxAttempts:   3,
			RetryDelays: []types.Duration{
				types.Duration(1 * time.Second),
				types.Duration(3 * time.Second),
				types.Duration(5 * time.Second),
			},
			RedirectCap:     5,
			ConnectTimeout:  types.Duration(60 * time.Second),
			TransferTimeout: types.Duration(5 * time.Minute),
		},
		Resolver: ResolverConfig{
			Type:   "command",
			URLTTL: types.Duration(5 * time.Minute),
			S3: S3Config{
				PresignExpiry: types.Duration(15 * time.Minute),
			},
		},
		Progress: ProgressConfig{
			GracePeriod: types.Duration(30 * time.Second),
		},
		ShutdownGrace: types.Duration(10 * time.Second),
	}
}

// Load reads the YAML config file if it exists, merges it over the
// defaults and validates the result.
func Load(configFile string) (*Config, error) {
	config := Default()

	if configFile != "" && fileExists(configFile) {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}
	}

	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// applyDefaults backfills zero values left behind by a partial config file.
func applyDefaults(config *Config) {
	defaults := Default()

	config.Listen = coalesce(config.Listen, defaults.Listen)
	config.Cache.Path = coalesce(config.Cache.Path, defaults.Cache.Path)
	config.Cache.FileExt = coalesce(config.Cache.FileExt, defaults.Cache.FileExt)
	config.Cache.MaxSize = coalesce(config.Cache.MaxSize, defaults.Cache.MaxSize)
	if config.Cache.EvictionTargetFraction == 0 {
		config.Cache.EvictionTargetFraction = defaults.Cache.EvictionTargetFraction
	}

	config.Downloads.MaxConcurrent = coalesce(config.Downloads.MaxConcurrent, defaults.Downloads.MaxConcurrent)
	config.Downloads.MaxAttempts = coalesce(config.Downloads.MaxAttempts, defaults.Downloads.MaxAttempts)
	if len(config.Downloads.RetryDelays) == 0 {
		config.Downloads.RetryDelays = defaults.Downloads.RetryDelays
	}
	config.Downloads.RedirectCap = coalesce(config.Downloads.RedirectCap, defaults.Downloads.RedirectCap)
	config.Downloads.ConnectTimeout = coalesce(config.Downloads.ConnectTimeout, defaults.Downloads.ConnectTimeout)
	config.Downloads.TransferTimeout = coalesce(config.Downloads.TransferTimeout, defaults.Downloads.TransferTimeout)

	config.Resolver.Type = coalesce(config.Resolver.Type, defaults.Resolver.Type)
	config.Resolver.URLTTL = coalesce(config.Resolver.URLTTL, defaults.Resolver.URLTTL)
	config.Resolver.S3.PresignExpiry = coalesce(config.Resolver.S3.PresignExpiry, defaults.Resolver.S3.PresignExpiry)

	config.Progress.GracePeriod = coalesce(config.Progress.GracePeriod, defaults.Progress.GracePeriod)
	config.ShutdownGrace = coalesce(config.ShutdownGrace, defaults.ShutdownGrace)
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if _, err := url.Parse(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required")
	}
	if !filepath.IsAbs(c.Cache.Path) {
		abs, err := filepath.Abs(c.Cache.Path)
		if err != nil {
			return fmt.Errorf("cache.path: %w", err)
		}
		c.Cache.Path = abs
	}
	if c.Cache.MaxSize == 0 {
		return fmt.Errorf("cache.max_size must be positive")
	}
	if c.Cache.EvictionTargetFraction <= 0 || c.Cache.EvictionTargetFraction > 1 {
		return fmt.Errorf("cache.eviction_target_fraction must be in (0, 1], got %v", c.Cache.EvictionTargetFraction)
	}
	if c.Downloads.MaxConcurrent < 1 {
		return fmt.Errorf("downloads.max_concurrent must be at least 1")
	}
	if c.Downloads.MaxAttempts < 1 {
		return fmt.Errorf("downloads.max_attempts must be at least 1")
	}
	if c.Downloads.RedirectCap < 0 {
		return fmt.Errorf("downloads.redirect_cap must not be negative")
	}

	switch c.Resolver.Type {
	case "command":
		if c.Resolver.Command == "" {
			return fmt.Errorf("resolver.command is required for the command resolver")
		}
	case "s3":
		if c.Resolver.S3.Bucket == "" || c.Resolver.S3.Region == "" {
			return fmt.Errorf("resolver.s3.bucket and resolver.s3.region are required for the s3 resolver")
		}
	default:
		return fmt.Errorf("unsupported resolver type %q", c.Resolver.Type)
	}

	return nil
}

// RetryDelay returns the backoff before the given retry (1-based). Past the
// configured delays the last one repeats.
func (c *DownloadConfig) RetryDelay(retry int) time.Duration {
	if len(c.RetryDelays) == 0 {
		return 0
	}
	if retry > len(c.RetryDelays) {
		retry = len(c.RetryDelays)
	}
	if retry < 1 {
		retry = 1
	}
	return c.RetryDelays[retry-1].Duration()
}

func coalesce[T comparable](loaded, defaultVal T) T {
	var zero T
	if loaded != zero {
		return loaded
	}
	return defaultVal
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
