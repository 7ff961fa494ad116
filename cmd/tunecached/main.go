package main

import (
	"context"
	"fmt"
	"net/url"

	"tunecache/internal/api"
	"tunecache/internal/cache"
	"tunecache/internal/config"
	"tunecache/internal/core/logger"
	"tunecache/internal/core/types"
	"tunecache/internal/download"
	"tunecache/internal/fetch"
	"tunecache/internal/resolver"
	"tunecache/internal/streamer"

	"github.com/alecthomas/kong"
)

type CLI struct {
	Version    kong.VersionFlag `short:"v" long:"version" help:"Print version and exit"`
	ConfigFile string           `short:"c" long:"config" default:"${config_file}" help:"Path to config file"`
	Debug      bool             `short:"d" long:"debug" help:"Enable debug logging"`
}

func (c *CLI) Run() error {
	ctx, cancel := types.DefaultSignalNotifySubContext()
	defer cancel()

	cfg, err := config.Load(c.ConfigFile)
	if err != nil {
		return err
	}
	if c.Debug || cfg.Debug {
		logger.SetDefaultLevel(logger.LevelDebug)
	}

	log := logger.NewLogger(logger.WithName("tunecached"))
	log.Info("starting tunecached",
		"listen", cfg.Listen,
		"cache_path", cfg.Cache.Path,
		"cache_budget", cfg.Cache.MaxSize,
		"resolver", cfg.Resolver.Type,
	)

	store, err := cache.NewStore(cfg.Cache.Path, cfg.Cache.FileExt)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}

	res, err := buildResolver(cfg.Resolver)
	if err != nil {
		return fmt.Errorf("failed to build resolver: %w", err)
	}

	evictor := cache.NewEvictor(store, cfg.Cache.MaxSize, cfg.Cache.EvictionTargetFraction)
	fetcher := fetch.NewFetcher(store, cfg.Downloads)
	coordinator := download.NewCoordinator(store, fetcher, evictor, cfg.Downloads.MaxConcurrent,
		download.WithProgressGrace(cfg.Progress.GracePeriod.Duration()),
	)

	listen, err := url.Parse(cfg.Listen)
	if err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	server := api.NewServer(api.WithListen(listen))
	str := streamer.NewStreamer(store, coordinator, res, cfg.Cache.MaxSize, cfg.Cache.FileExt)
	if err := str.RegisterHandlers(server); err != nil {
		return err
	}

	runErr := server.Run(ctx)

	// Let in-flight cache writes land, but never block shutdown forever.
	shutdownCtx, shutdownCancel := types.NewTimeoutSubContext(context.Background(), cfg.ShutdownGrace.Duration())
	defer shutdownCancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		log.Warn("coordinator shutdown incomplete", "error", err)
	}

	return runErr
}

func buildResolver(cfg config.ResolverConfig) (resolver.Resolver, error) {
	switch cfg.Type {
	case "command":
		opts := []resolver.CommandResolverOption{
			resolver.CommandWithURLTTL(cfg.URLTTL.Duration()),
		}
		if cfg.Direct {
			opts = append(opts, resolver.CommandWithDirect())
		}
		return resolver.NewCommandResolver(cfg.Command, cfg.Args, opts...), nil
	case "s3":
		return resolver.NewS3Resolver(cfg.S3.Bucket, cfg.S3.Region,
			resolver.S3WithKeyPrefix(cfg.S3.KeyPrefix),
			resolver.S3WithPresignExpiry(cfg.S3.PresignExpiry.Duration()),
		)
	default:
		return nil, fmt.Errorf("unsupported resolver type %q", cfg.Type)
	}
}

func main() {
	var cli CLI
	kctx := kong.Parse(
		&cli,
		kong.Vars{
			"version":     "0.1.0",
			"config_file": "config.yaml",
		},
		kong.Name("tunecached"),
		kong.Description("Audio cache and streaming daemon"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if err := kctx.Run(&cli); err != nil {
		panic(err)
	}
}
