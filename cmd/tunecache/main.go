package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tunecache/internal/cli"
	"tunecache/internal/core/types"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

type PreloadCmd struct {
	Keys []string `arg:"" help:"Content keys to preload"`
	Wait bool     `short:"w" long:"wait" help:"Block until each download completes"`
}

type StatusCmd struct {
	Keys []string `arg:"" help:"Content keys to query"`
}

type StatsCmd struct{}

type WatchCmd struct {
	Keys     []string      `arg:"" help:"Content keys to watch"`
	Interval time.Duration `short:"i" long:"interval" default:"500ms" help:"Poll interval"`
}

type CLI struct {
	ServerURL  string     `short:"u" long:"url" help:"Daemon URL (default http://localhost:8080)"`
	ConfigFile string     `short:"c" long:"config" help:"Path to client config file"`
	Preload    PreloadCmd `cmd:"preload" help:"Fetch keys into the cache"`
	Status     StatusCmd  `cmd:"status" help:"Show per-key cache status"`
	Stats      StatsCmd   `cmd:"stats" help:"Show cache-wide statistics"`
	Watch      WatchCmd   `cmd:"watch" help:"Preload keys and watch download progress"`
}

func (c *CLI) client() *cli.Client {
	serverURL := c.ServerURL
	if serverURL == "" {
		configFile := c.ConfigFile
		if configFile == "" {
			if home, err := os.UserHomeDir(); err == nil {
				configFile = filepath.Join(home, ".tunecache.yaml")
			}
		}
		serverURL = cli.LoadConfig(configFile).ServerURL
	}
	return cli.NewClient(serverURL)
}

func (p *PreloadCmd) Run(cliRoot *CLI) error {
	ctx, cancel := types.DefaultSignalNotifySubContext()
	defer cancel()
	client := cliRoot.client()

	for _, key := range p.Keys {
		if err := client.Preload(ctx, key, p.Wait); err != nil {
			return err
		}
		if p.Wait {
			fmt.Printf("✓ %s cached\n", key)
		} else {
			fmt.Printf("%s preload accepted\n", key)
		}
	}
	return nil
}

func (s *StatusCmd) Run(cliRoot *CLI) error {
	ctx, cancel := types.DefaultSignalNotifySubContext()
	defer cancel()
	client := cliRoot.client()

	statuses, err := client.BatchStatus(ctx, s.Keys)
	if err != nil {
		return err
	}

	for _, key := range s.Keys {
		status, ok := statuses[key]
		if !ok {
			fmt.Printf("%s: unknown\n", key)
			continue
		}
		switch {
		case status.Cached:
			fmt.Printf("%s: cached\n", key)
		case status.Downloading && status.Progress != nil:
			fmt.Printf("%s: downloading %.1f%% (%s/%s)\n", key,
				status.Progress.Percentage,
				humanize.Bytes(uint64(status.Progress.DownloadedBytes)),
				humanize.Bytes(uint64(status.Progress.TotalBytes)),
			)
		case status.Progress != nil:
			fmt.Printf("%s: %s\n", key, status.Progress.Status)
		default:
			fmt.Printf("%s: not cached\n", key)
		}
	}
	return nil
}

func (s *StatsCmd) Run(cliRoot *CLI) error {
	ctx, cancel := types.DefaultSignalNotifySubContext()
	defer cancel()
	client := cliRoot.client()

	stats, err := client.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Files: %d\n", stats.TotalFiles)
	fmt.Printf("Size: %s / %s\n", humanize.Bytes(stats.TotalSizeBytes), humanize.Bytes(stats.MaxSizeBytes))
	fmt.Printf("Queued downloads: %d\n", stats.QueueDepth)
	return nil
}

func (w *WatchCmd) Run(cliRoot *CLI) error {
	ctx, cancel := types.DefaultSignalNotifySubContext()
	defer cancel()
	client := cliRoot.client()

	for _, key := range w.Keys {
		if err := client.Preload(ctx, key, false); err != nil {
			return err
		}
	}

	progress := mpb.New(mpb.WithRefreshRate(150 * time.Millisecond))
	bars := make(map[string]*mpb.Bar, len(w.Keys))
	for _, key := range w.Keys {
		bars[key] = progress.New(0,
			mpb.BarStyle(),
			mpb.PrependDecorators(
				decor.Name(key, decor.WCSyncSpaceR),
				decor.CountersKibiByte("%.2f/%.2f", decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.Percentage(decor.WCSyncSpace),
			),
		)
	}

	if err := w.poll(ctx, client, bars); err != nil {
		return err
	}
	progress.Wait()
	return nil
}

// poll drives the bars from the daemon's batch status endpoint until every
// key is terminal.
func (w *WatchCmd) poll(ctx context.Context, client *cli.Client, bars map[string]*mpb.Bar) error {
	keys := w.Keys
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		statuses, err := client.BatchStatus(ctx, keys)
		if err != nil {
			return err
		}

		remaining := keys[:0:0]
		for _, key := range keys {
			status := statuses[key]
			bar := bars[key]

			if status.Cached || (status.Progress != nil && status.Progress.Status.IsSuccess()) {
				total := bar.Current()
				if status.Progress != nil && status.Progress.TotalBytes > 0 {
					total = status.Progress.TotalBytes
				}
				if total <= 0 {
					total = 1
				}
				bar.SetTotal(total, true)
				continue
			}
			if status.Progress != nil {
				if status.Progress.Status.IsTerminal() {
					bar.Abort(false)
					fmt.Fprintf(os.Stderr, "%s: download failed\n", key)
					continue
				}
				if status.Progress.TotalBytes > 0 {
					bar.SetTotal(status.Progress.TotalBytes, false)
				}
				bar.SetCurrent(status.Progress.DownloadedBytes)
			}
			remaining = append(remaining, key)
		}

		if len(remaining) == 0 {
			return nil
		}
		keys = remaining

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func main() {
	var cliRoot CLI
	kctx := kong.Parse(
		&cliRoot,
		kong.Vars{
			"version": "0.1.0",
		},
		kong.Name("tunecache"),
		kong.Description("Client for the tunecache audio cache daemon"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if err := kctx.Run(&cliRoot); err != nil {
		panic(err)
	}
}
