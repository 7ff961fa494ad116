package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"tunecache/internal/core/logger"

	"github.com/jellydator/ttlcache/v3"
)

// Exit code contract with the resolver command: 2 means the key does not
// exist upstream.
const commandExitUnknownKey = 2

type CommandResolverOption func(*CommandResolver)

func CommandWithLogger(log *logger.Logger) CommandResolverOption {
	return func(r *CommandResolver) {
		r.log = log
	}
}

func CommandWithURLTTL(ttl time.Duration) CommandResolverOption {
	return func(r *CommandResolver) {
		r.urlTTL = ttl
	}
}

// CommandWithDirect switches the resolver to direct-download mode: the
// command writes the content to a caller-supplied file instead of printing
// a URL.
func CommandWithDirect() CommandResolverOption {
	return func(r *CommandResolver) {
		r.direct = true
	}
}

// CommandResolver shells out to an external program to resolve keys. In URL
// mode the program prints a fetchable URL on stdout; resolved URLs are
// memoized for a bounded TTL since most extractors hand out links that
// expire within minutes.
type CommandResolver struct {
	command string
	args    []string
	direct  bool
	urlTTL  time.Duration
	memo    *ttlcache.Cache[string, *Source]
	log     *logger.Logger
}

func NewCommandResolver(command string, args []string, opts ...CommandResolverOption) *CommandResolver {
	r := &CommandResolver{
		command: command,
		args:    args,
		urlTTL:  5 * time.Minute,
		log:     logger.NewLogger(logger.WithName("resolver")),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.memo = ttlcache.New(
		ttlcache.WithTTL[string, *Source](r.urlTTL),
	)
	go r.memo.Start()

	return r
}

func (r *CommandResolver) Close() {
	r.memo.Stop()
}

// Resolve returns a memoized source when one is still fresh, otherwise runs
// the command with the key as its final argument and reads a URL from the
// first line of stdout.
func (r *CommandResolver) Resolve(ctx context.Context, key string) (*Source, error) {
	if item := r.memo.Get(key); item != nil {
		return item.Value(), nil
	}

	args := r.expandArgs(key, "")
	if !r.hasPlaceholder("{key}") {
		args = append(args, key)
	}
	out, err := r.run(ctx, args)
	if err != nil {
		return nil, err
	}

	rawURL := firstLine(out)
	if rawURL == "" {
		return nil, fmt.Errorf("resolver command produced no URL for key %q", key)
	}

	src := &Source{
		URL:       rawURL,
		ExpiresAt: time.Now().Add(r.urlTTL),
	}
	r.memo.Set(key, src, ttlcache.DefaultTTL)
	r.log.Debug("resolved source", "key", key)
	return src, nil
}

// Invalidate drops the memoized source so the next Resolve runs the command
// again. Called when a URL turns out to be stale or rejected upstream.
func (r *CommandResolver) Invalidate(key string) {
	r.memo.Delete(key)
	r.log.Debug("invalidated source", "key", key)
}

// DownloadTo runs the command in direct mode, pointing it at the given
// target path. Only valid for resolvers built with CommandWithDirect.
func (r *CommandResolver) DownloadTo(ctx context.Context, key, path string) error {
	if !r.direct {
		return errors.New("resolver is not in direct-download mode")
	}

	args := r.expandArgs(key, path)
	if !r.hasPlaceholder("{key}") {
		args = append(args, key)
	}
	if !r.hasPlaceholder("{output}") {
		args = append(args, path)
	}

	_, err := r.run(ctx, args)
	return err
}

func (r *CommandResolver) hasPlaceholder(name string) bool {
	for _, arg := range r.args {
		if strings.Contains(arg, name) {
			return true
		}
	}
	return false
}

// Direct reports whether the resolver downloads straight to files.
func (r *CommandResolver) Direct() bool {
	return r.direct
}

func (r *CommandResolver) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == commandExitUnknownKey {
			return nil, ErrUnknownKey
		}
		msg := firstLine(stderr.Bytes())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("resolver command failed: %s", msg)
	}

	return stdout.Bytes(), nil
}

// expandArgs substitutes {key} and {output} placeholders in the configured
// arguments.
func (r *CommandResolver) expandArgs(key, output string) []string {
	args := make([]string, 0, len(r.args))
	for _, arg := range r.args {
		arg = strings.ReplaceAll(arg, "{key}", key)
		if output != "" {
			arg = strings.ReplaceAll(arg, "{output}", output)
		}
		args = append(args, arg)
	}
	return args
}

func firstLine(out []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line)
}
