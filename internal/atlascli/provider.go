package atlascli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// toolTimeout bounds every external-tool invocation. A timeout is a hard
// failure, never silently ignored.
const toolTimeout = 600 * time.Second

// ToolError is any non-zero exit or timeout from an external tool. Op names
// the operation ("atlas syncback", "git commit", ...) and Stderr carries the
// tool's error text so the scheduler can classify the failure.
type ToolError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// Provider wraps the atlas clone/syncback tool and git on one working
// directory per game.
type Provider struct {
	bin     string
	runner  Runner
	timeout time.Duration
	log     *slog.Logger
}

func NewProvider(bin string, logger *slog.Logger) *Provider {
	return NewProviderWithRunner(bin, RealRunner{}, logger)
}

func NewProviderWithRunner(bin string, runner Runner, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{bin: bin, runner: runner, timeout: toolTimeout, log: logger}
}

func (p *Provider) run(ctx context.Context, op, dir, name string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	stdout, stderr, err := p.runner.Run(runCtx, dir, name, args...)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", p.timeout, err)
		}
		return stdout, &ToolError{Op: op, Stderr: stderr, Err: err}
	}
	return stdout, nil
}

// Clone materializes the place into dir from scratch.
func (p *Provider) Clone(ctx context.Context, placeID int64, dir, apiKey string) error {
	p.log.Info("cloning place", "place_id", placeID, "dir", dir)
	_, err := p.run(ctx, "atlas clone", "", p.bin,
		"--opencloud", apiKey,
		"clone", strconv.FormatInt(placeID, 10),
		"--path", dir,
		"--skip-git",
		"--skip-rules",
	)
	return err
}

// Syncback pulls only the external changes since the last run into dir.
func (p *Provider) Syncback(ctx context.Context, dir string, placeID int64, apiKey string) error {
	p.log.Debug("syncing place", "place_id", placeID, "dir", dir)
	_, err := p.run(ctx, "atlas syncback", "", p.bin,
		"--opencloud", apiKey,
		"syncback",
		"--download", strconv.FormatInt(placeID, 10),
		"--working-dir", dir,
		"--incremental",
		"--list",
	)
	return err
}

func (p *Provider) GitInit(ctx context.Context, dir string) error {
	_, err := p.run(ctx, "git init", dir, "git", "init")
	return err
}

func (p *Provider) GitAddAll(ctx context.Context, dir string) error {
	_, err := p.run(ctx, "git add", dir, "git", "add", ".")
	return err
}

// GitCommit always allows an empty commit so the very first sync has a
// clean reference point even when the clone produced no files.
func (p *Provider) GitCommit(ctx context.Context, dir, message string) error {
	_, err := p.run(ctx, "git commit", dir, "git", "commit", "-m", message, "--allow-empty")
	return err
}

// GitDiff returns the unified diff since the last commit. A failing diff is
// treated as "no diff" and never propagated: the sync loop must not crash on
// a history-tool hiccup.
func (p *Provider) GitDiff(ctx context.Context, dir string) string {
	out, err := p.run(ctx, "git diff", dir, "git", "diff", "HEAD")
	if err != nil {
		p.log.Debug("git diff failed, treating as empty", "dir", dir, "error", err)
		return ""
	}
	return out
}

// GitDiffNameOnly returns the changed paths since the last commit, with the
// same fail-soft-to-empty contract as GitDiff.
func (p *Provider) GitDiffNameOnly(ctx context.Context, dir string) []string {
	out, err := p.run(ctx, "git name-only diff", dir, "git", "diff", "HEAD", "--name-only")
	if err != nil {
		p.log.Debug("git diff --name-only failed, treating as empty", "dir", dir, "error", err)
		return nil
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}
