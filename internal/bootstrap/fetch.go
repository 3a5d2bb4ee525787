// Package bootstrap fetches the external program before the bot starts.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CloneTimeout bounds the first clone attempt.
const CloneTimeout = 60 * time.Second

// CommandRunner runs an external command in dir and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// OSRunner runs commands with os/exec.
type OSRunner struct{}

// Run implements CommandRunner.
func (OSRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Options describes what to fetch and how to prepare it.
type Options struct {
	RepoURL    string
	RepoDir    string
	InstallCmd string
}

// Fetcher clones the program repository and installs its dependencies.
type Fetcher struct {
	opts   Options
	runner CommandRunner
	logger *slog.Logger
}

// New creates a Fetcher. A nil runner uses OSRunner.
func New(opts Options, runner CommandRunner, logger *slog.Logger) *Fetcher {
	if runner == nil {
		runner = OSRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{opts: opts, runner: runner, logger: logger}
}

// Run replaces RepoDir with a fresh shallow clone and runs the install command.
// Clone failure is returned; install failure is only logged.
func (f *Fetcher) Run(ctx context.Context) error {
	if f.opts.RepoURL == "" {
		return errors.New("REPO_URL is not set")
	}
	if err := f.clone(ctx); err != nil {
		return err
	}
	f.install(ctx)
	return nil
}

func (f *Fetcher) clone(ctx context.Context) error {
	if _, err := os.Stat(f.opts.RepoDir); err == nil {
		if err := os.RemoveAll(f.opts.RepoDir); err != nil {
			f.logger.Warn("Failed to remove existing repository, continuing", "dir", f.opts.RepoDir, "error", err)
		}
	}

	args := []string{"clone", "--depth", "1", f.opts.RepoURL, f.opts.RepoDir}

	f.logger.Info("Cloning repository", "url", f.opts.RepoURL, "dir", f.opts.RepoDir)
	cloneCtx, cancel := context.WithTimeout(ctx, CloneTimeout)
	out, err := f.runner.Run(cloneCtx, "", "git", args...)
	cancel()
	if err == nil {
		f.logger.Info("Repository cloned")
		return nil
	}
	f.logger.Error("Clone failed, retrying without timeout", "error", err, "output", strings.TrimSpace(string(out)))

	// A timed out attempt may leave a partial checkout behind.
	_ = os.RemoveAll(f.opts.RepoDir)
	out, err = f.runner.Run(ctx, "", "git", args...)
	if err != nil {
		return fmt.Errorf("failed to clone %s: %w: %s", f.opts.RepoURL, err, strings.TrimSpace(string(out)))
	}
	f.logger.Info("Repository cloned (fallback)")
	return nil
}

func (f *Fetcher) install(ctx context.Context) {
	fields := strings.Fields(f.opts.InstallCmd)
	if len(fields) == 0 {
		return
	}
	f.logger.Info("Installing dependencies", "dir", f.opts.RepoDir, "command", f.opts.InstallCmd)
	out, err := f.runner.Run(ctx, f.opts.RepoDir, fields[0], fields[1:]...)
	if err != nil {
		f.logger.Warn("Could not install dependencies", "error", err, "output", strings.TrimSpace(string(out)))
		return
	}
	f.logger.Info("Dependencies installed")
}
