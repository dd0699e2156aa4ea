// Package worker launches playwright-mcp worker processes and exposes each
// one as a core.Channel speaking JSON-RPC over the child's stdio.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/playmux/playmux/internal/core"
	"github.com/playmux/playmux/internal/fileutil"
	"github.com/playmux/playmux/internal/stdiorpc"
)

// Launcher spawns worker subprocesses via the configured runner command
// (npx by default) and hands back channels that have completed the protocol
// handshake. Implements core.Launcher.
type Launcher struct {
	// Command is the runner executable, resolved via PATH.
	Command string
	// Package is the worker package the runner executes.
	Package string
	// DataDir is the parent directory for per-worker scratch directories
	// (output files, stderr logs).
	DataDir string
	// StopTimeout bounds the graceful phase of process shutdown.
	StopTimeout time.Duration
	// Logger may be nil, in which case the core package logger is used.
	Logger *slog.Logger
}

func (l *Launcher) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return core.Logger()
}

// Launch spawns one worker process for the given configuration, wires its
// stdio into an RPC connection, and performs the handshake. Spawn failures
// wrap core.ErrLaunch; a process that spawned but never answered the
// handshake is stopped and the error wraps core.ErrHandshake.
func (l *Launcher) Launch(ctx context.Context, cfg core.ResolvedConfig) (core.Channel, error) {
	bin, err := exec.LookPath(l.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: locating %q: %w", core.ErrLaunch, l.Command, err)
	}

	if err := fileutil.EnsureDir(l.DataDir); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrLaunch, err)
	}
	dir, err := os.MkdirTemp(l.DataDir, "worker-")
	if err != nil {
		return nil, fmt.Errorf("%w: creating worker dir: %w", core.ErrLaunch, err)
	}

	args := buildArgs(l.Package, cfg, dir)

	// Deliberately not CommandContext: the process must outlive the launch
	// context and is terminated explicitly through Close.
	cmd := exec.Command(bin, args...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %w", core.ErrLaunch, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", core.ErrLaunch, err)
	}
	stderrPath := filepath.Join(dir, "worker.stderr.log")
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return nil, fmt.Errorf("%w: stderr log: %w", core.ErrLaunch, err)
	}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stderr.Close()
		return nil, fmt.Errorf("%w: starting %q: %w", core.ErrLaunch, l.Command, err)
	}

	log := l.log().With("pid", cmd.Process.Pid, "dir", dir)
	log.Debug("worker spawned", "browser", cfg.Browser)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	pc := &procChannel{
		conn:        stdiorpc.New(stdin, stdout, log),
		cmd:         cmd,
		done:        done,
		stopTimeout: l.StopTimeout,
		stderr:      stderr,
		log:         log,
	}

	if err := pc.conn.Handshake(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*l.StopTimeout)
		defer cancel()
		if stopErr := pc.Close(stopCtx); stopErr != nil {
			log.Warn("stopping unresponsive worker", "error", stopErr)
		}
		return nil, fmt.Errorf("%w: %w", core.ErrHandshake, err)
	}
	return pc, nil
}

// buildArgs assembles the worker command line from the resolved
// configuration. Only non-default values become flags; the worker's own
// defaults cover the rest.
func buildArgs(pkg string, cfg core.ResolvedConfig, workerDir string) []string {
	args := []string{"-y", pkg}

	args = append(args, "--browser", cfg.Browser)
	if cfg.Headless {
		args = append(args, "--headless")
	}
	if cfg.NoSandbox {
		args = append(args, "--no-sandbox")
	}
	if cfg.Device != "" {
		args = append(args, "--device", cfg.Device)
	}
	if cfg.ViewportSize != "" {
		args = append(args, "--viewport-size", cfg.ViewportSize)
	}
	if cfg.Isolated {
		args = append(args, "--isolated")
	}
	if cfg.UserDataDir != "" {
		args = append(args, "--user-data-dir", cfg.UserDataDir)
	}
	if cfg.StorageState != "" {
		args = append(args, "--storage-state", cfg.StorageState)
	}
	if cfg.AllowedOrigins != "" {
		args = append(args, "--allowed-origins", cfg.AllowedOrigins)
	}
	if cfg.BlockedOrigins != "" {
		args = append(args, "--blocked-origins", cfg.BlockedOrigins)
	}
	if cfg.ProxyServer != "" {
		args = append(args, "--proxy-server", cfg.ProxyServer)
	}
	if cfg.Caps != "" {
		args = append(args, "--caps", cfg.Caps)
	}
	if cfg.SaveSession {
		args = append(args, "--save-session")
	}
	if cfg.SaveTrace {
		args = append(args, "--save-trace")
	}
	if cfg.SaveVideo != "" {
		args = append(args, "--save-video", cfg.SaveVideo)
	}

	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(workerDir, "output")
	}
	args = append(args, "--output-dir", outputDir)

	if cfg.TimeoutAction > 0 {
		args = append(args, "--timeout-action", strconv.FormatInt(cfg.TimeoutAction.Milliseconds(), 10))
	}
	if cfg.TimeoutNavigation > 0 {
		args = append(args, "--timeout-navigation", strconv.FormatInt(cfg.TimeoutNavigation.Milliseconds(), 10))
	}
	if cfg.ImageResponses != "" {
		args = append(args, "--image-responses", cfg.ImageResponses)
	}
	if cfg.UserAgent != "" {
		args = append(args, "--user-agent", cfg.UserAgent)
	}
	if cfg.InitScript != "" {
		args = append(args, "--init-script", cfg.InitScript)
	}
	if cfg.IgnoreHTTPSErrors {
		args = append(args, "--ignore-https-errors")
	}
	return args
}
