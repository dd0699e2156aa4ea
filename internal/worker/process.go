package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/playmux/playmux/internal/stdiorpc"
)

// killGrace caps how long a terminated process gets before the escalation
// to SIGKILL.
const killGrace = 5 * time.Second

// procChannel couples one worker process with its RPC connection. Call and
// Probe delegate to the connection; Close tears the process down, graceful
// first and forceful after the grace period.
type procChannel struct {
	conn        *stdiorpc.Conn
	cmd         *exec.Cmd
	done        chan error
	stopTimeout time.Duration
	stderr      *os.File
	log         *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (p *procChannel) Call(ctx context.Context, method string, params []byte) ([]byte, error) {
	return p.conn.Call(ctx, method, params)
}

func (p *procChannel) Probe(ctx context.Context) error {
	return p.conn.Ping(ctx)
}

// Close shuts the worker down. Closing stdin asks a stdio-mode MCP server to
// exit on its own; if it has not within the grace window, the process is
// terminated and, failing that, killed. Idempotent.
func (p *procChannel) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		// Closing the connection closes the child's stdin.
		_ = p.conn.Close()
		p.closeErr = p.stopProcess(ctx)
		if err := p.stderr.Close(); err != nil {
			p.log.Debug("closing stderr log", "error", err)
		}
	})
	return p.closeErr
}

// stopProcess waits briefly for a voluntary exit, then escalates through
// SIGTERM to SIGKILL. The grace period is the stop timeout clamped to
// killGrace, so shutdown latency stays bounded even with generous timeouts.
func (p *procChannel) stopProcess(ctx context.Context) error {
	grace := min(p.stopTimeout, killGrace)

	select {
	case err := <-p.done:
		return p.exitResult(err)
	case <-time.After(grace):
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Warn("sending SIGTERM", "error", err)
	}

	kill := time.AfterFunc(grace, func() {
		p.log.Warn("worker ignored SIGTERM, killing")
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Error("sending SIGKILL", "error", err)
		}
	})
	defer kill.Stop()

	return p.exitResult(<-p.done)
}

// exitResult normalizes the wait outcome: an exit caused by our own TERM or
// KILL is a successful stop, not an error.
func (p *procChannel) exitResult(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			switch ws.Signal() {
			case syscall.SIGTERM, syscall.SIGKILL:
				return nil
			}
		}
	}
	return fmt.Errorf("worker exit: %w", err)
}
