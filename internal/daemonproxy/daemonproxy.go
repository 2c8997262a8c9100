// Package daemonproxy spawns, waits for readiness of, and orderly shuts
// down a child build-daemon process that fronts the host's package store.
package daemonproxy

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/brainrake/hercules-ci-agent/internal/errors"
	"github.com/brainrake/hercules-ci-agent/internal/invariant"
	"github.com/brainrake/hercules-ci-agent/internal/workerprotocol"
)

// State names the daemon-proxy supervisor's lifecycle stage.
type State string

const (
	StateSpawning State = "Spawning"
	StateReady    State = "Ready"
	StateRunning  State = "Running"
	StateDraining State = "Draining"
	StateStopped  State = "Stopped"
	StateFailed   State = "Failed"
)

// ShutdownTimeout bounds how long WithDaemonProxy waits for the worker to
// exit after the command stream is terminated. A var, not a const, so tests
// can shrink it instead of waiting out the real 60 seconds.
var ShutdownTimeout = 60 * time.Second

// WorkerBinary is the executable spawned with the "nix-daemon" verb.
// Overridable in tests.
var WorkerBinary = "hercules-ci-worker"

// Supervisor tracks a single daemon-proxy child's lifecycle for
// observability; State is updated as the protocol progresses.
type Supervisor struct {
	State State
}

// WithDaemonProxy spawns the daemon-proxy worker, waits for it to report
// readiness, runs inner, then performs an orderly shutdown. inner's result
// (success or failure) is returned unchanged; shutdown timeouts are logged,
// not propagated.
func WithDaemonProxy(ctx context.Context, extraOptions []string, socketPath string, logger *slog.Logger, inner func(context.Context) error) error {
	invariant.NotNil(ctx, "context")
	invariant.Precondition(socketPath != "", "daemon proxy socket path must be set")
	if logger == nil {
		logger = slog.Default()
	}

	sup := &Supervisor{State: StateSpawning}

	cmd := exec.CommandContext(ctx, WorkerBinary, append([]string{"nix-daemon"}, extraOptions...)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(errors.KindFatal, "opening daemon proxy stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(errors.KindFatal, "opening daemon proxy stdout", err)
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(errors.KindFatal, "spawning daemon proxy worker", err)
	}

	writer := workerprotocol.NewWriter(stdin)
	reader := workerprotocol.NewReader(stdout)

	if err := writer.WriteCommand(workerprotocol.Command{
		Tag:        workerprotocol.CommandStartDaemon,
		SocketPath: socketPath,
	}); err != nil {
		sup.State = StateFailed
		_ = cmd.Process.Kill()
		return err
	}

	readiness := waitForReadiness(reader, cmd)
	select {
	case result := <-readiness:
		if result.err != nil {
			sup.State = StateFailed
			return result.err
		}
	case <-ctx.Done():
		sup.State = StateFailed
		_ = cmd.Process.Kill()
		return errors.Wrap(errors.KindFatal, "daemon proxy startup interrupted", ctx.Err())
	}

	sup.State = StateReady
	sup.State = StateRunning
	innerErr := inner(ctx)

	sup.State = StateDraining
	_ = writer.WriteEnd()
	shutdownErr := waitForExit(cmd, ShutdownTimeout)
	if shutdownErr != nil {
		logger.Warn("daemon proxy shutdown timed out, abandoning child",
			"timeout", ShutdownTimeout, "error", shutdownErr)
	}
	sup.State = StateStopped

	return innerErr
}

type readinessResult struct {
	err error
}

// waitForReadiness reads the worker's first event, which must be
// DaemonStarted; any other event fails with KindFatal. If the worker exits
// before sending an event (reported as io.EOF from the reader), the result
// is DaemonExitedBeforeReady.
func waitForReadiness(reader *workerprotocol.Reader, cmd *exec.Cmd) <-chan readinessResult {
	ch := make(chan readinessResult, 1)
	go func() {
		ev, err := reader.ReadEvent()
		if err != nil {
			waitErr := cmd.Wait()
			exitCode := 0
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
			ch <- readinessResult{err: errors.New(errors.KindDaemonExitedBeforeReady,
				fmt.Sprintf("daemon proxy worker exited before readiness (code %d)", exitCode)).
				WithContext("exitCode", exitCode)}
			return
		}
		if ev.Tag != workerprotocol.EventDaemonStarted {
			ch <- readinessResult{err: errors.New(errors.KindFatal,
				fmt.Sprintf("expected DaemonStarted, got %q", ev.Tag))}
			return
		}
		ch <- readinessResult{}
	}()
	return ch
}

// waitForExit waits for cmd to exit, bounded by timeout. On timeout it
// returns KindDaemonShutdownTimeout and leaves the child process running
// rather than killing it.
func waitForExit(cmd *exec.Cmd, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New(errors.KindDaemonShutdownTimeout,
			fmt.Sprintf("daemon proxy did not exit within %s", timeout))
	}
}
