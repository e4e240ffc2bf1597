package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/term"

	"pkt.systems/pslog"
)

// childSpec describes the shell command run under a lock.
type childSpec struct {
	shell     string
	command   string
	poll      time.Duration
	killGrace time.Duration
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
	logger    pslog.Logger
}

// runChild runs spec.command through spec.shell and returns its exit status.
// A child killed by signal n reports 128+n, like a shell does.
//
// Unless stdin is a terminal the child gets its own process group, and
// termination signals reach everything it started. A child reading the
// terminal stays in our group: a background group would be stopped by
// SIGTTIN, and the terminal's SIGINT then reaches it directly.
//
// When ctx ends the child receives SIGTERM, then SIGKILL once killGrace has
// passed. runChild always waits for the child to exit, and reports the
// cancellation cause in that case.
func runChild(ctx context.Context, spec childSpec) (int, error) {
	cmd := exec.Command(spec.shell, "-c", spec.command)
	cmd.Stdin = spec.stdin
	cmd.Stdout = spec.stdout
	cmd.Stderr = spec.stderr
	ownGroup := !isTerminal(spec.stdin)
	if ownGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", spec.shell, err)
	}
	pid := cmd.Process.Pid
	target := pid
	if ownGroup {
		target = -pid
	}
	logger := spec.logger.With("pid", pid)
	logger.Debug("command.started", "shell", spec.shell, "own_group", ownGroup)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(spec.poll)
	defer ticker.Stop()
	cancelled := ctx.Done()
	var (
		kill       <-chan time.Time
		terminated bool
	)
	for {
		select {
		case err := <-done:
			code, werr := exitStatus(err)
			if werr != nil {
				return code, werr
			}
			logger.Debug("command.finished", "exit_code", code)
			if terminated {
				return code, fmt.Errorf("command terminated: %w", context.Cause(ctx))
			}
			return code, nil
		case <-ticker.C:
			logger.Debug("command.still_running")
		case <-cancelled:
			cancelled = nil
			terminated = true
			logger.Info("command.terminate", "cause", context.Cause(ctx), "grace", spec.killGrace)
			signalChild(target, syscall.SIGTERM, logger)
			timer := time.NewTimer(spec.killGrace)
			defer timer.Stop()
			kill = timer.C
		case <-kill:
			kill = nil
			logger.Warn("command.kill", "grace", spec.killGrace)
			signalChild(target, syscall.SIGKILL, logger)
		}
	}
}

// signalChild sends sig to target, a pid or a negated process group ID.
func signalChild(target int, sig syscall.Signal, logger pslog.Logger) {
	if err := syscall.Kill(target, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Warn("command.signal_failed", "signal", sig.String(), "error", err)
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, fmt.Errorf("wait for command: %w", err)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}
