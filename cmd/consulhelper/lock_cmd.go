package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/consulhelper"
	"pkt.systems/consulhelper/internal/clock"
	"pkt.systems/consulhelper/internal/retry"
	"pkt.systems/consulhelper/lock"
)

// checkNoteTimeLayout renders local wall-clock time with microseconds.
const checkNoteTimeLayout = "2006-01-02 15:04:05.000000"

type lockedOptions struct {
	key          string
	shellCommand string
	passCheckID  string
	sessionTTL   time.Duration
	childPoll    time.Duration
	killGrace    time.Duration
	shell        string
}

func (a *app) newLockedCommand() *cobra.Command {
	var opts lockedOptions
	cmd := &cobra.Command{
		Use:     "lockedCommand",
		Aliases: []string{"locked-command"},
		Short:   "Run a shell command while holding a Consul lock",
		Long: `Acquire the lock on --key, run --shell-command through --shell, release
the lock and exit with the command's exit code.

The lock lives at <key>/.lock and is compatible with 'consul lock'. While the
command runs the lock's session is renewed in the background; if the session
is lost the command is terminated and consulhelper exits with 3. On SIGINT or
SIGTERM the command is terminated, the lock released, and consulhelper exits
with 128 plus the signal number.`,
		Example: `  consulhelper lockedCommand -k jobs/backup --shell-command 'backup.sh /srv' --pass-check-id backup-ttl`,
		Args:    cobra.NoArgs,
		RunE: a.run("lockedCommand", func(ctx context.Context, cmd *cobra.Command, e *env) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return a.runLocked(ctx, cmd, e, opts)
		}),
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.key, "key", "k", "", "key to lock (the lock record is <key>/.lock)")
	flags.StringVar(&opts.shellCommand, "shell-command", "", "command run through --shell while the lock is held")
	flags.StringVar(&opts.passCheckID, "pass-check-id", "", "agent TTL check marked passing when the command exits 0")
	flags.DurationVar(&opts.sessionTTL, "session-ttl", consulhelper.DefaultSessionTTL, "TTL of the lock session")
	flags.DurationVar(&opts.childPoll, "child-poll", consulhelper.DefaultChildPoll, "interval of 'still running' debug reports")
	flags.DurationVar(&opts.killGrace, "kill-grace", consulhelper.DefaultKillGrace, "time between SIGTERM and SIGKILL when the command is terminated")
	flags.StringVar(&opts.shell, "shell", consulhelper.DefaultShell, "shell interpreting --shell-command")
	requireFlags(cmd, "key", "shell-command")
	return cmd
}

func (o lockedOptions) validate() error {
	switch {
	case o.sessionTTL < 10*time.Second || o.sessionTTL > 24*time.Hour:
		return fmt.Errorf("--session-ttl must be between 10s and 24h, got %s", o.sessionTTL)
	case o.childPoll <= 0:
		return fmt.Errorf("--child-poll must be positive, got %s", o.childPoll)
	case o.killGrace < 0:
		return fmt.Errorf("--kill-grace must not be negative, got %s", o.killGrace)
	case o.shell == "":
		return errors.New("--shell must not be empty")
	}
	return nil
}

func (a *app) runLocked(ctx context.Context, cmd *cobra.Command, e *env, opts lockedOptions) error {
	manager := lock.New(e.store, e.cfg.LockOptions(opts.sessionTTL, e.logger))
	code := -1
	err := manager.Do(ctx, opts.key, func(ctx context.Context, lease *lock.Lease) error {
		started := time.Now()
		var err error
		code, err = runChild(ctx, childSpec{
			shell:     opts.shell,
			command:   opts.shellCommand,
			poll:      opts.childPoll,
			killGrace: opts.killGrace,
			stdin:     cmd.InOrStdin(),
			stdout:    cmd.OutOrStdout(),
			stderr:    cmd.ErrOrStderr(),
			logger:    e.logger.With("key", opts.key, "session", lease.SessionID),
		})
		e.logger.Info("command.exited", "exit_code", code, "ran", time.Since(started))
		return err
	})
	switch {
	case err != nil && code > 0:
		return errors.Join(err, &exitError{code: code})
	case err != nil:
		return err
	case code > 0:
		return &exitError{code: code}
	}
	if code == 0 && opts.passCheckID != "" {
		return passCheck(ctx, e, opts.passCheckID, opts.shellCommand)
	}
	return nil
}

// passCheck marks an agent TTL check as passing with a note naming the
// command. Transient errors are retried.
func passCheck(ctx context.Context, e *env, checkID, command string) error {
	note := fmt.Sprintf("Command exited with exit code 0 on %s:\n%s", time.Now().Format(checkNoteTimeLayout), command)
	loop := retry.New(clock.Real{}, e.cfg.RetryDelay, e.logger)
	err := loop.Do(ctx, "pass_ttl", func(ctx context.Context) error {
		return e.store.PassTTL(ctx, checkID, note)
	})
	if err != nil {
		return fmt.Errorf("pass check %s: %w", checkID, err)
	}
	e.logger.Info("check.passed", "check_id", checkID)
	return nil
}
