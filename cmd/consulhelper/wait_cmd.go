package main

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/consulhelper/kv"
	"pkt.systems/consulhelper/wait"
)

func (a *app) newWaiter(e *env) *wait.Waiter {
	return wait.New(e.store, wait.Options{
		RetryDelay: e.cfg.RetryDelay,
		Logger:     e.logger,
	})
}

func (a *app) newWaitForLeaderCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "waitForLeader",
		Aliases: []string{"wait-for-leader"},
		Short:   "Block until the Consul cluster has elected a leader",
		Args:    cobra.NoArgs,
		RunE: a.run("waitForLeader", func(ctx context.Context, cmd *cobra.Command, e *env) error {
			leader, err := a.newWaiter(e).Leader(ctx)
			if err != nil {
				return err
			}
			e.logger.Info("leader.elected", "leader", leader)
			return nil
		}),
	}
}

func (a *app) newWaitForSessionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "waitForSession",
		Aliases: []string{"wait-for-session"},
		Short:   "Block until Consul accepts session creation",
		Long: `Block until a session can be created. The probe session is destroyed
before returning. Useful after a cluster restart, when a leader exists but the
session subsystem is still rejecting requests.`,
		Args: cobra.NoArgs,
		RunE: a.run("waitForSession", func(ctx context.Context, cmd *cobra.Command, e *env) error {
			return a.newWaiter(e).Session(ctx)
		}),
	}
}

func (a *app) newEnsureValueEqualsCommand() *cobra.Command {
	var key, value string
	cmd := &cobra.Command{
		Use:     "ensureValueEquals",
		Aliases: []string{"ensure-value-equals"},
		Short:   "Exit 0 if a key holds exactly the given value, 1 otherwise",
		Args:    cobra.NoArgs,
		RunE: a.run("ensureValueEquals", func(ctx context.Context, cmd *cobra.Command, e *env) error {
			ok, err := a.newWaiter(e).ValueEquals(ctx, key, []byte(value))
			if err != nil {
				return err
			}
			if !ok {
				e.logger.Info("value.mismatch", "key", key)
				return &exitError{code: exitFailure}
			}
			e.logger.Debug("value.match", "key", key)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "key to compare")
	cmd.Flags().StringVar(&value, "value", "", "expected value (compared byte for byte)")
	requireFlags(cmd, "key", "value")
	return cmd
}

func (a *app) newWaitUntilValueCommand() *cobra.Command {
	var key, value string
	cmd := &cobra.Command{
		Use:     "waitUntilValue",
		Aliases: []string{"wait-until-value"},
		Short:   "Block until a key exists, or holds the given value when --value is set",
		Args:    cobra.NoArgs,
		RunE: a.run("waitUntilValue", func(ctx context.Context, cmd *cobra.Command, e *env) error {
			var target []byte
			if cmd.Flags().Changed("value") {
				target = []byte(value)
			}
			pair, err := a.newWaiter(e).Value(ctx, key, target)
			if err != nil {
				return err
			}
			e.logger.Info("value.observed",
				"key", key,
				"index", pair.ModifyIndex,
				"size", humanize.Bytes(uint64(len(pair.Value))),
			)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "key to watch")
	cmd.Flags().StringVar(&value, "value", "", "value to wait for (omit to wait for the key to exist)")
	requireFlags(cmd, "key")
	return cmd
}

func (a *app) newWaitUntilServiceCommand() *cobra.Command {
	var q wait.ServiceQuery
	cmd := &cobra.Command{
		Use:     "waitUntilService",
		Aliases: []string{"wait-until-service"},
		Short:   "Block until a service has a passing instance",
		Long: `Block until at least one instance of --service passes all of its health
checks, optionally restricted to --node.

With --wait-for-index-change the instances passing at start-up are ignored:
the command only returns once a check of a matching instance has changed
since the first observation. Use it to wait for a service that is being
restarted to come back, rather than for the old instance that is still up.`,
		Args: cobra.NoArgs,
		RunE: a.run("waitUntilService", func(ctx context.Context, cmd *cobra.Command, e *env) error {
			entries, err := a.newWaiter(e).Service(ctx, q)
			if err != nil {
				return err
			}
			e.logger.Info("service.passing",
				"service", q.Service,
				"instances", len(entries),
				"check_index", kv.MaxCheckModifyIndex(entries),
			)
			return nil
		}),
	}
	cmd.Flags().StringVar(&q.Service, "service", "", "service name")
	cmd.Flags().StringVar(&q.Node, "node", "", "only consider instances on this node")
	cmd.Flags().BoolVar(&q.WaitForIndexChange, "wait-for-index-change", false, "ignore instances already passing on the first read")
	requireFlags(cmd, "service")
	return cmd
}
