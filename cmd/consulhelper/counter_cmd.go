package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/consulhelper/counter"
)

func (a *app) newCounter(e *env) *counter.Incrementer {
	return counter.New(e.store, counter.Options{
		RetryDelay: e.cfg.RetryDelay,
		Logger:     e.logger,
	})
}

func (a *app) newCounterIncrementCommand() *cobra.Command {
	var key string
	var printValue bool
	cmd := &cobra.Command{
		Use:     "counterIncrement",
		Aliases: []string{"counter-increment"},
		Short:   "Atomically increment an integer key, creating it as 1",
		Args:    cobra.NoArgs,
		RunE: a.run("counterIncrement", func(ctx context.Context, cmd *cobra.Command, e *env) error {
			value, err := a.newCounter(e).Increment(ctx, key)
			if err != nil {
				return err
			}
			e.logger.Debug("counter.incremented", "key", key, "value", value.String())
			if printValue {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), value)
			}
			return err
		}),
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "counter key")
	cmd.Flags().BoolVar(&printValue, "print", false, "print the new value on stdout")
	requireFlags(cmd, "key")
	return cmd
}
