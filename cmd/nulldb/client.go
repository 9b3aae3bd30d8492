package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nulldb/pkg/rpc"
)

type clientOptions struct {
	addr         string
	timeout      time.Duration
	followLeader bool
}

func (o *clientOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.addr, "addr", "a", "127.0.0.1:8080", "node address")
	f.DurationVar(&o.timeout, "timeout", 5*time.Second, "request timeout")
	f.BoolVar(&o.followLeader, "follow-leader", true, "retry against the leader a follower points to")
}

func (o *clientOptions) client() *rpc.Client {
	opts := []rpc.ClientOption{rpc.WithTimeout(o.timeout)}
	if o.followLeader {
		opts = append(opts, rpc.WithFollowLeader())
	}
	return rpc.NewClient(o.addr, opts...)
}

func (o *clientOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func newGetCmd() *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			v, err := opts.client().Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

func newPutCmd() *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			return opts.client().Put(ctx, args[0], args[1])
		},
	}
	opts.bind(cmd)
	return cmd
}

func newDeleteCmd() *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			return opts.client().Delete(ctx, args[0])
		},
	}
	opts.bind(cmd)
	return cmd
}

func newCompactCmd() *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Run one compaction pass on the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			return opts.client().Compact(ctx)
		},
	}
	opts.bind(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the role, term and leader of a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client().Status(ctx)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return fmt.Errorf("encode status: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}
