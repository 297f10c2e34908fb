package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srediag/tssx/pkg/bench"
)

func newSyncServerCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-server",
		Short: "Time round trips over a named segment, waiting for a sync-client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return o.withAdmin(ctx, cfg, func(ctx context.Context) error {
				_, err := bench.RunServer(ctx, o.args, o.runOptions(cfg))
				return err
			})
		},
	}
}

func newSyncClientCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-client",
		Short: "Answer the round trips of a sync-server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return o.withAdmin(ctx, cfg, func(ctx context.Context) error {
				return bench.RunClient(ctx, o.args, o.runOptions(cfg))
			})
		},
	}
}

func newEchoServerCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echo-server",
		Short: "Echo messages on --name until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			ip, err := o.interposer(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = ip.Shutdown() }()
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return o.withAdmin(ctx, cfg, func(ctx context.Context) error {
				ready := make(chan string, 1)
				go func() {
					if addr, ok := <-ready; ok {
						fmt.Fprintf(cmd.OutOrStdout(), "listening on %s %s\n", o.network, addr)
					}
				}()
				return bench.RunEchoServer(ctx, ip, o.network, o.args, ready)
			})
		},
	}
	cmd.Flags().StringVar(&o.network, "network", "unix", "unix, tcp, tcp4 or tcp6")
	return cmd
}

func newEchoClientCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echo-client",
		Short: "Time echoed messages against an echo-server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			ip, err := o.interposer(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = ip.Shutdown() }()
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return o.withAdmin(ctx, cfg, func(ctx context.Context) error {
				opts := o.runOptions(cfg)
				opts.Output = cmd.OutOrStdout()
				_, err := bench.RunEchoClient(ctx, ip, o.network, o.args, opts)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&o.network, "network", "unix", "unix, tcp, tcp4 or tcp6")
	return cmd
}
