package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/srediag/tssx/internal/logging"
	"github.com/srediag/tssx/pkg/bench"
	"github.com/srediag/tssx/pkg/config"
	"github.com/srediag/tssx/pkg/intercept"
)

var logger = logging.New("tssx")

// options are the flags shared by every subcommand.
type options struct {
	args       bench.Arguments
	configFile string
	logLevel   string
	admin      string
	network    string
	window     int
}

func newRootCmd() *cobra.Command {
	o := &options{args: bench.DefaultArguments()}
	root := &cobra.Command{
		Use:           "tssx",
		Short:         "Shared-memory transport benchmarks",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if o.logLevel != "" {
				lv, err := logging.ParseLevel(o.logLevel)
				if err != nil {
					return err
				}
				logging.SetLogLevel(lv)
			}
			return o.args.Validate()
		},
	}

	f := root.PersistentFlags()
	f.IntVarP(&o.args.Size, "size", "s", o.args.Size, "message size in bytes")
	f.IntVarP(&o.args.Count, "count", "c", o.args.Count, "number of round trips")
	f.StringVarP(&o.args.Name, "name", "n", o.args.Name, "segment name, or socket address for echo")
	f.StringVar(&o.configFile, "config", "", "YAML configuration file (default: environment only)")
	f.StringVar(&o.logLevel, "log-level", "", "trace, debug, info, warn, error or none")
	f.StringVar(&o.admin, "admin", "", "serve /metrics, /live and /ready on this address")
	f.IntVar(&o.window, "window", bench.DefaultWindow, "samples kept for the median")

	root.AddCommand(
		newSyncServerCmd(o),
		newSyncClientCmd(o),
		newEchoServerCmd(o),
		newEchoClientCmd(o),
	)
	return root
}

// loadConfig layers the environment over the config file, if any.
func (o *options) loadConfig() (*config.Config, error) {
	base := config.DefaultConfig()
	if o.configFile != "" {
		cfg, err := config.LoadFile(o.configFile)
		if err != nil {
			return nil, err
		}
		base = cfg
	}
	cfg, err := config.FromEnv(base)
	if err != nil {
		return nil, err
	}
	if o.logLevel == "" {
		if err := cfg.ApplyLogLevel(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// interposer builds an interposer whose metrics go to the default registry
// the admin server exposes.
func (o *options) interposer(cfg *config.Config) (*intercept.Interposer, error) {
	if cfg.PayloadSize < o.args.Size {
		cfg.PayloadSize = o.args.Size
	}
	return intercept.New(cfg, intercept.WithRegisterer(prometheus.DefaultRegisterer))
}

func (o *options) runOptions(cfg *config.Config) bench.Options {
	return bench.Options{
		Dir:           cfg.SegmentDir,
		AttachTimeout: cfg.AttachTimeout,
		Window:        o.window,
		Output:        os.Stdout,
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// withAdmin starts the admin server for the duration of run.
func (o *options) withAdmin(ctx context.Context, cfg *config.Config, run func(context.Context) error) error {
	if o.admin == "" {
		return run(ctx)
	}
	stop, err := startAdmin(o.admin, cfg)
	if err != nil {
		return fmt.Errorf("admin server: %w", err)
	}
	defer stop()
	return run(ctx)
}
