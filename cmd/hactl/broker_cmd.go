package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/broker"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/haconf"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/telemetry"
	"github.com/arachmani/ovirt-hosted-engine-ha/unixrpc"
)

func newBrokerCommand(env *cliEnv) *cobra.Command {
	var (
		metricsListen  string
		pprofListen    string
		runtimeMetrics bool
		window         time.Duration
		watchConfig    bool
	)
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Serve the broker RPC methods for a shared storage area on the local socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger := env.logger("cli.broker")

			cfg, err := env.config()
			if err != nil {
				return err
			}
			backend, err := env.openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			registry := prometheus.NewRegistry()
			bundle, err := telemetry.Setup(ctx, telemetry.Config{
				ServiceName:    "hactl-broker",
				MetricsListen:  metricsListen,
				Registry:       registry,
				RuntimeMetrics: runtimeMetrics,
				PprofListen:    pprofListen,
				Logger:         env.logger("cli"),
			})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = bundle.Shutdown(shutdownCtx)
			}()

			svc, err := broker.New(backend,
				broker.WithLivenessWindow(window),
				broker.WithLogger(env.logger("cli")),
			)
			if err != nil {
				return err
			}
			reg, err := svc.Registry()
			if err != nil {
				return err
			}
			socket := env.socketPath(cfg)
			srv, err := unixrpc.Listen(ctx, socket, reg,
				unixrpc.WithServerLogger(env.logger("cli")),
				unixrpc.WithRegisterer(registry),
			)
			if err != nil {
				return err
			}
			if watchConfig {
				watcher, err := watchLocalMaintenance(cfg, logger)
				if err != nil {
					logger.Warn("broker.config_watch.disabled", "path", cfg.Path(), "error", err)
				} else {
					defer watcher.Close()
				}
			}
			logger.Info("broker.started", "socket", socket, "storage", env.storageURL(cfg), "liveness_window", window, "pid", os.Getpid())
			err = srv.Serve(ctx)
			logger.Info("broker.stopped", "socket", socket)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&metricsListen, "metrics-listen", "", "Prometheus scrape address (empty disables)")
	flags.StringVar(&pprofListen, "pprof-listen", "", "pprof address (empty disables)")
	flags.BoolVar(&runtimeMetrics, "runtime-metrics", false, "export Go runtime metrics (requires --metrics-listen)")
	flags.DurationVar(&window, "liveness-window", broker.DefaultLivenessWindow, "how long a host counts as alive after its block last changed")
	flags.BoolVar(&watchConfig, "watch-config", true, "log local maintenance changes made to the config file")
	return cmd
}

// watchLocalMaintenance logs every change of ha.local_maintenance in cfg.
func watchLocalMaintenance(cfg *haconf.Store, logger pslog.Logger) (*haconf.Watcher, error) {
	last, _ := cfg.Get(haconf.SectionHA, haconf.KeyLocalMaintenance)
	return cfg.Watch(func() {
		current, _ := cfg.Get(haconf.SectionHA, haconf.KeyLocalMaintenance)
		if strings.EqualFold(current, last) {
			return
		}
		logger.Info("broker.local_maintenance.changed", "from", last, "to", current)
		last = current
	})
}
