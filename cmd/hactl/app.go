package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/client"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/haconf"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/storefactory"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/telemetry"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
)

const (
	configKey   = "config"
	socketKey   = "socket"
	storageKey  = "storage"
	timeoutKey  = "timeout"
	logLevelKey = "log-level"
	otlpKey     = "otlp-endpoint"

	defaultTimeout = 30 * time.Second
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("HACTL_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "hactl")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hactl",
		Short:         "hactl inspects and controls hosted-engine HA coordination",
		SilenceErrors: true,
		Example: `
  # Cluster view through the local broker
  hactl status

  # Read the metadata straight from shared storage, skipping the broker
  hactl status --direct --storage disk:///var/lib/ovirt-hosted-engine-ha --output json

  # Enter global maintenance
  hactl maintenance global true

  # Serve a broker for a MinIO-backed metadata area
  HACTL_S3_ACCESS_KEY_ID=minioadmin HACTL_S3_SECRET_ACCESS_KEY=minioadmin \
    hactl broker --storage s3://localhost:9000/hosted-engine?insecure=1
`,
	}
	flags := cmd.PersistentFlags()
	flags.String("config", haconf.DefaultPath, "host-local HA configuration file")
	flags.String("socket", "", "broker socket path (default broker.socket from the config file, then "+haconf.DefaultSocketPath+")")
	flags.String("storage", "", "shared storage URL for direct access (mem://, disk:///dir, s3://host/bucket/prefix, aws://bucket/prefix, azure://account/container)")
	flags.Duration("timeout", defaultTimeout, "broker call timeout")
	flags.String("log-level", "", "log level (trace|debug|info|warn|error)")
	flags.String("otlp-endpoint", "", "OTLP trace collector (host[:port] for gRPC, or grpc://, grpcs://, http://, https:// URL)")
	mustBindFlag(configKey, "HACTL_CONFIG", flags.Lookup("config"))
	mustBindFlag(socketKey, "HACTL_SOCKET", flags.Lookup("socket"))
	mustBindFlag(storageKey, "HACTL_STORAGE", flags.Lookup("storage"))
	mustBindFlag(timeoutKey, "HACTL_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(logLevelKey, "HACTL_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(otlpKey, "HACTL_OTLP_ENDPOINT", flags.Lookup("otlp-endpoint"))

	env := &cliEnv{base: baseLogger}
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		bundle, err := telemetry.Setup(cmd.Context(), telemetry.Config{
			ServiceName:  "hactl",
			OTLPEndpoint: viper.GetString(otlpKey),
			Logger:       env.logger("cli"),
		})
		if err != nil {
			return err
		}
		env.tracing = bundle
		return nil
	}
	cmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return env.tracing.Shutdown(ctx)
	}
	cmd.AddCommand(
		newStatusCommand(env),
		newScoreCommand(env),
		newHostIDCommand(env),
		newMaintenanceCommand(env),
		newSetFlagCommand(env),
		newResetLockspaceCommand(env),
		newBrokerCommand(env),
		newVersionCommand(),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

// cliEnv resolves the shared flags into the objects commands work with.
type cliEnv struct {
	base    pslog.Logger
	tracing *telemetry.Bundle
}

func (e *cliEnv) logger(sys string) pslog.Logger {
	logger := e.base
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString(logLevelKey))); ok {
		logger = logger.LogLevel(level)
	}
	return loggingutil.WithSubsystem(logger, sys)
}

func (e *cliEnv) timeout() time.Duration {
	if d := viper.GetDuration(timeoutKey); d > 0 {
		return d
	}
	return defaultTimeout
}

func (e *cliEnv) config() (*haconf.Store, error) {
	return haconf.Open(viper.GetString(configKey), haconf.WithLogger(e.logger("cli.config")))
}

// socketPath prefers the flag, then broker.socket from the config file.
func (e *cliEnv) socketPath(cfg *haconf.Store) string {
	if p := strings.TrimSpace(viper.GetString(socketKey)); p != "" {
		return p
	}
	if cfg != nil {
		if p, ok := cfg.Get(haconf.SectionBroker, haconf.KeySocket); ok && strings.TrimSpace(p) != "" {
			return strings.TrimSpace(p)
		}
	}
	return haconf.DefaultSocketPath
}

// storageURL prefers the flag, then broker.store from the config file.
func (e *cliEnv) storageURL(cfg *haconf.Store) string {
	if u := strings.TrimSpace(viper.GetString(storageKey)); u != "" {
		return u
	}
	if cfg != nil {
		if u, ok := cfg.Get(haconf.SectionBroker, haconf.KeyStore); ok {
			return strings.TrimSpace(u)
		}
	}
	return ""
}

func (e *cliEnv) openStorage(ctx context.Context, cfg *haconf.Store) (storage.Backend, error) {
	raw := e.storageURL(cfg)
	if raw == "" {
		return nil, fmt.Errorf("shared storage URL required (--storage or broker.store)")
	}
	return storefactory.Open(ctx, raw, e.logger("cli.storage"))
}

// haClient builds a client on the local configuration. With direct set the
// client also reads shared storage; the returned closer releases it.
func (e *cliEnv) haClient(ctx context.Context, direct bool) (*client.HAClient, func(), error) {
	cfg, err := e.config()
	if err != nil {
		return nil, nil, err
	}
	opts := []client.Option{
		client.WithLogger(e.logger("cli.client")),
		client.WithSocketPath(e.socketPath(cfg)),
	}
	closer := func() {}
	if direct {
		backend, err := e.openStorage(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, client.WithStatsReader(backend))
		closer = func() { _ = backend.Close() }
	}
	cli, err := client.New(cfg, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return cli, closer, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
