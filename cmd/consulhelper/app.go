package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/consulhelper"
	"pkt.systems/consulhelper/counter"
	"pkt.systems/consulhelper/internal/correlation"
	"pkt.systems/consulhelper/internal/loggingutil"
	"pkt.systems/consulhelper/internal/telemetry"
	"pkt.systems/consulhelper/internal/version"
	"pkt.systems/consulhelper/kv"
	"pkt.systems/consulhelper/kv/consulkv"
	"pkt.systems/consulhelper/kv/kvtrace"
	"pkt.systems/consulhelper/lock"
	"pkt.systems/pslog"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitProtocol = 3
	exitData     = 4
)

func submain(ctx context.Context) int {
	ctx, stop := withSignalCancel(ctx)
	defer stop()

	cmd := newRootCommand(nil, nil)
	_, err := cmd.ExecuteContextC(ctx)
	if sig, ok := signalCause(ctx); ok {
		return 128 + int(sig)
	}
	if err != nil {
		if msg := errorMessage(err); msg != "" {
			fmt.Fprintf(os.Stderr, "%s\n", msg)
		}
	}
	return exitCodeFor(err)
}

// exitError carries an explicit exit code. A nil err exits silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error {
	return e.err
}

// exitCodeFor maps a command error to the process exit status. Lock protocol
// violations win over a child's exit status so that a lost lock is never
// mistaken for an ordinary command failure.
func exitCodeFor(err error) int {
	var exit *exitError
	switch {
	case err == nil:
		return exitOK
	case lock.IsProtocolViolation(err):
		return exitProtocol
	case errors.Is(err, counter.ErrNotInteger):
		return exitData
	case errors.As(err, &exit):
		return exit.code
	default:
		return exitFailure
	}
}

// errorMessage returns what is printed on stderr for err, or "" when the
// failure already speaks for itself.
func errorMessage(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	if exit, ok := err.(*exitError); ok && exit.err == nil {
		return ""
	}
	return err.Error()
}

type signalError struct {
	signal syscall.Signal
}

func (e *signalError) Error() string {
	return "received " + e.signal.String()
}

// withSignalCancel cancels ctx on SIGINT or SIGTERM with a signalError cause.
func withSignalCancel(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signals:
			if s, ok := sig.(syscall.Signal); ok {
				cancel(&signalError{signal: s})
			} else {
				cancel(errors.New(sig.String()))
			}
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx, func() { cancel(nil) }
}

func signalCause(ctx context.Context) (syscall.Signal, bool) {
	var sigErr *signalError
	if errors.As(context.Cause(ctx), &sigErr) {
		return sigErr.signal, true
	}
	return 0, false
}

// storeFactory builds the store a command talks to.
type storeFactory func(cfg consulhelper.Config, logger pslog.Logger) (kv.Store, error)

func consulStoreFactory(cfg consulhelper.Config, logger pslog.Logger) (kv.Store, error) {
	consulCfg := cfg.ConsulConfig()
	store, err := consulkv.New(consulCfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("consul.client.configured", "address", consulCfg.ResolvedAddress(), "datacenter", consulCfg.Datacenter)
	return kvtrace.Wrap(store, logger, "kv.consul"), nil
}

// app owns the state shared by every subcommand of one root command.
type app struct {
	v          *viper.Viper
	baseLogger pslog.Logger
	newStore   storeFactory
}

// env is the resolved runtime of a single command invocation.
type env struct {
	cfg       consulhelper.Config
	logger    pslog.Logger
	store     kv.Store
	telemetry *telemetry.Bundle
}

func (e *env) close(ctx context.Context) {
	if e.telemetry == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.telemetry.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("telemetry.shutdown.failed", "error", err)
	}
}

func newRootCommand(baseLogger pslog.Logger, newStore storeFactory) *cobra.Command {
	if newStore == nil {
		newStore = consulStoreFactory
	}
	a := &app{
		v:          viper.New(),
		baseLogger: baseLogger,
		newStore:   newStore,
	}

	cmd := &cobra.Command{
		Use:           "consulhelper",
		Short:         "consulhelper gives shell scripts Consul-backed locks, waits and counters",
		SilenceErrors: true,
		Example: `
  # Run a job under a lock compatible with 'consul lock'
  consulhelper lockedCommand -k jobs/backup --shell-command 'backup.sh /srv'

  # Block until another node publishes its state
  consulhelper waitUntilValue -k deploy/db/state --value ready

  # Wait for a fresh passing instance of a service on this node
  consulhelper waitUntilService --service web --node "$(hostname)" --wait-for-index-change

  # Point at a remote agent over TLS
  CONSULHELPER_ADDRESS=consul.example.com:8501 CONSULHELPER_SCHEME=https consulhelper waitForLeader
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	defaultConfig := "$HOME/.consulhelper/" + consulhelper.DefaultConfigFileName
	if path, err := consulhelper.DefaultConfigPath(); err == nil {
		defaultConfig = path
	}
	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to "+defaultConfig+")")
	flags.String("address", "", "Consul agent address (defaults to CONSUL_HTTP_ADDR or 127.0.0.1:8500)")
	flags.String("scheme", "", "Consul agent scheme, http or https (defaults to CONSUL_HTTP_SSL handling)")
	flags.String("datacenter", "", "Consul datacenter (defaults to the agent's)")
	flags.String("token", "", "Consul ACL token (defaults to CONSUL_HTTP_TOKEN)")
	flags.String("ca-file", "", "CA certificate used to verify the agent")
	flags.String("cert-file", "", "client certificate for mutual TLS")
	flags.String("key-file", "", "client private key for mutual TLS")
	flags.Bool("insecure-skip-verify", false, "skip verification of the agent's TLS certificate")
	flags.Duration("retry-delay", consulhelper.DefaultRetryDelay, "fixed delay before retrying after a transient Consul error")
	flags.String("log-level", consulhelper.DefaultLogLevel, "log level (trace, debug, info, warn, error)")
	flags.String("log-format", consulhelper.DefaultLogFormat, "log format (structured or console)")
	flags.BoolP("verbose", "v", false, "log at debug level")
	flags.String("otlp-endpoint", "", "OTLP collector for traces (host[:port] or grpc://, grpcs://, http://, https:// URL)")
	flags.String("metrics-textfile", "", "write Prometheus metrics to this file on exit (node-exporter textfile collector)")
	flags.Bool("runtime-metrics", false, "include Go runtime metrics in --metrics-textfile")
	flags.String("correlation-id", "", "correlation id attached to logs and lock session names (generated when empty)")

	a.bindFlags(flags)

	cmd.AddCommand(
		a.newWaitForLeaderCommand(),
		a.newWaitForSessionCommand(),
		a.newLockedCommand(),
		a.newEnsureValueEqualsCommand(),
		a.newWaitUntilValueCommand(),
		a.newCounterIncrementCommand(),
		a.newWaitUntilServiceCommand(),
		newConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func (a *app) bindFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := a.v.BindPFlag(flag.Name, flag); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag.Name, err))
		}
	})
	a.v.SetEnvPrefix(consulhelper.EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
}

// run wraps a command body with configuration, logging, telemetry and store
// setup.
func (a *app) run(name string, fn func(ctx context.Context, cmd *cobra.Command, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		e, err := a.setup(ctx, cmd)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		ctx = correlation.Ensure(ctx, e.cfg.CorrelationID)
		e.logger = loggingutil.WithSubsystem(correlation.WithLogger(ctx, e.logger), loggingutil.Subsystem("cli", name))
		defer e.close(ctx)
		e.logger.Debug("command.start", "version", version.Current(), "pid", os.Getpid())
		return fn(ctx, cmd, e)
	}
}

func (a *app) setup(ctx context.Context, cmd *cobra.Command) (*env, error) {
	configFile, err := a.loadConfigFile()
	if err != nil {
		return nil, err
	}
	cfg := a.bindConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := a.newLogger(cfg, cmd.ErrOrStderr())
	if configFile != "" {
		logger.Debug("config.loaded", "path", configFile)
	}
	bundle, err := telemetry.Setup(ctx, cfg.TelemetryOptions(version.Current(), logger))
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, telemetry: bundle}
	store, err := a.newStore(cfg, logger)
	if err != nil {
		e.close(ctx)
		return nil, fmt.Errorf("consul client: %w", err)
	}
	e.store = store
	return e, nil
}

// newLogger builds the invocation logger. Without a base logger it is built
// from CONSULHELPER_LOG_* and the resolved config; a base logger supplied by
// an embedding caller is only re-levelled.
func (a *app) newLogger(cfg consulhelper.Config, w io.Writer) pslog.Logger {
	if a.baseLogger != nil {
		return a.baseLogger.LogLevel(cfg.Level())
	}
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix(consulhelper.EnvPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: cfg.Mode(), MinLevel: cfg.Level(), TimeFormat: time.RFC3339Nano}),
		pslog.WithEnvWriter(w),
	).With("app", "consulhelper")
	if cfg.Verbose {
		logger = logger.LogLevel(pslog.DebugLevel)
	}
	return logger
}

func (a *app) bindConfig() consulhelper.Config {
	return consulhelper.Config{
		Address:            a.v.GetString("address"),
		Scheme:             a.v.GetString("scheme"),
		Datacenter:         a.v.GetString("datacenter"),
		Token:              a.v.GetString("token"),
		CAFile:             a.v.GetString("ca-file"),
		CertFile:           a.v.GetString("cert-file"),
		KeyFile:            a.v.GetString("key-file"),
		InsecureSkipVerify: a.v.GetBool("insecure-skip-verify"),
		RetryDelay:         a.v.GetDuration("retry-delay"),
		LogLevel:           a.v.GetString("log-level"),
		LogFormat:          a.v.GetString("log-format"),
		Verbose:            a.v.GetBool("verbose"),
		OTLPEndpoint:       a.v.GetString("otlp-endpoint"),
		MetricsTextfile:    a.v.GetString("metrics-textfile"),
		RuntimeMetrics:     a.v.GetBool("runtime-metrics"),
		CorrelationID:      a.v.GetString("correlation-id"),
	}
}

func (a *app) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(a.v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := consulhelper.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	a.v.SetConfigFile(expanded)
	if err := a.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(os.ExpandEnv(p))
}

// requireFlags marks flags as required on cmd.
func requireFlags(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("mark flag %s required: %v", name, err))
		}
	}
}
