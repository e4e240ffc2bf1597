package consulhelper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/consulhelper/internal/telemetry"
	"pkt.systems/consulhelper/kv/consulkv"
	"pkt.systems/consulhelper/lock"
	"pkt.systems/pslog"
)

const (
	// DefaultRetryDelay is the fixed pause between attempts after a transient
	// store error.
	DefaultRetryDelay = 100 * time.Millisecond
	// DefaultLogLevel keeps normal invocations quiet on stderr.
	DefaultLogLevel = "warn"
	// DefaultLogFormat selects JSON log lines.
	DefaultLogFormat = LogFormatStructured
	// DefaultSessionTTL is the TTL of lock sessions created by lockedCommand.
	DefaultSessionTTL = 10 * time.Second
	// DefaultChildPoll is how often lockedCommand reports on a running child.
	DefaultChildPoll = time.Second
	// DefaultKillGrace is how long a child gets between SIGTERM and SIGKILL.
	DefaultKillGrace = 10 * time.Second
	// DefaultShell interprets --shell-command.
	DefaultShell = "/bin/sh"
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// EnvPrefix prefixes every environment variable bound to a flag.
	EnvPrefix = "CONSULHELPER"
)

const (
	// LogFormatStructured emits one JSON object per entry.
	LogFormatStructured = "structured"
	// LogFormatConsole emits human-oriented lines.
	LogFormatConsole = "console"
)

// Config captures everything resolved from flags, environment and the config
// file before a command runs.
type Config struct {
	// Consul agent connection. Empty fields fall back to the CONSUL_HTTP_*
	// environment handled by the Consul API client.
	Address            string
	Scheme             string
	Datacenter         string
	Token              string
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool

	RetryDelay time.Duration

	LogLevel  string
	LogFormat string
	// Verbose forces debug logging regardless of LogLevel.
	Verbose bool

	OTLPEndpoint    string
	MetricsTextfile string
	RuntimeMetrics  bool

	// CorrelationID tags every log entry and lock session name. A fresh one
	// is generated when empty.
	CorrelationID string
}

// Validate normalises c and applies defaults for unset fields.
func (c *Config) Validate() error {
	c.Scheme = strings.ToLower(strings.TrimSpace(c.Scheme))
	switch c.Scheme {
	case "", "http", "https":
	default:
		return fmt.Errorf("config: scheme must be %q or %q", "http", "https")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("config: cert-file and key-file must be set together")
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("config: retry-delay must be positive, got %s", c.RetryDelay)
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, ok := pslog.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	switch c.LogFormat {
	case LogFormatStructured, LogFormatConsole:
	default:
		return fmt.Errorf("config: log format must be %q or %q", LogFormatStructured, LogFormatConsole)
	}
	if c.RuntimeMetrics && strings.TrimSpace(c.MetricsTextfile) == "" {
		return errors.New("config: runtime metrics require metrics-textfile")
	}
	return nil
}

// Level returns the effective minimum log level.
func (c Config) Level() pslog.Level {
	if c.Verbose {
		return pslog.DebugLevel
	}
	level, ok := pslog.ParseLevel(c.LogLevel)
	if !ok {
		level, _ = pslog.ParseLevel(DefaultLogLevel)
	}
	return level
}

// Mode returns the pslog output mode for LogFormat.
func (c Config) Mode() pslog.Mode {
	if c.LogFormat == LogFormatConsole {
		return pslog.ModeConsole
	}
	return pslog.ModeStructured
}

// ConsulConfig returns the store connection settings.
func (c Config) ConsulConfig() consulkv.Config {
	return consulkv.Config{
		Address:            c.Address,
		Scheme:             c.Scheme,
		Datacenter:         c.Datacenter,
		Token:              c.Token,
		CAFile:             c.CAFile,
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

// TelemetryOptions returns the exporter settings for this invocation.
func (c Config) TelemetryOptions(serviceVersion string, logger pslog.Logger) telemetry.Options {
	return telemetry.Options{
		ServiceName:     "consulhelper",
		ServiceVersion:  serviceVersion,
		OTLPEndpoint:    c.OTLPEndpoint,
		MetricsTextfile: c.MetricsTextfile,
		RuntimeMetrics:  c.RuntimeMetrics,
		Logger:          logger,
	}
}

// LockOptions returns lock manager options sharing the configured retry delay.
func (c Config) LockOptions(sessionTTL time.Duration, logger pslog.Logger) lock.Options {
	return lock.Options{
		SessionTTL: sessionTTL,
		RetryDelay: c.RetryDelay,
		Logger:     logger,
	}
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.consulhelper), overridable through CONSULHELPER_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".consulhelper"), nil
}

// DefaultConfigPath returns the config file used when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
