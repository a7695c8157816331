package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/nuetzliches/quegate/internal/secrets"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "QUEGATE_"

// Config is the gateway process configuration. It is built once by Load and
// treated as read-only afterwards.
type Config struct {
	Listen       string `env:"LISTEN"`
	Prefix       string `env:"PREFIX"`
	UserHeader   string `env:"USER_HEADER"`
	MaxBodyBytes int64  `env:"MAX_BODY_BYTES"`

	RedisAddr     string `env:"REDIS_ADDR"`
	// RedisPassword and AuditDSN may be env:, file: or raw: secret refs.
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`
	KeyPrefix     string `env:"KEY_PREFIX"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogOutput string `env:"LOG_OUTPUT"`
	LogPath   string `env:"LOG_PATH"`
	AccessLog bool   `env:"ACCESS_LOG"`

	MetricsListen   string `env:"METRICS_LISTEN"`
	TracingEndpoint string `env:"TRACING_ENDPOINT"`
	TracingInsecure bool   `env:"TRACING_INSECURE"`

	AuditDSN       string        `env:"AUDIT_DSN"`
	AuditRetention time.Duration `env:"AUDIT_RETENTION"`

	ScriptsDir        string `env:"SCRIPTS_DIR"`
	WatchScripts      bool   `env:"WATCH_SCRIPTS"`
	VerboseScripts    bool   `env:"VERBOSE_SCRIPTS"`
	ScriptMaxAttempts int    `env:"SCRIPT_MAX_ATTEMPTS"`

	MonitorBranchTimeout time.Duration `env:"MONITOR_BRANCH_TIMEOUT"`
	MonitorConcurrency   int           `env:"MONITOR_CONCURRENCY"`

	EngineWorkers int           `env:"ENGINE_WORKERS"`
	EngineTimeout time.Duration `env:"ENGINE_TIMEOUT"`

	// Dotenv is only settable from the command line.
	Dotenv string
}

func Default() Config {
	return Config{
		Listen:               ":7070",
		Prefix:               "/queuing",
		UserHeader:           "x-rp-usr",
		MaxBodyBytes:         2 << 20,
		RedisAddr:            "localhost:6379",
		KeyPrefix:            "redisques:",
		LogLevel:             "info",
		LogOutput:            "stderr",
		AccessLog:            true,
		ScriptMaxAttempts:    3,
		MonitorBranchTimeout: 5 * time.Second,
		EngineWorkers:        8,
		EngineTimeout:        10 * time.Second,
	}
}

// FromEnv overlays QUEGATE_* variables onto base. Unset variables keep the
// value already in base.
func FromEnv(base Config) (Config, error) {
	cfg := base
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return base, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// RegisterFlags binds c's fields to fs using their current values as the
// flag defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Listen, "listen", c.Listen, "gateway listen address")
	fs.StringVar(&c.Prefix, "prefix", c.Prefix, "URL path prefix for all routes")
	fs.StringVar(&c.UserHeader, "user-header", c.UserHeader, "request header naming the acting user")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "maximum accepted request body size")

	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address host:port")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database index")
	fs.StringVar(&c.KeyPrefix, "key-prefix", c.KeyPrefix, "redis key prefix for queues and locks")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug|info|warn|error")
	fs.StringVar(&c.LogOutput, "log-output", c.LogOutput, "log output: stderr|stdout|file")
	fs.StringVar(&c.LogPath, "log-path", c.LogPath, "log file path when --log-output=file")
	fs.BoolVar(&c.AccessLog, "access-log", c.AccessLog, "log every gateway request")

	fs.StringVar(&c.MetricsListen, "metrics-listen", c.MetricsListen, "prometheus metrics listen address (empty disables)")
	fs.StringVar(&c.TracingEndpoint, "tracing-endpoint", c.TracingEndpoint, "OTLP/HTTP trace endpoint (empty disables)")
	fs.BoolVar(&c.TracingInsecure, "tracing-insecure", c.TracingInsecure, "use plain HTTP for the trace exporter")

	fs.StringVar(&c.AuditDSN, "audit-dsn", c.AuditDSN, "audit journal: sqlite path or postgres:// URL (empty disables)")
	fs.DurationVar(&c.AuditRetention, "audit-retention", c.AuditRetention, "prune audit entries older than this (0 keeps all)")

	fs.StringVar(&c.ScriptsDir, "scripts-dir", c.ScriptsDir, "directory with Lua script overrides")
	fs.BoolVar(&c.WatchScripts, "watch-scripts", c.WatchScripts, "reload scripts when --scripts-dir changes")
	fs.BoolVar(&c.VerboseScripts, "verbose-scripts", c.VerboseScripts, "keep redis.log lines in loaded scripts")
	fs.IntVar(&c.ScriptMaxAttempts, "script-max-attempts", c.ScriptMaxAttempts, "script load attempts per operation")

	fs.DurationVar(&c.MonitorBranchTimeout, "monitor-branch-timeout", c.MonitorBranchTimeout, "per-queue timeout for monitor queries")
	fs.IntVar(&c.MonitorConcurrency, "monitor-concurrency", c.MonitorConcurrency, "max concurrent monitor queries (0 unbounded)")

	fs.IntVar(&c.EngineWorkers, "engine-workers", c.EngineWorkers, "engine bus worker count")
	fs.DurationVar(&c.EngineTimeout, "engine-timeout", c.EngineTimeout, "engine request timeout")

	fs.StringVar(&c.Dotenv, "dotenv", c.Dotenv, "load environment variables from this file first")
}

// Load builds a Config from defaults, the optional dotenv file, the
// environment and args, in that order of increasing precedence. Variables
// already present in the environment win over the dotenv file. extra may
// register command specific flags on the parsed flag set.
func Load(name string, args []string, output io.Writer, extra ...func(fs *flag.FlagSet)) (Config, error) {
	parsed := Default()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	parsed.RegisterFlags(fs)
	for _, register := range extra {
		register(fs)
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if parsed.Dotenv != "" {
		if _, err := LoadDotenv(parsed.Dotenv); err != nil {
			return Config{}, fmt.Errorf("load dotenv: %w", err)
		}
	}

	cfg, err := FromEnv(Default())
	if err != nil {
		return Config{}, err
	}

	// Replay only the flags given on the command line over the env result.
	final := flag.NewFlagSet(name, flag.ContinueOnError)
	final.SetOutput(io.Discard)
	cfg.RegisterFlags(final)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if setErr == nil && final.Lookup(f.Name) != nil {
			setErr = final.Set(f.Name, f.Value.String())
		}
	})
	if setErr != nil {
		return Config{}, setErr
	}
	return cfg, nil
}

// Validate reports every problem found in c.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		add("listen %q: %v", c.Listen, err)
	}
	if c.Prefix != "" && !strings.HasPrefix(c.Prefix, "/") {
		add("prefix %q must start with /", c.Prefix)
	}
	if strings.TrimSpace(c.UserHeader) == "" {
		add("user header must not be empty")
	}
	if c.MaxBodyBytes <= 0 {
		add("max body bytes must be positive")
	}
	if strings.TrimSpace(c.RedisAddr) == "" {
		add("redis address must not be empty")
	}
	if c.RedisDB < 0 {
		add("redis db must not be negative")
	}
	if c.KeyPrefix == "" {
		add("key prefix must not be empty")
	}
	if err := secrets.ValidateRef(c.RedisPassword); err != nil {
		add("redis password: %v", err)
	}
	if err := secrets.ValidateRef(c.AuditDSN); err != nil {
		add("audit dsn: %v", err)
	}

	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("invalid log level %q (use: debug|info|warn|error)", c.LogLevel)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogOutput)) {
	case "", "stderr", "stdout":
	case "file":
		if strings.TrimSpace(c.LogPath) == "" {
			add("log output file requires a log path")
		}
	default:
		add("invalid log output %q (use: stdout|stderr|file)", c.LogOutput)
	}

	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			add("metrics listen %q: %v", c.MetricsListen, err)
		}
		if c.MetricsListen == c.Listen {
			add("metrics listen must differ from listen")
		}
	}
	if c.AuditRetention < 0 {
		add("audit retention must not be negative")
	}
	if c.WatchScripts && strings.TrimSpace(c.ScriptsDir) == "" {
		add("watch scripts requires a scripts dir")
	}
	if c.ScriptMaxAttempts < 1 {
		add("script max attempts must be at least 1")
	}
	if c.MonitorBranchTimeout <= 0 {
		add("monitor branch timeout must be positive")
	}
	if c.MonitorConcurrency < 0 {
		add("monitor concurrency must not be negative")
	}
	if c.EngineWorkers < 1 {
		add("engine workers must be at least 1")
	}
	if c.EngineTimeout <= 0 {
		add("engine timeout must be positive")
	}
	return errors.Join(errs...)
}
