// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

// Package config loads server configuration from defaults, a YAML file,
// command-line flags, and environment secrets, in increasing precedence.
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/tifpoint/tifpoint/internal/xdg"
)

// Environment variables holding secrets. They are never read from the
// config file.
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvJWTSecret   = "JWT_SECRET"
	EnvAMQPURL     = "AMQP_URL"
)

// Config is the full server configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Database    DatabaseConfig    `koanf:"database"`
	Auth        AuthConfig        `koanf:"auth"`
	Throttle    ThrottleConfig    `koanf:"throttle"`
	Security    SecurityConfig    `koanf:"security"`
	Audit       AuditConfig       `koanf:"audit"`
	Delivery    DeliveryConfig    `koanf:"delivery"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`

	// Secrets, from the environment only.
	DatabaseURL string `koanf:"-"`
	JWTSecret   string `koanf:"-"`
	AMQPURL     string `koanf:"-"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Addr string `koanf:"addr"`
	// MetricsAddr serves /metrics and health probes. Empty disables it.
	MetricsAddr     string        `koanf:"metrics_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	// TrustedProxies may set the client address through forwarding
	// headers. Empty means the socket peer is always the client.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

// LogConfig selects the log output.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// DatabaseConfig tunes the connection pool.
type DatabaseConfig struct {
	MigrateOnStart bool   `koanf:"migrate_on_start"`
	MaxConns       int32  `koanf:"max_conns"`
	ConnectRetries uint64 `koanf:"connect_retries"`
}

// AuthConfig holds lockout and session settings.
type AuthConfig struct {
	LockoutThreshold int           `koanf:"lockout_threshold"`
	LockoutPenalty   time.Duration `koanf:"lockout_penalty"`
	SessionTTL       time.Duration `koanf:"session_ttl"`
}

// ThrottleConfig configures the per-client limiter on /api/auth.
type ThrottleConfig struct {
	MaxRequests int           `koanf:"max_requests"`
	Window      time.Duration `koanf:"window"`
}

// SecurityConfig toggles the perimeter middleware.
type SecurityConfig struct {
	Enabled bool `koanf:"enabled"`
	// PerimeterRate is requests per second per client for the perimeter
	// limiter.
	PerimeterRate float64 `koanf:"perimeter_rate"`
}

// AuditConfig tunes the audit pipeline.
type AuditConfig struct {
	QueueSize int `koanf:"queue_size"`
	Workers   int `koanf:"workers"`
	// WALPath defaults to the XDG state directory.
	WALPath string `koanf:"wal_path"`
}

// DeliveryConfig configures reset token delivery.
type DeliveryConfig struct {
	Exchange             string `koanf:"exchange"`
	RoutingKey           string `koanf:"routing_key"`
	ExposeTokenOnFailure bool   `koanf:"expose_token_on_failure"`
}

// MaintenanceConfig holds cron schedules for background jobs.
type MaintenanceConfig struct {
	ThrottleSweep string `koanf:"throttle_sweep"`
	ResetPurge    string `koanf:"reset_purge"`
	WALReplay     string `koanf:"wal_replay"`
}

var defaults = map[string]any{
	"server.addr":                      ":5000",
	"server.metrics_addr":              "127.0.0.1:9100",
	"server.shutdown_timeout":          10 * time.Second,
	"server.cors_origins":              []string{"*"},
	"server.trusted_proxies":           []string{},
	"log.format":                       "json",
	"log.level":                        "info",
	"database.migrate_on_start":        false,
	"database.max_conns":               0,
	"database.connect_retries":         10,
	"auth.lockout_threshold":           3,
	"auth.lockout_penalty":             30 * time.Second,
	"auth.session_ttl":                 24 * time.Hour,
	"throttle.max_requests":            100,
	"throttle.window":                  15 * time.Minute,
	"security.enabled":                 false,
	"security.perimeter_rate":          10.0,
	"audit.queue_size":                 1024,
	"audit.workers":                    2,
	"audit.wal_path":                   "",
	"delivery.exchange":                "tifpoint.notifications",
	"delivery.routing_key":             "auth.password_reset",
	"delivery.expose_token_on_failure": true,
	"maintenance.throttle_sweep":       "@every 1m",
	"maintenance.reset_purge":          "@every 15m",
	"maintenance.wal_replay":           "@every 5m",
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"addr":             "server.addr",
	"metrics-addr":     "server.metrics_addr",
	"log-format":       "log.format",
	"log-level":        "log.level",
	"migrate-on-start": "database.migrate_on_start",
	"secure":           "security.enabled",
}

// Options controls where Load reads from.
type Options struct {
	// Path is an explicit config file. When empty, config.yaml in the XDG
	// config directory is used if it exists.
	Path string
	// Flags are applied when set on the command line.
	Flags *pflag.FlagSet
	// EnvFile is loaded into the process environment if present.
	EnvFile string
	// Getenv overrides os.Getenv in tests.
	Getenv func(string) string
}

// Load builds a Config. An explicit Path that does not exist is an error;
// a missing default file or env file is not.
func Load(opts Options) (*Config, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, oops.Code("CONFIG_ENV_FILE_FAILED").With("path", opts.EnvFile).Wrap(err)
		}
	}

	k := koanf.New(".")
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("key", key).Wrap(err)
		}
	}

	path, err := configPath(opts.Path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("operation", "unmarshal").Wrap(err)
	}

	cfg.DatabaseURL = strings.TrimSpace(opts.Getenv(EnvDatabaseURL))
	cfg.JWTSecret = opts.Getenv(EnvJWTSecret)
	cfg.AMQPURL = strings.TrimSpace(opts.Getenv(EnvAMQPURL))
	return &cfg, nil
}

func configPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", oops.Code("CONFIG_NOT_FOUND").With("path", explicit).Wrap(err)
		}
		return explicit, nil
	}

	dir, err := xdg.ConfigDir()
	if err != nil {
		// No home directory; run on defaults.
		return "", nil //nolint:nilerr // a default config file is optional
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return "", nil //nolint:nilerr // a default config file is optional
	}
	return path, nil
}

// Validate checks settings needed to serve requests.
func (c *Config) Validate() error {
	var problems []string
	if c.DatabaseURL == "" {
		problems = append(problems, EnvDatabaseURL+" is required")
	}
	if c.JWTSecret == "" {
		problems = append(problems, EnvJWTSecret+" is required")
	}
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	for _, proxy := range c.Server.TrustedProxies {
		if !validProxy(proxy) {
			problems = append(problems, "server.trusted_proxies entry "+strconv.Quote(proxy)+" is not an IP or CIDR")
		}
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		problems = append(problems, "log.format must be 'json' or 'text'")
	}
	if c.Auth.LockoutThreshold < 1 {
		problems = append(problems, "auth.lockout_threshold must be at least 1")
	}
	if c.Auth.LockoutPenalty <= 0 {
		problems = append(problems, "auth.lockout_penalty must be positive")
	}
	if c.Auth.SessionTTL <= 0 {
		problems = append(problems, "auth.session_ttl must be positive")
	}
	if c.Throttle.MaxRequests < 1 || c.Throttle.Window <= 0 {
		problems = append(problems, "throttle.max_requests and throttle.window must be positive")
	}
	if c.Security.Enabled && c.Security.PerimeterRate <= 0 {
		problems = append(problems, "security.perimeter_rate must be positive when security is enabled")
	}
	if c.Audit.QueueSize < 1 || c.Audit.Workers < 1 {
		problems = append(problems, "audit.queue_size and audit.workers must be positive")
	}
	for _, sched := range []struct{ key, spec string }{
		{"maintenance.throttle_sweep", c.Maintenance.ThrottleSweep},
		{"maintenance.reset_purge", c.Maintenance.ResetPurge},
		{"maintenance.wal_replay", c.Maintenance.WALReplay},
	} {
		if sched.spec == "" {
			// Empty disables the job.
			continue
		}
		if _, err := cron.ParseStandard(sched.spec); err != nil {
			problems = append(problems, sched.key+" is not a valid schedule")
		}
	}

	if len(problems) > 0 {
		return oops.Code("CONFIG_INVALID").
			With("problems", problems).
			Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func validProxy(entry string) bool {
	entry = strings.TrimSpace(entry)
	if _, err := netip.ParsePrefix(entry); err == nil {
		return true
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}

// LogLevel parses Log.Level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
