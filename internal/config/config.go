// Package config loads and validates all runtime configuration for the relay.
//
// Configuration splits in two layers:
//
//   - Process configuration (listen address, log level, infra connections) is
//     read from command-line flags and environment variables via viper.
//     Flags win over env vars; env vars win over .env file entries.
//   - The provider snapshot (providers, model routes, tunable settings) is
//     read from a YAML file and held behind an atomic pointer so it can be
//     reloaded at runtime without disturbing in-flight requests.
//
// Naming convention: env vars use UPPER_SNAKE_CASE (LISTEN, LOG_LEVEL,
// CONFIG_PATH, REDIS_URL, CLICKHOUSE_DSN); flags use kebab-case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the process-level configuration container.
type Config struct {
	// Listen is the TCP address the HTTP server binds, e.g. ":3456".
	Listen string

	// ConfigPath is the provider snapshot YAML file. Default: "config.yaml".
	ConfigPath string

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// RedisURL enables the Redis-backed terminal-result store for the
	// deduplication window. Empty keeps the in-process store.
	RedisURL string

	// ClickHouseDSN enables the ClickHouse audit sink for request logs.
	// Empty keeps the slog sink.
	ClickHouseDSN string
}

// Load reads process configuration from flags, environment variables and an
// optional .env file. args is the raw argument list excluding the program
// name (typically os.Args[1:]).
func Load(args []string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.String("listen", ":3456", "listen address")
	fs.String("config", "config.yaml", "provider snapshot YAML path")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	v.SetDefault("LISTEN", ":3456")
	v.SetDefault("CONFIG", "config.yaml")
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		Listen:        v.GetString("LISTEN"),
		ConfigPath:    v.GetString("CONFIG"),
		LogLevel:      strings.ToLower(v.GetString("LOG_LEVEL")),
		RedisURL:      v.GetString("REDIS_URL"),
		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: LISTEN must not be empty")
	}
	if c.ConfigPath == "" {
		return fmt.Errorf("config: CONFIG path must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}
	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
