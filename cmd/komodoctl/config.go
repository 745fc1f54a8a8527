package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	SSH     SSHConfig     `mapstructure:"ssh"`
	Journal JournalConfig `mapstructure:"journal"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Fleet   FleetConfig   `mapstructure:"fleet"`
	Op      OpConfig      `mapstructure:"op"`
	Core    CoreConfig    `mapstructure:"core"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Log     LogConfig     `mapstructure:"log"`
}

// SSHConfig holds fleet-wide SSH client configuration.
type SSHConfig struct {
	// KeyPath is the private key used to reach every host.
	KeyPath string `mapstructure:"key_path"`

	// KnownHostsPath enables strict host key checking when set. Empty means
	// host keys are accepted without verification (homelab default).
	KnownHostsPath string `mapstructure:"known_hosts_path"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// JournalConfig holds run journal configuration.
type JournalConfig struct {
	// Enabled turns the SQLite run journal on or off. Journal failures are
	// advisory either way and never fail a run.
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// DockerConfig holds the Docker connection for the core host.
type DockerConfig struct {
	// Host overrides the Docker daemon address (e.g. ssh://admin@nas or
	// tcp://10.0.10.5:2375). Empty uses the local socket / DOCKER_HOST.
	Host string `mapstructure:"host"`
}

// FleetConfig tunes fleet-wide execution.
type FleetConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	HostTimeout   time.Duration `mapstructure:"host_timeout"`
}

// OpConfig holds 1Password CLI configuration.
type OpConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// CoreConfig holds Core API credentials and deploy settings. Credentials
// left empty are resolved from the inventory's 1Password fields api_key /
// api_secret at run time.
type CoreConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`

	// StackName labels the core stack's containers.
	StackName string `mapstructure:"stack_name"`
}

// RelayConfig holds the webhook relay server configuration.
type RelayConfig struct {
	Addr            string        `mapstructure:"addr"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("ssh.key_path", "~/.ssh/id_ed25519")
	v.SetDefault("ssh.known_hosts_path", "")
	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("ssh.command_timeout", "60s")
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.dsn", "./data/komodoctl.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("fleet.max_concurrent", 5)
	v.SetDefault("fleet.host_timeout", "5m")
	v.SetDefault("op.command_timeout", "30s")
	v.SetDefault("core.api_key", "")
	v.SetDefault("core.api_secret", "")
	v.SetDefault("core.stack_name", "komodo-core")
	v.SetDefault("relay.addr", ":9123")
	v.SetDefault("relay.poll_interval", "0s")
	v.SetDefault("relay.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("KOMODOCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SSH.KeyPath = expandHome(cfg.SSH.KeyPath)
	cfg.SSH.KnownHostsPath = expandHome(cfg.SSH.KnownHostsPath)

	return &cfg, nil
}

// expandHome resolves a leading ~/ against the current user's home.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
// Verbose forces debug level regardless of config.
func SetupLogger(cfg *Config, verbose bool) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
