package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Sync    chatsync.Config `toml:"sync"`
	Auth    ConfigAuth      `toml:"auth" envPrefix:"AUTH_"`
	Metrics ConfigMetrics   `toml:"metrics" envPrefix:"METRICS_"`
}

// ConfigAuth holds the stored credential.
type ConfigAuth struct {
	Token    string `toml:"token" env:"TOKEN"`
	UserID   string `toml:"user_id" env:"USER_ID"`
	Username string `toml:"username" env:"USERNAME"`
}

// ConfigMetrics enables the Prometheus endpoint of `chatsync run`.
type ConfigMetrics struct {
	Addr string `toml:"addr" env:"ADDR"`
}

const envPrefix = "CHATSYNC_"

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with CHATSYNC_* environment overrides
// applied. It is never written back to disk.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("cannot apply environment: %w", err)
	}
	if cfg.Sync.CachePath == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		cfg.Sync.CachePath = filepath.Join(dir, "cache.db")
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "sync.api_base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. sync.api_base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "sync":
		return setSyncValue(&cfg.Sync, field, value)
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "metrics":
		if field != "addr" {
			return fmt.Errorf("unknown field %q in section [metrics]", field)
		}
		cfg.Metrics.Addr = value
	default:
		return fmt.Errorf("unknown config section %q (valid: sync, auth, metrics)", section)
	}
	return nil
}

func setSyncValue(s *chatsync.Config, field, value string) error {
	var err error
	switch field {
	case "api_base_url":
		s.APIBaseURL = value
	case "push_url":
		s.PushURL = value
	case "cache_path":
		s.CachePath = value
	case "page_size":
		s.PageSize, err = strconv.Atoi(value)
	case "push.connect_timeout":
		err = s.Push.ConnectTimeout.UnmarshalText([]byte(value))
	case "push.reconnect_interval":
		err = s.Push.ReconnectInterval.UnmarshalText([]byte(value))
	case "push.max_reconnect_attempts":
		s.Push.MaxReconnectAttempts, err = strconv.Atoi(value)
	case "poll.interval":
		err = s.Poll.Interval.UnmarshalText([]byte(value))
	case "poll.timeout":
		err = s.Poll.Timeout.UnmarshalText([]byte(value))
	case "poll.limit":
		s.Poll.Limit, err = strconv.Atoi(value)
	case "games.ordering":
		s.Games.Ordering = chatsync.GameOrdering(value)
		err = s.Validate()
	case "retention.keep":
		s.Retention.Keep, err = strconv.Atoi(value)
	case "log.level":
		s.Log.Level = value
	case "log.encoding":
		s.Log.Encoding = value
	default:
		return fmt.Errorf("unknown field %q in section [sync]", field)
	}
	if err != nil {
		return fmt.Errorf("invalid value for sync.%s: %w", field, err)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync client",
	Long:  "Command-line client for the chat service.\nKeeps a local cache in sync over websocket push with a long-poll fallback.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
