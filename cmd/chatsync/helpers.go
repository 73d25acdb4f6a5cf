package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Prismer-AI/chatsync"
)

// mustLoadConfig loads the effective config or exits.
func mustLoadConfig() *Config {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// newClient creates a REST client for the configured API base.
// The token may be empty; commands that need one check it first.
func newClient(cfg *Config) *chatsync.Client {
	sc := cfg.Sync.Resolved()
	return chatsync.NewClient(cfg.Auth.Token,
		chatsync.WithBaseURL(sc.APIBaseURL),
		chatsync.WithPollTimeout(sc.Poll.Timeout.Duration),
	)
}

func requireToken(cfg *Config) {
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'chatsync login <token>' first.")
		os.Exit(1)
	}
}

func openCache(cfg *Config) (*chatsync.SQLiteStorage, error) {
	cache, err := chatsync.OpenSQLite(cfg.Sync.CachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", cfg.Sync.CachePath, err)
	}
	return cache, nil
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
