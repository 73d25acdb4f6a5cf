package chatsync

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPageSize             = 20
	DefaultConnectTimeout       = 60 * time.Second
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultPollInterval         = 5 * time.Second
	DefaultPollLimit            = 50
)

// GameOrdering selects how inbound game snapshots are merged.
type GameOrdering string

const (
	// OrderArrival overwrites with every snapshot in arrival order.
	OrderArrival GameOrdering = "arrival"
	// OrderSequence ignores snapshots older than the one held.
	OrderSequence GameOrdering = "sequence"
)

// Duration is a time.Duration read from strings such as "3s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ============================================================================
// Configuration
// ============================================================================

// Config configures an Engine. Zero values take the documented defaults.
type Config struct {
	APIBaseURL string          `toml:"api_base_url" env:"API_BASE_URL"`
	PushURL    string          `toml:"push_url" env:"PUSH_URL"`
	CachePath  string          `toml:"cache_path" env:"CACHE_PATH"`
	PageSize   int             `toml:"page_size" env:"PAGE_SIZE"`
	Push       PushConfig      `toml:"push" envPrefix:"PUSH_"`
	Poll       PollConfig      `toml:"poll" envPrefix:"POLL_"`
	Games      GameConfig      `toml:"games" envPrefix:"GAMES_"`
	Retention  RetentionConfig `toml:"retention" envPrefix:"RETENTION_"`
	Log        LogConfig       `toml:"log" envPrefix:"LOG_"`
}

// PushConfig configures the push channel.
type PushConfig struct {
	ConnectTimeout       Duration `toml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	ReconnectInterval    Duration `toml:"reconnect_interval" env:"RECONNECT_INTERVAL"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts" env:"MAX_RECONNECT_ATTEMPTS"`
}

// PollConfig configures the fallback poller.
type PollConfig struct {
	Interval Duration `toml:"interval" env:"INTERVAL"`
	Timeout  Duration `toml:"timeout" env:"TIMEOUT"`
	Limit    int      `toml:"limit" env:"LIMIT"`
}

type GameConfig struct {
	Ordering GameOrdering `toml:"ordering" env:"ORDERING"`
}

// RetentionConfig holds the keep-last-N policy applied by EnforceRetention.
// Keep <= 0 disables the policy.
type RetentionConfig struct {
	Keep int `toml:"keep" env:"KEEP"`
}

func (c *Config) defaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultBaseURL
	}
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	if c.PushURL == "" {
		c.PushURL = pushURLFor(c.APIBaseURL)
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Push.ConnectTimeout.Duration == 0 {
		c.Push.ConnectTimeout.Duration = DefaultConnectTimeout
	}
	if c.Push.ReconnectInterval.Duration == 0 {
		c.Push.ReconnectInterval.Duration = DefaultReconnectInterval
	}
	if c.Push.MaxReconnectAttempts == 0 {
		c.Push.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Poll.Interval.Duration == 0 {
		c.Poll.Interval.Duration = DefaultPollInterval
	}
	if c.Poll.Timeout.Duration == 0 {
		c.Poll.Timeout.Duration = DefaultPollTimeout
	}
	if c.Poll.Limit <= 0 {
		c.Poll.Limit = DefaultPollLimit
	}
	if c.Games.Ordering == "" {
		c.Games.Ordering = OrderArrival
	}
}

// Resolved returns a copy of c with zero values replaced by defaults.
func (c Config) Resolved() Config {
	c.defaults()
	return c
}

// Validate checks the values defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Games.Ordering {
	case "", OrderArrival, OrderSequence:
	default:
		return fmt.Errorf("unknown game ordering %q (valid: arrival, sequence)", c.Games.Ordering)
	}
	if c.Push.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}
	return nil
}

// pushURLFor derives ws://host/ws from an API base such as http://host/api.
func pushURLFor(apiBase string) string {
	u := strings.Replace(apiBase, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.TrimSuffix(u, "/api")
	return u + "/ws"
}
