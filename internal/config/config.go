// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Bus       BusConfig       `yaml:"bus" toml:"bus"`
	Presence  PresenceConfig  `yaml:"presence" toml:"presence"`
	Handoff   HandoffConfig   `yaml:"handoff" toml:"handoff"`
	Stream    StreamConfig    `yaml:"stream" toml:"stream"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds operator session and capability token configuration
type AuthConfig struct {
	// JWTSecret signs operator session tokens. Empty accepts service tokens only.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// TokenSecret is the master key from which per-tenant capability token keys are derived.
	TokenSecret string `yaml:"token_secret" toml:"token_secret"`
	// TrustedEmbedHosts are the platform's own widget-hosting hosts; they are
	// accepted only together with a parent origin.
	TrustedEmbedHosts []string `yaml:"trusted_embed_hosts" toml:"trusted_embed_hosts"`
	// ServiceTokens are static bearer tokens for collaborator services.
	ServiceTokens []string `yaml:"service_tokens" toml:"service_tokens"`

	CapabilityTTL    time.Duration `yaml:"-" toml:"-"`
	CapabilityTTLRaw string        `yaml:"capability_ttl" toml:"capability_ttl"`
}

// RateLimitConfig holds connection admission configuration
type RateLimitConfig struct {
	MaxRequests    int      `yaml:"max_requests" toml:"max_requests"`
	MaxKeys        int      `yaml:"max_keys" toml:"max_keys"`
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`

	Window    time.Duration `yaml:"-" toml:"-"`
	WindowRaw string        `yaml:"window" toml:"window"`
}

// BusConfig selects and configures the cross-process event bus
type BusConfig struct {
	Backend   string `yaml:"backend" toml:"backend"` // memory, redis, amqp
	RedisAddr string `yaml:"redis_addr" toml:"redis_addr"`
	AMQPURL   string `yaml:"amqp_url" toml:"amqp_url"`
	Exchange  string `yaml:"exchange" toml:"exchange"`
	Source    string `yaml:"source" toml:"source"`
}

// PresenceConfig holds operator presence timing and capacity defaults
type PresenceConfig struct {
	MissedHeartbeats int            `yaml:"missed_heartbeats" toml:"missed_heartbeats"`
	DefaultCapacity  map[string]int `yaml:"default_capacity" toml:"default_capacity"`

	HeartbeatInterval    time.Duration `yaml:"-" toml:"-"`
	ReconcileInterval    time.Duration `yaml:"-" toml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	ReconcileIntervalRaw string        `yaml:"reconcile_interval" toml:"reconcile_interval"`
}

// HandoffConfig holds queue estimation settings
type HandoffConfig struct {
	AvgHandleTime    time.Duration `yaml:"-" toml:"-"`
	AvgHandleTimeRaw string        `yaml:"avg_handle_time" toml:"avg_handle_time"`
}

// StreamConfig holds live connection and replay settings
type StreamConfig struct {
	ReplayBuffer     int     `yaml:"replay_buffer" toml:"replay_buffer"`
	MaxDialogBuffers int     `yaml:"max_dialog_buffers" toml:"max_dialog_buffers"`
	SendBuffer       int     `yaml:"send_buffer" toml:"send_buffer"`
	MissedPongs      int     `yaml:"missed_pongs" toml:"missed_pongs"`
	FrameRate        float64 `yaml:"frame_rate" toml:"frame_rate"`
	FrameBurst       int     `yaml:"frame_burst" toml:"frame_burst"`

	WriteTimeout    time.Duration `yaml:"-" toml:"-"`
	PingInterval    time.Duration `yaml:"-" toml:"-"`
	WriteTimeoutRaw string        `yaml:"write_timeout" toml:"write_timeout"`
	PingIntervalRaw string        `yaml:"ping_interval" toml:"ping_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero values with production defaults.
func (c *Config) applyDefaults() {
	if c.Auth.CapabilityTTL == 0 {
		c.Auth.CapabilityTTL = 24 * time.Hour
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 30
	}
	if c.RateLimit.MaxKeys == 0 {
		c.RateLimit.MaxKeys = 10_000
	}
	if c.Bus.Backend == "" {
		c.Bus.Backend = "memory"
	}
	if c.Bus.Exchange == "" {
		c.Bus.Exchange = "switchboard.dialogs"
	}
	if c.Bus.Source == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "switchboard"
		}
		c.Bus.Source = host
	}
	if c.Presence.HeartbeatInterval == 0 {
		c.Presence.HeartbeatInterval = 30 * time.Second
	}
	if c.Presence.ReconcileInterval == 0 {
		c.Presence.ReconcileInterval = 5 * time.Minute
	}
	if c.Presence.MissedHeartbeats == 0 {
		c.Presence.MissedHeartbeats = 3
	}
	if len(c.Presence.DefaultCapacity) == 0 {
		c.Presence.DefaultCapacity = map[string]int{"web": 5, "telegram": 3}
	}
	if c.Handoff.AvgHandleTime == 0 {
		c.Handoff.AvgHandleTime = 5 * time.Minute
	}
	if c.Stream.ReplayBuffer == 0 {
		c.Stream.ReplayBuffer = 128
	}
	if c.Stream.MaxDialogBuffers == 0 {
		c.Stream.MaxDialogBuffers = 10_000
	}
	if c.Stream.SendBuffer == 0 {
		c.Stream.SendBuffer = 64
	}
	if c.Stream.MissedPongs == 0 {
		c.Stream.MissedPongs = 3
	}
	if c.Stream.FrameRate == 0 {
		c.Stream.FrameRate = 5
	}
	if c.Stream.FrameBurst == 0 {
		c.Stream.FrameBurst = 20
	}
	if c.Stream.WriteTimeout == 0 {
		c.Stream.WriteTimeout = 10 * time.Second
	}
	if c.Stream.PingInterval == 0 {
		c.Stream.PingInterval = 25 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}
	if len(c.Auth.TokenSecret) < 32 {
		return fmt.Errorf("auth.token_secret must be at least 32 characters")
	}

	switch c.Bus.Backend {
	case "memory":
	case "redis":
		if c.Bus.RedisAddr == "" {
			return fmt.Errorf("bus.redis_addr is required for the redis backend")
		}
	case "amqp":
		if c.Bus.AMQPURL == "" {
			return fmt.Errorf("bus.amqp_url is required for the amqp backend")
		}
	default:
		return fmt.Errorf("bus.backend %q is not one of memory, redis, amqp", c.Bus.Backend)
	}

	if c.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("ratelimit.max_requests must be positive")
	}

	for channel, capacity := range c.Presence.DefaultCapacity {
		if capacity < 0 {
			return fmt.Errorf("presence.default_capacity[%s] must not be negative", channel)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.capability_ttl", cfg.Auth.CapabilityTTLRaw, &cfg.Auth.CapabilityTTL},
		{"ratelimit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"presence.heartbeat_interval", cfg.Presence.HeartbeatIntervalRaw, &cfg.Presence.HeartbeatInterval},
		{"presence.reconcile_interval", cfg.Presence.ReconcileIntervalRaw, &cfg.Presence.ReconcileInterval},
		{"handoff.avg_handle_time", cfg.Handoff.AvgHandleTimeRaw, &cfg.Handoff.AvgHandleTime},
		{"stream.write_timeout", cfg.Stream.WriteTimeoutRaw, &cfg.Stream.WriteTimeout},
		{"stream.ping_interval", cfg.Stream.PingIntervalRaw, &cfg.Stream.PingInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// DefaultPath returns the configuration path used when none is given:
// SWITCHBOARD_CONFIG if set, otherwise $XDG_CONFIG_HOME/switchboard/gateway.yaml
// (falling back to ~/.config when XDG_CONFIG_HOME is unset).
func DefaultPath() string {
	if p := os.Getenv("SWITCHBOARD_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "switchboard", "gateway.yaml")
}
