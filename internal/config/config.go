// Package config loads the configuration of the chatwidget terminal client.
// It supports YAML files with ${VAR} environment expansion and duration
// strings, with a few environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Widget  WidgetConfig  `yaml:"widget"`
	Push    PushConfig    `yaml:"push"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Welcome WelcomeConfig `yaml:"welcome"`
	Logging LoggingConfig `yaml:"logging"`
}

// WidgetConfig identifies the widget and its visitor.
type WidgetConfig struct {
	BotID    string `yaml:"bot_id"`
	UserID   string `yaml:"user_id"` // falls back to the token's subject
	Token    string `yaml:"token"`
	Location string `yaml:"location"`
	DemoMode bool   `yaml:"demo_mode"`
}

// PushConfig selects and tunes the push channel.
type PushConfig struct {
	Transport string `yaml:"transport"` // "ws" or "amqp"
	Endpoint  string `yaml:"endpoint"`
	AMQPURL   string `yaml:"amqp_url"`
	Exchange  string `yaml:"exchange"`

	ReconnectJitterPercent int `yaml:"reconnect_jitter_percent"`

	HandshakeTimeout time.Duration `yaml:"-"`
	ReconnectBase    time.Duration `yaml:"-"`
	ReconnectCap     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	ReconnectBaseRaw    string `yaml:"reconnect_base"`
	ReconnectCapRaw     string `yaml:"reconnect_cap"`
}

// APIConfig holds the chat backend address. Empty means derived from the
// push endpoint.
type APIConfig struct {
	Server string `yaml:"server"`
}

// StorageConfig holds local storage paths. An empty TabPath keeps the
// instance id in memory, so every run is a new tab.
type StorageConfig struct {
	CachePath string `yaml:"cache_path"`
	TabPath   string `yaml:"tab_path"`
}

// WelcomeConfig holds static greetings keyed by location. The "" key is the
// fallback. When empty, greetings are fetched from the backend.
type WelcomeConfig struct {
	Static map[string]string `yaml:"static"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Push: PushConfig{
			Transport: "ws",
			Endpoint:  "ws://localhost:9000/widget",
		},
		Storage: StorageConfig{CachePath: "chatwidget.db"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	applyEnv(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnv(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv lets CHATWIDGET_* variables override file values.
func applyEnv(cfg *Config) {
	cfg.Widget.BotID = getEnv("CHATWIDGET_BOT_ID", cfg.Widget.BotID)
	cfg.Widget.Token = getEnv("CHATWIDGET_TOKEN", cfg.Widget.Token)
	cfg.Widget.DemoMode = getEnvBool("CHATWIDGET_DEMO", cfg.Widget.DemoMode)
	cfg.Push.Endpoint = getEnv("CHATWIDGET_ENDPOINT", cfg.Push.Endpoint)
	cfg.Push.AMQPURL = getEnv("CHATWIDGET_AMQP_URL", cfg.Push.AMQPURL)
	cfg.API.Server = getEnv("CHATWIDGET_API_SERVER", cfg.API.Server)
	cfg.Logging.Level = getEnv("CHATWIDGET_LOG_LEVEL", cfg.Logging.Level)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Widget.BotID == "" {
		return fmt.Errorf("widget.bot_id is required")
	}

	switch c.Push.Transport {
	case "ws":
		if c.Push.Endpoint == "" {
			return fmt.Errorf("push.endpoint is required for the ws transport")
		}
	case "amqp":
		if c.Push.AMQPURL == "" {
			return fmt.Errorf("push.amqp_url is required for the amqp transport")
		}
		if c.API.Server == "" {
			return fmt.Errorf("api.server is required for the amqp transport")
		}
	default:
		return fmt.Errorf("push.transport must be ws or amqp, got %q", c.Push.Transport)
	}

	if c.Push.ReconnectBase > 0 && c.Push.ReconnectCap > 0 && c.Push.ReconnectCap < c.Push.ReconnectBase {
		return fmt.Errorf("push.reconnect_cap must not be below push.reconnect_base")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"handshake_timeout", cfg.Push.HandshakeTimeoutRaw, &cfg.Push.HandshakeTimeout},
		{"reconnect_base", cfg.Push.ReconnectBaseRaw, &cfg.Push.ReconnectBase},
		{"reconnect_cap", cfg.Push.ReconnectCapRaw, &cfg.Push.ReconnectCap},
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

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
