// Package config provides configuration management for reqchat.
// It defines the structure for YAML configuration files and handles
// loading, validation, and default value application.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultChannelURL           = "ws://localhost:8000/ws/chat"
	DefaultPipelineURL          = "http://localhost:8000"
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultWriteTimeout         = 10 * time.Second
	DefaultReadLimit            = 512 * 1024
	DefaultOutboundQueue        = 64
	DefaultPipelineTimeout      = 120 * time.Second
	DefaultHistoryTimeout       = 30 * time.Second
	DefaultMaxUtteranceLength   = 20000
	DefaultMetricsAddr          = ":9090"
)

// Config is the top-level configuration structure for reqchat.
type Config struct {
	// Version is the configuration file format version
	Version string `yaml:"version"`
	// Channel defines the persistent connection to the agent
	Channel ChannelConfig `yaml:"channel"`
	// Pipeline defines the analysis pipeline endpoint
	Pipeline PipelineConfig `yaml:"pipeline"`
	// History defines where stored conversations are read from
	History HistoryConfig `yaml:"history"`
	// Router defines how utterances are dispatched
	Router RouterConfig `yaml:"router"`
	// Logging defines logging behavior
	Logging LoggingConfig `yaml:"logging"`
	// Metrics defines the Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics"`
}

// ChannelConfig defines the persistent channel and its reconnect policy.
type ChannelConfig struct {
	// URL is the WebSocket endpoint (ws:// or wss://)
	URL string `yaml:"url"`
	// ReconnectInterval is the fixed delay before each automatic reconnect
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	// MaxReconnectAttempts bounds consecutive automatic reconnects
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// ReadLimit is the largest inbound frame in bytes
	ReadLimit int64 `yaml:"read_limit"`
	// OutboundQueue is the number of frames that may wait to be written
	OutboundQueue int `yaml:"outbound_queue"`
}

// PipelineConfig defines the analysis pipeline client.
type PipelineConfig struct {
	// BaseURL is the backend root, e.g. http://localhost:8000
	BaseURL string `yaml:"base_url"`
	// Timeout bounds one pipeline call
	Timeout time.Duration `yaml:"timeout"`
	// ProjectID is attached to every pipeline request (optional)
	ProjectID string `yaml:"project_id"`
	// RateLimit is requests per second (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit"`
	// RateLimitBurst is the token bucket size
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// HistoryConfig defines conversation resumption.
type HistoryConfig struct {
	// BaseURL defaults to the pipeline base URL
	BaseURL string `yaml:"base_url"`
	// ConversationID, when set, seeds the transcript at startup
	ConversationID string `yaml:"conversation_id"`
	// Timeout bounds the history request
	Timeout time.Duration `yaml:"timeout"`
}

// RouterConfig defines utterance routing and outbound checks.
type RouterConfig struct {
	// CommandPrefixes send an utterance to the pipeline
	CommandPrefixes []string `yaml:"command_prefixes"`
	// BatchMarkers are regular expressions recognising story blocks
	BatchMarkers []string `yaml:"batch_markers"`
	// MaxUtteranceLength caps an utterance in characters
	MaxUtteranceLength int `yaml:"max_utterance_length"`
	// BlockedWords are refused before sending
	BlockedWords []string `yaml:"blocked_words"`
	// MaxPerMinute limits submissions (0 = unlimited)
	MaxPerMinute int `yaml:"max_per_minute"`
}

// LoggingConfig defines conversation logging behavior.
type LoggingConfig struct {
	// Enabled determines if conversation logging is active
	Enabled bool `yaml:"enabled"`
	// ChatLogDir is the directory where chat logs are stored
	ChatLogDir string `yaml:"chat_log_dir"`
	// LogFormat is either "text" or "json"
	LogFormat string `yaml:"log_format"`
	// Level is the diagnostic log level: debug, info, warn, error
	Level string `yaml:"level"`
}

// MetricsConfig defines the Prometheus metrics server.
type MetricsConfig struct {
	// Enabled starts the metrics server
	Enabled bool `yaml:"enabled"`
	// Addr is the listen address
	Addr string `yaml:"addr"`
}

// NewDefaultConfig creates a configuration with sensible defaults.
// The default log directory is ~/.reqchat/chats.
func NewDefaultConfig() *Config {
	c := &Config{
		Logging: LoggingConfig{Enabled: true},
	}
	c.applyDefaults()
	return c
}

// LoadConfig loads and validates a configuration from a YAML file.
// It applies default values for any missing optional fields.
// Returns an error if the file cannot be read, parsed, or is invalid.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SaveConfig writes the configuration to a YAML file.
// The file is created with 0600 permissions (read/write for owner only).
func (c *Config) SaveConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := checkURL("channel.url", c.Channel.URL, "ws", "wss"); err != nil {
		return err
	}
	if err := checkURL("pipeline.base_url", c.Pipeline.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.History.BaseURL != "" {
		if err := checkURL("history.base_url", c.History.BaseURL, "http", "https"); err != nil {
			return err
		}
	}

	if c.Channel.ReconnectInterval < 0 {
		return fmt.Errorf("channel.reconnect_interval cannot be negative")
	}
	if c.Channel.MaxReconnectAttempts < 0 {
		return fmt.Errorf("channel.max_reconnect_attempts cannot be negative")
	}
	if c.Channel.ReadLimit < 0 || c.Channel.OutboundQueue < 0 {
		return fmt.Errorf("channel.read_limit and channel.outbound_queue cannot be negative")
	}
	if c.Pipeline.RateLimit < 0 || c.Pipeline.RateLimitBurst < 0 {
		return fmt.Errorf("pipeline.rate_limit and pipeline.rate_limit_burst cannot be negative")
	}
	if c.Router.MaxUtteranceLength < 0 || c.Router.MaxPerMinute < 0 {
		return fmt.Errorf("router limits cannot be negative")
	}

	for _, expr := range c.Router.BatchMarkers {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("invalid router batch marker %q: %w", expr, err)
		}
	}

	validFormats := map[string]bool{
		"":     true,
		"text": true,
		"json": true,
	}
	if !validFormats[c.Logging.LogFormat] {
		return fmt.Errorf("invalid log format: %s", c.Logging.LogFormat)
	}

	validLevels := map[string]bool{
		"":      true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s has no host: %s", field, raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%s must use %v, got %q", field, schemes, u.Scheme)
}

// nolint:gocyclo // Config defaults are inherently sequential; complexity is acceptable for readability
func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}

	// Channel defaults
	if c.Channel.URL == "" {
		c.Channel.URL = DefaultChannelURL
	}
	if c.Channel.ReconnectInterval == 0 {
		c.Channel.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Channel.MaxReconnectAttempts == 0 {
		c.Channel.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Channel.WriteTimeout == 0 {
		c.Channel.WriteTimeout = DefaultWriteTimeout
	}
	if c.Channel.ReadLimit == 0 {
		c.Channel.ReadLimit = DefaultReadLimit
	}
	if c.Channel.OutboundQueue == 0 {
		c.Channel.OutboundQueue = DefaultOutboundQueue
	}

	// Pipeline defaults
	if c.Pipeline.BaseURL == "" {
		c.Pipeline.BaseURL = DefaultPipelineURL
	}
	if c.Pipeline.Timeout == 0 {
		c.Pipeline.Timeout = DefaultPipelineTimeout
	}
	if c.Pipeline.RateLimit > 0 && c.Pipeline.RateLimitBurst == 0 {
		c.Pipeline.RateLimitBurst = 1
	}

	// History shares the backend unless told otherwise
	if c.History.BaseURL == "" {
		c.History.BaseURL = c.Pipeline.BaseURL
	}
	if c.History.Timeout == 0 {
		c.History.Timeout = DefaultHistoryTimeout
	}

	if c.Router.MaxUtteranceLength == 0 {
		c.Router.MaxUtteranceLength = DefaultMaxUtteranceLength
	}

	// Logging defaults
	if c.Logging.ChatLogDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		c.Logging.ChatLogDir = fmt.Sprintf("%s/.reqchat/chats", homeDir)
	}
	if c.Logging.LogFormat == "" {
		c.Logging.LogFormat = "text"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
}
