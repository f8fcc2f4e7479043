package wbshare

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/sammck-go/wsbridge/pkg/wbchannel"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen           = "0.0.0.0:8080"
	DefaultBackendHost      = "127.0.0.1"
	DefaultReadBuffer       = 32 * 1024
	DefaultMaxMessageSize   = 1024 * 1024
	DefaultPingPeriod       = 27 * time.Second
	DefaultServerURL        = "ws://127.0.0.1:8080"
	DefaultReconnectDelay   = 3 * time.Second
	DefaultHandshakeTimeout = 45 * time.Second
	DefaultLogLevel         = "info"
)

// ServerConfig is the configuration for a ProxyServer
type ServerConfig struct {
	// Listen is the host:port the WebSocket listener binds
	Listen string `yaml:"listen"`

	// BackendHost is the host every channel's backend service runs on. The
	// backend port is the channel id.
	BackendHost string `yaml:"backend_host"`

	// DialTimeout bounds the backend connect. Zero means no timeout.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// StrictChannels rejects ids that are not in the channel table
	StrictChannels bool `yaml:"strict_channels"`

	// ReadBuffer is the largest backend chunk forwarded as one message
	ReadBuffer int `yaml:"read_buffer"`

	// MaxMessageSize caps one inbound message. Larger messages close the
	// connection with 1009.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// PingPeriod is the interval between keepalive pings to the browser side.
	// Zero disables keepalive.
	PingPeriod time.Duration `yaml:"ping_period"`
}

// ClientConfig is the configuration for a Multiplexer
type ClientConfig struct {
	// ServerURL is the base ws:// or wss:// URL of the bridge server
	ServerURL string `yaml:"server_url"`

	// ReconnectDelay is the fixed wait between a channel closing and the next
	// connect attempt
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// ReconnectJitter adds a random wait in [0, ReconnectJitter] to each delay
	ReconnectJitter time.Duration `yaml:"reconnect_jitter"`

	// HandshakeTimeout bounds each WebSocket handshake
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// Config is the file-level configuration shared by the server and client
// commands
type Config struct {
	LogLevel string              `yaml:"log_level"`
	Server   ServerConfig        `yaml:"server"`
	Client   ClientConfig        `yaml:"client"`
	Channels []wbchannel.Channel `yaml:"channels,omitempty"`
}

// DefaultServerConfig returns a ServerConfig with every default applied
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:         DefaultListen,
		BackendHost:    DefaultBackendHost,
		ReadBuffer:     DefaultReadBuffer,
		MaxMessageSize: DefaultMaxMessageSize,
		PingPeriod:     DefaultPingPeriod,
	}
}

// DefaultClientConfig returns a ClientConfig with every default applied
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:        DefaultServerURL,
		ReconnectDelay:   DefaultReconnectDelay,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// DefaultConfig returns a Config with all default values applied
func DefaultConfig() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		Server:   DefaultServerConfig(),
		Client:   DefaultClientConfig(),
	}
}

// envOverrides maps environment variables to config field setters
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "WSBRIDGE_LISTEN",
		apply: func(c *Config, v string) {
			c.Server.Listen = v
		},
	},
	{
		envVar: "WSBRIDGE_BACKEND_HOST",
		apply: func(c *Config, v string) {
			c.Server.BackendHost = v
		},
	},
	{
		envVar: "WSBRIDGE_SERVER_URL",
		apply: func(c *Config, v string) {
			c.Client.ServerURL = v
		},
	},
	{
		envVar: "WSBRIDGE_LOG_LEVEL",
		apply: func(c *Config, v string) {
			c.LogLevel = v
		},
	},
}

func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}

// LoadConfig applies defaults, then the YAML file at path (if path is not
// empty), then environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ValidationError describes one invalid config field
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// Validate checks every field and returns all failures joined
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, &ValidationError{Field: "log_level", Value: c.LogLevel, Message: "unknown level"})
	}
	errs = append(errs, c.Server.validate()...)
	errs = append(errs, c.Client.validate()...)
	if c.Channels != nil {
		if _, err := wbchannel.NewRegistry(c.Channels); err != nil {
			errs = append(errs, &ValidationError{Field: "channels", Value: len(c.Channels), Message: err.Error()})
		}
	}
	return errors.Join(errs...)
}

func (c *ServerConfig) validate() []error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, &ValidationError{Field: "server.listen", Value: c.Listen, Message: "must be host:port"})
	}
	if c.BackendHost == "" {
		errs = append(errs, &ValidationError{Field: "server.backend_host", Value: c.BackendHost, Message: "must be set"})
	}
	if c.DialTimeout < 0 {
		errs = append(errs, &ValidationError{Field: "server.dial_timeout", Value: c.DialTimeout, Message: "must not be negative"})
	}
	if c.ReadBuffer < 1 {
		errs = append(errs, &ValidationError{Field: "server.read_buffer", Value: c.ReadBuffer, Message: "must be at least 1"})
	}
	if c.MaxMessageSize < 1 {
		errs = append(errs, &ValidationError{Field: "server.max_message_size", Value: c.MaxMessageSize, Message: "must be at least 1"})
	}
	if c.PingPeriod < 0 {
		errs = append(errs, &ValidationError{Field: "server.ping_period", Value: c.PingPeriod, Message: "must not be negative"})
	}
	return errs
}

func (c *ClientConfig) validate() []error {
	var errs []error
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, &ValidationError{Field: "client.server_url", Value: c.ServerURL, Message: "must be a ws:// or wss:// URL"})
	}
	if c.ReconnectDelay <= 0 {
		errs = append(errs, &ValidationError{Field: "client.reconnect_delay", Value: c.ReconnectDelay, Message: "must be positive"})
	}
	if c.ReconnectJitter < 0 {
		errs = append(errs, &ValidationError{Field: "client.reconnect_jitter", Value: c.ReconnectJitter, Message: "must not be negative"})
	}
	if c.HandshakeTimeout < 0 {
		errs = append(errs, &ValidationError{Field: "client.handshake_timeout", Value: c.HandshakeTimeout, Message: "must not be negative"})
	}
	return errs
}

// Registry builds the channel registry, from the configured table if there is
// one and from the built-in table otherwise
func (c *Config) Registry() (*wbchannel.Registry, error) {
	if c.Channels == nil {
		return wbchannel.NewRegistry(wbchannel.DefaultChannels)
	}
	return wbchannel.NewRegistry(c.Channels)
}

// Level returns the parsed log level, or info if it cannot be parsed
func (c *Config) Level() LogLevel {
	l, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return LogLevelInfo
	}
	return l
}
