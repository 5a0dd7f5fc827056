package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid is returned by Validate for any configuration that cannot be served.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration for the application. It is built once by
// Load and never modified afterwards.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	TLS       TLSConfig       `mapstructure:"tls"`
	WebSocket WebSocketConfig `mapstructure:"ws"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds listener and HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TLSConfig holds the static certificate/key pair used to terminate TLS.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// WebSocketConfig holds WebSocket-specific configuration
type WebSocketConfig struct {
	Path              string        `mapstructure:"path"`
	CheckOrigin       bool          `mapstructure:"check_origin"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	CloseGracePeriod  time.Duration `mapstructure:"close_grace_period"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

// NATSConfig configures the optional echo event mirror. An empty URL disables it.
type NATSConfig struct {
	URL     string        `mapstructure:"url"`
	Subject string        `mapstructure:"subject"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"server.host":             "0.0.0.0",
	"server.port":             8080,
	"server.read_timeout":     5 * time.Second,
	"server.write_timeout":    2 * time.Second,
	"server.max_connections":  0,
	"server.shutdown_timeout": 30 * time.Second,

	"tls.enabled":   false,
	"tls.cert_file": "server-cert.pem",
	"tls.key_file":  "server-key.pem",

	"ws.path":                "/",
	"ws.check_origin":        false,
	"ws.read_buffer_size":    1024,
	"ws.write_buffer_size":   1024,
	"ws.handshake_timeout":   10 * time.Second,
	"ws.max_message_size":    int64(1 << 20),
	"ws.idle_timeout":        60 * time.Second,
	"ws.write_timeout":       10 * time.Second,
	"ws.close_grace_period":  5 * time.Second,
	"ws.rate_limit_requests": 0,
	"ws.rate_limit_window":   time.Minute,

	"nats.url":     "",
	"nats.subject": "ws-echo.events",
	"nats.timeout": 10 * time.Second,

	"log.level":  "info",
	"log.format": "console",
}

// SetDefaults registers every known key with its default value and binds
// the environment so that "server.port" is read from SERVER_PORT.
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load builds a Config from v. If v is nil a fresh viper instance reading
// only defaults and environment variables is used.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
		SetDefaults(v)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration describes something that can be served.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalid, c.Server.Port)
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls enabled without certificate and key files", ErrInvalid)
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return fmt.Errorf("%w: websocket path %q must start with /", ErrInvalid, c.WebSocket.Path)
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalid)
	}
	if c.WebSocket.IdleTimeout <= 0 || c.WebSocket.CloseGracePeriod <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("%w: idle timeout, write timeout and close grace period must be positive", ErrInvalid)
	}
	if c.WebSocket.HandshakeTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: handshake and shutdown timeouts must be positive", ErrInvalid)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("%w: server read and write timeouts must not be negative", ErrInvalid)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("%w: max connections must not be negative", ErrInvalid)
	}
	if c.WebSocket.RateLimitRequests < 0 {
		return fmt.Errorf("%w: rate limit requests must not be negative", ErrInvalid)
	}
	if c.WebSocket.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: rate limit window must be positive", ErrInvalid)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// GetServerAddress returns the full server address
func (c *Config) GetServerAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// GetWebSocketURL returns the WebSocket URL for the given endpoint
func (c *Config) GetWebSocketURL(endpoint string) string {
	scheme := "ws://"
	if c.TLS.Enabled {
		scheme = "wss://"
	}
	return scheme + c.GetServerAddress() + endpoint
}

// GetHTTPURL returns the HTTP URL for the given endpoint
func (c *Config) GetHTTPURL(endpoint string) string {
	scheme := "http://"
	if c.TLS.Enabled {
		scheme = "https://"
	}
	return scheme + c.GetServerAddress() + endpoint
}
