// Package config loads and validates the YAML configuration shared by the
// tunnel-server and tunnel-client binaries.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxFramePayloadHardCap is the 8 MiB hard upper bound on frame payloads.
const MaxFramePayloadHardCap = 8 * 1024 * 1024

// RecommendedMaxFramePayload is the default max_frame_payload.
const RecommendedMaxFramePayload = 16383

// Config is the top-level configuration document.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the tunnel-server binary.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"` // tcp | websocket
	WSPath    string `yaml:"ws_path"`
}

// Addr returns the host:port the server listens on for tunnel connections.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ClientConfig configures the tunnel-client binary.
type ClientConfig struct {
	LocalHost  string `yaml:"local_host"`
	LocalPort  int    `yaml:"local_port"`
	ServerAddr string `yaml:"server_addr"`
	Transport  string `yaml:"transport"` // tcp | websocket
	WSPath     string `yaml:"ws_path"`
}

// LocalAddr returns the host:port the client listens for SOCKS5 on.
func (c ClientConfig) LocalAddr() string {
	return fmt.Sprintf("%s:%d", c.LocalHost, c.LocalPort)
}

// TunnelConfig configures the multiplexing engine shared by both sides.
type TunnelConfig struct {
	IdleTimeoutSeconds      int              `yaml:"idle_timeout_seconds"`
	IdleSweepIntervalSecond int              `yaml:"idle_sweep_interval_seconds"`
	MaxFramePayload         int              `yaml:"max_frame_payload"`
	Encryption              EncryptionConfig `yaml:"encryption"`
}

// IdleTimeout returns the configured idle timeout as a Duration.
func (t TunnelConfig) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTimeoutSeconds) * time.Second
}

// IdleSweepInterval returns the configured sweep interval as a Duration.
func (t TunnelConfig) IdleSweepInterval() time.Duration {
	return time.Duration(t.IdleSweepIntervalSecond) * time.Second
}

// EncryptionConfig enables the optional transparent stream cipher.
type EncryptionConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Passphrase string `yaml:"passphrase"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns a Config populated with the defaults this system ships.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      1521,
			Transport: "tcp",
			WSPath:    "/tunnel",
		},
		Client: ClientConfig{
			LocalHost:  "127.0.0.1",
			LocalPort:  1081,
			ServerAddr: "127.0.0.1:1521",
			Transport:  "tcp",
			WSPath:     "/tunnel",
		},
		Tunnel: TunnelConfig{
			IdleTimeoutSeconds:      60,
			IdleSweepIntervalSecond: 2,
			MaxFramePayload:         RecommendedMaxFramePayload,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9521",
		},
	}
}

// Load reads and parses a configuration file, applying defaults for any
// field the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default().
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internally inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !isValidTransport(c.Server.Transport) {
		errs = append(errs, "server.transport must be tcp or websocket")
	}
	if c.Client.LocalPort < 1 || c.Client.LocalPort > 65535 {
		errs = append(errs, "client.local_port must be between 1 and 65535")
	}
	if c.Client.ServerAddr == "" {
		errs = append(errs, "client.server_addr is required")
	}
	if !isValidTransport(c.Client.Transport) {
		errs = append(errs, "client.transport must be tcp or websocket")
	}
	if c.Tunnel.IdleTimeoutSeconds <= 0 {
		errs = append(errs, "tunnel.idle_timeout_seconds must be positive")
	}
	if c.Tunnel.IdleSweepIntervalSecond <= 0 {
		errs = append(errs, "tunnel.idle_sweep_interval_seconds must be positive")
	}
	if c.Tunnel.MaxFramePayload <= 0 || c.Tunnel.MaxFramePayload > MaxFramePayloadHardCap {
		errs = append(errs, fmt.Sprintf("tunnel.max_frame_payload must be between 1 and %d", MaxFramePayloadHardCap))
	}
	if c.Tunnel.Encryption.Enabled && c.Tunnel.Encryption.Passphrase == "" {
		errs = append(errs, "tunnel.encryption.passphrase is required when encryption is enabled")
	}
	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, "logging.level must be debug, info, warn, or error")
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, "logging.format must be text or json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Redacted returns a copy of the config with the encryption passphrase
// masked, safe to print in logs or status output.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Tunnel.Encryption.Passphrase != "" {
		cp.Tunnel.Encryption.Passphrase = "[REDACTED]"
	}
	return &cp
}

func isValidTransport(t string) bool {
	return t == "tcp" || t == "websocket"
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}
