// ABOUTME: Configuration loading and parsing for tether
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultAccountSalt is the application salt mixed into account ids when
// account.salt is not configured. Every device of a deployment must use the
// same salt or paired devices derive different account ids.
const DefaultAccountSalt = "tether.account.v1"

// Config represents the complete tether configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Device    DeviceConfig    `yaml:"device" toml:"device"`
	Pairing   PairingConfig   `yaml:"pairing" toml:"pairing"`
	Account   AccountConfig   `yaml:"account" toml:"account"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	MQTT      MQTTConfig      `yaml:"mqtt" toml:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC signaling server

	// PublicURL is the base URL other devices use to reach this node. It is
	// embedded in pairing payloads and auth invites. Derived from http_addr
	// when empty.
	PublicURL string `yaml:"public_url" toml:"public_url"`
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
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (default) or "sqlite3"
	Path   string `yaml:"path" toml:"path"`
}

// DeviceConfig describes the local device
type DeviceConfig struct {
	Type    string `yaml:"type" toml:"type"`
	Name    string `yaml:"name" toml:"name"`
	KeyPath string `yaml:"key_path" toml:"key_path"`
}

// PairingConfig holds pairing timing configuration
type PairingConfig struct {
	TokenTTL      time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`
	MaxAttempts   int           `yaml:"max_attempts" toml:"max_attempts"`

	// Raw string values for unmarshaling
	TokenTTLRaw      string `yaml:"token_ttl" toml:"token_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// AccountConfig holds account derivation configuration
type AccountConfig struct {
	Salt string `yaml:"salt" toml:"salt"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" toml:"jwt_secret"`
	SessionTTL    time.Duration `yaml:"-" toml:"-"`
	SessionTTLRaw string        `yaml:"session_ttl" toml:"session_ttl"`
}

// DiscoveryConfig holds LAN discovery configuration
type DiscoveryConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr" toml:"listen_addr"`
	BroadcastAddr string        `yaml:"broadcast_addr" toml:"broadcast_addr"`
	Interval      time.Duration `yaml:"-" toml:"-"`
	IntervalRaw   string        `yaml:"interval" toml:"interval"`
	MDNS          bool          `yaml:"mdns" toml:"mdns"`
}

// MQTTConfig holds the optional MQTT signaling bridge configuration
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Broker      string `yaml:"broker" toml:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id" toml:"client_id"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	QoS         int    `yaml:"qos" toml:"qos"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
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

// Default returns a configuration with every default applied and the given
// JWT secret. It is what `tether init` writes out.
func Default(dataDir, jwtSecret string) *Config {
	cfg := &Config{
		Database: DatabaseConfig{Path: filepath.Join(dataDir, "tether.db")},
		Device:   DeviceConfig{KeyPath: filepath.Join(dataDir, "device_key")},
		Auth:     AuthConfig{JWTSecret: jwtSecret},
		Discovery: DiscoveryConfig{
			Enabled: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the config file location:
// $TETHER_CONFIG, then $XDG_CONFIG_HOME/tether/tether.yaml, then
// ~/.config/tether/tether.yaml.
func DefaultPath() string {
	if p := os.Getenv("TETHER_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tether", "tether.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "tether.yaml"
	}
	return filepath.Join(home, ".config", "tether", "tether.yaml")
}

// DefaultDataDir returns $XDG_DATA_HOME/tether or ~/.local/share/tether.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tether")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "tether")
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

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:7447"
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = derivePublicURL(c.Server.HTTPAddr)
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Device.Type == "" {
		c.Device.Type = DefaultDeviceType()
	}

	if c.Pairing.TokenTTL == 0 {
		c.Pairing.TokenTTL = 5 * time.Minute
	}
	if c.Pairing.SweepInterval == 0 {
		c.Pairing.SweepInterval = 30 * time.Second
	}
	if c.Pairing.MaxAttempts == 0 {
		c.Pairing.MaxAttempts = 3
	}

	if c.Account.Salt == "" {
		c.Account.Salt = DefaultAccountSalt
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = 24 * time.Hour
	}

	if c.Discovery.ListenAddr == "" {
		c.Discovery.ListenAddr = ":47474"
	}
	if c.Discovery.BroadcastAddr == "" {
		c.Discovery.BroadcastAddr = "255.255.255.255:47474"
	}
	if c.Discovery.Interval == 0 {
		c.Discovery.Interval = 5 * time.Second
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "tether"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "tether"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// derivePublicURL turns a listen address into a URL peers can dial. A
// wildcard host is replaced by the first non-loopback IPv4 address.
func derivePublicURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
		if ip := firstLANAddress(); ip != "" {
			host = ip
		}
	}
	return "http://" + net.JoinHostPort(host, port)
}

func firstLANAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Device.KeyPath == "" {
		return errors.New("device.key_path is required")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 characters")
	}

	if c.Pairing.TokenTTL < 0 || c.Pairing.SweepInterval < 0 || c.Auth.SessionTTL < 0 || c.Discovery.Interval < 0 {
		return errors.New("durations must be positive")
	}
	if c.Pairing.MaxAttempts < 1 {
		return errors.New("pairing.max_attempts must be at least 1")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
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
		{"pairing.token_ttl", cfg.Pairing.TokenTTLRaw, &cfg.Pairing.TokenTTL},
		{"pairing.sweep_interval", cfg.Pairing.SweepIntervalRaw, &cfg.Pairing.SweepInterval},
		{"auth.session_ttl", cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL},
		{"discovery.interval", cfg.Discovery.IntervalRaw, &cfg.Discovery.Interval},
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
