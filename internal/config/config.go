// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the SMTP sink.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Relay providers. An empty provider is auto-detected from the configured
// credentials; with none configured, releasing is disabled.
const (
	RelayStdout = "stdout"
	RelaySES    = "ses"
	RelayGraph  = "graph"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Relay   RelayConfig   `yaml:"relay"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// HTTPConfig holds HTTP API configuration.
type HTTPConfig struct {
	Listen   string `yaml:"listen"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StorageConfig selects and configures the message store.
type StorageConfig struct {
	Driver        string `yaml:"driver"`
	DatabaseURL   string `yaml:"database_url"`
	MessagesLimit int    `yaml:"messages_limit"`
}

// RedisConfig configures event publishing to Redis. Empty URL disables it.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// RelayConfig selects the provider used to release captured messages.
type RelayConfig struct {
	Provider string      `yaml:"provider"`
	SES      SESConfig   `yaml:"ses"`
	Graph    GraphConfig `yaml:"graph"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// HTTPAuthEnabled returns true if both HTTP username and password are set.
func (c *Config) HTTPAuthEnabled() bool {
	return c.HTTP.Username != "" && c.HTTP.Password != ""
}

// SESConfigured returns true if the SES region is set. Credentials may come
// from the default AWS chain and the sender from the message itself.
func (c *Config) SESConfigured() bool {
	return c.Relay.SES.Region != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	g := c.Relay.Graph
	return g.TenantID != "" &&
		g.ClientID != "" &&
		g.ClientSecret != "" &&
		g.Sender != ""
}

// Validate reports configuration that cannot be served.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage driver postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	if c.Storage.MessagesLimit < 0 {
		errs = append(errs, fmt.Errorf("messages limit must not be negative, got %d", c.Storage.MessagesLimit))
	}
	if c.SMTP.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("max message size must not be negative, got %d", c.SMTP.MaxMessageSize))
	}

	switch c.Relay.Provider {
	case "", RelayStdout:
	case RelaySES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("relay provider ses requires SES_REGION"))
		}
	case RelayGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("relay provider graph requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown relay provider %q", c.Relay.Provider))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":1025"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.HTTP.Listen = ":1080"
	c.Storage.Driver = DriverMemory
	c.Storage.MessagesLimit = 1000
	c.Redis.Channel = "smtp-sink:events"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	setString(&c.HTTP.Listen, "HTTP_LISTEN")
	setString(&c.HTTP.Username, "HTTP_USERNAME")
	setString(&c.HTTP.Password, "HTTP_PASSWORD")

	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = strings.ToLower(v)
	}
	setString(&c.Storage.DatabaseURL, "DATABASE_URL")
	if v := os.Getenv("MESSAGES_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			c.Storage.MessagesLimit = limit
		}
	}

	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Redis.Channel, "REDIS_CHANNEL")

	if v := os.Getenv("RELAY_PROVIDER"); v != "" {
		c.Relay.Provider = strings.ToLower(v)
	}
	setString(&c.Relay.SES.Region, "SES_REGION")
	setString(&c.Relay.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.Relay.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.Relay.SES.Sender, "SES_SENDER")
	setString(&c.Relay.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Relay.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Relay.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Relay.Graph.Sender, "GRAPH_SENDER")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
