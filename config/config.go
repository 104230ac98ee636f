package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort                = 443
	DefaultPollIntervalSeconds = 1
	MinPollIntervalSeconds     = 1
	MaxPollIntervalSeconds     = 30
)

// ErrMissingCredentials is returned by Validate when the username or password
// is empty. Hosts report it as a bad-config status rather than a connection
// failure.
var ErrMissingCredentials = errors.New("username and password are required")

// RouterConfig holds the connection settings of the remote routing system
type RouterConfig struct {
	Host     string `yaml:"host" env:"ROUTESYNC_HOST"`
	Port     int    `yaml:"port" env:"ROUTESYNC_PORT"`
	Username string `yaml:"username" env:"ROUTESYNC_USERNAME"`
	Password string `yaml:"password" env:"ROUTESYNC_PASSWORD"`
	// VerifyTLS enables certificate validation. Disable only for appliances
	// with self-signed certificates.
	VerifyTLS           bool `yaml:"verify_tls" env:"ROUTESYNC_VERIFY_TLS"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds" env:"ROUTESYNC_POLL_INTERVAL"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level" env:"ROUTESYNC_LOG_LEVEL"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"ROUTESYNC_METRICS_ADDR"` // Optional, e.g. ":9090"
}

// Config is the root configuration structure
type Config struct {
	Version int           `yaml:"version"`
	Router  RouterConfig  `yaml:"router"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Default returns a configuration with every optional field set to its default
func Default() *Config {
	return &Config{
		Version: 1,
		Router: RouterConfig{
			Port:                DefaultPort,
			VerifyTLS:           true,
			PollIntervalSeconds: DefaultPollIntervalSeconds,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig loads configuration from a YAML file, applies environment
// overrides and validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from ROUTESYNC_* environment variables. Unset
// variables leave the current values in place.
func (c *Config) ApplyEnv() error {
	err := envdecode.Decode(c)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	r := c.Router
	if r.Host == "" {
		return fmt.Errorf("router host is required")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("router port %d is out of range", r.Port)
	}
	if r.PollIntervalSeconds < MinPollIntervalSeconds || r.PollIntervalSeconds > MaxPollIntervalSeconds {
		return fmt.Errorf("poll interval %ds must be between %d and %d seconds",
			r.PollIntervalSeconds, MinPollIntervalSeconds, MaxPollIntervalSeconds)
	}
	if r.Username == "" || r.Password == "" {
		return ErrMissingCredentials
	}

	return nil
}

// Address returns host:port of the remote system
func (r RouterConfig) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// BaseURL returns the HTTPS base URL of the remote system
func (r RouterConfig) BaseURL() string {
	return "https://" + r.Address()
}

// PollInterval returns the poll interval as a duration
func (r RouterConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSeconds) * time.Second
}
