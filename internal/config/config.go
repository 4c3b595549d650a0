// Package config loads and validates the GitSwarm configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the GITSWARM_ prefix (e.g. GITSWARM_GITHUB_APP_ID
// overrides github.app_id in the YAML).
//
// The API signing secret is read separately from GITSWARM_JWT_SECRET by the auth package
// and is never part of the config file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	GitHub     GitHubConfig     `mapstructure:"github"`
	TokenCache TokenCacheConfig `mapstructure:"token_cache"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// GitHubConfig holds the GitHub App credentials and API endpoints.
// For GitHub Enterprise Server set api_url to https://<host>/api/v3 and web_url to https://<host>.
type GitHubConfig struct {
	APIURL string `mapstructure:"api_url"`
	WebURL string `mapstructure:"web_url"`
	AppID  string `mapstructure:"app_id"`
	// PrivateKey is the PEM-encoded app key; PrivateKeyPath is read when it is empty
	PrivateKey     string        `mapstructure:"private_key"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// TokenCacheConfig holds installation token cache settings
type TokenCacheConfig struct {
	// SafetyMargin is how long before expiry a cached token is refreshed
	SafetyMargin time.Duration `mapstructure:"safety_margin"`
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	// Enabled requires a bearer JWT on /api/v1 routes
	Enabled bool `mapstructure:"enabled"`
}

// SecurityConfig holds transport security configuration
type SecurityConfig struct {
	TLS TLSConfig `mapstructure:"tls"`
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds pprof configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// bindEnvVars explicitly binds every config key to its GITSWARM_ environment variable.
// AutomaticEnv alone does not make Unmarshal see keys absent from defaults and file.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		"github.api_url",
		"github.web_url",
		"github.app_id",
		"github.private_key",
		"github.private_key_path",
		"github.request_timeout",

		"token_cache.safety_margin",

		"auth.enabled",

		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		"logging.level",
		"logging.format",

		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/gitswarm")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GITSWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in secrets
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.GitHub.PrivateKey = expandEnv(cfg.GitHub.PrivateKey)
	cfg.GitHub.PrivateKeyPath = expandEnv(cfg.GitHub.PrivateKeyPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "gitswarm")
	v.SetDefault("database.user", "gitswarm")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("github.web_url", "https://github.com")
	v.SetDefault("github.request_timeout", "30s")

	v.SetDefault("token_cache.safety_margin", "60s")

	v.SetDefault("auth.enabled", true)

	v.SetDefault("security.tls.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)
}

// expandEnv expands environment variables in the format ${VAR} or $VAR
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate checks the configuration for required fields and consistent values
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.GitHub.AppID == "" {
		return fmt.Errorf("github.app_id is required")
	}
	if c.GitHub.PrivateKey == "" && c.GitHub.PrivateKeyPath == "" {
		return fmt.Errorf("github.private_key or github.private_key_path is required")
	}
	if c.GitHub.APIURL == "" {
		return fmt.Errorf("github.api_url is required")
	}
	if c.GitHub.RequestTimeout <= 0 {
		return fmt.Errorf("github.request_timeout must be positive")
	}

	if c.TokenCache.SafetyMargin < 0 {
		return fmt.Errorf("token_cache.safety_margin must not be negative")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Telemetry.Metrics.Enabled {
		if p := c.Telemetry.Metrics.PrometheusPort; p < 1 || p > 65535 {
			return fmt.Errorf("invalid telemetry.metrics.prometheus_port: %d", p)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// PrivateKeyPEM returns the GitHub App private key, reading private_key_path when the key
// is not set inline
func (c *GitHubConfig) PrivateKeyPEM() ([]byte, error) {
	if c.PrivateKey != "" {
		return []byte(c.PrivateKey), nil
	}
	key, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read github app private key: %w", err)
	}
	return key, nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
