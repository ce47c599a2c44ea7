// Package config loads and validates the service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the AG_ prefix (e.g., AG_DATABASE_HOST
// overrides database.host in the YAML). The quota table is compiled in and is
// deliberately absent from this package.
//
// The JWT signing secret is read by the identity package from AG_JWT_SECRET and
// never appears in the config file.
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
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	RateLimiting  RateLimitingConfig  `mapstructure:"rate_limiting"`
	Suspension    SuspensionConfig    `mapstructure:"suspension"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Security      SecurityConfig      `mapstructure:"security"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	BaseURL         string        `mapstructure:"base_url"`
	PublicURL       string        `mapstructure:"public_url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GetPublicURL returns the URL used in links sent to administrators. Falls back
// to BaseURL when PublicURL is not set.
func (s *ServerConfig) GetPublicURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	return s.BaseURL
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Name               string        `mapstructure:"name"`
	User               string        `mapstructure:"user"`
	Password           string        `mapstructure:"password"`
	SSLMode            string        `mapstructure:"ssl_mode"`
	MaxConnections     int           `mapstructure:"max_connections"`
	MinIdleConnections int           `mapstructure:"min_idle_connections"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the shared Redis used for window counters and the email throttle
type RedisConfig struct {
	// Addr is host:port; an empty address disables Redis
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Enabled reports whether a Redis address is configured
func (r *RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Window store backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Alert dedupe modes
const (
	DedupeLocal  = "local"
	DedupeShared = "shared"
)

// RateLimitingConfig holds per-user action rate limiter configuration
type RateLimitingConfig struct {
	// Store selects the window counter backend (memory, postgres, redis)
	Store string `mapstructure:"store"`
	// StoreTimeout bounds every counter lookup; on timeout the check fails open
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
	// AlertDedupe is local (in-process cache) or shared (flags stored with the window)
	AlertDedupe string `mapstructure:"alert_dedupe"`
	// AsyncAlerts dispatches alerts off the request path
	AsyncAlerts  bool          `mapstructure:"async_alerts"`
	AlertTimeout time.Duration `mapstructure:"alert_timeout"`
	// CleanupInterval is how often elapsed windows are deleted (0 disables the job)
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// SuspensionConfig holds suspension manager and session monitor configuration
type SuspensionConfig struct {
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
	// SessionCheckInterval is the longest a suspended user keeps a live session
	SessionCheckInterval time.Duration `mapstructure:"session_check_interval"`
	SessionCheckTimeout  time.Duration `mapstructure:"session_check_timeout"`
	AsyncEvents          bool          `mapstructure:"async_events"`
}

// AuthConfig holds session token and identity provider configuration
type AuthConfig struct {
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	OIDC     OIDCConfig    `mapstructure:"oidc"`
}

// OIDCConfig holds the optional external identity provider configuration
type OIDCConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	IssuerURL    string   `mapstructure:"issuer_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
	TLS  TLSConfig  `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
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
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit trail configuration
type AuditConfig struct {
	// Enabled determines if alerts and transitions are written to audit_logs
	Enabled bool `mapstructure:"enabled"`
	// Shippers configures external log shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Type is the shipper type (webhook, file)
	Type string `mapstructure:"type"`
	// Actions limits shipping to audit actions with one of these prefixes
	// (e.g. "suspension."); empty ships everything
	Actions []string            `mapstructure:"actions"`
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// NotificationsConfig holds settings for administrator alerts
type NotificationsConfig struct {
	// Enabled globally toggles admin alerts
	Enabled bool `mapstructure:"enabled"`
	// InApp stores an admin_notifications row per administrator
	InApp bool `mapstructure:"in_app"`
	// SMTP holds the outbound mail server settings; an empty host disables email
	SMTP SMTPConfig `mapstructure:"smtp"`
	// DispatchTimeout bounds one fan-out to all administrators
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	// EmailsPerAdminPerHour caps alert emails per recipient (0 = unlimited). Needs Redis.
	EmailsPerAdminPerHour int `mapstructure:"emails_per_admin_per_hour"`
}

// SMTPConfig holds outbound mail server configuration for notification emails
type SMTPConfig struct {
	// Host is the SMTP server hostname (e.g. smtp.sendgrid.net)
	Host string `mapstructure:"host"`
	// Port is the SMTP server port (587 for STARTTLS, 465 for SMTPS, 25 for plain)
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// From is the sender address shown in notification emails
	From string `mapstructure:"from"`
	// UseTLS enables STARTTLS (port 587) or implicit TLS (port 465); false = plain SMTP
	UseTLS bool `mapstructure:"use_tls"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.public_url",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",
		"database.conn_max_lifetime",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.key_prefix",

		// Rate limiting
		"rate_limiting.store",
		"rate_limiting.store_timeout",
		"rate_limiting.alert_dedupe",
		"rate_limiting.async_alerts",
		"rate_limiting.alert_timeout",
		"rate_limiting.cleanup_interval",

		// Suspension
		"suspension.store_timeout",
		"suspension.session_check_interval",
		"suspension.session_check_timeout",
		"suspension.async_events",

		// Auth
		"auth.issuer",
		"auth.token_ttl",
		"auth.oidc.enabled",
		"auth.oidc.issuer_url",
		"auth.oidc.client_id",
		"auth.oidc.client_secret",
		"auth.oidc.redirect_url",
		"auth.oidc.scopes",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit
		"audit.enabled",

		// Notifications / SMTP
		"notifications.enabled",
		"notifications.in_app",
		"notifications.dispatch_timeout",
		"notifications.emails_per_admin_per_hour",
		"notifications.smtp.host",
		"notifications.smtp.port",
		"notifications.smtp.username",
		"notifications.smtp.password",
		"notifications.smtp.from",
		"notifications.smtp.use_tls",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
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
		v.AddConfigPath("/etc/accountguard")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("AG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Auth.OIDC.ClientSecret = expandEnv(cfg.Auth.OIDC.ClientSecret)
	cfg.Notifications.SMTP.Password = expandEnv(cfg.Notifications.SMTP.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "accountguard")
	v.SetDefault("database.user", "accountguard")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "ag:rl")

	// Rate limiting defaults
	v.SetDefault("rate_limiting.store", StorePostgres)
	v.SetDefault("rate_limiting.store_timeout", "2s")
	v.SetDefault("rate_limiting.alert_dedupe", DedupeShared)
	v.SetDefault("rate_limiting.async_alerts", true)
	v.SetDefault("rate_limiting.alert_timeout", "5s")
	v.SetDefault("rate_limiting.cleanup_interval", "15m")

	// Suspension defaults
	v.SetDefault("suspension.store_timeout", "3s")
	v.SetDefault("suspension.session_check_interval", "30s")
	v.SetDefault("suspension.session_check_timeout", "3s")
	v.SetDefault("suspension.async_events", true)

	// Auth defaults
	v.SetDefault("auth.issuer", "accountguard")
	v.SetDefault("auth.token_ttl", "1h")
	v.SetDefault("auth.oidc.enabled", false)
	v.SetDefault("auth.oidc.scopes", []string{"openid", "email", "profile"})

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "accountguard")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Audit defaults
	v.SetDefault("audit.enabled", true)

	// Notifications defaults
	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.in_app", true)
	v.SetDefault("notifications.dispatch_timeout", "10s")
	v.SetDefault("notifications.emails_per_admin_per_hour", 20)
	v.SetDefault("notifications.smtp.port", 587)
	v.SetDefault("notifications.smtp.use_tls", true)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate rate limiting
	validStores := map[string]bool{StoreMemory: true, StorePostgres: true, StoreRedis: true}
	if !validStores[c.RateLimiting.Store] {
		return fmt.Errorf("invalid rate_limiting.store: %s (must be memory, postgres, or redis)", c.RateLimiting.Store)
	}
	if c.RateLimiting.Store == StoreRedis && !c.Redis.Enabled() {
		return fmt.Errorf("redis.addr is required when rate_limiting.store is redis")
	}
	if c.RateLimiting.AlertDedupe != DedupeLocal && c.RateLimiting.AlertDedupe != DedupeShared {
		return fmt.Errorf("invalid rate_limiting.alert_dedupe: %s (must be local or shared)", c.RateLimiting.AlertDedupe)
	}
	if c.RateLimiting.StoreTimeout < 0 || c.RateLimiting.CleanupInterval < 0 {
		return fmt.Errorf("rate_limiting durations must not be negative")
	}

	// Validate suspension
	if c.Suspension.SessionCheckInterval < 0 {
		return fmt.Errorf("suspension.session_check_interval must not be negative")
	}
	if c.Suspension.SessionCheckInterval > 0 && c.Suspension.SessionCheckInterval < time.Second {
		return fmt.Errorf("suspension.session_check_interval must be at least 1s")
	}

	// Validate OIDC if enabled
	if c.Auth.OIDC.Enabled {
		if c.Auth.OIDC.IssuerURL == "" {
			return fmt.Errorf("auth.oidc.issuer_url is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ClientID == "" {
			return fmt.Errorf("auth.oidc.client_id is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ClientSecret == "" {
			return fmt.Errorf("auth.oidc.client_secret is required when OIDC is enabled")
		}
	}

	// Validate TLS if enabled
	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	// Validate notifications
	if c.Notifications.SMTP.Host != "" && c.Notifications.SMTP.From == "" {
		return fmt.Errorf("notifications.smtp.from is required when notifications.smtp.host is set")
	}
	if c.Notifications.EmailsPerAdminPerHour < 0 {
		return fmt.Errorf("notifications.emails_per_admin_per_hour must not be negative")
	}

	// Validate audit shippers
	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d].webhook.url is required", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d].file.path is required", i)
			}
		default:
			return fmt.Errorf("invalid audit.shippers[%d].type: %s (must be webhook or file)", i, s.Type)
		}
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
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
