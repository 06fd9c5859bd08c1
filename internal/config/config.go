package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Scaling   ScalingConfig   `mapstructure:"scaling"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Debug     bool            `mapstructure:"debug"`
	LogLevel  string          `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`
	APIPrefix    string        `mapstructure:"api_prefix"`
}

// DatabaseConfig contains PostgreSQL connection settings
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	URL             string        `mapstructure:"url"` // Overrides the discrete fields when set
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheck     time.Duration `mapstructure:"health_check_period"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// RateLimitConfig mirrors the constructor shape of the rate limit service:
// strategy, window size, ceiling, store backend and the cleanup toggle/interval.
type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Store           string        `mapstructure:"store"`    // memory or postgres
	Strategy        string        `mapstructure:"strategy"` // sliding-window, fixed-window, token-bucket
	WindowMs        int64         `mapstructure:"window_ms"`
	MaxRequests     int64         `mapstructure:"max_requests"`
	CleanupEnabled  bool          `mapstructure:"cleanup_enabled"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RoutePrefix     string        `mapstructure:"route_prefix"`
	EnforceGlobal   bool          `mapstructure:"enforce_global"` // Apply the limiter to every API request
	FailOpen        bool          `mapstructure:"fail_open"`      // Admit requests when the store is unreachable
	KeyBy           string        `mapstructure:"key_by"`         // caller, ip or route; the key used by global enforcement
	ProtectConfig   bool          `mapstructure:"protect_config"` // Require a token to change the defaults
}

// CacheConfig selects the fast-path cache in front of the rate limit store
type CacheConfig struct {
	Type       string        `mapstructure:"type"` // none, memory or redis
	RedisURL   string        `mapstructure:"redis_url"`
	TTL        time.Duration `mapstructure:"ttl"`
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

// ScalingConfig contains settings for multi-instance deployments
type ScalingConfig struct {
	Backend              string `mapstructure:"backend"` // local, postgres or redis
	RedisURL             string `mapstructure:"redis_url"`
	EnableLeaderElection bool   `mapstructure:"enable_leader_election"`
}

// AuthConfig contains token verification settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// MetricsConfig contains Prometheus exporter settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
}

const defaultJWTSecret = "your-secret-key-change-in-production"

// Valid values for the enumerated settings
var (
	ValidStrategies     = []string{"sliding-window", "fixed-window", "token-bucket"}
	ValidStores         = []string{"memory", "postgres"}
	ValidCacheTypes     = []string{"none", "memory", "redis"}
	ValidScalingBackend = []string{"local", "postgres", "redis"}
	ValidKeyBy          = []string{"caller", "ip", "route"}
	validSSLModes       = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
)

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from an explicit file path. An empty path
// searches the default locations.
func LoadFile(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

// Watch re-reads the configuration whenever its file changes and passes
// every result that validates to onChange. Invalid edits are logged and
// skipped. Without a config file there is nothing to watch.
func Watch(path string, onChange func(*Config)) error {
	_, v, err := load(path)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		log.Debug().Msg("No config file to watch")
		return nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration change")
			return
		}
		log.Info().Str("file", e.Name).Msg("Configuration reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func load(path string) (*Config, *viper.Viper, error) {
	// Load .env file if it exists (for local development)
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fluxgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/fluxgate")
	}

	setDefaults(v)

	// Enable environment variable support with underscore replacer
	v.AutomaticEnv()
	v.SetEnvPrefix("FLUXGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Info().Msg("No config file found, using environment variables and defaults")
	} else {
		log.Info().Str("file", v.ConfigFileUsed()).Msg("Config file loaded")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads environment variables from .env file
func loadEnvFile() error {
	locations := []string{
		".env",
		".env.local",
		"../.env",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Info().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}

	return fmt.Errorf("no .env file found")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.body_limit", 1024*1024)
	v.SetDefault("server.api_prefix", "/api/v1")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "fluxgate")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "1m")
	v.SetDefault("database.migrate_on_start", true)

	// Rate limit defaults
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.store", "memory")
	v.SetDefault("rate_limit.strategy", "sliding-window")
	v.SetDefault("rate_limit.window_ms", 60000)
	v.SetDefault("rate_limit.max_requests", 100)
	v.SetDefault("rate_limit.cleanup_enabled", true)
	v.SetDefault("rate_limit.cleanup_interval", "5m")
	v.SetDefault("rate_limit.route_prefix", "/rate-limit")
	v.SetDefault("rate_limit.enforce_global", false)
	v.SetDefault("rate_limit.fail_open", false)
	v.SetDefault("rate_limit.key_by", "caller")
	v.SetDefault("rate_limit.protect_config", false)

	// Cache defaults
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.ttl", "60s")
	v.SetDefault("cache.gc_interval", "1m")

	// Scaling defaults
	v.SetDefault("scaling.backend", "local")
	v.SetDefault("scaling.enable_leader_election", false)

	// Auth defaults
	v.SetDefault("auth.jwt_secret", defaultJWTSecret)
	v.SetDefault("auth.issuer", "fluxgate")

	// Observability defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "fluxgate")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.insecure", true)

	// General defaults
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}

	if c.Database.Enabled {
		if err := c.Database.Validate(); err != nil {
			return err
		}
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit configuration error: %w", err)
	}

	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration error: %w", err)
	}

	if err := c.Scaling.Validate(); err != nil {
		return fmt.Errorf("scaling configuration error: %w", err)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}
	if c.Auth.JWTSecret == defaultJWTSecret && !c.Debug {
		return fmt.Errorf("please set a secure JWT secret")
	}

	// Postgres-backed components need a database
	if !c.Database.Enabled {
		if c.RateLimit.Store == "postgres" {
			return fmt.Errorf("rate_limit store 'postgres' requires database.enabled")
		}
		if c.Scaling.Backend == "postgres" {
			return fmt.Errorf("scaling backend 'postgres' requires database.enabled")
		}
		if c.Scaling.EnableLeaderElection {
			return fmt.Errorf("leader election requires database.enabled")
		}
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing sample_rate must be between 0 and 1, got: %v", c.Tracing.SampleRate)
	}

	return nil
}

// Validate validates server configuration
func (sc *ServerConfig) Validate() error {
	if sc.Address == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if sc.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive, got: %v", sc.ReadTimeout)
	}
	if sc.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got: %v", sc.WriteTimeout)
	}
	if sc.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got: %v", sc.IdleTimeout)
	}
	if sc.BodyLimit <= 0 {
		return fmt.Errorf("body_limit must be positive, got: %d", sc.BodyLimit)
	}
	return nil
}

// Validate validates database configuration
func (dc *DatabaseConfig) Validate() error {
	if dc.URL != "" {
		if !strings.HasPrefix(dc.URL, "postgres://") && !strings.HasPrefix(dc.URL, "postgresql://") {
			return fmt.Errorf("database url must start with postgres:// or postgresql://")
		}
	} else {
		if dc.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if dc.Port <= 0 || dc.Port > 65535 {
			return fmt.Errorf("database port must be between 1 and 65535, got: %d", dc.Port)
		}
		if dc.User == "" {
			return fmt.Errorf("database user is required")
		}
		if dc.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if !contains(validSSLModes, dc.SSLMode) {
			return fmt.Errorf("invalid ssl_mode: %s (must be one of: %v)", dc.SSLMode, validSSLModes)
		}
	}
	if dc.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got: %d", dc.MaxConnections)
	}
	if dc.MinConnections < 0 {
		return fmt.Errorf("min_connections cannot be negative, got: %d", dc.MinConnections)
	}
	if dc.MaxConnections < dc.MinConnections {
		return fmt.Errorf("max_connections (%d) must be greater than or equal to min_connections (%d)", dc.MaxConnections, dc.MinConnections)
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string
func (dc *DatabaseConfig) ConnectionString() string {
	if dc.URL != "" {
		return dc.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		dc.User, dc.Password, dc.Host, dc.Port, dc.Database, dc.SSLMode)
}

// Validate validates rate limit configuration
func (rc *RateLimitConfig) Validate() error {
	if !contains(ValidStores, rc.Store) {
		return fmt.Errorf("invalid store: %s (must be one of: %v)", rc.Store, ValidStores)
	}
	if !contains(ValidStrategies, rc.Strategy) {
		return fmt.Errorf("invalid strategy: %s (must be one of: %v)", rc.Strategy, ValidStrategies)
	}
	if rc.WindowMs <= 0 {
		return fmt.Errorf("window_ms must be a positive number, got: %d", rc.WindowMs)
	}
	if rc.WindowMs > math.MaxInt64/int64(time.Millisecond) {
		return fmt.Errorf("window_ms is too large to represent, got: %d", rc.WindowMs)
	}
	if rc.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be a positive number, got: %d", rc.MaxRequests)
	}
	if rc.CleanupEnabled && rc.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive when cleanup is enabled, got: %v", rc.CleanupInterval)
	}
	if rc.RoutePrefix != "" && !strings.HasPrefix(rc.RoutePrefix, "/") {
		return fmt.Errorf("route_prefix must start with '/', got: %s", rc.RoutePrefix)
	}
	if rc.KeyBy != "" && !contains(ValidKeyBy, rc.KeyBy) {
		return fmt.Errorf("invalid key_by: %s (must be one of: %v)", rc.KeyBy, ValidKeyBy)
	}
	return nil
}

// Window returns the configured window as a duration
func (rc *RateLimitConfig) Window() time.Duration {
	return time.Duration(rc.WindowMs) * time.Millisecond
}

// Validate validates cache configuration
func (cc *CacheConfig) Validate() error {
	if !contains(ValidCacheTypes, cc.Type) {
		return fmt.Errorf("invalid cache type: %s (must be one of: %v)", cc.Type, ValidCacheTypes)
	}
	if cc.Type == "redis" && cc.RedisURL == "" {
		return fmt.Errorf("redis_url is required when cache type is redis")
	}
	if cc.Type != "none" && cc.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive, got: %v", cc.TTL)
	}
	return nil
}

// Validate validates scaling configuration
func (sc *ScalingConfig) Validate() error {
	if sc.Backend == "" {
		sc.Backend = "local"
	}
	if !contains(ValidScalingBackend, sc.Backend) {
		return fmt.Errorf("invalid scaling backend: %s (must be one of: %v)", sc.Backend, ValidScalingBackend)
	}
	if sc.Backend == "redis" && sc.RedisURL == "" {
		return fmt.Errorf("redis_url is required when scaling backend is redis")
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
