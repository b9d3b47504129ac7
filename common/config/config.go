package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Telemetry TelemetryConfig
	Generator GeneratorConfig
	Deploy    DeployConfig
	Lifecycle LifecycleConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Backend     string // "postgres" or "memory" for single-node deployments
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds firmware read-cache settings
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// QueueConfig holds in-process message queue settings
type QueueConfig struct {
	Type       string // "memory"; kafka is a later backend
	BufferSize int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// GeneratorConfig holds content-generator collaborator settings
type GeneratorConfig struct {
	Mode    string // "template" (deterministic stub) or "http" (external service)
	URL     string
	Timeout time.Duration
}

// DeployConfig holds deployment-simulator settings
type DeployConfig struct {
	Stream string
	// Injected failure probability in [0,1); 0 means every push succeeds
	FailureRate float64
}

// LifecycleConfig holds update-cycle settings
type LifecycleConfig struct {
	// "queue" blocks concurrent same-device events; "fail_fast" returns Busy
	LockPolicy string
	// Optional CEL expression gating which events may trigger regeneration
	GuardExpression string
	// Per-device and global event rate limits (events per minute, 0 = off)
	DeviceRateLimit int64
	GlobalRateLimit int64
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Backend:     getEnv("STORAGE_BACKEND", "postgres"),
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "lifecycle"),
			User:        getEnv("POSTGRES_USER", "lifecycle"),
			Password:    getEnv("POSTGRES_PASSWORD", "lifecycle"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
		},
		Queue: QueueConfig{
			Type:       getEnv("QUEUE_TYPE", "memory"),
			BufferSize: getEnvInt("QUEUE_BUFFER_SIZE", 1000),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", true),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
		Generator: GeneratorConfig{
			Mode:    getEnv("GENERATOR_MODE", "template"),
			URL:     getEnv("GENERATOR_URL", "http://localhost:5001/generate"),
			Timeout: getEnvDuration("GENERATOR_TIMEOUT", 120*time.Second),
		},
		Deploy: DeployConfig{
			Stream:      getEnv("DEPLOY_STREAM", "ota.deployments"),
			FailureRate: getEnvFloat("DEPLOY_FAILURE_RATE", 0),
		},
		Lifecycle: LifecycleConfig{
			LockPolicy:      getEnv("LOCK_POLICY", "queue"),
			GuardExpression: getEnv("GUARD_EXPRESSION", ""),
			DeviceRateLimit: int64(getEnvInt("DEVICE_RATE_LIMIT", 30)),
			GlobalRateLimit: int64(getEnvInt("GLOBAL_RATE_LIMIT", 600)),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Database.Backend {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns must be >= min_conns")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Database.Backend)
	}

	switch c.Lifecycle.LockPolicy {
	case "queue", "fail_fast":
	default:
		return fmt.Errorf("unknown lock policy: %s", c.Lifecycle.LockPolicy)
	}

	switch c.Generator.Mode {
	case "template":
	case "http":
		if c.Generator.URL == "" {
			return fmt.Errorf("generator URL is required in http mode")
		}
	default:
		return fmt.Errorf("unknown generator mode: %s", c.Generator.Mode)
	}

	if c.Deploy.FailureRate < 0 || c.Deploy.FailureRate >= 1 {
		return fmt.Errorf("deploy failure rate must be in [0,1): %f", c.Deploy.FailureRate)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// UsesPostgres reports whether the durable Postgres backend is selected
func (c *Config) UsesPostgres() bool {
	return c.Database.Backend == "postgres"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
