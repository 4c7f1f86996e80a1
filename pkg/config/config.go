package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig       `json:"server"`
	Redis        RedisConfig        `json:"redis"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Breaker      BreakerConfig      `json:"breaker"`
	Retry        RetryConfig        `json:"retry"`
	Batch        BatchConfig        `json:"batch"`
	Offline      OfflineConfig      `json:"offline"`
	Connectivity ConnectivityConfig `json:"connectivity"`
	Logging      LoggingConfig      `json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// OrchestratorConfig contains request dispatch configuration
type OrchestratorConfig struct {
	MaxConcurrent  int           `json:"max_concurrent"`
	DefaultTimeout time.Duration `json:"default_timeout"`
}

// BreakerConfig contains per-origin circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
}

// RetryConfig contains retry and backoff configuration
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	Strategy    string        `json:"strategy"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	MaxJitter   time.Duration `json:"max_jitter"`
}

// BatchConfig contains batch aggregation configuration
type BatchConfig struct {
	MaxSize int           `json:"max_size"`
	MaxAge  time.Duration `json:"max_age"`
}

// OfflineConfig contains offline queue configuration
type OfflineConfig struct {
	MaxEntries int    `json:"max_entries"`
	ReplayCap  int    `json:"replay_cap"`
	StoreKey   string `json:"store_key"`
}

// ConnectivityConfig contains reachability probing configuration
type ConnectivityConfig struct {
	ProbeURL      string        `json:"probe_url"`
	ProbeInterval time.Duration `json:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:  getEnvInt("ORCH_MAX_CONCURRENT", 10),
			DefaultTimeout: getEnvDuration("ORCH_DEFAULT_TIMEOUT", 30*time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			ResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 60*time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			Strategy:    getEnvString("RETRY_STRATEGY", "exponential"),
			BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
			MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			MaxJitter:   getEnvDuration("RETRY_MAX_JITTER", 1*time.Second),
		},
		Batch: BatchConfig{
			MaxSize: getEnvInt("BATCH_MAX_SIZE", 10),
			MaxAge:  getEnvDuration("BATCH_MAX_AGE", 50*time.Millisecond),
		},
		Offline: OfflineConfig{
			MaxEntries: getEnvInt("OFFLINE_MAX_ENTRIES", 1000),
			ReplayCap:  getEnvInt("OFFLINE_REPLAY_CAP", 3),
			StoreKey:   getEnvString("OFFLINE_STORE_KEY", "relay:offline:queue"),
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:      getEnvString("CONNECTIVITY_PROBE_URL", ""),
			ProbeInterval: getEnvDuration("CONNECTIVITY_PROBE_INTERVAL", 10*time.Second),
			ProbeTimeout:  getEnvDuration("CONNECTIVITY_PROBE_TIMEOUT", 5*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	switch c.Retry.Strategy {
	case "exponential", "linear", "fixed":
	default:
		return fmt.Errorf("unknown retry strategy: %s", c.Retry.Strategy)
	}
	if c.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch max size must be positive")
	}
	if c.Offline.MaxEntries <= 0 {
		return fmt.Errorf("offline queue max entries must be positive")
	}
	return nil
}

// RedisAddr returns the Redis address in host:port form
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
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
