// Package config loads cnminer configuration from environment variables with
// sensible defaults. Command-line flags are overlaid by cmd/cnminer.
package config

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/bardlex/cnminer/internal/messaging"
	"github.com/bardlex/cnminer/internal/miner"
)

// Pool URL schemes understood by the pool session
const (
	SchemeWS      = "ws"
	SchemeWSS     = "wss"
	SchemeStratum = "stratum+tcp"
)

// Config holds the miner configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string

	// Pool
	PoolURL      string
	Wallet       string
	PoolPassword string
	Agent        string

	// Mining
	Threads         int
	BatchSize       int
	EngineAvailable bool

	// Session timing
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepaliveInterval time.Duration
	SubmitCacheSize   int

	// Share checks
	VerifyShares bool
	MaxJobAge    time.Duration

	// Stats
	StatsInterval time.Duration
	APIListen     string

	// Kafka
	KafkaBrokers     []string
	KafkaTopicShares string
	KafkaTopicStats  string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StatsTTL      time.Duration

	// InfluxDB
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Logging
	LogLevel     string
	LogFormat    string
	LogFile      string
	LogMaxSizeKB int64
	LogMaxRolls  int
}

// Load loads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// FromEnv reads the environment without validating, so callers can overlay
// other sources first.
func FromEnv() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "cnminer"),
		Version:     getEnv("VERSION", "dev"),

		PoolURL:      getEnv("POOL_URL", "ws://127.0.0.1:5000/ws"),
		Wallet:       getEnv("WALLET", ""),
		PoolPassword: getEnv("POOL_PASSWORD", "x"),
		Agent:        getEnv("AGENT", "cnminer/1.0"),

		Threads:         getEnvInt("THREADS", DefaultThreads()),
		BatchSize:       getEnvInt("BATCH_SIZE", 64),
		EngineAvailable: getEnvBool("ENGINE_AVAILABLE", true),

		ReconnectDelay:    getEnvDuration("RECONNECT_DELAY", 5*time.Second),
		DialTimeout:       getEnvDuration("DIAL_TIMEOUT", 10*time.Second),
		ReadTimeout:       getEnvDuration("READ_TIMEOUT", 5*time.Minute),
		WriteTimeout:      getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		KeepaliveInterval: getEnvDuration("KEEPALIVE_INTERVAL", 60*time.Second),
		SubmitCacheSize:   getEnvInt("SUBMIT_CACHE_SIZE", 4096),

		VerifyShares: getEnvBool("VERIFY_SHARES", false),
		MaxJobAge:    getEnvDuration("MAX_JOB_AGE", 10*time.Minute),

		StatsInterval: getEnvDuration("STATS_INTERVAL", 10*time.Second),
		APIListen:     getEnv("API_LISTEN", "127.0.0.1:8080"),

		KafkaBrokers:     getEnvSlice("KAFKA_BROKERS", nil),
		KafkaTopicShares: getEnv("KAFKA_TOPIC_SHARES", messaging.TopicShares),
		KafkaTopicStats:  getEnv("KAFKA_TOPIC_STATS", messaging.TopicStats),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		StatsTTL:      getEnvDuration("STATS_TTL", 5*time.Minute),

		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "cnminer"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),

		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		LogFile:      getEnv("LOG_FILE", ""),
		LogMaxSizeKB: int64(getEnvInt("LOG_MAX_SIZE_KB", 10*1024)),
		LogMaxRolls:  getEnvInt("LOG_MAX_ROLLS", 8),
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if _, err := c.PoolScheme(); err != nil {
		return err
	}

	if c.EngineAvailable && c.Wallet == "" {
		return fmt.Errorf("WALLET is required")
	}

	if c.Threads <= 0 || c.Threads > miner.MaxWorkers {
		return fmt.Errorf("THREADS must be between 1 and %d", miner.MaxWorkers)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive")
	}

	if c.SubmitCacheSize <= 0 {
		return fmt.Errorf("SUBMIT_CACHE_SIZE must be positive")
	}

	if c.StatsInterval <= 0 {
		return fmt.Errorf("STATS_INTERVAL must be positive")
	}

	if c.InfluxURL != "" && c.InfluxToken == "" {
		return fmt.Errorf("INFLUX_TOKEN is required when INFLUX_URL is set")
	}

	return nil
}

// PoolScheme returns the scheme of PoolURL, which selects the wire dialect
func (c *Config) PoolScheme() (string, error) {
	u, err := url.Parse(c.PoolURL)
	if err != nil {
		return "", fmt.Errorf("POOL_URL is invalid: %w", err)
	}
	switch u.Scheme {
	case SchemeWS, SchemeWSS, SchemeStratum:
		if u.Host == "" {
			return "", fmt.Errorf("POOL_URL must include a host")
		}
		return u.Scheme, nil
	default:
		return "", fmt.Errorf("POOL_URL scheme %q is not one of ws, wss, stratum+tcp", u.Scheme)
	}
}

// DefaultThreads returns the number of logical CPUs, falling back to
// runtime.NumCPU and then 2. The result never exceeds miner.MaxWorkers.
func DefaultThreads() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return min(n, miner.MaxWorkers)
	}
	if n := runtime.NumCPU(); n > 0 {
		return min(n, miner.MaxWorkers)
	}
	return 2
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
