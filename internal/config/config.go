// Package config loads the messaging core's static tunables from YAML via
// viper, the same CONFIG_PATH/mapstructure shape the orchestrator's
// internal/config package uses, with environment-variable overrides for
// per-deployment values.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// StreamConfig declares the MAXLEN cap for one named stream.
type StreamConfig struct {
	MaxLen int64 `mapstructure:"max_len"`
}

// ResilienceConfig tunes the WAL/Retry/Fallback/DLQ pipeline (§4.5).
type ResilienceConfig struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBase           time.Duration `mapstructure:"retry_base"`
	RetryJitterPercent  float64       `mapstructure:"retry_jitter_percent"`
	RetryScanInterval   time.Duration `mapstructure:"retry_scan_interval"`
	FallbackStablePeriod time.Duration `mapstructure:"fallback_stable_period"`
	DLQReasonMaxBytes   int           `mapstructure:"dlq_reason_max_bytes"`
	OverflowBufferSize  int           `mapstructure:"overflow_buffer_size"`
	MemoryWarnPercent   float64       `mapstructure:"memory_warn_percent"`
	MemoryCritPercent   float64       `mapstructure:"memory_crit_percent"`
	MemoryBudgetBytes   int64         `mapstructure:"memory_budget_bytes"`
}

// CircuitConfig mirrors the threshold fields of circuitbreaker.Config for
// the primary store breaker, loadable from YAML.
type CircuitConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// CacheConfig tunes the UserCache (§4.9).
type CacheConfig struct {
	ProfileTTL   time.Duration `mapstructure:"profile_ttl"`
	BatchGetSize int           `mapstructure:"batch_get_size"`
}

// PresenceConfig tunes the PresenceRegistry (§4.7).
type PresenceConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PresenceTTL       time.Duration `mapstructure:"presence_ttl"`
}

// DeliveryConfig tunes the DeliveryEngine (§4.6) and its pending-store TTL.
type DeliveryConfig struct {
	WorkerPoolSize  int           `mapstructure:"worker_pool_size"`
	PendingQueueTTL time.Duration `mapstructure:"pending_queue_ttl"`
	PendingMaxItems int           `mapstructure:"pending_max_items"`
}

// GatewayConfig tunes the SocketGateway (§4.8, §5 backpressure).
type GatewayConfig struct {
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	MaxMissedPongs     int           `mapstructure:"max_missed_pongs"`
	MaxPendingQueue    int           `mapstructure:"max_pending_queue"`
	InboundRatePerSec  float64       `mapstructure:"inbound_rate_per_sec"`
	InboundBurst       int           `mapstructure:"inbound_burst"`
}

// TimeoutConfig carries the deadline defaults from the concurrency model (§5).
type TimeoutConfig struct {
	Repository    time.Duration `mapstructure:"repository"`
	Cache         time.Duration `mapstructure:"cache"`
	BlockingRead  time.Duration `mapstructure:"blocking_read"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// Config is the root configuration tree.
type Config struct {
	Streams    map[string]StreamConfig `mapstructure:"streams"`
	Resilience ResilienceConfig        `mapstructure:"resilience"`
	Circuit    CircuitConfig           `mapstructure:"circuit_breaker"`
	Cache      CacheConfig             `mapstructure:"cache"`
	Presence   PresenceConfig          `mapstructure:"presence"`
	Delivery   DeliveryConfig          `mapstructure:"delivery"`
	Gateway    GatewayConfig           `mapstructure:"gateway"`
	Timeouts   TimeoutConfig           `mapstructure:"timeouts"`
}

// Default returns the built-in defaults, used when no config file is found
// and as the base that a loaded file is merged into.
func Default() *Config {
	return &Config{
		Resilience: ResilienceConfig{
			MaxRetries:           5,
			RetryBase:            100 * time.Millisecond,
			RetryJitterPercent:   0.10,
			RetryScanInterval:    time.Second,
			FallbackStablePeriod: 30 * time.Second,
			DLQReasonMaxBytes:    300,
			OverflowBufferSize:   10000,
			MemoryWarnPercent:    0.75,
			MemoryCritPercent:    0.90,
			MemoryBudgetBytes:    1 << 30,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			MaxRequests:      3,
			Interval:         60 * time.Second,
			Timeout:          10 * time.Second,
		},
		Cache: CacheConfig{
			ProfileTTL:   7 * 24 * time.Hour,
			BatchGetSize: 100,
		},
		Presence: PresenceConfig{
			HeartbeatInterval: 20 * time.Second,
			PresenceTTL:       90 * time.Second,
		},
		Delivery: DeliveryConfig{
			WorkerPoolSize:  16,
			PendingQueueTTL: 7 * 24 * time.Hour,
			PendingMaxItems: 500,
		},
		Gateway: GatewayConfig{
			PingInterval:      30 * time.Second,
			MaxMissedPongs:    2,
			MaxPendingQueue:   1000,
			InboundRatePerSec: 20,
			InboundBurst:      40,
		},
		Timeouts: TimeoutConfig{
			Repository:    5 * time.Second,
			Cache:         2 * time.Second,
			BlockingRead:  30 * time.Second,
			ShutdownGrace: 30 * time.Second,
		},
	}
}

// Load reads config.yaml from CONFIG_PATH (or ./config/config.yaml), merging
// onto Default(). A missing file is not an error: the defaults stand alone.
func Load() (*Config, error) {
	cfg := Default()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "config.yaml")
	}

	if _, err := os.Stat(cfgPath); err != nil {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getEnvOrDefault returns the env var's value, or defaultValue if unset.
func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getEnvDuration parses the env var as a Go duration, or returns defaultValue.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvInt parses the env var as an int, or returns defaultValue.
func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// RuntimeEnv carries the per-deployment secrets/endpoints that are
// deliberately kept out of the YAML file (shared HS256 secret, stream
// endpoint, primary-store DSN, object-store endpoint).
type RuntimeEnv struct {
	JWTSecret       string
	RedisAddr       string
	RedisPassword   string
	PostgresDSN     string
	ObjectStoreURL  string
	MetricsPort     int
	GatewayAddr     string
}

// LoadRuntimeEnv reads the environment-sourced connection values.
func LoadRuntimeEnv() RuntimeEnv {
	return RuntimeEnv{
		JWTSecret:      getEnvOrDefault("JWT_SECRET", ""),
		RedisAddr:      getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		PostgresDSN:    getEnvOrDefault("POSTGRES_DSN", ""),
		ObjectStoreURL: os.Getenv("OBJECT_STORE_URL"),
		MetricsPort:    getEnvInt("METRICS_PORT", 9090),
		GatewayAddr:    getEnvOrDefault("GATEWAY_ADDR", ":8080"),
	}
}
