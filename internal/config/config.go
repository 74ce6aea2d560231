package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Queue         QueueConfig
	Broker        BrokerConfig
	Keychain      KeychainConfig
	Worker        WorkerConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address string
	Env     string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ConnectionString returns the PostgreSQL connection string
func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis configuration, backing the keychain's per-worker cache.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// QueueConfig holds the queue manager's lease/heartbeat/redelivery tuning.
type QueueConfig struct {
	// LeaseDuration is the lease length cmd/worker's pool requests on each lease and heartbeat.
	LeaseDuration int // seconds
	// HeartbeatInterval is the worker's recommended heartbeat cadence (T/3 in spec terms).
	HeartbeatInterval int // seconds
	// RedeliverySweepInterval is how often the background sweep looks for expired leases.
	RedeliverySweepInterval int // seconds
	// DefaultMaxAttempts is not read; queuemgr.Enqueue uses 1 when the caller gives no max attempts.
	DefaultMaxAttempts int
}

// BrokerConfig tunes the event-triggered orchestrator.
type BrokerConfig struct {
	// IdempotencyRetries bounds the single allowed retry on transient append errors (§7).
	IdempotencyRetries int
	// PlaybookCacheSize bounds the in-memory LRU of parsed playbooks keyed by catalog_id.
	PlaybookCacheSize int
}

// KeychainConfig tunes the credential resolver's worker-local cache and KMS wiring.
type KeychainConfig struct {
	CacheTTLSeconds int // must stay <= 60 per spec §4.9 step 5
	UseKMS          bool
	KMSKeyID        string
	KMSRegion       string
	RenewBuffer     int // seconds before expires_at that auto_renew kicks in
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	Concurrency       int
	PollInterval      int // seconds, used when lease returns no job
	HealthPort        string
	LoopMaxIterations int
}

// AWSConfig holds AWS configuration for KMS envelope encryption and the
// dead-letter forwarder.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // for LocalStack or custom endpoints
	DLQQueueURL     string
}

// ObservabilityConfig holds observability configuration
type ObservabilityConfig struct {
	MetricsEnabled bool
	MetricsPort    string

	TracingEnabled     bool
	TracingEndpoint    string
	TracingSampleRate  float64
	TracingServiceName string

	SentryEnabled     bool
	SentryDSN         string
	SentryEnvironment string
	SentrySampleRate  float64
}

// CORSConfig holds CORS configuration for internal/httpapi.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
			Env:     getEnv("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5433),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "noetl"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			LeaseDuration:            getEnvAsInt("QUEUE_LEASE_SECONDS", 60),
			HeartbeatInterval:        getEnvAsInt("QUEUE_HEARTBEAT_SECONDS", 20),
			RedeliverySweepInterval:  getEnvAsInt("QUEUE_REDELIVERY_SWEEP_SECONDS", 15),
			DefaultMaxAttempts:       getEnvAsInt("QUEUE_DEFAULT_MAX_ATTEMPTS", 3),
		},
		Broker: BrokerConfig{
			IdempotencyRetries: getEnvAsInt("BROKER_APPEND_RETRIES", 1),
			PlaybookCacheSize:  getEnvAsInt("BROKER_PLAYBOOK_CACHE_SIZE", 128),
		},
		Keychain: KeychainConfig{
			CacheTTLSeconds: getEnvAsInt("KEYCHAIN_CACHE_TTL_SECONDS", 30),
			UseKMS:          getEnvAsBool("KEYCHAIN_USE_KMS", false),
			KMSKeyID:        getEnv("KEYCHAIN_KMS_KEY_ID", ""),
			KMSRegion:       getEnvWithFallback("KEYCHAIN_KMS_REGION", "AWS_REGION", "us-east-1"),
			RenewBuffer:     getEnvAsInt("KEYCHAIN_RENEW_BUFFER_SECONDS", 30),
		},
		Worker: WorkerConfig{
			Concurrency:       getEnvAsInt("WORKER_CONCURRENCY", 10),
			PollInterval:      getEnvAsInt("WORKER_POLL_INTERVAL_SECONDS", 2),
			HealthPort:        getEnv("WORKER_HEALTH_PORT", "8081"),
			LoopMaxIterations: getEnvAsInt("WORKER_LOOP_MAX_ITERATIONS", 1000),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:        getEnv("AWS_ENDPOINT", ""),
			DLQQueueURL:     getEnv("AWS_SQS_DLQ_URL", ""),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled:     getEnvAsBool("METRICS_ENABLED", true),
			MetricsPort:        getEnv("METRICS_PORT", "9090"),
			TracingEnabled:     getEnvAsBool("TRACING_ENABLED", false),
			TracingEndpoint:    getEnv("TRACING_ENDPOINT", "localhost:4317"),
			TracingSampleRate:  getEnvAsFloat("TRACING_SAMPLE_RATE", 1.0),
			TracingServiceName: getEnv("TRACING_SERVICE_NAME", "noetl-broker"),
			SentryEnabled:      getEnvAsBool("SENTRY_ENABLED", false),
			SentryDSN:          getEnv("SENTRY_DSN", ""),
			SentryEnvironment:  getEnv("SENTRY_ENVIRONMENT", "development"),
			SentrySampleRate:   getEnvAsFloat("SENTRY_SAMPLE_RATE", 1.0),
		},
		CORS: loadCORSConfig(),
	}

	if cfg.Keychain.CacheTTLSeconds > 60 {
		cfg.Keychain.CacheTTLSeconds = 60
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// getEnvWithFallback gets an environment variable with a fallback to another env var
func getEnvWithFallback(key, fallbackKey, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value := os.Getenv(fallbackKey); value != "" {
		return value
	}
	return defaultValue
}

func loadCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:5173",
			"http://localhost:3000",
		}),
		AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{
			"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH",
		}),
		AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{
			"Accept", "Authorization", "Content-Type", "X-Worker-ID",
		}),
		ExposedHeaders: getEnvAsSlice("CORS_EXPOSED_HEADERS", []string{
			"Link",
		}),
		AllowCredentials: getEnvAsBool("CORS_ALLOW_CREDENTIALS", true),
		MaxAge:           getEnvAsInt("CORS_MAX_AGE", 300),
	}
}
