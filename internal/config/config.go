package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	InstanceID  int64
	HTTPAddr    string
	AdminToken  string

	Telemetry TelemetryConfig
	Cloud     CloudConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis      RedisConfig
	Kafka      KafkaConfig
	Cache      CacheConfig
	Settlement SettlementConfig
	RateLimit  RateLimitConfig
}

// TelemetryConfig drives logging, tracing and OTel metrics export.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

type CloudConfig struct {
	Metrics CloudMetricsConfig
}

type CloudMetricsConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

// RedisConfig configures the shared cache tier and the notification channel.
// An empty Addr disables both; the engine then runs tier-1 only.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

// KafkaConfig configures the settlement-batch channel.
// Without brokers every batch is settled in-process.
type KafkaConfig struct {
	Brokers         []string
	SettlementTopic string
	DeadLetterTopic string
	ConsumerGroup   string
	MaxAttempts     int
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type CacheConfig struct {
	LocalSize   int
	ConfigTTL   time.Duration
	OpTimeout   time.Duration
	Compression bool
}

type SettlementConfig struct {
	// BatchingEnabled routes End calls through the aggregator unless the
	// caller explicitly asks for a synchronous settlement.
	BatchingEnabled     bool
	InitialGrantCredits int64
	LedgerTimeout       time.Duration
	NotifyTimeout       time.Duration
	TuningFile          string
}

// RateLimitConfig throttles Start/End per user on the shared Redis.
// It is inert without Redis.
type RateLimitConfig struct {
	Enabled         bool
	UserRate        float64
	UserBurst       int
	UsageKeyLockTTL time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "creditmeter"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		InstanceID:  getenvInt64("INSTANCE_ID", 1),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		AdminToken:  strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OTLPEndpoint:  getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:  strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Cloud: CloudConfig{
			Metrics: CloudMetricsConfig{
				Enabled:   getenvBool("CLOUD_METRICS_ENABLED", false),
				Exporter:  strings.ToLower(getenv("CLOUD_METRICS_EXPORTER", "")),
				Endpoint:  strings.TrimSpace(getenv("CLOUD_METRICS_ENDPOINT", "")),
				AuthToken: strings.TrimSpace(getenv("CLOUD_METRICS_AUTH_TOKEN", "")),
			},
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creditmeter"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		Redis: RedisConfig{
			Addr:      strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:  getenv("REDIS_PASSWORD", ""),
			DB:        getenvInt("REDIS_DB", 0),
			KeyPrefix: getenv("REDIS_KEY_PREFIX", "creditmeter"),
		},
		Kafka: KafkaConfig{
			Brokers:         parseList(getenv("KAFKA_BROKERS", "")),
			SettlementTopic: getenv("KAFKA_SETTLEMENT_TOPIC", "credits.settlement-batch"),
			DeadLetterTopic: getenv("KAFKA_SETTLEMENT_DLQ_TOPIC", "credits.settlement-batch.dlq"),
			ConsumerGroup:   getenv("KAFKA_CONSUMER_GROUP", "creditmeter-settlement"),
			MaxAttempts:     getenvInt("KAFKA_CONSUMER_MAX_ATTEMPTS", 5),
		},
		Cache: CacheConfig{
			LocalSize:   getenvInt("CACHE_LOCAL_SIZE", 4096),
			ConfigTTL:   getenvDuration("CACHE_CONFIG_TTL", 6*time.Hour),
			OpTimeout:   getenvDuration("CACHE_OP_TIMEOUT", 150*time.Millisecond),
			Compression: getenvBool("CACHE_COMPRESSION", true),
		},
		Settlement: SettlementConfig{
			BatchingEnabled:     getenvBool("SETTLEMENT_BATCHING_ENABLED", true),
			InitialGrantCredits: getenvInt64("SETTLEMENT_INITIAL_GRANT_CREDITS", 0),
			LedgerTimeout:       getenvDuration("SETTLEMENT_LEDGER_TIMEOUT", 5*time.Second),
			NotifyTimeout:       getenvDuration("SETTLEMENT_NOTIFY_TIMEOUT", 2*time.Second),
			TuningFile:          getenv("SETTLEMENT_TUNING_FILE", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:         getenvBool("RATE_LIMIT_ENABLED", false),
			UserRate:        getenvFloat("RATE_LIMIT_USER_RATE", 20),
			UserBurst:       getenvInt("RATE_LIMIT_USER_BURST", 40),
			UsageKeyLockTTL: getenvDuration("RATE_LIMIT_USAGE_KEY_LOCK_TTL", 30*time.Second),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
