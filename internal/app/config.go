package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	log "github.com/sirupsen/logrus"
)

const (
	// StorageDriverMemory — хранение в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres — хранение в PostgreSQL.
	StorageDriverPostgres = "postgres"
)

// EnvPrefix — общий префикс переменных окружения сервиса.
const EnvPrefix = "STOREFRONT_"

// Config описывает настройки запуска storefront.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr    string `env:"GRPC_ADDR" envDefault:":50051"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	RequestTimeout     time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`

	StorageDriver       string `env:"STORAGE_DRIVER" envDefault:"memory"`
	PostgresDSN         string `env:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `env:"POSTGRES_AUTO_MIGRATE" envDefault:"true"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	RedisTTL      time.Duration `env:"REDIS_PRODUCT_TTL" envDefault:"15m"`

	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic    string   `env:"KAFKA_TOPIC" envDefault:"storefront.order.events"`
	KafkaDLQTopic string   `env:"KAFKA_DLQ_TOPIC" envDefault:"storefront.dlq"`

	BreakerMaxRequests  uint32        `env:"BREAKER_MAX_REQUESTS" envDefault:"1"`
	BreakerInterval     time.Duration `env:"BREAKER_INTERVAL" envDefault:"60s"`
	BreakerTimeout      time.Duration `env:"BREAKER_TIMEOUT" envDefault:"30s"`
	BreakerFailureRatio float64       `env:"BREAKER_FAILURE_RATIO" envDefault:"0.5"`
	BreakerMinRequests  uint32        `env:"BREAKER_MIN_REQUESTS" envDefault:"5"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"3"`
	OutboxRetryDelay   time.Duration `env:"OUTBOX_RETRY_DELAY" envDefault:"100ms"`

	IdempotencyTTL              time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	IdempotencyCleanupInterval  time.Duration `env:"IDEMPOTENCY_CLEANUP_INTERVAL" envDefault:"1m"`
	IdempotencyCleanupBatchSize int           `env:"IDEMPOTENCY_CLEANUP_BATCH_SIZE" envDefault:"1000"`
	IdempotencyProcessingLease  time.Duration `env:"IDEMPOTENCY_PROCESSING_LEASE" envDefault:"2m"`

	CheckoutMaxAttempts   int           `env:"CHECKOUT_MAX_ATTEMPTS" envDefault:"5"`
	CheckoutCommitTimeout time.Duration `env:"CHECKOUT_COMMIT_TIMEOUT" envDefault:"5s"`
}

// DefaultConfig возвращает настройки по умолчанию: память, без Redis и Kafka.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":8080",
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		LogLevel:                    "info",
		RequestTimeout:              30 * time.Second,
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		RedisTTL:                    15 * time.Minute,
		KafkaTopic:                  "storefront.order.events",
		KafkaDLQTopic:               "storefront.dlq",
		BreakerMaxRequests:          1,
		BreakerInterval:             60 * time.Second,
		BreakerTimeout:              30 * time.Second,
		BreakerFailureRatio:         0.5,
		BreakerMinRequests:          5,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            100 * time.Millisecond,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 1000,
		IdempotencyProcessingLease:  2 * time.Minute,
		CheckoutMaxAttempts:         5,
		CheckoutCommitTimeout:       5 * time.Second,
	}
}

// LoadConfig читает переменные STOREFRONT_* из environment.
// Некорректные значения не прерывают запуск: поле получает значение по умолчанию,
// а причина попадает в warnings.
func LoadConfig(environment map[string]string) (Config, []string) {
	// Поле, которое не удалось разобрать, сохраняет значение из DefaultConfig.
	cfg := DefaultConfig()
	var warnings []string

	err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environment,
	})
	if err != nil {
		var aggregate env.AggregateError
		if errors.As(err, &aggregate) {
			for _, fieldErr := range aggregate.Errors {
				warnings = append(warnings, fieldErr.Error())
			}
		} else {
			warnings = append(warnings, err.Error())
		}
	}

	warnings = append(warnings, cfg.Normalize()...)
	return cfg, warnings
}

// Normalize заменяет значения вне допустимого диапазона на значения по умолчанию.
func (c *Config) Normalize() []string {
	def := DefaultConfig()
	var warnings []string
	fallback := func(name string, value any, replacement any) {
		warnings = append(warnings, fmt.Sprintf("invalid %s%s=%v, using default %v", EnvPrefix, name, value, replacement))
	}

	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	if c.StorageDriver == "" {
		c.StorageDriver = def.StorageDriver
	}
	c.PostgresDSN = strings.TrimSpace(c.PostgresDSN)
	if c.HTTPAddr == "" {
		c.HTTPAddr = def.HTTPAddr
	}
	if c.GRPCAddr == "" {
		c.GRPCAddr = def.GRPCAddr
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = def.MetricsAddr
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		fallback("LOG_LEVEL", c.LogLevel, def.LogLevel)
		c.LogLevel = def.LogLevel
	}
	if c.RequestTimeout <= 0 {
		fallback("HTTP_REQUEST_TIMEOUT", c.RequestTimeout, def.RequestTimeout)
		c.RequestTimeout = def.RequestTimeout
	}
	if c.RedisDB < 0 {
		fallback("REDIS_DB", c.RedisDB, def.RedisDB)
		c.RedisDB = def.RedisDB
	}
	if c.RedisTTL <= 0 {
		fallback("REDIS_PRODUCT_TTL", c.RedisTTL, def.RedisTTL)
		c.RedisTTL = def.RedisTTL
	}
	c.KafkaBrokers = compact(c.KafkaBrokers)
	c.CORSAllowedOrigins = compact(c.CORSAllowedOrigins)
	if strings.TrimSpace(c.KafkaTopic) == "" {
		c.KafkaTopic = def.KafkaTopic
	}
	if strings.TrimSpace(c.KafkaDLQTopic) == "" {
		c.KafkaDLQTopic = def.KafkaDLQTopic
	}
	if c.BreakerMaxRequests == 0 {
		fallback("BREAKER_MAX_REQUESTS", c.BreakerMaxRequests, def.BreakerMaxRequests)
		c.BreakerMaxRequests = def.BreakerMaxRequests
	}
	if c.BreakerInterval <= 0 {
		fallback("BREAKER_INTERVAL", c.BreakerInterval, def.BreakerInterval)
		c.BreakerInterval = def.BreakerInterval
	}
	if c.BreakerTimeout <= 0 {
		fallback("BREAKER_TIMEOUT", c.BreakerTimeout, def.BreakerTimeout)
		c.BreakerTimeout = def.BreakerTimeout
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		fallback("BREAKER_FAILURE_RATIO", c.BreakerFailureRatio, def.BreakerFailureRatio)
		c.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if c.BreakerMinRequests == 0 {
		fallback("BREAKER_MIN_REQUESTS", c.BreakerMinRequests, def.BreakerMinRequests)
		c.BreakerMinRequests = def.BreakerMinRequests
	}
	if c.OutboxPollInterval <= 0 {
		fallback("OUTBOX_POLL_INTERVAL", c.OutboxPollInterval, def.OutboxPollInterval)
		c.OutboxPollInterval = def.OutboxPollInterval
	}
	if c.OutboxBatchSize <= 0 {
		fallback("OUTBOX_BATCH_SIZE", c.OutboxBatchSize, def.OutboxBatchSize)
		c.OutboxBatchSize = def.OutboxBatchSize
	}
	if c.OutboxMaxAttempts <= 0 {
		fallback("OUTBOX_MAX_ATTEMPTS", c.OutboxMaxAttempts, def.OutboxMaxAttempts)
		c.OutboxMaxAttempts = def.OutboxMaxAttempts
	}
	if c.OutboxRetryDelay < 0 {
		fallback("OUTBOX_RETRY_DELAY", c.OutboxRetryDelay, def.OutboxRetryDelay)
		c.OutboxRetryDelay = def.OutboxRetryDelay
	}
	if c.IdempotencyTTL <= 0 {
		fallback("IDEMPOTENCY_TTL", c.IdempotencyTTL, def.IdempotencyTTL)
		c.IdempotencyTTL = def.IdempotencyTTL
	}
	if c.IdempotencyCleanupInterval <= 0 {
		fallback("IDEMPOTENCY_CLEANUP_INTERVAL", c.IdempotencyCleanupInterval, def.IdempotencyCleanupInterval)
		c.IdempotencyCleanupInterval = def.IdempotencyCleanupInterval
	}
	if c.IdempotencyCleanupBatchSize <= 0 {
		fallback("IDEMPOTENCY_CLEANUP_BATCH_SIZE", c.IdempotencyCleanupBatchSize, def.IdempotencyCleanupBatchSize)
		c.IdempotencyCleanupBatchSize = def.IdempotencyCleanupBatchSize
	}
	if c.CheckoutMaxAttempts <= 0 {
		fallback("CHECKOUT_MAX_ATTEMPTS", c.CheckoutMaxAttempts, def.CheckoutMaxAttempts)
		c.CheckoutMaxAttempts = def.CheckoutMaxAttempts
	}
	if c.CheckoutCommitTimeout <= 0 {
		fallback("CHECKOUT_COMMIT_TIMEOUT", c.CheckoutCommitTimeout, def.CheckoutCommitTimeout)
		c.CheckoutCommitTimeout = def.CheckoutCommitTimeout
	}
	// Аренда короче фиксации оформления сняла бы ключ у живого запроса.
	if c.IdempotencyProcessingLease <= c.CheckoutCommitTimeout {
		replacement := max(def.IdempotencyProcessingLease, 2*c.CheckoutCommitTimeout)
		fallback("IDEMPOTENCY_PROCESSING_LEASE", c.IdempotencyProcessingLease, replacement)
		c.IdempotencyProcessingLease = replacement
	}
	return warnings
}

// KafkaEnabled сообщает, настроены ли брокеры Kafka.
func (c Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
