package app

import (
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
)

// initKafkaProducer создаёт producer, если заданы брокеры.
// Пустой список брокеров не ошибка, возвращается nil, nil.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	brokers = compact(brokers)
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// eventRelay — outbox worker и breaker, через который он публикует.
type eventRelay struct {
	worker  *outbox.Worker
	breaker *kafka.BreakerPublisher
}

// newEventRelay собирает публикацию outbox: основной топик за circuit breaker, DLQ напрямую.
func newEventRelay(cfg Config, producer *kafka.Producer, repo domain.OutboxRepository, m *metrics.StorefrontMetrics, logger *log.Entry) *eventRelay {
	breakerCfg := kafka.BreakerConfig{
		Name:         "kafka-" + cfg.KafkaTopic,
		MaxRequests:  cfg.BreakerMaxRequests,
		Interval:     cfg.BreakerInterval,
		Timeout:      cfg.BreakerTimeout,
		FailureRatio: cfg.BreakerFailureRatio,
		MinRequests:  cfg.BreakerMinRequests,
	}
	breaker := kafka.NewBreakerPublisher(
		kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
		breakerCfg,
		m,
		logger.WithField("component", "kafka-breaker"),
	)

	worker := outbox.NewWorker(
		repo,
		breaker,
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)),
		outbox.WithSourceTopic(cfg.KafkaTopic),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	return &eventRelay{worker: worker, breaker: breaker}
}

// breakerOpen сообщает, что публикация сейчас отклоняется breaker.
func (r *eventRelay) breakerOpen() bool {
	return r != nil && r.breaker.State() == gobreaker.StateOpen
}
