package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "storefront.order.events"
	TopicDeadLetterQueue = "storefront.dlq" // Dead Letter Queue для неопубликованных событий
)

// Kafka headers для DLQ и повторной публикации
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OutboxEnvelope — формат сообщения в topic событий заказов.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewOutboxEnvelope упаковывает outbox-сообщение для публикации.
func NewOutboxEnvelope(msg domain.OutboxMessage, publishedAt time.Time) OutboxEnvelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return OutboxEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// Message восстанавливает outbox-сообщение из конверта.
func (e OutboxEnvelope) Message() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       append([]byte(nil), e.Payload...),
	}
}

// DeadLetter — событие, которое outbox-воркер не смог опубликовать.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	OriginalTopic string          `json:"original_topic"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"failed_at"`
}

// NewDeadLetter строит DLQ-запись для сообщения и последней ошибки публикации.
func NewDeadLetter(msg domain.OutboxMessage, originalTopic string, cause error, attempts int, failedAt time.Time) DeadLetter {
	dl := DeadLetter{
		OutboxID:      msg.ID,
		OriginalTopic: originalTopic,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		Attempts:      attempts,
		FailedAt:      failedAt.UTC(),
	}
	if len(dl.Payload) == 0 {
		dl.Payload = json.RawMessage("{}")
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	return dl
}

// Envelope возвращает конверт для повторной публикации в исходный topic.
func (d DeadLetter) Envelope(publishedAt time.Time) OutboxEnvelope {
	return OutboxEnvelope{
		ID:            d.OutboxID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		EventType:     d.EventType,
		Payload:       d.Payload,
		PublishedAt:   publishedAt.UTC(),
	}
}
