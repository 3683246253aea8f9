package kafka

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// ErrBreakerOpen возвращается, пока breaker не пропускает публикации.
var ErrBreakerOpen = gobreaker.ErrOpenState

// BreakerConfig — параметры circuit breaker для публикации.
type BreakerConfig struct {
	Name string
	// MaxRequests — сколько публикаций пропускается в half-open.
	MaxRequests uint32
	// Interval — период сброса счётчиков в closed; 0 означает без сброса.
	Interval time.Duration
	// Timeout — сколько breaker остаётся open до перехода в half-open.
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerConfig возвращает настройки по умолчанию.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// BreakerPublisher защищает OutboxPublisher circuit breaker'ом,
// чтобы outbox-воркер не долбил недоступный брокер.
type BreakerPublisher struct {
	next    domain.OutboxPublisher
	breaker *gobreaker.CircuitBreaker[struct{}]
	metrics *metrics.StorefrontMetrics
	logger  *log.Entry
}

// NewBreakerPublisher оборачивает паблишер. metrics может быть nil.
func NewBreakerPublisher(next domain.OutboxPublisher, cfg BreakerConfig, m *metrics.StorefrontMetrics, logger *log.Entry) *BreakerPublisher {
	if logger == nil {
		logger = log.WithField("component", "outbox-breaker")
	}
	if cfg.Name == "" {
		cfg.Name = "kafka-outbox"
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		// Отмена контекста не говорит о здоровье брокера.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
			if m != nil {
				m.SetBreakerState(name, stateToFloat(to))
			}
		},
	}

	if m != nil {
		m.SetBreakerState(cfg.Name, 0)
	}

	return &BreakerPublisher{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
		metrics: m,
		logger:  logger,
	}
}

// Publish передаёт событие дальше, если breaker закрыт или полуоткрыт.
func (p *BreakerPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.next.Publish(ctx, event)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if p.metrics != nil {
			p.metrics.RecordBreakerRejected()
		}
		return ErrBreakerOpen
	}
	return err
}

// State возвращает текущее состояние breaker.
func (p *BreakerPublisher) State() gobreaker.State {
	return p.breaker.State()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

var _ domain.OutboxPublisher = (*BreakerPublisher)(nil)
