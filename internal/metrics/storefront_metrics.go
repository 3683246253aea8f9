package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты оформления заказа для метки result.
const (
	CheckoutResultSuccess    = "success"
	CheckoutResultValidation = "validation"
	CheckoutResultEmptyCart  = "empty_cart"
	CheckoutResultConflict   = "conflict"
	CheckoutResultError      = "error"
)

// StorefrontMetrics содержит метрики корзины, оформления заказов и HTTP-слоя.
type StorefrontMetrics struct {
	// Оформление заказов
	checkouts        *prometheus.CounterVec
	checkoutDuration prometheus.Histogram
	checkoutRetries  *prometheus.CounterVec
	orderAmount      prometheus.Histogram
	activeCheckouts  prometheus.Gauge

	// Операции с корзиной
	cartOperations *prometheus.CounterVec

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Публикация событий
	breakerState   *prometheus.GaugeVec
	outboxRejected prometheus.Counter
}

// NewStorefrontMetrics регистрирует метрики в DefaultRegisterer.
func NewStorefrontMetrics() *StorefrontMetrics {
	return NewStorefrontMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewStorefrontMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewStorefrontMetricsWithRegisterer(registerer prometheus.Registerer) *StorefrontMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &StorefrontMetrics{
		checkouts: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_checkouts_total",
			Help: "Total number of checkout attempts by result",
		}, []string{"result"})),
		checkoutDuration: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storefront_checkout_duration_seconds",
			Help:    "Duration of checkout operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		})),
		checkoutRetries: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_checkout_retries_total",
			Help: "Total number of checkout commit retries by reason",
		}, []string{"reason"})),
		orderAmount: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storefront_order_amount",
			Help:    "Total amount of committed orders in currency units",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		})),
		activeCheckouts: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_active_checkouts",
			Help: "Number of checkouts currently in progress",
		})),
		cartOperations: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_cart_operations_total",
			Help: "Total number of cart operations by operation and result",
		}, []string{"operation", "result"})),
		httpRequests: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_http_requests_total",
			Help: "Total number of HTTP requests by method, route and status",
		}, []string{"method", "route", "status"})),
		httpDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"})),
		breakerState: register(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "storefront_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"name"})),
		outboxRejected: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_outbox_breaker_rejected_total",
			Help: "Total number of outbox publishes rejected by an open circuit breaker",
		})),
	}
}

// register регистрирует коллектор; при повторной регистрации возвращает существующий того же типа.
func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			existing, ok := alreadyRegistered.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector already registered with unexpected type %T", alreadyRegistered.ExistingCollector))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector: %v", err))
	}
	return collector
}

// RecordCheckout фиксирует результат и длительность оформления заказа.
func (m *StorefrontMetrics) RecordCheckout(result string, duration time.Duration) {
	m.checkouts.WithLabelValues(result).Inc()
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordCheckoutRetry увеличивает счётчик повторов фиксации.
func (m *StorefrontMetrics) RecordCheckoutRetry(reason string) {
	m.checkoutRetries.WithLabelValues(reason).Inc()
}

// RecordOrderAmount записывает сумму заказа.
func (m *StorefrontMetrics) RecordOrderAmount(amount float64) {
	m.orderAmount.Observe(amount)
}

// CheckoutStarted увеличивает число активных оформлений.
func (m *StorefrontMetrics) CheckoutStarted() {
	m.activeCheckouts.Inc()
}

// CheckoutFinished уменьшает число активных оформлений.
func (m *StorefrontMetrics) CheckoutFinished() {
	m.activeCheckouts.Dec()
}

// RecordCartOperation считает операции корзины: add, update, remove, clear.
func (m *StorefrontMetrics) RecordCartOperation(operation, result string) {
	m.cartOperations.WithLabelValues(operation, result).Inc()
}

// RecordHTTPRequest фиксирует HTTP-запрос. route: шаблон маршрута chi, а не сырой путь.
func (m *StorefrontMetrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, route, fmt.Sprintf("%d", status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetBreakerState выставляет состояние circuit breaker: 0 closed, 1 half-open, 2 open.
func (m *StorefrontMetrics) SetBreakerState(name string, state float64) {
	m.breakerState.WithLabelValues(name).Set(state)
}

// RecordBreakerRejected считает публикации, отклонённые открытым breaker.
func (m *StorefrontMetrics) RecordBreakerRejected() {
	m.outboxRejected.Inc()
}
