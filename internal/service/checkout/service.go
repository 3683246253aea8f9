package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// RetryConfig задаёт повторы фиксации при конкурентном изменении корзины.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

const defaultCommitTimeout = 5 * time.Second

// Options — необязательные параметры сервиса.
type Options struct {
	Logger        *log.Entry
	Metrics       *metrics.StorefrontMetrics
	Retry         RetryConfig
	CommitTimeout time.Duration
	Now           func() time.Time
}

// Service оформляет заказ из корзины.
type Service struct {
	carts         domain.CartRepository
	store         domain.CheckoutStore
	orders        domain.OrderRepository
	numbers       domain.OrderNumberGenerator
	logger        *log.Entry
	metrics       *metrics.StorefrontMetrics
	retry         RetryConfig
	commitTimeout time.Duration
	now           func() time.Time
}

// NewService создаёт сервис оформления.
func NewService(
	carts domain.CartRepository,
	store domain.CheckoutStore,
	orders domain.OrderRepository,
	numbers domain.OrderNumberGenerator,
	opts Options,
) *Service {
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "checkout")
	}
	defaults := DefaultRetryConfig()
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = defaults.MaxAttempts
	}
	if opts.Retry.InitialDelay < 0 {
		opts.Retry.InitialDelay = 0
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = defaults.MaxDelay
	}
	if opts.Retry.BackoffFactor < 1 {
		opts.Retry.BackoffFactor = defaults.BackoffFactor
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = defaultCommitTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		carts:         carts,
		store:         store,
		orders:        orders,
		numbers:       numbers,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		retry:         opts.Retry,
		commitTimeout: opts.CommitTimeout,
		now:           opts.Now,
	}
}

// Checkout превращает корзину в заказ. Заказ, событие order.created и очистка корзины
// фиксируются одной операцией: либо всё, либо ничего.
func (s *Service) Checkout(ctx context.Context, cartID string, customer domain.Customer) (order domain.Order, err error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.CheckoutStarted()
		defer func() {
			s.metrics.CheckoutFinished()
			s.metrics.RecordCheckout(checkoutResult(err), time.Since(start))
			if err == nil {
				s.metrics.RecordOrderAmount(order.TotalAmount.Decimal().InexactFloat64())
			}
		}()
	}

	if err := domain.ValidateCartID(cartID); err != nil {
		return domain.Order{}, err
	}
	customer, err = customer.Normalize()
	if err != nil {
		return domain.Order{}, err
	}

	logger := s.logger.WithField("cart_id", cartID)
	delay := s.retry.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		order, err = s.attempt(ctx, cartID, customer)
		if err == nil {
			logger.WithFields(log.Fields{
				"order_number": order.OrderNumber,
				"total":        order.TotalAmount.String(),
				"items":        len(order.Items),
				"attempt":      attempt,
			}).Info("order placed")
			return order, nil
		}

		reason, retryable := retryReason(err)
		if !retryable {
			return domain.Order{}, s.classify(logger, err)
		}
		lastErr = err
		if s.metrics != nil {
			s.metrics.RecordCheckoutRetry(reason)
		}
		logger.WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"reason":  reason,
		}).Debug("checkout commit conflict, retrying")

		if attempt == s.retry.MaxAttempts || delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return domain.Order{}, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * s.retry.BackoffFactor)
		if delay > s.retry.MaxDelay {
			delay = s.retry.MaxDelay
		}
	}

	if errors.Is(lastErr, domain.ErrOrderNumberConflict) {
		logger.WithError(lastErr).Error("order number allocation kept colliding")
		return domain.Order{}, domain.PersistenceError("allocate order number", lastErr)
	}
	logger.WithField("attempts", s.retry.MaxAttempts).Warn("cart kept changing during checkout")
	return domain.Order{}, domain.ErrCartChanged
}

func (s *Service) attempt(ctx context.Context, cartID string, customer domain.Customer) (domain.Order, error) {
	snapshot, err := s.carts.Snapshot(ctx, cartID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("read cart: %w", err)
	}

	number, err := s.numbers.Next()
	if err != nil {
		return domain.Order{}, domain.PersistenceError("allocate order number", err)
	}
	order, err := domain.NewOrderFromCart(number, customer, snapshot, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	event, err := domain.NewOrderCreatedMessage(order)
	if err != nil {
		return domain.Order{}, err
	}

	// Фиксация не прерывается отменой запроса: транзакция либо завершится, либо откатится по таймауту.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.commitTimeout)
	defer cancel()

	if err := s.store.CommitCheckout(commitCtx, snapshot, order, event); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// GetOrder возвращает заказ по номеру.
func (s *Service) GetOrder(ctx context.Context, orderNumber string) (domain.Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	order, err := s.orders.Get(ctx, orderNumber)
	if err != nil {
		return domain.Order{}, s.classify(s.logger.WithField("order_number", orderNumber), err)
	}
	return order, nil
}

// ListOrders возвращает заказы покупателя по email, новые первыми.
func (s *Service) ListOrders(ctx context.Context, email string, limit int) ([]domain.Order, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, domain.ErrCustomerEmailRequired
	}
	orders, err := s.orders.ListByEmail(ctx, email, limit)
	if err != nil {
		return nil, s.classify(s.logger.WithField("operation", "list_orders"), err)
	}
	return orders, nil
}

// classify пропускает доменные ошибки, остальное логирует и помечает как ошибку хранилища.
func (s *Service) classify(logger *log.Entry, err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrEmptyCart),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	logger.WithError(err).Error("checkout storage operation failed")
	if errors.Is(err, domain.ErrPersistence) {
		return err
	}
	return domain.PersistenceError("checkout", err)
}

func retryReason(err error) (string, bool) {
	switch {
	case errors.Is(err, domain.ErrCartVersionConflict):
		return "cart_version", true
	case errors.Is(err, domain.ErrOrderNumberConflict):
		return "order_number", true
	default:
		return "", false
	}
}

func checkoutResult(err error) string {
	switch {
	case err == nil:
		return metrics.CheckoutResultSuccess
	case errors.Is(err, domain.ErrEmptyCart):
		return metrics.CheckoutResultEmptyCart
	case errors.Is(err, domain.ErrValidation):
		return metrics.CheckoutResultValidation
	case errors.Is(err, domain.ErrConflict):
		return metrics.CheckoutResultConflict
	default:
		return metrics.CheckoutResultError
	}
}
