package cart

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// Операции корзины для метрик и логов.
const (
	opAdd    = "add"
	opUpdate = "update"
	opRemove = "remove"
	opClear  = "clear"
)

// Service — операции над корзиной, ограниченные ключом владельца.
type Service struct {
	carts    domain.CartRepository
	products domain.ProductRepository
	logger   *log.Entry
	metrics  *metrics.StorefrontMetrics
}

// NewService создаёт сервис корзины. metrics может быть nil.
func NewService(carts domain.CartRepository, products domain.ProductRepository, m *metrics.StorefrontMetrics, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "cart-service")
	}
	return &Service{
		carts:    carts,
		products: products,
		logger:   logger,
		metrics:  m,
	}
}

// List возвращает позиции корзины, новые первыми.
func (s *Service) List(ctx context.Context, cartID string) ([]domain.CartLineItem, error) {
	if err := domain.ValidateCartID(cartID); err != nil {
		return nil, err
	}
	items, err := s.carts.ListItems(ctx, cartID)
	if err != nil {
		return nil, s.storageError("list", cartID, err)
	}
	return items, nil
}

// Add добавляет товар или увеличивает количество существующей позиции.
// created=true означает новую позицию.
func (s *Service) Add(ctx context.Context, cartID, productRef string, qty int32) (domain.CartLineItem, bool, error) {
	item, created, err := s.add(ctx, cartID, productRef, qty)
	s.record(opAdd, err)
	return item, created, err
}

func (s *Service) add(ctx context.Context, cartID, productRef string, qty int32) (domain.CartLineItem, bool, error) {
	if err := domain.ValidateCartID(cartID); err != nil {
		return domain.CartLineItem{}, false, err
	}
	productRef = strings.TrimSpace(productRef)
	if productRef == "" {
		return domain.CartLineItem{}, false, domain.ErrProductRefRequired
	}
	if err := domain.ValidateQuantity(qty); err != nil {
		return domain.CartLineItem{}, false, err
	}

	product, err := s.products.Get(ctx, productRef)
	if err != nil {
		return domain.CartLineItem{}, false, s.storageError(opAdd, cartID, err)
	}

	item, created, err := s.carts.AddItem(ctx, cartID, product, qty)
	if err != nil {
		return domain.CartLineItem{}, false, s.storageError(opAdd, cartID, err)
	}

	s.logger.WithFields(log.Fields{
		"cart_id":     cartID,
		"product_ref": productRef,
		"item_id":     item.ID,
		"quantity":    item.Quantity,
		"created":     created,
	}).Debug("cart item added")
	return item, created, nil
}

// UpdateQuantity устанавливает количество позиции.
func (s *Service) UpdateQuantity(ctx context.Context, cartID, itemID string, qty int32) (domain.CartLineItem, error) {
	item, err := s.updateQuantity(ctx, cartID, itemID, qty)
	s.record(opUpdate, err)
	return item, err
}

func (s *Service) updateQuantity(ctx context.Context, cartID, itemID string, qty int32) (domain.CartLineItem, error) {
	if err := domain.ValidateCartID(cartID); err != nil {
		return domain.CartLineItem{}, err
	}
	if err := domain.ValidateQuantity(qty); err != nil {
		return domain.CartLineItem{}, err
	}
	item, err := s.carts.UpdateQuantity(ctx, cartID, itemID, qty)
	if err != nil {
		return domain.CartLineItem{}, s.storageError(opUpdate, cartID, err)
	}
	return item, nil
}

// Remove удаляет позицию из корзины.
func (s *Service) Remove(ctx context.Context, cartID, itemID string) error {
	err := s.remove(ctx, cartID, itemID)
	s.record(opRemove, err)
	return err
}

func (s *Service) remove(ctx context.Context, cartID, itemID string) error {
	if err := domain.ValidateCartID(cartID); err != nil {
		return err
	}
	if err := s.carts.RemoveItem(ctx, cartID, itemID); err != nil {
		return s.storageError(opRemove, cartID, err)
	}
	return nil
}

// Clear очищает корзину. Повторная очистка не ошибка.
func (s *Service) Clear(ctx context.Context, cartID string) error {
	err := s.clear(ctx, cartID)
	s.record(opClear, err)
	return err
}

func (s *Service) clear(ctx context.Context, cartID string) error {
	if err := domain.ValidateCartID(cartID); err != nil {
		return err
	}
	if err := s.carts.ClearCart(ctx, cartID); err != nil {
		return s.storageError(opClear, cartID, err)
	}
	return nil
}

// storageError пропускает доменные ошибки как есть, остальное логирует и помечает как ошибку хранилища.
func (s *Service) storageError(op, cartID string, err error) error {
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		return err
	}
	s.logger.WithError(err).WithFields(log.Fields{
		"operation": op,
		"cart_id":   cartID,
	}).Error("cart storage operation failed")
	if errors.Is(err, domain.ErrPersistence) {
		return err
	}
	return domain.PersistenceError("cart "+op, err)
}

func (s *Service) record(op string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordCartOperation(op, resultLabel(err))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
