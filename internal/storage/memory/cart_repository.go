package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// cartState — позиции одной корзины и её версия.
type cartState struct {
	version   int64
	items     map[string]domain.CartLineItem
	byProduct map[string]string
}

func newCartState() *cartState {
	return &cartState{
		items:     make(map[string]domain.CartLineItem),
		byProduct: make(map[string]string),
	}
}

// cartLocked возвращает корзину, создавая пустую при первом обращении. Вызывать под s.mu.Lock.
func (s *Store) cartLocked(cartID string) *cartState {
	cart, ok := s.carts[cartID]
	if !ok {
		cart = newCartState()
		s.carts[cartID] = cart
	}
	return cart
}

// ListItems возвращает позиции корзины от новых к старым.
func (s *Store) ListItems(_ context.Context, cartID string) ([]domain.CartLineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.itemsLocked(cartID), nil
}

func (s *Store) itemsLocked(cartID string) []domain.CartLineItem {
	cart, ok := s.carts[cartID]
	if !ok {
		return []domain.CartLineItem{}
	}
	items := make([]domain.CartLineItem, 0, len(cart.items))
	for _, item := range cart.items {
		items = append(items, item)
	}
	domain.SortLineItems(items)
	return items
}

// AddItem увеличивает количество существующей позиции или создаёт новую со снимком товара.
func (s *Store) AddItem(_ context.Context, cartID string, product domain.Product, qty int32) (domain.CartLineItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart := s.cartLocked(cartID)
	now := s.now()

	if id, ok := cart.byProduct[product.ID]; ok {
		item := cart.items[id]
		// Снимок цены и названия при слиянии не обновляется.
		if int64(item.Quantity)+int64(qty) > int64(domain.MaxLineQuantity) {
			return domain.CartLineItem{}, false, domain.ErrQuantityTooLarge
		}
		item.Quantity += qty
		item.UpdatedAt = now
		cart.items[id] = item
		cart.version++
		return item, false, nil
	}

	item := domain.NewCartLineItem(uuid.NewString(), cartID, product, qty, now)
	cart.items[item.ID] = item
	cart.byProduct[product.ID] = item.ID
	cart.version++
	return item, true, nil
}

// UpdateQuantity устанавливает количество позиции.
func (s *Store) UpdateQuantity(_ context.Context, cartID, itemID string, qty int32) (domain.CartLineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.carts[cartID]
	if !ok {
		return domain.CartLineItem{}, domain.ErrCartItemNotFound
	}
	item, ok := cart.items[itemID]
	if !ok {
		return domain.CartLineItem{}, domain.ErrCartItemNotFound
	}

	item.Quantity = qty
	item.UpdatedAt = s.now()
	cart.items[itemID] = item
	cart.version++
	return item, nil
}

// RemoveItem удаляет позицию из корзины.
func (s *Store) RemoveItem(_ context.Context, cartID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.carts[cartID]
	if !ok {
		return domain.ErrCartItemNotFound
	}
	item, ok := cart.items[itemID]
	if !ok {
		return domain.ErrCartItemNotFound
	}

	delete(cart.items, itemID)
	delete(cart.byProduct, item.ProductRef)
	cart.version++
	return nil
}

// ClearCart удаляет все позиции; повторный вызов безопасен.
func (s *Store) ClearCart(_ context.Context, cartID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked(cartID)
	return nil
}

func (s *Store) clearLocked(cartID string) {
	cart, ok := s.carts[cartID]
	if !ok {
		return
	}
	cart.items = make(map[string]domain.CartLineItem)
	cart.byProduct = make(map[string]string)
	cart.version++
}

// Snapshot возвращает копию позиций вместе с текущей версией.
func (s *Store) Snapshot(_ context.Context, cartID string) (domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := domain.Cart{ID: cartID, Items: s.itemsLocked(cartID)}
	if cart, ok := s.carts[cartID]; ok {
		snapshot.Version = cart.version
	}
	return snapshot, nil
}

// CommitCheckout под одним мьютексом проверяет версию, пишет заказ и outbox, очищает корзину.
func (s *Store) CommitCheckout(_ context.Context, snapshot domain.Cart, order domain.Order, event domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if cart, ok := s.carts[snapshot.ID]; ok {
		current = cart.version
	}
	if current != snapshot.Version {
		return domain.ErrCartVersionConflict
	}
	if _, exists := s.orders[order.OrderNumber]; exists {
		return domain.ErrOrderNumberConflict
	}

	s.orders[order.OrderNumber] = cloneOrder(order)
	s.enqueueLocked(event)
	s.clearLocked(snapshot.ID)
	return nil
}
