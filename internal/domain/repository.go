package domain

import "context"

// ProductRepository — хранилище каталога товаров.
type ProductRepository interface {
	Create(ctx context.Context, product Product) (Product, error)
	// Get возвращает товар или ErrProductNotFound.
	Get(ctx context.Context, id string) (Product, error)
	List(ctx context.Context) ([]Product, error)
	Update(ctx context.Context, product Product) (Product, error)
	Delete(ctx context.Context, id string) error
}

// CartRepository — хранилище позиций корзин. Все операции выполняются в рамках одной корзины
// и сериализуются относительно друг друга.
type CartRepository interface {
	// ListItems возвращает позиции корзины от новых к старым.
	ListItems(ctx context.Context, cartID string) ([]CartLineItem, error)
	// AddItem атомарно увеличивает количество существующей позиции по product.ID либо создаёт новую
	// со снимком полей товара. created=true, если позиция создана.
	AddItem(ctx context.Context, cartID string, product Product, qty int32) (item CartLineItem, created bool, err error)
	// UpdateQuantity устанавливает количество абсолютно; ErrCartItemNotFound для неизвестной позиции.
	UpdateQuantity(ctx context.Context, cartID, itemID string, qty int32) (CartLineItem, error)
	// RemoveItem удаляет позицию; ErrCartItemNotFound для неизвестной позиции.
	RemoveItem(ctx context.Context, cartID, itemID string) error
	// ClearCart удаляет все позиции. Пустая или отсутствующая корзина не считается ошибкой.
	ClearCart(ctx context.Context, cartID string) error
	// Snapshot возвращает согласованный снимок позиций вместе с версией корзины.
	Snapshot(ctx context.Context, cartID string) (Cart, error)
}

// CheckoutStore фиксирует оформление заказа одной атомарной операцией.
type CheckoutStore interface {
	// CommitCheckout сохраняет заказ и событие outbox и очищает корзину, только если версия
	// корзины совпадает с cart.Version. Иначе ErrCartVersionConflict.
	// При занятом номере заказа возвращает ErrOrderNumberConflict, ничего не меняя.
	CommitCheckout(ctx context.Context, cart Cart, order Order, event OutboxMessage) error
}

// OrderRepository — журнал заказов, только создание и чтение.
type OrderRepository interface {
	// Create добавляет заказ; ErrOrderNumberConflict, если номер занят.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по номеру или ErrOrderNotFound.
	Get(ctx context.Context, orderNumber string) (Order, error)
	// ListByEmail возвращает заказы покупателя, новые первыми. limit<=0 означает без ограничения.
	ListByEmail(ctx context.Context, email string, limit int) ([]Order, error)
}
