package httpapi

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
)

// CartService — операции над корзиной владельца.
type CartService interface {
	List(ctx context.Context, cartID string) ([]domain.CartLineItem, error)
	Add(ctx context.Context, cartID, productRef string, qty int32) (domain.CartLineItem, bool, error)
	UpdateQuantity(ctx context.Context, cartID, itemID string, qty int32) (domain.CartLineItem, error)
	Remove(ctx context.Context, cartID, itemID string) error
	Clear(ctx context.Context, cartID string) error
}

// CheckoutService оформляет заказы и читает журнал заказов.
type CheckoutService interface {
	Checkout(ctx context.Context, cartID string, customer domain.Customer) (domain.Order, error)
	GetOrder(ctx context.Context, orderNumber string) (domain.Order, error)
	ListOrders(ctx context.Context, email string, limit int) ([]domain.Order, error)
}

// CatalogService управляет каталогом товаров.
type CatalogService interface {
	Create(ctx context.Context, product domain.Product) (domain.Product, error)
	Get(ctx context.Context, id string) (domain.Product, error)
	List(ctx context.Context) ([]domain.Product, error)
	Update(ctx context.Context, product domain.Product) (domain.Product, error)
	Delete(ctx context.Context, id string) error
}

// Handler реализует HTTP-обработчики storefront API.
type Handler struct {
	carts    CartService
	checkout CheckoutService
	catalog  CatalogService
	guard    *idempotency.Guard
	logger   *log.Entry
}

// NewHandler создаёт обработчики. guard может быть nil: тогда Idempotency-Key игнорируется.
func NewHandler(carts CartService, checkout CheckoutService, catalog CatalogService, guard *idempotency.Guard, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	return &Handler{
		carts:    carts,
		checkout: checkout,
		catalog:  catalog,
		guard:    guard,
		logger:   logger,
	}
}
