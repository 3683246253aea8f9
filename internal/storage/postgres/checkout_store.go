package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type checkoutStore struct {
	db *sql.DB
}

// NewCheckoutStore создаёт PostgreSQL-реализацию CheckoutStore.
func NewCheckoutStore(store *Store) domain.CheckoutStore {
	return &checkoutStore{db: store.DB()}
}

// CommitCheckout в одной транзакции блокирует корзину, сверяет версию,
// пишет заказ с событием outbox и очищает корзину.
func (s *checkoutStore) CommitCheckout(ctx context.Context, cart domain.Cart, order domain.Order, event domain.OutboxMessage) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return inTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		current, err := cartVersion(ctx, tx, cart.ID, true)
		if err != nil {
			return err
		}
		if current != cart.Version {
			return domain.ErrCartVersionConflict
		}

		if err := insertOrderTx(ctx, tx, order); err != nil {
			return err
		}
		if _, err := insertOutboxTx(ctx, tx, event); err != nil {
			return err
		}
		return clearCartTx(ctx, tx, cart.ID, time.Now().UTC())
	})
}

var _ domain.CheckoutStore = (*checkoutStore)(nil)
