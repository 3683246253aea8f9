package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type cartRepository struct {
	db *sql.DB
}

// NewCartRepository создаёт PostgreSQL-реализацию CartRepository.
// Каждая мутация сначала поднимает версию строки carts, что блокирует корзину до конца транзакции.
func NewCartRepository(store *Store) domain.CartRepository {
	return &cartRepository{db: store.DB()}
}

const cartItemColumns = `id, cart_id, product_ref, name, unit_price_minor, quantity, image_ref, created_at, updated_at`

func (r *cartRepository) ListItems(ctx context.Context, cartID string) ([]domain.CartLineItem, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return loadCartItems(ctx, r.db, cartID)
}

func (r *cartRepository) AddItem(ctx context.Context, cartID string, product domain.Product, qty int32) (domain.CartLineItem, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		item    domain.CartLineItem
		created bool
	)
	err := inTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if _, err := touchCartTx(ctx, tx, cartID, now); err != nil {
			return err
		}

		// Слияние по (cart_id, product_ref): снимок товара при конфликте не перезаписывается.
		row := tx.QueryRowContext(ctx, `
			INSERT INTO cart_items (`+cartItemColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
			ON CONFLICT (cart_id, product_ref) DO UPDATE
			SET quantity = cart_items.quantity + EXCLUDED.quantity,
			    updated_at = EXCLUDED.updated_at
			WHERE cart_items.quantity + EXCLUDED.quantity <= $9
			RETURNING `+cartItemColumns+`, (xmax = 0) AS inserted
		`,
			uuid.NewString(), cartID, product.ID, product.Name, product.Price.Minor(),
			qty, product.ImageRef, now, domain.MaxLineQuantity,
		)

		var err error
		item, created, err = scanCartItemWithFlag(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrQuantityTooLarge
			}
			return domain.PersistenceError("upsert cart item", err)
		}
		return nil
	})
	if err != nil {
		return domain.CartLineItem{}, false, err
	}
	return item, created, nil
}

func (r *cartRepository) UpdateQuantity(ctx context.Context, cartID, itemID string, qty int32) (domain.CartLineItem, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var item domain.CartLineItem
	err := inTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if _, err := touchCartTx(ctx, tx, cartID, now); err != nil {
			return err
		}

		var err error
		item, err = scanCartItem(tx.QueryRowContext(ctx, `
			UPDATE cart_items
			SET quantity = $3,
			    updated_at = $4
			WHERE cart_id = $1
			  AND id = $2
			RETURNING `+cartItemColumns,
			cartID, itemID, qty, now,
		))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrCartItemNotFound
			}
			return domain.PersistenceError("update cart item", err)
		}
		return nil
	})
	if err != nil {
		return domain.CartLineItem{}, err
	}
	return item, nil
}

func (r *cartRepository) RemoveItem(ctx context.Context, cartID, itemID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return inTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		if _, err := touchCartTx(ctx, tx, cartID, time.Now().UTC()); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1 AND id = $2`, cartID, itemID)
		if err != nil {
			return domain.PersistenceError("delete cart item", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return domain.PersistenceError("cart item rows affected", err)
		}
		if affected == 0 {
			return domain.ErrCartItemNotFound
		}
		return nil
	})
}

func (r *cartRepository) ClearCart(ctx context.Context, cartID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return inTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		return clearCartTx(ctx, tx, cartID, time.Now().UTC())
	})
}

// Snapshot читает версию и позиции в одной REPEATABLE READ транзакции.
func (r *cartRepository) Snapshot(ctx context.Context, cartID string) (domain.Cart, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	cart := domain.Cart{ID: cartID}
	err := inTx(ctx, r.db, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(tx *sql.Tx) error {
		version, err := cartVersion(ctx, tx, cartID, false)
		if err != nil {
			return err
		}
		items, err := loadCartItems(ctx, tx, cartID)
		if err != nil {
			return err
		}
		cart.Version = version
		cart.Items = items
		return nil
	})
	if err != nil {
		return domain.Cart{}, err
	}
	return cart, nil
}

// touchCartTx создаёт строку корзины при первом обращении либо увеличивает версию.
// Строка остаётся заблокированной до конца транзакции.
func touchCartTx(ctx context.Context, tx *sql.Tx, cartID string, now time.Time) (int64, error) {
	var version int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO carts (id, version, created_at, updated_at)
		VALUES ($1, 1, $2, $2)
		ON CONFLICT (id) DO UPDATE
		SET version = carts.version + 1,
		    updated_at = EXCLUDED.updated_at
		RETURNING version
	`, cartID, now).Scan(&version); err != nil {
		return 0, domain.PersistenceError("touch cart", err)
	}
	return version, nil
}

// clearCartTx удаляет позиции и поднимает версию существующей корзины.
func clearCartTx(ctx context.Context, tx *sql.Tx, cartID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE carts
		SET version = version + 1,
		    updated_at = $2
		WHERE id = $1
	`, cartID, now); err != nil {
		return domain.PersistenceError("bump cart version", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return domain.PersistenceError("clear cart items", err)
	}
	return nil
}

// cartVersion возвращает версию корзины; отсутствующая корзина имеет версию 0.
func cartVersion(ctx context.Context, q queryer, cartID string, forUpdate bool) (int64, error) {
	query := `SELECT version FROM carts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var version int64
	err := q.QueryRowContext(ctx, query, cartID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, domain.PersistenceError("select cart version", err)
	}
	return version, nil
}

func loadCartItems(ctx context.Context, q queryer, cartID string) ([]domain.CartLineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+cartItemColumns+`
		FROM cart_items
		WHERE cart_id = $1
		ORDER BY created_at DESC, id DESC
	`, cartID)
	if err != nil {
		return nil, domain.PersistenceError("list cart items", err)
	}
	defer rows.Close()

	items := make([]domain.CartLineItem, 0)
	for rows.Next() {
		item, err := scanCartItem(rows)
		if err != nil {
			return nil, domain.PersistenceError("scan cart item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.PersistenceError("iterate cart items", err)
	}
	return items, nil
}

func scanCartItem(row rowScanner) (domain.CartLineItem, error) {
	var (
		item  domain.CartLineItem
		price int64
	)
	if err := row.Scan(
		&item.ID, &item.CartID, &item.ProductRef, &item.Name, &price,
		&item.Quantity, &item.ImageRef, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return domain.CartLineItem{}, err
	}
	item.UnitPrice = domain.MoneyFromMinor(price)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

func scanCartItemWithFlag(row rowScanner) (domain.CartLineItem, bool, error) {
	var (
		item     domain.CartLineItem
		price    int64
		inserted bool
	)
	if err := row.Scan(
		&item.ID, &item.CartID, &item.ProductRef, &item.Name, &price,
		&item.Quantity, &item.ImageRef, &item.CreatedAt, &item.UpdatedAt, &inserted,
	); err != nil {
		return domain.CartLineItem{}, false, err
	}
	item.UnitPrice = domain.MoneyFromMinor(price)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, inserted, nil
}

var _ domain.CartRepository = (*cartRepository)(nil)
