package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

const orderColumns = `order_number, customer_name, customer_email, total_minor, created_at`

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return inTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		return insertOrderTx(ctx, tx, order)
	})
}

func (r *orderRepository) Get(ctx context.Context, orderNumber string) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_number = $1
	`, orderNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, domain.PersistenceError("select order", err)
	}

	items, err := loadOrderItems(ctx, r.db, order.OrderNumber)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items

	return order, nil
}

func (r *orderRepository) ListByEmail(ctx context.Context, email string, limit int) ([]domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE LOWER(customer_email) = LOWER($1)
		ORDER BY created_at DESC, order_number DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", email, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, email)
	}
	if err != nil {
		return nil, domain.PersistenceError("list orders", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, domain.PersistenceError("scan order row", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.PersistenceError("iterate order rows", err)
	}

	for i := range orders {
		items, err := loadOrderItems(ctx, r.db, orders[i].OrderNumber)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

// insertOrderTx записывает заказ и его позиции. Занятый номер даёт ErrOrderNumberConflict.
func insertOrderTx(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5)
	`,
		order.OrderNumber, order.CustomerName, order.CustomerEmail,
		order.TotalAmount.Minor(), order.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderNumberConflict
		}
		return domain.PersistenceError("insert order", err)
	}

	for i, item := range order.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (
				order_number, position, product_ref, name, unit_price_minor, quantity, image_ref
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
		`,
			order.OrderNumber, i, item.ProductRef, item.Name,
			item.UnitPrice.Minor(), item.Quantity, item.ImageRef,
		); err != nil {
			return domain.PersistenceError("insert order item", err)
		}
	}

	return nil
}

func loadOrderItems(ctx context.Context, q queryer, orderNumber string) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_ref, name, unit_price_minor, quantity, image_ref
		FROM order_items
		WHERE order_number = $1
		ORDER BY position ASC
	`, orderNumber)
	if err != nil {
		return nil, domain.PersistenceError("load order items", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var (
			item  domain.OrderItem
			price int64
		)
		if err := rows.Scan(&item.ProductRef, &item.Name, &price, &item.Quantity, &item.ImageRef); err != nil {
			return nil, domain.PersistenceError("scan order item", err)
		}
		item.UnitPrice = domain.MoneyFromMinor(price)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.PersistenceError("iterate order items", err)
	}

	return items, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order domain.Order
		total int64
	)
	if err := row.Scan(&order.OrderNumber, &order.CustomerName, &order.CustomerEmail, &total, &order.CreatedAt); err != nil {
		return domain.Order{}, err
	}
	order.TotalAmount = domain.MoneyFromMinor(total)
	order.CreatedAt = order.CreatedAt.UTC()
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
