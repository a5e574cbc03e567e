package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/storefront-orders/internal/core/domain"
	"github.com/rl1809/storefront-orders/internal/port"
)

//go:embed schema.sql
var Schema string

const (
	errDeadlock   = 1213
	maxTxAttempts = 3
)

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MySQLAdapter is both the inventory ledger and the order repository. Inside
// WithinTx it is bound to one *sql.Tx; otherwise each call opens its own.
type MySQLAdapter struct {
	db *sql.DB
	tx *sql.Tx
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// WithinTx runs fn in one transaction bound to ledger and orders. A deadlock
// aborts the whole transaction server side, so fn is rerun from the start on
// a fresh one, up to maxTxAttempts times.
func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, ledger port.InventoryLedger, orders port.OrderRepository) error) error {
	if m.tx != nil {
		return fn(ctx, m, m)
	}

	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = m.withinTxOnce(ctx, fn)
		if !isDeadlock(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (m *MySQLAdapter) withinTxOnce(ctx context.Context, fn func(ctx context.Context, ledger port.InventoryLedger, orders port.OrderRepository) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	bound := &MySQLAdapter{db: m.db, tx: tx}
	if err := fn(ctx, bound, bound); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isDeadlock(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDeadlock
}

// inTx runs fn on the bound transaction, or on a fresh one committed on success.
func (m *MySQLAdapter) inTx(ctx context.Context, fn func(exec sqlExecutor) error) error {
	if m.tx != nil {
		return fn(m.tx)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) exec() sqlExecutor {
	if m.tx != nil {
		return m.tx
	}
	return m.db
}

// Reserve decrements with a guarded UPDATE. The row lock it takes is held
// until the surrounding transaction ends, serializing buyers of one product.
func (m *MySQLAdapter) Reserve(ctx context.Context, productID string, quantity int) (domain.Snapshot, error) {
	var snap domain.Snapshot

	err := m.inTx(ctx, func(exec sqlExecutor) error {
		result, err := exec.ExecContext(ctx, `
		UPDATE products
		SET count_in_stock = count_in_stock - ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ? AND count_in_stock >= ?`,
			quantity, productID, quantity,
		)
		if err != nil {
			return fmt.Errorf("update stock: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			var available int
			err := exec.QueryRowContext(ctx, `SELECT count_in_stock FROM products WHERE id = ?`, productID).Scan(&available)
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ProductNotFound(productID)
			}
			if err != nil {
				return fmt.Errorf("query stock: %w", err)
			}
			return domain.InsufficientStock(productID, quantity, available)
		}

		snap.ProductID = productID
		err = exec.QueryRowContext(ctx, `SELECT name, image, price FROM products WHERE id = ?`, productID).
			Scan(&snap.Name, &snap.Image, &snap.Price)
		if err != nil {
			return fmt.Errorf("query snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func (m *MySQLAdapter) Release(ctx context.Context, productID string, quantity int) error {
	result, err := m.exec().ExecContext(ctx, `
		UPDATE products
		SET count_in_stock = count_in_stock + ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ?`,
		quantity, productID,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ProductNotFound(productID)
	}
	return nil
}

func (m *MySQLAdapter) SeedProduct(ctx context.Context, p domain.Product) error {
	_, err := m.exec().ExecContext(ctx, `
		INSERT INTO products (id, name, category, image, price, count_in_stock, version)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE name = VALUES(name), category = VALUES(category), image = VALUES(image),
			price = VALUES(price), count_in_stock = VALUES(count_in_stock), version = version + 1, updated_at = NOW(6)`,
		p.ID, p.Name, p.Category, p.Image, p.Price, p.CountInStock,
	)
	if err != nil {
		return fmt.Errorf("seed product: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) Stock(ctx context.Context, productID string) (int, error) {
	var n int
	err := m.exec().QueryRowContext(ctx, `SELECT count_in_stock FROM products WHERE id = ?`, productID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ProductNotFound(productID)
	}
	if err != nil {
		return 0, fmt.Errorf("query stock: %w", err)
	}
	return n, nil
}

func (m *MySQLAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	return m.inTx(ctx, func(exec sqlExecutor) error {
		a := order.ShippingAddress
		_, err := exec.ExecContext(ctx, `
		INSERT INTO orders (id, buyer_id, shipping_address, shipping_city, shipping_postal_code, shipping_country,
			payment_method, items_price, tax_price, shipping_price, total_price, is_paid, is_delivered,
			delivered_at, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.BuyerID, a.Address, a.City, a.PostalCode, a.Country,
			order.PaymentMethod, order.ItemsPrice, order.TaxPrice, order.ShippingPrice, order.TotalPrice,
			order.IsPaid, order.IsDelivered, order.DeliveredAt, order.IdempotencyKey, order.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for i, it := range order.Items {
			_, err = exec.ExecContext(ctx, `
		INSERT INTO order_items (order_id, position, product_id, name, image, price, quantity)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
				order.ID, i, it.ProductID, it.Name, it.Image, it.Price, it.Quantity,
			)
			if err != nil {
				return fmt.Errorf("insert order_item: %w", err)
			}
		}
		return nil
	})
}

const selectOrders = `
		SELECT o.id, o.buyer_id, o.shipping_address, o.shipping_city, o.shipping_postal_code, o.shipping_country,
			o.payment_method, o.items_price, o.tax_price, o.shipping_price, o.total_price,
			o.is_paid, o.is_delivered, o.delivered_at, o.idempotency_key, o.created_at,
			i.product_id, i.name, i.image, i.price, i.quantity
		FROM orders o
		JOIN order_items i ON i.order_id = o.id`

const orderByNewest = `
		ORDER BY o.created_at DESC, o.id, i.position`

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	orders, err := m.queryOrders(ctx, selectOrders+`
		WHERE o.id = ?`+orderByNewest, orderID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, domain.OrderNotFound(orderID)
	}
	return &orders[0], nil
}

func (m *MySQLAdapter) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error) {
	return m.queryOrders(ctx, selectOrders+`
		WHERE o.buyer_id = ?`+orderByNewest, buyerID)
}

func (m *MySQLAdapter) ListOrders(ctx context.Context) ([]domain.Order, error) {
	return m.queryOrders(ctx, selectOrders+orderByNewest)
}

// queryOrders folds joined order/item rows back into orders. Rows of one
// order are contiguous because of the ORDER BY.
func (m *MySQLAdapter) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := m.exec().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	orders := []domain.Order{}
	for rows.Next() {
		var (
			o           domain.Order
			it          domain.LineItem
			deliveredAt sql.NullTime
		)
		a := &o.ShippingAddress
		if err := rows.Scan(
			&o.ID, &o.BuyerID, &a.Address, &a.City, &a.PostalCode, &a.Country,
			&o.PaymentMethod, &o.ItemsPrice, &o.TaxPrice, &o.ShippingPrice, &o.TotalPrice,
			&o.IsPaid, &o.IsDelivered, &deliveredAt, &o.IdempotencyKey, &o.CreatedAt,
			&it.ProductID, &it.Name, &it.Image, &it.Price, &it.Quantity,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}

		if n := len(orders); n > 0 && orders[n-1].ID == o.ID {
			orders[n-1].Items = append(orders[n-1].Items, it)
			continue
		}
		if deliveredAt.Valid {
			at := deliveredAt.Time
			o.DeliveredAt = &at
		}
		o.Items = []domain.LineItem{it}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return orders, nil
}

func (m *MySQLAdapter) MarkDelivered(ctx context.Context, orderID string, at time.Time) (*domain.Order, error) {
	_, err := m.exec().ExecContext(ctx, `
		UPDATE orders
		SET is_delivered = TRUE, delivered_at = COALESCE(delivered_at, ?)
		WHERE id = ?`,
		at, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}
	return m.GetOrder(ctx, orderID)
}
