package port

import (
	"context"
	"time"

	"github.com/rl1809/storefront-orders/internal/core/domain"
)

type OrderRepository interface {
	// CreateOrder persists a new order with its line items
	CreateOrder(ctx context.Context, order domain.Order) error

	// GetOrder returns domain.ErrOrderNotFound for unknown ids
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// ListOrdersByBuyer returns a buyer's orders, newest first
	ListOrdersByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error)

	// ListOrders returns every order, newest first
	ListOrders(ctx context.Context) ([]domain.Order, error)

	// MarkDelivered flags the order delivered. deliveredAt is only written
	// the first time.
	MarkDelivered(ctx context.Context, orderID string, at time.Time) (*domain.Order, error)
}

// Transactor runs fn inside one storage transaction in which ledger and
// order writes commit or roll back together.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, ledger InventoryLedger, orders OrderRepository) error) error
}
