package port

import (
	"context"

	"github.com/rl1809/storefront-orders/internal/core/domain"
)

type InventoryLedger interface {
	// Reserve atomically takes quantity units of a product and returns its
	// snapshot. Fails with domain.ErrProductNotFound or domain.ErrInsufficientStock.
	Reserve(ctx context.Context, productID string, quantity int) (domain.Snapshot, error)

	// Release gives back units taken by Reserve
	Release(ctx context.Context, productID string, quantity int) error
}
