package port

import (
	"context"

	"github.com/rl1809/storefront-orders/internal/core/domain"
)

type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, order domain.Order) error
	PublishOrderDelivered(ctx context.Context, order domain.Order) error
}
