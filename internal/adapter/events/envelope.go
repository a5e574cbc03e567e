package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront-orders/internal/core/domain"
)

const (
	EventsExchange           = "storefront.events"
	OrderPlacedRoutingKey    = "order.placed.v1"
	OrderDeliveredRoutingKey = "order.delivered.v1"
	producerName             = "storefront-orders"

	orderPlacedEventName    = "OrderPlaced"
	orderDeliveredEventName = "OrderDelivered"
	eventVersion            = 1
)

// Envelope wraps every published payload.
type Envelope[T any] struct {
	EventName    string    `json:"eventName"`
	EventVersion int       `json:"eventVersion"`
	EventID      string    `json:"eventId"`
	Producer     string    `json:"producer"`
	PartitionKey string    `json:"partitionKey"`
	OccurredAt   time.Time `json:"occurredAt"`
	Payload      T         `json:"payload"`
}

type OrderLine struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type OrderPlacedPayload struct {
	OrderID    string          `json:"orderId"`
	BuyerID    string          `json:"buyerId"`
	Items      []OrderLine     `json:"items"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type OrderDeliveredPayload struct {
	OrderID     string    `json:"orderId"`
	BuyerID     string    `json:"buyerId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

func newEnvelope[T any](name, partitionKey string, now time.Time, payload T) Envelope[T] {
	return Envelope[T]{
		EventName:    name,
		EventVersion: eventVersion,
		EventID:      uuid.NewString(),
		Producer:     producerName,
		PartitionKey: partitionKey,
		OccurredAt:   now.UTC(),
		Payload:      payload,
	}
}

func BuildOrderPlaced(o domain.Order, now time.Time) Envelope[OrderPlacedPayload] {
	lines := make([]OrderLine, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, OrderLine{ProductID: it.ProductID, Quantity: it.Quantity, Price: it.Price})
	}
	return newEnvelope(orderPlacedEventName, o.ID, now, OrderPlacedPayload{
		OrderID:    o.ID,
		BuyerID:    o.BuyerID,
		Items:      lines,
		TotalPrice: o.TotalPrice,
		CreatedAt:  o.CreatedAt,
	})
}

func BuildOrderDelivered(o domain.Order, now time.Time) Envelope[OrderDeliveredPayload] {
	var at time.Time
	if o.DeliveredAt != nil {
		at = *o.DeliveredAt
	}
	return newEnvelope(orderDeliveredEventName, o.ID, now, OrderDeliveredPayload{
		OrderID:     o.ID,
		BuyerID:     o.BuyerID,
		DeliveredAt: at,
	})
}
