package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPlaced    OrderStatus = "placed"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusDelivered OrderStatus = "delivered"
)

// LineItem is frozen at checkout and never re-synced with the catalog.
type LineItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Image     string          `json:"image"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

func (l LineItem) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type ShippingAddress struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

func (a ShippingAddress) Complete() bool {
	return a.Address != "" && a.City != "" && a.PostalCode != "" && a.Country != ""
}

type Order struct {
	ID              string          `json:"id"`
	BuyerID         string          `json:"buyer"`
	Items           []LineItem      `json:"items"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string          `json:"paymentMethod"`
	ItemsPrice      decimal.Decimal `json:"itemsPrice"`
	TaxPrice        decimal.Decimal `json:"taxPrice"`
	ShippingPrice   decimal.Decimal `json:"shippingPrice"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	IsPaid          bool            `json:"isPaid"`
	IsDelivered     bool            `json:"isDelivered"`
	DeliveredAt     *time.Time      `json:"deliveredAt,omitempty"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// NewOrder builds an order from reserved line items. Items and total prices
// are derived from the lines, never taken from the caller.
func NewOrder(id, buyerID string, items []LineItem, addr ShippingAddress, paymentMethod string, tax, shipping decimal.Decimal, now time.Time) Order {
	lines := make([]LineItem, len(items))
	copy(lines, items)

	itemsPrice := ItemsPrice(lines)
	return Order{
		ID:              id,
		BuyerID:         buyerID,
		Items:           lines,
		ShippingAddress: addr,
		PaymentMethod:   paymentMethod,
		ItemsPrice:      itemsPrice,
		TaxPrice:        tax,
		ShippingPrice:   shipping,
		TotalPrice:      itemsPrice.Add(tax).Add(shipping),
		CreatedAt:       now,
	}
}

// ItemsPrice sums price*quantity over the lines.
func ItemsPrice(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// WholeCents reports whether d fits the two decimal places money is stored with.
func WholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

func (o Order) Status() OrderStatus {
	switch {
	case o.IsDelivered:
		return OrderStatusDelivered
	case o.IsPaid:
		return OrderStatusPaid
	default:
		return OrderStatusPlaced
	}
}

// Validate checks the aggregate invariants of a fully built order.
func (o Order) Validate() error {
	if o.BuyerID == "" {
		return Validation("order has no buyer")
	}
	if len(o.Items) == 0 {
		return Validation("order has no items")
	}
	for _, it := range o.Items {
		if it.Quantity < 1 {
			return Validation("line item quantity must be at least 1")
		}
		if it.Price.IsNegative() {
			return Validation("line item price must not be negative")
		}
	}
	if !o.ItemsPrice.Equal(ItemsPrice(o.Items)) {
		return Validation("items price does not match line items")
	}
	if !o.TotalPrice.Equal(o.ItemsPrice.Add(o.TaxPrice).Add(o.ShippingPrice)) {
		return Validation("total price does not match its components")
	}
	if o.IsDelivered != (o.DeliveredAt != nil) {
		return Validation("deliveredAt must be set exactly when delivered")
	}
	return nil
}
