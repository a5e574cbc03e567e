package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/storefront-orders/internal/core/domain"
)

type stockEntry struct {
	mu      sync.Mutex
	product domain.Product
}

// MemoryAdapter keeps products, orders and idempotency keys in process. Each
// product carries its own mutex so reservations on different products do not
// contend.
type MemoryAdapter struct {
	mu          sync.RWMutex
	products    map[string]*stockEntry
	orders      map[string]domain.Order
	idempotency map[string]struct{}
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		products:    make(map[string]*stockEntry),
		orders:      make(map[string]domain.Order),
		idempotency: make(map[string]struct{}),
	}
}

func (m *MemoryAdapter) SeedProduct(ctx context.Context, p domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.products[p.ID]; ok {
		e.mu.Lock()
		e.product = p
		e.mu.Unlock()
		return nil
	}
	m.products[p.ID] = &stockEntry{product: p}
	return nil
}

func (m *MemoryAdapter) Stock(ctx context.Context, productID string) (int, error) {
	e, ok := m.entry(productID)
	if !ok {
		return 0, domain.ProductNotFound(productID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.product.CountInStock, nil
}

func (m *MemoryAdapter) entry(productID string) (*stockEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.products[productID]
	return e, ok
}

func (m *MemoryAdapter) Reserve(ctx context.Context, productID string, quantity int) (domain.Snapshot, error) {
	e, ok := m.entry(productID)
	if !ok {
		return domain.Snapshot{}, domain.ProductNotFound(productID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.product.CountInStock < quantity {
		return domain.Snapshot{}, domain.InsufficientStock(productID, quantity, e.product.CountInStock)
	}
	e.product.CountInStock -= quantity
	e.product.Version++
	return e.product.Snapshot(), nil
}

func (m *MemoryAdapter) Release(ctx context.Context, productID string, quantity int) error {
	e, ok := m.entry(productID)
	if !ok {
		return domain.ProductNotFound(productID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.product.CountInStock += quantity
	e.product.Version++
	return nil
}

func (m *MemoryAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *MemoryAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, domain.OrderNotFound(orderID)
	}
	out := cloneOrder(o)
	return &out, nil
}

func (m *MemoryAdapter) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error) {
	return m.list(func(o domain.Order) bool { return o.BuyerID == buyerID }), nil
}

func (m *MemoryAdapter) ListOrders(ctx context.Context) ([]domain.Order, error) {
	return m.list(func(domain.Order) bool { return true }), nil
}

func (m *MemoryAdapter) list(keep func(domain.Order) bool) []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryAdapter) MarkDelivered(ctx context.Context, orderID string, at time.Time) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, domain.OrderNotFound(orderID)
	}
	o.IsDelivered = true
	if o.DeliveredAt == nil {
		o.DeliveredAt = &at
	}
	m.orders[orderID] = o

	out := cloneOrder(o)
	return &out, nil
}

func (m *MemoryAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.idempotency[key]; ok {
		return false, nil
	}
	m.idempotency[key] = struct{}{}
	return true, nil
}

func (m *MemoryAdapter) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotency, key)
	return nil
}

func cloneOrder(o domain.Order) domain.Order {
	items := make([]domain.LineItem, len(o.Items))
	copy(items, o.Items)
	o.Items = items
	if o.DeliveredAt != nil {
		at := *o.DeliveredAt
		o.DeliveredAt = &at
	}
	return o
}
