package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/storefront-orders/internal/core/domain"
	"github.com/rl1809/storefront-orders/internal/port"
)

const tracerName = "github.com/rl1809/storefront-orders/internal/core/service"

// DefaultPriceTolerance is the rounding slack allowed between declared and
// recomputed prices.
var DefaultPriceTolerance = decimal.RequireFromString("0.01")

type CartLine struct {
	ProductID string
	Quantity  int
}

// DeclaredPrices are the totals the client computed at checkout.
type DeclaredPrices struct {
	ItemsPrice    decimal.Decimal
	TaxPrice      decimal.Decimal
	ShippingPrice decimal.Decimal
	TotalPrice    decimal.Decimal
}

type PlaceOrderRequest struct {
	Items           []CartLine
	ShippingAddress domain.ShippingAddress
	PaymentMethod   string
	Prices          DeclaredPrices
	IdempotencyKey  string
}

type OrderService struct {
	ledger    port.InventoryLedger
	orders    port.OrderRepository
	tx        port.Transactor
	idem      port.IdempotencyStore
	events    port.EventPublisher
	logger    *zap.Logger
	tracer    trace.Tracer
	tolerance decimal.Decimal
	now       func() time.Time
	newID     func() string
}

type Option func(*OrderService)

// WithTransactor makes reservation and order persistence commit as one
// storage transaction.
func WithTransactor(tx port.Transactor) Option {
	return func(s *OrderService) { s.tx = tx }
}

func WithIdempotency(store port.IdempotencyStore) Option {
	return func(s *OrderService) { s.idem = store }
}

func WithEventPublisher(p port.EventPublisher) Option {
	return func(s *OrderService) { s.events = p }
}

func WithPriceTolerance(d decimal.Decimal) Option {
	return func(s *OrderService) { s.tolerance = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *OrderService) { s.now = now }
}

func NewOrderService(ledger port.InventoryLedger, orders port.OrderRepository, logger *zap.Logger, opts ...Option) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &OrderService{
		ledger:    ledger,
		orders:    orders,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		tolerance: DefaultPriceTolerance,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OrderService) PlaceOrder(ctx context.Context, id domain.Identity, req PlaceOrderRequest) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.place", trace.WithAttributes(
		attribute.String("buyer.id", id.UserID),
		attribute.Int("order.lines", len(req.Items)),
	))
	defer span.End()

	order, err := s.placeOrder(ctx, id, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return nil, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("buyer_id", order.BuyerID),
		zap.Int("lines", len(order.Items)),
		zap.String("total_price", order.TotalPrice.StringFixed(2)))

	s.publish(ctx, "order placed", order, s.eventsPlaced)
	return &order, nil
}

func (s *OrderService) placeOrder(ctx context.Context, id domain.Identity, req PlaceOrderRequest) (domain.Order, error) {
	if err := authorizePlaceOrder(id); err != nil {
		return domain.Order{}, err
	}
	if err := validatePlaceOrder(req); err != nil {
		return domain.Order{}, err
	}

	idemKey := ""
	if req.IdempotencyKey != "" && s.idem != nil {
		idemKey = fmt.Sprintf("order:%s:%s", id.UserID, req.IdempotencyKey)
		ok, err := s.idem.SetIdempotency(ctx, idemKey)
		if err != nil {
			return domain.Order{}, domain.StorageUnavailable("idempotency check failed", err)
		}
		if !ok {
			return domain.Order{}, domain.DuplicateRequest(req.IdempotencyKey)
		}
	}

	var (
		order domain.Order
		err   error
	)
	if s.tx != nil {
		err = s.tx.WithinTx(ctx, func(ctx context.Context, ledger port.InventoryLedger, orders port.OrderRepository) error {
			var txErr error
			order, txErr = s.reserveAndPersist(ctx, ledger, orders, id, req, false)
			return txErr
		})
		err = domain.StorageUnavailable("order transaction failed", err)
	} else {
		order, err = s.reserveAndPersist(ctx, s.ledger, s.orders, id, req, true)
	}

	if err != nil && idemKey != "" {
		if clearErr := s.idem.ClearIdempotency(context.WithoutCancel(ctx), idemKey); clearErr != nil {
			s.logger.Warn("failed to clear idempotency key",
				zap.String("key", idemKey),
				zap.Error(clearErr))
		}
	}
	return order, err
}

// reserveAndPersist reserves every line in cart order, verifies the declared
// prices against the reserved snapshots and writes the order. With release
// set, any failure releases what was already reserved before returning.
// Inside a storage transaction release is off: the rollback returns the
// stock, and a release sent after the server aborted the transaction would
// run outside it and commit.
func (s *OrderService) reserveAndPersist(ctx context.Context, ledger port.InventoryLedger, orders port.OrderRepository, id domain.Identity, req PlaceOrderRequest, release bool) (domain.Order, error) {
	reserved := make([]domain.LineItem, 0, len(req.Items))
	undo := func(cause error) error {
		if !release {
			return cause
		}
		return s.compensate(ctx, ledger, reserved, cause)
	}

	for _, line := range req.Items {
		snap, err := ledger.Reserve(ctx, line.ProductID, line.Quantity)
		if err != nil {
			return domain.Order{}, undo(domain.StorageUnavailable("reserve stock", err))
		}
		reserved = append(reserved, domain.LineItem{
			ProductID: line.ProductID,
			Name:      snap.Name,
			Image:     snap.Image,
			Price:     snap.Price,
			Quantity:  line.Quantity,
		})
	}

	if err := s.verifyPrices(reserved, req.Prices); err != nil {
		return domain.Order{}, undo(err)
	}

	order := domain.NewOrder(s.newID(), id.UserID, reserved, req.ShippingAddress, req.PaymentMethod,
		req.Prices.TaxPrice, req.Prices.ShippingPrice, s.now().UTC())
	order.IdempotencyKey = req.IdempotencyKey
	if err := order.Validate(); err != nil {
		return domain.Order{}, undo(err)
	}

	if err := orders.CreateOrder(ctx, order); err != nil {
		return domain.Order{}, undo(domain.StorageUnavailable("persist order", err))
	}
	return order, nil
}

// compensate releases reservations in reverse order. It runs detached from
// cancellation so a dropped request still returns its stock.
func (s *OrderService) compensate(ctx context.Context, ledger port.InventoryLedger, reserved []domain.LineItem, cause error) error {
	ctx = context.WithoutCancel(ctx)
	errs := []error{cause}

	for i := len(reserved) - 1; i >= 0; i-- {
		line := reserved[i]
		if err := ledger.Release(ctx, line.ProductID, line.Quantity); err != nil {
			s.logger.Error("CRITICAL: stock release failed",
				zap.String("product_id", line.ProductID),
				zap.Int("quantity", line.Quantity),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("release %s: %w", line.ProductID, err))
			continue
		}
		s.logger.Debug("released reservation",
			zap.String("product_id", line.ProductID),
			zap.Int("quantity", line.Quantity))
	}

	if len(errs) == 1 {
		return cause
	}
	return errors.Join(errs...)
}

func (s *OrderService) verifyPrices(lines []domain.LineItem, declared DeclaredPrices) error {
	items := domain.ItemsPrice(lines)
	if items.Sub(declared.ItemsPrice).Abs().GreaterThan(s.tolerance) {
		return domain.PriceMismatch(fmt.Sprintf("declared items price %s does not match %s",
			declared.ItemsPrice.StringFixed(2), items.StringFixed(2)))
	}

	total := items.Add(declared.TaxPrice).Add(declared.ShippingPrice)
	if total.Sub(declared.TotalPrice).Abs().GreaterThan(s.tolerance) {
		return domain.PriceMismatch(fmt.Sprintf("declared total price %s does not match %s",
			declared.TotalPrice.StringFixed(2), total.StringFixed(2)))
	}
	return nil
}

func validatePlaceOrder(req PlaceOrderRequest) error {
	if len(req.Items) == 0 {
		return domain.Validation("no order items")
	}
	for i, line := range req.Items {
		if line.ProductID == "" {
			return domain.Validation(fmt.Sprintf("item %d: product id is required", i))
		}
		if line.Quantity < 1 {
			return domain.Validation(fmt.Sprintf("item %d: quantity must be at least 1", i))
		}
	}
	if !req.ShippingAddress.Complete() {
		return domain.Validation("shipping address requires address, city, postal code and country")
	}
	if req.PaymentMethod == "" {
		return domain.Validation("payment method is required")
	}
	p := req.Prices
	if p.ItemsPrice.IsNegative() || p.TaxPrice.IsNegative() || p.ShippingPrice.IsNegative() || p.TotalPrice.IsNegative() {
		return domain.Validation("prices must not be negative")
	}
	for _, d := range []decimal.Decimal{p.ItemsPrice, p.TaxPrice, p.ShippingPrice, p.TotalPrice} {
		if !domain.WholeCents(d) {
			return domain.Validation(fmt.Sprintf("price %s has more than two decimal places", d.String()))
		}
	}
	return nil
}

func (s *OrderService) ListMyOrders(ctx context.Context, id domain.Identity) ([]domain.Order, error) {
	if !id.Authenticated() {
		return nil, domain.Unauthenticated()
	}
	return s.listByBuyer(ctx, id, id.UserID)
}

func (s *OrderService) ListOrdersOfBuyer(ctx context.Context, id domain.Identity, buyerID string) ([]domain.Order, error) {
	if err := authorizeAdmin(id); err != nil {
		return nil, err
	}
	return s.listByBuyer(ctx, id, buyerID)
}

func (s *OrderService) listByBuyer(ctx context.Context, id domain.Identity, buyerID string) ([]domain.Order, error) {
	if err := authorizeReadOrdersOf(id, buyerID); err != nil {
		return nil, err
	}
	orders, err := s.orders.ListOrdersByBuyer(ctx, buyerID)
	if err != nil {
		return nil, domain.StorageUnavailable("list orders", err)
	}
	return orders, nil
}

func (s *OrderService) ListAllOrders(ctx context.Context, id domain.Identity) ([]domain.Order, error) {
	if err := authorizeAdmin(id); err != nil {
		return nil, err
	}
	orders, err := s.orders.ListOrders(ctx)
	if err != nil {
		return nil, domain.StorageUnavailable("list orders", err)
	}
	return orders, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id domain.Identity, orderID string) (*domain.Order, error) {
	if !id.Authenticated() {
		return nil, domain.Unauthenticated()
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, domain.StorageUnavailable("get order", err)
	}
	if err := authorizeReadOrdersOf(id, order.BuyerID); err != nil {
		return nil, err
	}
	return order, nil
}

// MarkDelivered moves an order to delivered. Repeating it succeeds without
// touching the original deliveredAt.
func (s *OrderService) MarkDelivered(ctx context.Context, id domain.Identity, orderID string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.deliver", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	if err := authorizeAdmin(id); err != nil {
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return nil, err
	}

	current, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		err = domain.StorageUnavailable("get order", err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return nil, err
	}
	if current.IsDelivered {
		return current, nil
	}

	updated, err := s.orders.MarkDelivered(ctx, orderID, s.now().UTC())
	if err != nil {
		err = domain.StorageUnavailable("mark delivered", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return nil, err
	}

	s.logger.Info("order delivered",
		zap.String("order_id", updated.ID),
		zap.String("admin_id", id.UserID))

	s.publish(ctx, "order delivered", *updated, s.eventsDelivered)
	return updated, nil
}

func (s *OrderService) eventsPlaced(ctx context.Context, o domain.Order) error {
	return s.events.PublishOrderPlaced(ctx, o)
}

func (s *OrderService) eventsDelivered(ctx context.Context, o domain.Order) error {
	return s.events.PublishOrderDelivered(ctx, o)
}

// publish never fails the operation: the order is already committed.
func (s *OrderService) publish(ctx context.Context, what string, o domain.Order, fn func(context.Context, domain.Order) error) {
	if s.events == nil {
		return
	}
	if err := fn(ctx, o); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("event", what),
			zap.String("order_id", o.ID),
			zap.Error(err))
	}
}
