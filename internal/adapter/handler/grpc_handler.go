package handler

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/storefront-orders/internal/core/domain"
	"github.com/rl1809/storefront-orders/internal/core/service"
)

const (
	ServiceName = "storefront.orders.v1.OrderService"

	MetadataUserID         = "x-user-id"
	MetadataUserRole       = "x-user-role"
	MetadataIdempotencyKey = "idempotency-key"
)

type GetOrderRequest struct {
	OrderID string `json:"orderId"`
}

type ListOrdersRequest struct {
	// Buyer narrows ListAllOrders to one buyer.
	Buyer string `json:"buyer,omitempty"`
}

type MarkDeliveredRequest struct {
	OrderID string `json:"orderId"`
}

type OrderReply struct {
	Order *domain.Order `json:"order"`
}

type OrdersReply struct {
	Orders []domain.Order `json:"orders"`
}

// OrderServiceServer is the gRPC surface of the order service.
type OrderServiceServer interface {
	PlaceOrder(context.Context, *PlaceOrderRequest) (*OrderReply, error)
	GetOrder(context.Context, *GetOrderRequest) (*OrderReply, error)
	ListMyOrders(context.Context, *ListOrdersRequest) (*OrdersReply, error)
	ListAllOrders(context.Context, *ListOrdersRequest) (*OrdersReply, error)
	MarkDelivered(context.Context, *MarkDeliveredRequest) (*OrderReply, error)
}

type GRPCHandler struct {
	orderService *service.OrderService
	logger       *zap.Logger
}

func NewGRPCHandler(orderService *service.OrderService, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{orderService: orderService, logger: logger}
}

func identityFromContext(ctx context.Context) domain.Identity {
	md, _ := metadata.FromIncomingContext(ctx)
	return domain.Identity{
		UserID: first(md.Get(MetadataUserID)),
		Role:   domain.ParseRole(first(md.Get(MetadataUserRole))),
	}
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (h *GRPCHandler) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderReply, error) {
	md, _ := metadata.FromIncomingContext(ctx)

	in := service.PlaceOrderRequest{
		Items:           make([]service.CartLine, 0, len(req.OrderItems)),
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		Prices: service.DeclaredPrices{
			ItemsPrice:    req.ItemsPrice,
			TaxPrice:      req.TaxPrice,
			ShippingPrice: req.ShippingPrice,
			TotalPrice:    req.TotalPrice,
		},
		IdempotencyKey: first(md.Get(MetadataIdempotencyKey)),
	}
	for _, it := range req.OrderItems {
		in.Items = append(in.Items, service.CartLine{ProductID: it.Product, Quantity: it.Quantity})
	}

	order, err := h.orderService.PlaceOrder(ctx, identityFromContext(ctx), in)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &OrderReply{Order: order}, nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *GetOrderRequest) (*OrderReply, error) {
	order, err := h.orderService.GetOrder(ctx, identityFromContext(ctx), req.OrderID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &OrderReply{Order: order}, nil
}

func (h *GRPCHandler) ListMyOrders(ctx context.Context, _ *ListOrdersRequest) (*OrdersReply, error) {
	orders, err := h.orderService.ListMyOrders(ctx, identityFromContext(ctx))
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &OrdersReply{Orders: orders}, nil
}

func (h *GRPCHandler) ListAllOrders(ctx context.Context, req *ListOrdersRequest) (*OrdersReply, error) {
	var (
		orders []domain.Order
		err    error
	)
	if req.Buyer != "" {
		orders, err = h.orderService.ListOrdersOfBuyer(ctx, identityFromContext(ctx), req.Buyer)
	} else {
		orders, err = h.orderService.ListAllOrders(ctx, identityFromContext(ctx))
	}
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &OrdersReply{Orders: orders}, nil
}

func (h *GRPCHandler) MarkDelivered(ctx context.Context, req *MarkDeliveredRequest) (*OrderReply, error) {
	order, err := h.orderService.MarkDelivered(ctx, identityFromContext(ctx), req.OrderID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &OrderReply{Order: order}, nil
}

func grpcCode(kind domain.Kind) codes.Code {
	switch kind {
	case domain.KindUnauthenticated:
		return codes.Unauthenticated
	case domain.KindForbidden:
		return codes.PermissionDenied
	case domain.KindValidation:
		return codes.InvalidArgument
	case domain.KindProductNotFound, domain.KindOrderNotFound:
		return codes.NotFound
	case domain.KindInsufficientStock, domain.KindPriceMismatch:
		return codes.FailedPrecondition
	case domain.KindDuplicateRequest:
		return codes.AlreadyExists
	default:
		return codes.Unavailable
	}
}

func (h *GRPCHandler) toStatus(err error) error {
	kind := domain.KindOf(err)
	if kind == domain.KindStorageUnavailable {
		h.logger.Error("rpc failed", zap.Error(err))
		return status.Error(codes.Unavailable, string(kind))
	}
	return status.Errorf(grpcCode(kind), "%s: %v", kind, err)
}

// RegisterOrderServiceServer attaches srv to s under ServiceName.
func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PlaceOrder", Handler: unary("PlaceOrder", func(srv OrderServiceServer, ctx context.Context, req *PlaceOrderRequest) (any, error) {
			return srv.PlaceOrder(ctx, req)
		})},
		{MethodName: "GetOrder", Handler: unary("GetOrder", func(srv OrderServiceServer, ctx context.Context, req *GetOrderRequest) (any, error) {
			return srv.GetOrder(ctx, req)
		})},
		{MethodName: "ListMyOrders", Handler: unary("ListMyOrders", func(srv OrderServiceServer, ctx context.Context, req *ListOrdersRequest) (any, error) {
			return srv.ListMyOrders(ctx, req)
		})},
		{MethodName: "ListAllOrders", Handler: unary("ListAllOrders", func(srv OrderServiceServer, ctx context.Context, req *ListOrdersRequest) (any, error) {
			return srv.ListAllOrders(ctx, req)
		})},
		{MethodName: "MarkDelivered", Handler: unary("MarkDelivered", func(srv OrderServiceServer, ctx context.Context, req *MarkDeliveredRequest) (any, error) {
			return srv.MarkDelivered(ctx, req)
		})},
	},
	Streams: []grpc.StreamDesc{},
}

// unary adapts a typed method to grpc's method handler shape.
func unary[Req any](method string, call func(OrderServiceServer, context.Context, *Req) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*Req))
		})
	}
}
