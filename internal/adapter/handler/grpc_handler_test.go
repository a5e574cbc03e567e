package handler

import (
	"context"
	"net"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/storefront-orders/internal/core/domain"
)

func startGRPC(t *testing.T) *grpc.ClientConn {
	t.Helper()
	svc, _ := newTestService(t)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ForceServerCodec(JSONCodec{}))
	RegisterOrderServiceServer(srv, NewGRPCHandler(svc, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(ctx context.Context, conn *grpc.ClientConn, method string, req, reply any) error {
	return conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, reply)
}

func withIdentity(userID, role string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), MetadataUserID, userID, MetadataUserRole, role)
}

func grpcPlaceRequest(qty int) *PlaceOrderRequest {
	items := decimal.RequireFromString("20").Mul(decimal.NewFromInt(int64(qty)))
	return &PlaceOrderRequest{
		OrderItems:      []orderItemRequest{{Product: "lamp", Quantity: qty}},
		ShippingAddress: domain.ShippingAddress{Address: "1 Main St", City: "Oslo", PostalCode: "0150", Country: "NO"},
		PaymentMethod:   "Card",
		ItemsPrice:      items,
		TaxPrice:        decimal.Zero,
		ShippingPrice:   decimal.Zero,
		TotalPrice:      items,
	}
}

func TestGRPC_PlaceAndDeliver(t *testing.T) {
	conn := startGRPC(t)
	buyer := withIdentity("u1", "buyer")
	admin := withIdentity("root", "admin")

	var placed OrderReply
	require.NoError(t, call(buyer, conn, "PlaceOrder", grpcPlaceRequest(2), &placed))
	require.NotNil(t, placed.Order)
	assert.Equal(t, "u1", placed.Order.BuyerID)
	assert.True(t, placed.Order.TotalPrice.Equal(decimal.NewFromInt(40)))

	var mine OrdersReply
	require.NoError(t, call(buyer, conn, "ListMyOrders", &ListOrdersRequest{}, &mine))
	require.Len(t, mine.Orders, 1)

	var got OrderReply
	require.NoError(t, call(buyer, conn, "GetOrder", &GetOrderRequest{OrderID: placed.Order.ID}, &got))
	assert.Equal(t, placed.Order.ID, got.Order.ID)

	var all OrdersReply
	require.NoError(t, call(admin, conn, "ListAllOrders", &ListOrdersRequest{Buyer: "u1"}, &all))
	require.Len(t, all.Orders, 1)

	var delivered OrderReply
	require.NoError(t, call(admin, conn, "MarkDelivered", &MarkDeliveredRequest{OrderID: placed.Order.ID}, &delivered))
	assert.True(t, delivered.Order.IsDelivered)
	require.NotNil(t, delivered.Order.DeliveredAt)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	conn := startGRPC(t)
	buyer := withIdentity("u1", "buyer")

	tests := []struct {
		name   string
		ctx    context.Context
		method string
		req    any
		code   codes.Code
	}{
		{"no identity", context.Background(), "PlaceOrder", grpcPlaceRequest(1), codes.Unauthenticated},
		{"admin cannot buy", withIdentity("root", "admin"), "PlaceOrder", grpcPlaceRequest(1), codes.PermissionDenied},
		{"out of stock", buyer, "PlaceOrder", grpcPlaceRequest(5), codes.FailedPrecondition},
		{"empty cart", buyer, "PlaceOrder", &PlaceOrderRequest{PaymentMethod: "Card"}, codes.InvalidArgument},
		{"buyer cannot deliver", buyer, "MarkDelivered", &MarkDeliveredRequest{OrderID: "x"}, codes.PermissionDenied},
		{"unknown order", withIdentity("root", "admin"), "GetOrder", &GetOrderRequest{OrderID: "x"}, codes.NotFound},
		{"buyer cannot list all", buyer, "ListAllOrders", &ListOrdersRequest{}, codes.PermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reply OrderReply
			err := call(tt.ctx, conn, tt.method, tt.req, &reply)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}
