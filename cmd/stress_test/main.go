package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/storefront-orders/internal/adapter/storage"
	"github.com/rl1809/storefront-orders/internal/core/domain"
	"github.com/rl1809/storefront-orders/internal/core/service"
	"github.com/rl1809/storefront-orders/internal/port"
)

const productID = "stress-test-item"

type ledger interface {
	port.InventoryLedger
	storage.ProductSeeder
	Stock(ctx context.Context, productID string) (int, error)
}

func main() {
	backend := flag.String("backend", "memory", "ledger backend: memory or redis")
	redisAddr := flag.String("redis", "localhost:6379", "redis address")
	initialStock := flag.Int("stock", 20, "initial stock")
	totalRequests := flag.Int("requests", 50, "concurrent buyers")
	quantity := flag.Int("qty", 1, "units per order")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ctx := context.Background()
	orders := storage.NewMemoryAdapter()

	var stock ledger = orders
	if *backend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		defer rdb.Close()
		stock = storage.NewRedisAdapter(rdb)
	}

	price := decimal.RequireFromString("9.99")
	if err := stock.SeedProduct(ctx, domain.Product{
		ID: productID, Name: "Stress Test Item", Price: price, CountInStock: *initialStock,
	}); err != nil {
		logger.Fatal("failed to seed product", zap.Error(err))
	}

	orderService := service.NewOrderService(stock, orders, zap.NewNop())

	itemsPrice := price.Mul(decimal.NewFromInt(int64(*quantity)))
	req := service.PlaceOrderRequest{
		Items:           []service.CartLine{{ProductID: productID, Quantity: *quantity}},
		ShippingAddress: domain.ShippingAddress{Address: "1 Load St", City: "Bench", PostalCode: "00000", Country: "XX"},
		PaymentMethod:   "PayPal",
		Prices:          service.DeclaredPrices{ItemsPrice: itemsPrice, TotalPrice: itemsPrice},
	}

	// Counters
	var successCount, soldOutCount, otherCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			buyer := domain.Identity{UserID: fmt.Sprintf("user-%d", n), Role: domain.RoleBuyer}
			_, err := orderService.PlaceOrder(ctx, buyer, req)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				otherCount.Add(1)
				logger.Error("unexpected failure", zap.Error(err))
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := int(successCount.Load())
	expected := min(*initialStock / *quantity, *totalRequests)
	finalStock, err := stock.Stock(ctx, productID)
	if err != nil {
		logger.Fatal("failed to read stock", zap.Error(err))
	}
	placed, _ := orders.ListOrders(ctx)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Backend:          %s\n", *backend)
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d x %d units\n", *totalRequests, *quantity)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOutCount.Load())
	fmt.Printf("Other Errors:     %d\n", otherCount.Load())
	fmt.Printf("Orders Stored:    %d\n", len(placed))
	fmt.Printf("Final Stock:      %d\n", finalStock)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	ok := true
	if success != expected || len(placed) != success {
		fmt.Printf("FAIL: expected %d orders, got %d (stored %d)\n", expected, success, len(placed))
		ok = false
	}
	if finalStock != *initialStock-success*(*quantity) || finalStock < 0 {
		fmt.Printf("FAIL: final stock %d does not match %d sold units\n", finalStock, success*(*quantity))
		ok = false
	}
	if !ok {
		os.Exit(1)
	}
	fmt.Println("PASS: no overselling")
}
