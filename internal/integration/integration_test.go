package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront-orders/internal/adapter/storage"
	"github.com/rl1809/storefront-orders/internal/core/domain"
	"github.com/rl1809/storefront-orders/internal/core/service"
)

type testEnv struct {
	redis   *redis.Client
	mysql   *sql.DB
	cache   *storage.RedisAdapter
	db      *storage.MySQLAdapter
	dsn     string
	cleanup func()
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/storefront?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	adapter := storage.NewMySQLAdapter(db)
	if err := adapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return &testEnv{
		redis: rdb,
		mysql: db,
		cache: storage.NewRedisAdapter(rdb),
		db:    adapter,
		dsn:   mysqlDSN,
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

func placeRequest(productID string, qty int, price decimal.Decimal) service.PlaceOrderRequest {
	items := price.Mul(decimal.NewFromInt(int64(qty)))
	return service.PlaceOrderRequest{
		Items:           []service.CartLine{{ProductID: productID, Quantity: qty}},
		ShippingAddress: domain.ShippingAddress{Address: "1 Main St", City: "Oslo", PostalCode: "0150", Country: "NO"},
		PaymentMethod:   "PayPal",
		Prices:          service.DeclaredPrices{ItemsPrice: items, TotalPrice: items},
	}
}

func buyer(n int) domain.Identity {
	return domain.Identity{UserID: fmt.Sprintf("it-buyer-%d", n), Role: domain.RoleBuyer}
}

func TestIntegration_MySQLTransactionFlow(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	productID := "integration-" + uuid.NewString()
	initialStock := 10
	price := decimal.RequireFromString("12.00")

	if err := env.db.SeedProduct(ctx, domain.Product{ID: productID, Name: "Integration", Price: price, CountInStock: initialStock}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc := service.NewOrderService(nil, nil, nil, service.WithTransactor(env.db))

	var successCount atomic.Int32
	var wg sync.WaitGroup
	totalRequests := 20

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.PlaceOrder(ctx, buyer(n), placeRequest(productID, 1, price))
			if err == nil {
				successCount.Add(1)
				return
			}
			if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successful orders, got %d", initialStock, successCount.Load())
	}

	stock, _ := env.db.Stock(ctx, productID)
	if stock != 0 {
		t.Errorf("expected MySQL stock 0, got %d", stock)
	}

	var orderCount int
	env.mysql.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_items WHERE product_id = ?`, productID).Scan(&orderCount)
	if orderCount != initialStock {
		t.Errorf("expected %d order lines in MySQL, got %d", initialStock, orderCount)
	}
}

func TestIntegration_RedisReleasedWhenMySQLFails(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	productID := "rollback-" + uuid.NewString()
	initialStock := 5
	price := decimal.RequireFromString("3.50")

	if err := env.cache.SeedProduct(ctx, domain.Product{ID: productID, Price: price, CountInStock: initialStock}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	defer env.redis.Del(ctx, "product:"+productID)

	// an order repository whose pool is already closed
	closed, err := sql.Open("mysql", env.dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	closed.Close()

	svc := service.NewOrderService(env.cache, storage.NewMySQLAdapter(closed), nil)

	_, err = svc.PlaceOrder(ctx, buyer(0), placeRequest(productID, 2, price))
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got: %v", err)
	}

	stock, _ := env.cache.Stock(ctx, productID)
	if stock != initialStock {
		t.Errorf("expected Redis stock %d after compensation, got %d", initialStock, stock)
	}
}

func TestIntegration_IdempotencyPreventsDoubleOrder(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	productID := "idempotency-" + uuid.NewString()
	price := decimal.RequireFromString("1.00")
	key := "same-request-" + uuid.NewString()

	if err := env.cache.SeedProduct(ctx, domain.Product{ID: productID, Price: price, CountInStock: 10}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	defer env.redis.Del(ctx, "product:"+productID)

	svc := service.NewOrderService(env.cache, env.db, nil, service.WithIdempotency(env.cache))

	req := placeRequest(productID, 1, price)
	req.IdempotencyKey = key

	if _, err := svc.PlaceOrder(ctx, buyer(1), req); err != nil {
		t.Fatalf("first order failed: %v", err)
	}

	_, err := svc.PlaceOrder(ctx, buyer(1), req)
	if !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Errorf("expected duplicate request, got: %v", err)
	}

	stock, _ := env.cache.Stock(ctx, productID)
	if stock != 9 {
		t.Errorf("expected stock 9, got %d", stock)
	}
}
