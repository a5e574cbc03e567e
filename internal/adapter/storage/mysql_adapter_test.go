package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/storefront-orders/internal/core/domain"
	"github.com/rl1809/storefront-orders/internal/core/service"
	"github.com/rl1809/storefront-orders/internal/port"
)

func newMock(t *testing.T) (*MySQLAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMySQLAdapter(db), mock
}

var orderColumns = []string{
	"id", "buyer_id", "shipping_address", "shipping_city", "shipping_postal_code", "shipping_country",
	"payment_method", "items_price", "tax_price", "shipping_price", "total_price",
	"is_paid", "is_delivered", "delivered_at", "idempotency_key", "created_at",
	"product_id", "name", "image", "price", "quantity",
}

func TestReserve_Success(t *testing.T) {
	adapter, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products").
		WithArgs(2, "p1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT name, image, price FROM products").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "image", "price"}).AddRow("Keyboard", "/img/k.png", "49.99"))
	mock.ExpectCommit()

	snap, err := adapter.Reserve(context.Background(), "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, "Keyboard", snap.Name)
	assert.Equal(t, "/img/k.png", snap.Image)
	assert.True(t, snap.Price.Equal(decimal.RequireFromString("49.99")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserve_InsufficientStock(t *testing.T) {
	adapter, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products").
		WithArgs(5, "p1", 5).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT count_in_stock FROM products").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"count_in_stock"}).AddRow(3))
	mock.ExpectRollback()

	_, err := adapter.Reserve(context.Background(), "p1", 5)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, 2, derr.Shortfall())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserve_ProductNotFound(t *testing.T) {
	adapter, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products").
		WithArgs(1, "ghost", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT count_in_stock FROM products").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"count_in_stock"}))
	mock.ExpectRollback()

	_, err := adapter.Reserve(context.Background(), "ghost", 1)
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserve_ExecError(t *testing.T) {
	adapter, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products").WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	_, err := adapter.Reserve(context.Background(), "p1", 1)
	require.Error(t, err)
	assert.Equal(t, domain.KindStorageUnavailable, domain.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease(t *testing.T) {
	adapter, mock := newMock(t)

	mock.ExpectExec("UPDATE products").
		WithArgs(3, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE products").
		WithArgs(1, "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, adapter.Release(context.Background(), "p1", 3))
	require.ErrorIs(t, adapter.Release(context.Background(), "gone", 1), domain.ErrProductNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func sampleOrder(now time.Time) domain.Order {
	return domain.NewOrder("order-1", "buyer-1", []domain.LineItem{
		{ProductID: "p1", Name: "Keyboard", Price: decimal.RequireFromString("49.99"), Quantity: 2},
		{ProductID: "p2", Name: "Mouse", Price: decimal.RequireFromString("15.50"), Quantity: 1},
	}, domain.ShippingAddress{Address: "1 Main St", City: "Oslo", PostalCode: "0150", Country: "NO"},
		"PayPal", decimal.RequireFromString("5.00"), decimal.RequireFromString("10.00"), now)
}

func TestCreateOrder(t *testing.T) {
	adapter, mock := newMock(t)
	o := sampleOrder(time.Now())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WithArgs(o.ID, o.BuyerID, "1 Main St", "Oslo", "0150", "NO", "PayPal",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			false, false, nil, "", o.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO order_items").
		WithArgs(o.ID, 0, "p1", "Keyboard", "", sqlmock.AnyArg(), 2).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO order_items").
		WithArgs(o.ID, 1, "p2", "Mouse", "", sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, adapter.CreateOrder(context.Background(), o))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrder_ItemInsertErrorRollsBack(t *testing.T) {
	adapter, mock := newMock(t)
	o := sampleOrder(time.Now())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO order_items").WillReturnError(errors.New("item insert failed"))
	mock.ExpectRollback()

	require.Error(t, adapter.CreateOrder(context.Background(), o))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_CommitsReservationAndOrderTogether(t *testing.T) {
	adapter, mock := newMock(t)
	o := sampleOrder(time.Now())

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products").WithArgs(2, "p1", 2).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT name, image, price FROM products").
		WillReturnRows(sqlmock.NewRows([]string{"name", "image", "price"}).AddRow("Keyboard", "", "49.99"))
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO order_items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO order_items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := adapter.WithinTx(context.Background(), func(ctx context.Context, ledger port.InventoryLedger, orders port.OrderRepository) error {
		if _, err := ledger.Reserve(ctx, "p1", 2); err != nil {
			return err
		}
		return orders.CreateOrder(ctx, o)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	adapter, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products").WithArgs(1, "p1", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT name, image, price FROM products").
		WillReturnRows(sqlmock.NewRows([]string{"name", "image", "price"}).AddRow("Keyboard", "", "49.99"))
	mock.ExpectRollback()

	boom := errors.New("persist failed")
	err := adapter.WithinTx(context.Background(), func(ctx context.Context, ledger port.InventoryLedger, orders port.OrderRepository) error {
		if _, err := ledger.Reserve(ctx, "p1", 1); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrder_FoldsItems(t *testing.T) {
	adapter, mock := newMock(t)
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(orderColumns).
		AddRow("order-1", "buyer-1", "1 Main St", "Oslo", "0150", "NO", "PayPal", "115.48", "5.00", "10.00", "130.48",
			false, false, nil, "", created, "p1", "Keyboard", "", "49.99", 2).
		AddRow("order-1", "buyer-1", "1 Main St", "Oslo", "0150", "NO", "PayPal", "115.48", "5.00", "10.00", "130.48",
			false, false, nil, "", created, "p2", "Mouse", "", "15.50", 1)
	mock.ExpectQuery("FROM orders o").WithArgs("order-1").WillReturnRows(rows)

	o, err := adapter.GetOrder(context.Background(), "order-1")
	require.NoError(t, err)
	require.Len(t, o.Items, 2)
	assert.Equal(t, "p1", o.Items[0].ProductID)
	assert.Equal(t, "p2", o.Items[1].ProductID)
	assert.Equal(t, "Oslo", o.ShippingAddress.City)
	assert.Nil(t, o.DeliveredAt)
	require.NoError(t, o.Validate())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrder_NotFound(t *testing.T) {
	adapter, mock := newMock(t)
	mock.ExpectQuery("FROM orders o").WithArgs("missing").WillReturnRows(sqlmock.NewRows(orderColumns))

	_, err := adapter.GetOrder(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListOrdersByBuyer_NewestFirst(t *testing.T) {
	adapter, mock := newMock(t)
	older := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	rows := sqlmock.NewRows(orderColumns).
		AddRow("order-2", "buyer-1", "a", "b", "c", "d", "card", "10.00", "0", "0", "10.00",
			false, false, nil, "", newer, "p1", "Keyboard", "", "10.00", 1).
		AddRow("order-1", "buyer-1", "a", "b", "c", "d", "card", "20.00", "0", "0", "20.00",
			false, true, older, "", older, "p1", "Keyboard", "", "10.00", 2)
	mock.ExpectQuery("WHERE o.buyer_id = \\?").WithArgs("buyer-1").WillReturnRows(rows)

	orders, err := adapter.ListOrdersByBuyer(context.Background(), "buyer-1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "order-2", orders[0].ID)
	assert.Equal(t, "order-1", orders[1].ID)
	require.NotNil(t, orders[1].DeliveredAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListOrders_Empty(t *testing.T) {
	adapter, mock := newMock(t)
	mock.ExpectQuery("FROM orders o").WillReturnRows(sqlmock.NewRows(orderColumns))

	orders, err := adapter.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDelivered_KeepsFirstTimestamp(t *testing.T) {
	adapter, mock := newMock(t)
	first := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	at := first.Add(24 * time.Hour)

	mock.ExpectExec("COALESCE\\(delivered_at").
		WithArgs(at, "order-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM orders o").WithArgs("order-1").WillReturnRows(
		sqlmock.NewRows(orderColumns).AddRow("order-1", "buyer-1", "a", "b", "c", "d", "card", "10.00", "0", "0", "10.00",
			false, true, first, "", first.Add(-time.Hour), "p1", "Keyboard", "", "10.00", 1))

	o, err := adapter.MarkDelivered(context.Background(), "order-1", at)
	require.NoError(t, err)
	assert.True(t, o.IsDelivered)
	require.NotNil(t, o.DeliveredAt)
	assert.True(t, o.DeliveredAt.Equal(first))
	require.NoError(t, mock.ExpectationsWereMet())
}

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/storefront?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	return db
}

func TestMySQL_ReserveNeverOversells(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	require.NoError(t, adapter.Migrate(ctx))

	require.NoError(t, adapter.SeedProduct(ctx, domain.Product{
		ID: "mysql-race-item", Name: "Race", Price: decimal.NewFromInt(1), CountInStock: 5,
	}))

	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_, err := adapter.Reserve(ctx, "mysql-race-item", 1)
			results <- err
		}()
	}

	success := 0
	for i := 0; i < 20; i++ {
		if err := <-results; err == nil {
			success++
		} else {
			require.ErrorIs(t, err, domain.ErrInsufficientStock)
		}
	}
	assert.Equal(t, 5, success)

	stock, err := adapter.Stock(ctx, "mysql-race-item")
	require.NoError(t, err)
	assert.Equal(t, 0, stock)
}

var deadlock = &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock; try restarting transaction"}

const reserveSQL = `count_in_stock = count_in_stock - \?`

func expectReserve(mock sqlmock.Sqlmock, productID, price string) {
	mock.ExpectExec(reserveSQL).WithArgs(1, productID, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT name, image, price FROM products").WithArgs(productID).
		WillReturnRows(sqlmock.NewRows([]string{"name", "image", "price"}).AddRow("Item "+productID, "", price))
}

// cartAB reserves A then B, one unit each.
func cartAB() service.PlaceOrderRequest {
	total := decimal.RequireFromString("15.00")
	return service.PlaceOrderRequest{
		Items:           []service.CartLine{{ProductID: "A", Quantity: 1}, {ProductID: "B", Quantity: 1}},
		ShippingAddress: domain.ShippingAddress{Address: "1 Main St", City: "Oslo", PostalCode: "0150", Country: "NO"},
		PaymentMethod:   "PayPal",
		Prices:          service.DeclaredPrices{ItemsPrice: total, TotalPrice: total},
	}
}

var txBuyer = domain.Identity{UserID: "buyer-1", Role: domain.RoleBuyer}

func TestPlaceOrderInTx_DeadlockRollsBackWithoutRelease(t *testing.T) {
	adapter, mock := newMock(t)

	for i := 0; i < maxTxAttempts; i++ {
		mock.ExpectBegin()
		expectReserve(mock, "A", "10.00")
		mock.ExpectExec(reserveSQL).WithArgs(1, "B", 1).WillReturnError(deadlock)
		mock.ExpectRollback()
	}

	svc := service.NewOrderService(nil, nil, nil, service.WithTransactor(adapter))
	_, err := svc.PlaceOrder(context.Background(), txBuyer, cartAB())
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)

	var myErr *mysql.MySQLError
	require.ErrorAs(t, err, &myErr)
	assert.Equal(t, uint16(1213), myErr.Number)
	assert.NotContains(t, err.Error(), "release", "stock is returned by the rollback alone")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceOrderInTx_RetriesAfterDeadlock(t *testing.T) {
	adapter, mock := newMock(t)

	mock.ExpectBegin()
	expectReserve(mock, "A", "10.00")
	mock.ExpectExec(reserveSQL).WithArgs(1, "B", 1).WillReturnError(deadlock)
	mock.ExpectRollback()

	mock.ExpectBegin()
	expectReserve(mock, "A", "10.00")
	expectReserve(mock, "B", "5.00")
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO order_items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO order_items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	svc := service.NewOrderService(nil, nil, nil, service.WithTransactor(adapter))
	order, err := svc.PlaceOrder(context.Background(), txBuyer, cartAB())
	require.NoError(t, err)
	require.Len(t, order.Items, 2)
	assert.True(t, order.TotalPrice.Equal(decimal.RequireFromString("15.00")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_DoesNotRetryOtherErrors(t *testing.T) {
	adapter, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(reserveSQL).WithArgs(1, "A", 1).WillReturnError(&mysql.MySQLError{Number: 1146, Message: "Table doesn't exist"})
	mock.ExpectRollback()

	calls := 0
	err := adapter.WithinTx(context.Background(), func(ctx context.Context, ledger port.InventoryLedger, orders port.OrderRepository) error {
		calls++
		_, err := ledger.Reserve(ctx, "A", 1)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	require.NoError(t, mock.ExpectationsWereMet())
}
