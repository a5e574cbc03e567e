package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/storefront-orders/internal/adapter/events"
	"github.com/rl1809/storefront-orders/internal/adapter/handler"
	"github.com/rl1809/storefront-orders/internal/adapter/storage"
	"github.com/rl1809/storefront-orders/internal/config"
	"github.com/rl1809/storefront-orders/internal/core/service"
	"github.com/rl1809/storefront-orders/internal/observability"
	"github.com/rl1809/storefront-orders/internal/port"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := observability.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}

	tolerance, _ := cfg.Tolerance()
	opts := []service.Option{service.WithPriceTolerance(tolerance)}

	var (
		ledger  port.InventoryLedger
		orders  port.OrderRepository
		seeder  storage.ProductSeeder
		closers []func() error
	)

	switch cfg.LedgerBackend {
	case config.BackendMySQL, config.BackendRedis:
		// Initialize MySQL
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			logger.Fatal("failed to connect mysql", zap.Error(err))
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping mysql", zap.Error(err))
		}
		closers = append(closers, db.Close)
		logger.Info("connected to mysql")

		mysqlAdapter := storage.NewMySQLAdapter(db)
		if err := mysqlAdapter.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate", zap.Error(err))
		}
		ledger, orders, seeder = mysqlAdapter, mysqlAdapter, mysqlAdapter

		// Initialize Redis
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: cfg.RedisPoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			if cfg.LedgerBackend == config.BackendRedis {
				logger.Fatal("failed to connect redis", zap.Error(err))
			}
			logger.Warn("redis unavailable, idempotency keys disabled", zap.Error(err))
			rdb.Close()
		} else {
			closers = append(closers, rdb.Close)
			logger.Info("connected to redis")
			redisAdapter := storage.NewRedisAdapter(rdb)
			opts = append(opts, service.WithIdempotency(redisAdapter))
			if cfg.LedgerBackend == config.BackendRedis {
				ledger, seeder = redisAdapter, redisAdapter
			}
		}

		if cfg.LedgerBackend == config.BackendMySQL {
			opts = append(opts, service.WithTransactor(mysqlAdapter))
		}

	case config.BackendMemory:
		mem := storage.NewMemoryAdapter()
		ledger, orders, seeder = mem, mem, mem
		opts = append(opts, service.WithIdempotency(mem))
		logger.Warn("using in-memory storage, orders are lost on restart")
	}

	if cfg.SeedFile != "" {
		products, err := storage.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			logger.Fatal("failed to load seed file", zap.Error(err))
		}
		if err := storage.Seed(ctx, seeder, products); err != nil {
			logger.Fatal("failed to seed products", zap.Error(err))
		}
		logger.Info("seeded products", zap.Int("count", len(products)), zap.String("backend", string(cfg.LedgerBackend)))
	}

	// Events
	var dispatcher *events.Dispatcher
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			logger.Fatal("failed to connect rabbitmq", zap.Error(err))
		}
		publisher, err := events.NewAMQPPublisher(conn)
		if err != nil {
			logger.Fatal("failed to create publisher", zap.Error(err))
		}
		closers = append(closers, publisher.Close, conn.Close)

		dispatcher = events.NewDispatcher(publisher, logger, cfg.EventWorkers, cfg.EventQueueSize)
		opts = append(opts, service.WithEventPublisher(dispatcher))
		logger.Info("publishing events", zap.String("exchange", events.EventsExchange), zap.Int("workers", cfg.EventWorkers))
	}

	// Initialize service
	orderService := service.NewOrderService(ledger, orders, logger, opts...)

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.ForceServerCodec(handler.JSONCodec{}))
	handler.RegisterOrderServiceServer(grpcServer, handler.NewGRPCHandler(orderService, logger))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err))
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP server
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.NewHTTPHandler(orderService, logger).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// Drain queued events before closing the broker connection
	if dispatcher != nil {
		dispatcher.Close()
		logger.Info("event workers stopped")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("connections closed")
}
