package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

const (
	ServiceName    = "storefront-orders"
	ServiceVersion = "0.1.0"
)

type Backend string

const (
	BackendMySQL  Backend = "mysql"
	BackendRedis  Backend = "redis"
	BackendMemory Backend = "memory"
)

type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr        string        `envconfig:"GRPC_ADDR" default:":50051"`
	MySQLDSN        string        `envconfig:"MYSQL_DSN" default:"root:root@tcp(localhost:3306)/storefront?parseTime=true"`
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPoolSize   int           `envconfig:"REDIS_POOL_SIZE" default:"100"`
	LedgerBackend   Backend       `envconfig:"LEDGER_BACKEND" default:"mysql"`
	AMQPURL         string        `envconfig:"AMQP_URL" default:""`
	EventWorkers    int           `envconfig:"EVENT_WORKERS" default:"4"`
	EventQueueSize  int           `envconfig:"EVENT_QUEUE_SIZE" default:"10000"`
	OtelEndpoint    string        `envconfig:"OTEL_ENDPOINT" default:""`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	AppEnv          string        `envconfig:"APP_ENV" default:"production"`
	SeedFile        string        `envconfig:"SEED_FILE" default:""`
	PriceTolerance  string        `envconfig:"PRICE_TOLERANCE" default:"0.01"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads an optional .env file, then the environment.
func Load(envFiles ...string) (*Config, error) {
	// a missing .env is fine, the environment alone is enough
	_ = godotenv.Load(envFiles...)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case BackendMySQL, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("LEDGER_BACKEND must be mysql, redis or memory, got %q", c.LedgerBackend)
	}
	if _, err := c.Tolerance(); err != nil {
		return err
	}
	if c.EventWorkers < 1 {
		return fmt.Errorf("EVENT_WORKERS must be at least 1, got %d", c.EventWorkers)
	}
	return nil
}

func (c *Config) Tolerance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.PriceTolerance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("PRICE_TOLERANCE: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("PRICE_TOLERANCE must not be negative, got %s", c.PriceTolerance)
	}
	return d, nil
}
