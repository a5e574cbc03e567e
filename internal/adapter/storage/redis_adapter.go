package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront-orders/internal/core/domain"
)

const (
	productKeyPrefix  = "product:"
	idempotencyKeyTTL = 24 * time.Hour
)

// Product hashes hold name, image, price and count. The script checks and
// takes stock in one step, so concurrent callers can never drive count below
// zero.
//
// Returns {-1} for a missing product, {0, available} when short, and
// {1, remaining, name, image, price} on success.
var reserveStockScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	return {-1}
end

local current = tonumber(redis.call('HGET', key, 'count') or '0')
if current < quantity then
	return {0, current}
end

redis.call('HINCRBY', key, 'count', -quantity)
local snap = redis.call('HMGET', key, 'name', 'image', 'price')
return {1, current - quantity, snap[1] or '', snap[2] or '', snap[3] or '0'}
`)

var releaseStockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('HINCRBY', KEYS[1], 'count', ARGV[1])
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func productKey(productID string) string {
	return productKeyPrefix + productID
}

func (r *RedisAdapter) Reserve(ctx context.Context, productID string, quantity int) (domain.Snapshot, error) {
	res, err := reserveStockScript.Run(ctx, r.client, []string{productKey(productID)}, quantity).Slice()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("reserve script: %w", err)
	}
	if len(res) == 0 {
		return domain.Snapshot{}, errors.New("reserve script: empty reply")
	}

	status, err := toInt(res[0])
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("reserve script: status: %w", err)
	}
	switch status {
	case -1:
		return domain.Snapshot{}, domain.ProductNotFound(productID)
	case 0:
		if len(res) < 2 {
			return domain.Snapshot{}, fmt.Errorf("reserve script: short reply %v", res)
		}
		available, err := toInt(res[1])
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("reserve script: available: %w", err)
		}
		return domain.Snapshot{}, domain.InsufficientStock(productID, quantity, available)
	}

	if len(res) < 5 {
		return domain.Snapshot{}, fmt.Errorf("reserve script: short reply %v", res)
	}
	price, err := decimal.NewFromString(toString(res[4]))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("parse price of %s: %w", productID, err)
	}
	return domain.Snapshot{
		ProductID: productID,
		Name:      toString(res[2]),
		Image:     toString(res[3]),
		Price:     price,
	}, nil
}

func (r *RedisAdapter) Release(ctx context.Context, productID string, quantity int) error {
	n, err := releaseStockScript.Run(ctx, r.client, []string{productKey(productID)}, quantity).Int()
	if err != nil {
		return fmt.Errorf("release script: %w", err)
	}
	if n == -1 {
		return domain.ProductNotFound(productID)
	}
	return nil
}

// SeedProduct writes the full product hash, overwriting any previous stock.
func (r *RedisAdapter) SeedProduct(ctx context.Context, p domain.Product) error {
	return r.client.HSet(ctx, productKey(p.ID),
		"name", p.Name,
		"category", p.Category,
		"image", p.Image,
		"price", p.Price.String(),
		"count", p.CountInStock,
	).Err()
}

func (r *RedisAdapter) Stock(ctx context.Context, productID string) (int, error) {
	n, err := r.client.HGet(ctx, productKey(productID), "count").Int()
	if errors.Is(err, redis.Nil) {
		return 0, domain.ProductNotFound(productID)
	}
	return n, err
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
