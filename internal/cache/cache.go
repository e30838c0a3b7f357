// Package cache provides Redis-based caching for market data snapshots.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/logging"
)

// ErrUnavailable is returned when Redis is down or disabled. Callers fall
// back to fetching from the exchange directly.
var ErrUnavailable = errors.New("cache: redis unavailable")

// ErrMiss is returned when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Key layouts per cached entity.
const (
	keyKlines    = "market:%s:klines:%s"  // symbol, interval
	keyMarkPrice = "market:%s:mark_price" // symbol
	keyRegime    = "market:regime"
)

// Default TTLs keyed to the freshness bounds of each data class.
const (
	klinesTTL    = 5 * time.Minute
	markPriceTTL = 10 * time.Second
	regimeTTL    = 10 * time.Minute
)

// Cache wraps a Redis client with a small health breaker so an outage
// degrades to exchange fetches instead of failing scan cycles.
type Cache struct {
	client *redis.Client

	mu           sync.RWMutex
	healthy      bool
	failureCount int

	maxFailures int
}

// New connects to Redis. A failed initial connection returns a degraded
// cache, not an error, because the engine can run without it.
func New(cfg config.RedisConfig) (*Cache, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	c := &Cache{
		client:      client,
		maxFailures: 3,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logging.WithComponent("cache").Warn("Initial Redis connection failed, running degraded", "error", err.Error())
		return c, nil
	}

	c.healthy = true
	logging.WithComponent("cache").Info("Redis connected", "address", cfg.Address)
	return c, nil
}

// IsHealthy reports whether Redis is currently usable.
func (c *Cache) IsHealthy() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Cache) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	if c.failureCount >= c.maxFailures && c.healthy {
		logging.WithComponent("cache").Warn("Redis marked unhealthy", "failures", c.failureCount)
		c.healthy = false
	}
}

func (c *Cache) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount = 0
	c.healthy = true
}

func (c *Cache) get(ctx context.Context, key string, dest interface{}) error {
	if !c.IsHealthy() {
		return ErrUnavailable
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		c.recordFailure()
		return ErrUnavailable
	}
	c.recordSuccess()
	return json.Unmarshal(raw, dest)
}

func (c *Cache) set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.IsHealthy() {
		return ErrUnavailable
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.recordFailure()
		return ErrUnavailable
	}
	c.recordSuccess()
	return nil
}

// GetKlines reads cached candles for (symbol, interval).
func (c *Cache) GetKlines(ctx context.Context, symbol, interval string, dest interface{}) error {
	if c == nil {
		return ErrUnavailable
	}
	return c.get(ctx, fmt.Sprintf(keyKlines, symbol, interval), dest)
}

// SetKlines stores candles for (symbol, interval).
func (c *Cache) SetKlines(ctx context.Context, symbol, interval string, klines interface{}) error {
	if c == nil {
		return ErrUnavailable
	}
	return c.set(ctx, fmt.Sprintf(keyKlines, symbol, interval), klines, klinesTTL)
}

// GetMarkPrice reads the cached mark price for a symbol.
func (c *Cache) GetMarkPrice(ctx context.Context, symbol string, dest interface{}) error {
	if c == nil {
		return ErrUnavailable
	}
	return c.get(ctx, fmt.Sprintf(keyMarkPrice, symbol), dest)
}

// SetMarkPrice stores the latest mark price for a symbol.
func (c *Cache) SetMarkPrice(ctx context.Context, symbol string, price interface{}) error {
	if c == nil {
		return ErrUnavailable
	}
	return c.set(ctx, fmt.Sprintf(keyMarkPrice, symbol), price, markPriceTTL)
}

// GetRegime reads the cached market regime classification.
func (c *Cache) GetRegime(ctx context.Context, dest interface{}) error {
	if c == nil {
		return ErrUnavailable
	}
	return c.get(ctx, keyRegime, dest)
}

// SetRegime stores the market regime classification.
func (c *Cache) SetRegime(ctx context.Context, regime interface{}) error {
	if c == nil {
		return ErrUnavailable
	}
	return c.set(ctx, keyRegime, regime, regimeTTL)
}

// Close shuts down the Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
