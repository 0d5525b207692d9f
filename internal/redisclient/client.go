// Package redisclient wraps redis for the per-order payment-check cooldown.
// The cooldown only protects the blockchain explorer from being hammered by
// impatient polling; it is advisory and never a correctness lock. The
// database's conditioned writes stay the sole race arbiter.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb      *redis.Client
	cooldown time.Duration
}

// NewClient creates a redis client and verifies connectivity
func NewClient(addr, password string, db int, cooldown time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb, cooldown: cooldown}, nil
}

// Close closes the redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// TryAcquire reports whether this order may hit the explorer now. The first
// caller within the cooldown window wins; later callers are told to wait.
func (c *Client) TryAcquire(ctx context.Context, orderID int64) (bool, error) {
	key := fmt.Sprintf("paycheck:%d", orderID)
	return c.rdb.SetNX(ctx, key, "1", c.cooldown).Result()
}
