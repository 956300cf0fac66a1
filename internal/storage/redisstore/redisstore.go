// Package redisstore shares dedup keys and rate-limit windows across
// replicas through Redis.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"marketpulse/internal/config"
)

// Client wraps a go-redis client with a key prefix.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return NewWithClient(rdb, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, prefix string) *Client {
	return &Client{rdb: rdb, prefix: prefix}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// MarkSeen records key for ttl and reports whether it had already been seen.
func (c *Client) MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := c.rdb.SetNX(ctx, c.prefix+"dedup:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !set, nil
}

// reserveScript counts one hit in a fixed window. The expiry is set whenever
// the counter has none, so a counter left without a TTL heals on the next
// hit. A rejected hit is not counted.
var reserveScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    redis.call('DECR', KEYS[1])
    return 0
end
return 1
`)

// releaseScript gives one hit back if the window is still open.
var releaseScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
    redis.call('DECR', KEYS[1])
end
return n
`)

// Reserve counts one hit against key in a fixed window and reports whether
// the count is still within limit. release gives the hit back when a later
// check turns the event away. limit <= 0 always allows.
func (c *Client) Reserve(ctx context.Context, key string, limit int, window time.Duration) (bool, func(), error) {
	if limit <= 0 || window <= 0 {
		return true, func() {}, nil
	}
	full := c.prefix + "rate:" + key

	admitted, err := reserveScript.Run(ctx, c.rdb, []string{full}, limit, window.Milliseconds()).Int()
	if err != nil {
		return false, func() {}, fmt.Errorf("redis reserve: %w", err)
	}
	if admitted == 0 {
		return false, func() {}, nil
	}
	release := func() {
		_ = releaseScript.Run(ctx, c.rdb, []string{full}).Err()
	}
	return true, release, nil
}
