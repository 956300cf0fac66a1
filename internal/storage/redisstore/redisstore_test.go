package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb, "test:"), mr
}

func TestMarkSeen(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	seen, err := client.MarkSeen(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = client.MarkSeen(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Minute)
	seen, err = client.MarkSeen(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen, "key expires with its ttl")
}

func TestReserveFixedWindow(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := client.reserve(ctx, "symbol:005930", 2, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := client.reserve(ctx, "symbol:005930", 2, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = client.reserve(ctx, "symbol:000660", 2, time.Hour)
	assert.True(t, ok, "limits are per key")

	mr.FastForward(time.Hour + time.Second)
	ok, _ = client.reserve(ctx, "symbol:005930", 2, time.Hour)
	assert.True(t, ok, "window resets after expiry")

	ok, _ = client.reserve(ctx, "anything", 0, time.Hour)
	assert.True(t, ok)
}

func (c *Client) reserve(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ok, _, err := c.Reserve(ctx, key, limit, window)
	return ok, err
}

func TestReserveHealsCounterWithoutTTL(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	// A counter whose expiry was never set.
	require.NoError(t, mr.Set("test:rate:global", "5"))
	require.Zero(t, mr.TTL("test:rate:global"))

	ok, err := client.reserve(ctx, "global", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, mr.TTL("test:rate:global"), time.Duration(0))

	mr.FastForward(time.Minute + time.Second)
	ok, err = client.reserve(ctx, "global", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "window reopens once the healed counter expires")
}

func TestReserveRelease(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	ok, release, err := client.Reserve(ctx, "cooldown:005930:THRESHOLD_UP", 1, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = client.reserve(ctx, "cooldown:005930:THRESHOLD_UP", 1, 30*time.Minute)
	assert.False(t, ok)

	release()
	got, err := mr.Get("test:rate:cooldown:005930:THRESHOLD_UP")
	require.NoError(t, err)
	assert.Equal(t, "0", got)

	ok, _ = client.reserve(ctx, "cooldown:005930:THRESHOLD_UP", 1, 30*time.Minute)
	assert.True(t, ok, "released hit is available again")
}
