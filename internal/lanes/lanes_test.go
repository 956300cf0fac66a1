package lanes

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolPreservesOrderPerKey(t *testing.T) {
	pool := NewPool(context.Background(), 4, 1000)

	var mu sync.Mutex
	seen := map[string][]int{}
	for i := 0; i < 50; i++ {
		for _, key := range []string{"005930", "000660", "373220"} {
			key, i := key, i
			require.NoError(t, pool.Submit(key, func(context.Context) {
				time.Sleep(time.Duration(i%3) * time.Millisecond)
				mu.Lock()
				seen[key] = append(seen[key], i)
				mu.Unlock()
			}))
		}
	}
	pool.Close()

	for key, order := range seen {
		require.Len(t, order, 50, key)
		for i, v := range order {
			assert.Equal(t, i, v, "key %s out of order", key)
		}
	}
}

func TestPoolRunsKeysConcurrently(t *testing.T) {
	pool := NewPool(context.Background(), 2, 10)
	defer pool.Close()

	release := make(chan struct{})
	var running atomic.Int32
	started := make(chan struct{}, 2)
	for _, key := range []string{"a", "b"} {
		require.NoError(t, pool.Submit(key, func(context.Context) {
			running.Add(1)
			started <- struct{}{}
			<-release
		}))
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes for distinct keys should run in parallel")
		}
	}
	assert.Equal(t, int32(2), running.Load())
	close(release)
}

func TestPoolRejectsWhenFull(t *testing.T) {
	pool := NewPool(context.Background(), 1, 2)
	block := make(chan struct{})
	require.NoError(t, pool.Submit("a", func(context.Context) { <-block }))
	require.NoError(t, pool.Submit("a", func(context.Context) {}))
	assert.ErrorIs(t, pool.Submit("b", func(context.Context) {}), ErrQueueFull)

	close(block)
	pool.Close()
	assert.ErrorIs(t, pool.Submit("a", func(context.Context) {}), ErrClosed)
	assert.Equal(t, 0, pool.Pending())
}

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	var km KeyedMutex
	var inside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("k")
			defer unlock()
			if inside.Add(1) != 1 {
				t.Error("concurrent holders for the same key")
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.Empty(t, km.locks)
}
