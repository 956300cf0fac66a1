package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits at most limit hits per window for a key. Reserve spends a
// hit only when it admits; release gives that hit back. The Redis
// implementation in storage/redisstore shares budgets across replicas.
type Limiter interface {
	Reserve(ctx context.Context, key string, limit int, window time.Duration) (ok bool, release func(), err error)
}

// LocalLimiter keeps one token bucket per key in process memory.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter *rate.Limiter
	limit   int
	window  time.Duration
	used    time.Time
}

// NewLocalLimiter returns an empty limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*bucket), now: time.Now}
}

// Reserve refills limit tokens per window with a burst of limit. A
// non-positive limit always admits.
func (l *LocalLimiter) Reserve(_ context.Context, key string, limit int, window time.Duration) (bool, func(), error) {
	if limit <= 0 || window <= 0 {
		return true, func() {}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || b.limit != limit || b.window != window {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
			limit:   limit,
			window:  window,
		}
		l.buckets[key] = b
	}
	b.used = now

	if len(l.buckets) > 4096 {
		for k, other := range l.buckets {
			if now.Sub(other.used) > other.window {
				delete(l.buckets, k)
			}
		}
	}

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, func() {}, nil
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return false, func() {}, nil
	}
	return true, func() { r.CancelAt(now) }, nil
}

var _ Limiter = (*LocalLimiter)(nil)
