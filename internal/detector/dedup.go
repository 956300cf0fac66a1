package detector

import (
	"context"
	"sync"
	"time"
)

// Deduper remembers dedup keys for a TTL. MarkSeen reports whether the key
// was already present.
type Deduper interface {
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryDeduper is a process-local Deduper.
type MemoryDeduper struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryDeduper returns an empty deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{expires: make(map[string]time.Time), now: time.Now}
}

// MarkSeen records key until now+ttl.
func (m *MemoryDeduper) MarkSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.expires[key]; ok && now.Before(exp) {
		return true, nil
	}
	if len(m.expires) >= 4096 {
		for k, exp := range m.expires {
			if !now.Before(exp) {
				delete(m.expires, k)
			}
		}
	}
	m.expires[key] = now.Add(ttl)
	return false, nil
}
