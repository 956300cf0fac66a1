package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"marketpulse/internal/domain"
)

// MemoryStore is an in-process implementation used when no database is
// configured and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	watchlist map[string]domain.WatchlistEntry
	prices    map[string][]domain.PricePoint
	events    map[string]domain.PriceEvent
	records   map[string]domain.NotificationRecord
	now       func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		watchlist: make(map[string]domain.WatchlistEntry),
		prices:    make(map[string][]domain.PricePoint),
		events:    make(map[string]domain.PriceEvent),
		records:   make(map[string]domain.NotificationRecord),
		now:       time.Now,
	}
}

func recordKey(dedupKey string, status domain.NotificationStatus) string {
	return dedupKey + "/" + string(status)
}

// ListActive returns active entries ordered by priority.
func (m *MemoryStore) ListActive(ctx context.Context) ([]domain.WatchlistEntry, error) {
	all, _ := m.ListWatchlist(ctx)
	return lo.Filter(all, func(e domain.WatchlistEntry, _ int) bool { return e.Active }), nil
}

// ListWatchlist returns every entry ordered by priority then symbol.
func (m *MemoryStore) ListWatchlist(_ context.Context) ([]domain.WatchlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := lo.Values(m.watchlist)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].Symbol < entries[j].Symbol
	})
	return entries, nil
}

// UpsertWatchlistEntry inserts or replaces an entry.
func (m *MemoryStore) UpsertWatchlistEntry(_ context.Context, entry domain.WatchlistEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.watchlist[entry.Symbol]; ok {
		entry.CreatedAt = existing.CreatedAt
	} else if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now().UTC()
	}
	m.watchlist[entry.Symbol] = entry
	return nil
}

// SetActive toggles an entry.
func (m *MemoryStore) SetActive(_ context.Context, symbol string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.watchlist[symbol]
	if !ok {
		return ErrNotFound
	}
	entry.Active = active
	m.watchlist[symbol] = entry
	return nil
}

// AppendPrice keeps points sorted by timestamp; duplicates are ignored.
func (m *MemoryStore) AppendPrice(_ context.Context, point domain.PricePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	points := m.prices[point.Symbol]
	idx := sort.Search(len(points), func(i int) bool { return !points[i].Timestamp.Before(point.Timestamp) })
	if idx < len(points) && points[idx].Timestamp.Equal(point.Timestamp) {
		return nil
	}
	points = append(points, domain.PricePoint{})
	copy(points[idx+1:], points[idx:])
	points[idx] = point
	m.prices[point.Symbol] = points
	return nil
}

// RecentPrices returns the newest points since the given time, oldest first.
func (m *MemoryStore) RecentPrices(_ context.Context, symbol string, since time.Time, limit int) ([]domain.PricePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	points := lo.Filter(m.prices[symbol], func(p domain.PricePoint, _ int) bool { return !p.Timestamp.Before(since) })
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	return append([]domain.PricePoint(nil), points...), nil
}

// ListPricesBetween lists points for symbol within [from, to).
func (m *MemoryStore) ListPricesBetween(_ context.Context, symbol string, from, to time.Time) ([]domain.PricePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Filter(m.prices[symbol], func(p domain.PricePoint, _ int) bool {
		return !p.Timestamp.Before(from) && p.Timestamp.Before(to)
	}), nil
}

// PurgePricesBefore drops points older than before.
func (m *MemoryStore) PurgePricesBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for symbol, points := range m.prices {
		kept := lo.Filter(points, func(p domain.PricePoint, _ int) bool { return !p.Timestamp.Before(before) })
		removed += int64(len(points) - len(kept))
		m.prices[symbol] = kept
	}
	return removed, nil
}

// SaveEvent stores ev unless the key is already known.
func (m *MemoryStore) SaveEvent(_ context.Context, ev domain.PriceEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.DedupKey]; ok {
		return false, nil
	}
	m.events[ev.DedupKey] = ev
	return true, nil
}

// GetEvent loads an event by dedup key.
func (m *MemoryStore) GetEvent(_ context.Context, dedupKey string) (domain.PriceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[dedupKey]
	if !ok {
		return domain.PriceEvent{}, ErrNotFound
	}
	return ev, nil
}

// ListRecentEvents lists the newest events.
func (m *MemoryStore) ListRecentEvents(_ context.Context, limit int) ([]domain.PriceEvent, error) {
	m.mu.RLock()
	events := lo.Values(m.events)
	m.mu.RUnlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.After(events[j].Timestamp) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// SaveRecord upserts by (dedup key, status).
func (m *MemoryStore) SaveRecord(_ context.Context, rec domain.NotificationRecord) (domain.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.DeliveredAt.IsZero() {
		rec.DeliveredAt = m.now().UTC()
	}
	key := recordKey(rec.DedupKey, rec.Status)
	if existing, ok := m.records[key]; ok {
		rec.ID = existing.ID
		rec.Attempts = existing.Attempts + 1
	} else {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		rec.Attempts = 1
	}
	m.records[key] = rec
	return rec, nil
}

// HasSent reports whether a SENT record exists for the key.
func (m *MemoryStore) HasSent(_ context.Context, dedupKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[recordKey(dedupKey, domain.StatusSent)]
	return ok, nil
}

// ListUndelivered returns FAILED records that were never SENT, oldest first.
func (m *MemoryStore) ListUndelivered(_ context.Context, limit int) ([]domain.NotificationRecord, error) {
	m.mu.RLock()
	failed := lo.Filter(lo.Values(m.records), func(r domain.NotificationRecord, _ int) bool {
		if r.Status != domain.StatusFailed {
			return false
		}
		_, sent := m.records[recordKey(r.DedupKey, domain.StatusSent)]
		return !sent
	})
	m.mu.RUnlock()

	sort.Slice(failed, func(i, j int) bool { return failed[i].DeliveredAt.Before(failed[j].DeliveredAt) })
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

// ListRecentRecords lists the newest records.
func (m *MemoryStore) ListRecentRecords(_ context.Context, limit int) ([]domain.NotificationRecord, error) {
	m.mu.RLock()
	records := lo.Values(m.records)
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].DeliveredAt.After(records[j].DeliveredAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

var (
	_ WatchlistStore    = (*MemoryStore)(nil)
	_ PriceHistoryStore = (*MemoryStore)(nil)
	_ EventStore        = (*MemoryStore)(nil)
	_ RecordStore       = (*MemoryStore)(nil)
)
