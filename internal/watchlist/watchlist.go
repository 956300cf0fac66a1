// Package watchlist keeps an atomically swapped snapshot of the active watchlist.
package watchlist

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"marketpulse/internal/domain"
)

// Source lists the active watchlist entries.
type Source interface {
	ListActive(ctx context.Context) ([]domain.WatchlistEntry, error)
}

// Snapshot is an immutable view of the watchlist.
type Snapshot struct {
	Entries  []domain.WatchlistEntry
	Version  uint64
	LoadedAt time.Time

	bySymbol map[string]domain.WatchlistEntry
}

// Lookup returns the entry for symbol.
func (s *Snapshot) Lookup(symbol string) (domain.WatchlistEntry, bool) {
	e, ok := s.bySymbol[strings.ToUpper(symbol)]
	return e, ok
}

// Symbols returns the symbols in priority order.
func (s *Snapshot) Symbols() []string {
	return lo.Map(s.Entries, func(e domain.WatchlistEntry, _ int) string { return e.Symbol })
}

// Cache holds the last known-good snapshot.
type Cache struct {
	source  Source
	logger  zerolog.Logger
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// NewCache returns a cache with an empty snapshot.
func NewCache(source Source, logger zerolog.Logger) *Cache {
	c := &Cache{source: source, logger: logger.With().Str("component", "watchlist").Logger()}
	c.current.Store(newSnapshot(nil, 0))
	return c
}

// Current returns the latest snapshot. It is never nil.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}

// Refresh re-reads the source and swaps the snapshot. On error the previous
// snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	entries, err := c.source.ListActive(ctx)
	if err != nil {
		return c.Current(), fmt.Errorf("list active watchlist: %w", err)
	}

	valid := make([]domain.WatchlistEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Active {
			continue
		}
		e.Symbol = strings.ToUpper(strings.TrimSpace(e.Symbol))
		if err := e.Validate(); err != nil {
			c.logger.Warn().Err(err).Str("symbol", e.Symbol).Msg("skipping invalid watchlist entry")
			continue
		}
		valid = append(valid, e)
	}
	valid = lo.UniqBy(valid, func(e domain.WatchlistEntry) string { return e.Symbol })

	snap := newSnapshot(valid, c.version.Add(1))
	prev := c.current.Swap(snap)
	if prev == nil || len(prev.Entries) != len(snap.Entries) {
		c.logger.Info().Int("symbols", len(snap.Entries)).Uint64("version", snap.Version).Msg("watchlist refreshed")
	}
	return snap, nil
}

func newSnapshot(entries []domain.WatchlistEntry, version uint64) *Snapshot {
	sorted := append([]domain.WatchlistEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})
	return &Snapshot{
		Entries:  sorted,
		Version:  version,
		LoadedAt: time.Now().UTC(),
		bySymbol: lo.KeyBy(sorted, func(e domain.WatchlistEntry) string { return e.Symbol }),
	}
}
