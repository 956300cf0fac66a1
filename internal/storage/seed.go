package storage

import (
	"context"
	"fmt"

	"marketpulse/internal/domain"
)

// DefaultWatchlist is the initial set of KRX large caps.
func DefaultWatchlist() []domain.WatchlistEntry {
	return []domain.WatchlistEntry{
		{Symbol: "005930", Name: "삼성전자", Category: domain.CategoryCore, Priority: 1, IntervalSeconds: 30, Active: true},
		{Symbol: "000660", Name: "SK하이닉스", Category: domain.CategoryCore, Priority: 1, IntervalSeconds: 30, Active: true},
		{Symbol: "373220", Name: "LG에너지솔루션", Category: domain.CategoryCore, Priority: 1, IntervalSeconds: 30, Active: true},
	}
}

// SeedWatchlist upserts entries, filling a zero interval from the category default.
func SeedWatchlist(ctx context.Context, store WatchlistStore, entries []domain.WatchlistEntry) error {
	for _, entry := range entries {
		if entry.IntervalSeconds == 0 {
			entry.IntervalSeconds = entry.Category.DefaultIntervalSeconds()
		}
		if err := store.UpsertWatchlistEntry(ctx, entry); err != nil {
			return fmt.Errorf("seed %s: %w", entry.Symbol, err)
		}
	}
	return nil
}
