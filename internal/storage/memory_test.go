package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/domain"
)

func TestMemoryWatchlist(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, SeedWatchlist(ctx, store, DefaultWatchlist()))
	require.NoError(t, store.UpsertWatchlistEntry(ctx, domain.WatchlistEntry{
		Symbol: "AAPL", Category: domain.CategoryTheme, Priority: 5, IntervalSeconds: 10, Active: true,
	}))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 4)
	assert.Equal(t, "000660", active[0].Symbol)
	assert.Equal(t, "AAPL", active[3].Symbol)

	require.NoError(t, store.SetActive(ctx, "000660", false))
	active, _ = store.ListActive(ctx)
	assert.Len(t, active, 3)
	assert.ErrorIs(t, store.SetActive(ctx, "NOPE", true), ErrNotFound)

	err = store.UpsertWatchlistEntry(ctx, domain.WatchlistEntry{Symbol: "BAD", Active: true})
	assert.Error(t, err, "active entry without interval is rejected")
}

func TestMemoryPriceHistoryOrderingAndRetention(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)

	for _, offset := range []int{2, 0, 1, 1} {
		require.NoError(t, store.AppendPrice(ctx, domain.PricePoint{
			Symbol:    "005930",
			Price:     decimal.NewFromInt(int64(70000 + offset)),
			Timestamp: base.Add(time.Duration(offset) * time.Minute),
		}))
	}

	points, err := store.RecentPrices(ctx, "005930", base, 10)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.True(t, points[0].Timestamp.Before(points[1].Timestamp))

	points, _ = store.RecentPrices(ctx, "005930", base, 2)
	require.Len(t, points, 2)
	assert.Equal(t, base.Add(2*time.Minute), points[1].Timestamp)

	between, _ := store.ListPricesBetween(ctx, "005930", base, base.Add(2*time.Minute))
	assert.Len(t, between, 2)

	removed, err := store.PurgePricesBefore(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestMemoryRecordsUndelivered(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	failed, err := store.SaveRecord(ctx, domain.NotificationRecord{DedupKey: "k1", Status: domain.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, failed.Attempts)
	assert.NotEmpty(t, failed.ID)

	again, _ := store.SaveRecord(ctx, domain.NotificationRecord{DedupKey: "k1", Status: domain.StatusFailed})
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, failed.ID, again.ID)

	_, _ = store.SaveRecord(ctx, domain.NotificationRecord{DedupKey: "k2", Status: domain.StatusFailed})
	_, _ = store.SaveRecord(ctx, domain.NotificationRecord{DedupKey: "k2", Status: domain.StatusSent})

	undelivered, err := store.ListUndelivered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	assert.Equal(t, "k1", undelivered[0].DedupKey)

	sent, _ := store.HasSent(ctx, "k2")
	assert.True(t, sent)
}

func TestMemoryEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ev := domain.PriceEvent{Symbol: "005930", EventType: domain.EventThresholdUp, DedupKey: "abc", Timestamp: time.Now()}

	inserted, err := store.SaveEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, _ = store.SaveEvent(ctx, ev)
	assert.False(t, inserted)

	got, err := store.GetEvent(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "005930", got.Symbol)

	_, err = store.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
