package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupKeyStableWithinBucket(t *testing.T) {
	base := time.Date(2025, 3, 4, 9, 15, 0, 0, time.UTC)

	a := DedupKey("005930", EventThresholdUp, base.Add(5*time.Second), time.Minute)
	b := DedupKey("005930", EventThresholdUp, base.Add(55*time.Second), time.Minute)
	c := DedupKey("005930", EventThresholdUp, base.Add(65*time.Second), time.Minute)
	d := DedupKey("005930", EventThresholdDown, base.Add(5*time.Second), time.Minute)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}

func TestWatchlistEntryValidate(t *testing.T) {
	require.NoError(t, WatchlistEntry{Symbol: "005930", IntervalSeconds: 30, Active: true}.Validate())
	require.NoError(t, WatchlistEntry{Symbol: "000660", Active: false}.Validate())
	require.Error(t, WatchlistEntry{Symbol: "373220", Active: true}.Validate())
	require.Error(t, WatchlistEntry{IntervalSeconds: 5, Active: true}.Validate())
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" theme ")
	require.NoError(t, err)
	assert.Equal(t, CategoryTheme, c)
	assert.Equal(t, 30, c.DefaultIntervalSeconds())

	c, err = ParseCategory("")
	require.NoError(t, err)
	assert.Equal(t, CategoryCore, c)

	_, err = ParseCategory("bogus")
	assert.Error(t, err)
}

func TestPriceEventValidate(t *testing.T) {
	ts := time.Now()
	ev := PriceEvent{
		Symbol:       "005930",
		EventType:    EventThresholdUp,
		TriggerPrice: decimal.NewFromInt(80200),
		Timestamp:    ts,
		DedupKey:     DedupKey("005930", EventThresholdUp, ts, time.Minute),
	}
	require.NoError(t, ev.Validate())

	ev.EventType = "SIDEWAYS"
	assert.Error(t, ev.Validate())
}
