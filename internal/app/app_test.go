package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/config"
	"marketpulse/internal/domain"
)

func testApp(t *testing.T) *App {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.DSN = ""
	cfg.Redis.Addr = ""
	cfg.ClickHouse.DSN = ""
	cfg.Alerting.Slack.Enabled = false
	cfg.Alerting.Telegram.Enabled = false
	return NewApp(cfg, zerolog.Nop())
}

func TestSimulateRunsDetectionAndDispatch(t *testing.T) {
	a := testApp(t)
	var out bytes.Buffer

	err := a.simulate(context.Background(), SimulateOptions{
		Symbol: "005930",
		Prices: []string{"100000", "107000", "107100"},
		Step:   30 * time.Second,
	}, &out)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "tick 2: VOLATILITY_SPIKE 107,000원 -> SENT")
	assert.Contains(t, text, "[MarketPulse] 005930 VOLATILITY_SPIKE")
	assert.NotContains(t, text, "tick 1:")
}

func TestSimulateRejectsBadInput(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	var out bytes.Buffer

	assert.Error(t, a.simulate(ctx, SimulateOptions{Symbol: "005930", Prices: []string{"1"}}, &out))
	assert.Error(t, a.simulate(ctx, SimulateOptions{Symbol: "005930", Prices: []string{"1", "abc"}}, &out))
	assert.Error(t, a.simulate(ctx, SimulateOptions{Prices: []string{"1", "2"}}, &out))
}

func TestShowWatchlistFromMemoryBackend(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	b, err := a.openBackends(ctx)
	require.NoError(t, err)
	defer b.Close()

	var out bytes.Buffer
	require.NoError(t, a.showWatchlist(ctx, b, &out))
	assert.Contains(t, out.String(), "005930")
	assert.Contains(t, out.String(), "SK하이닉스")

	out.Reset()
	require.NoError(t, a.showRecords(ctx, b, &out, 10))
	assert.Equal(t, "no notification records found\n", out.String())
}

func points(n int) []domain.PricePoint {
	base := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	out := make([]domain.PricePoint, n)
	for i := range out {
		out[i] = domain.PricePoint{Symbol: "005930", Price: decimal.NewFromInt(int64(70000 + i)), Timestamp: base.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	in := points(10)
	got := downsamplePoints(in, 3)
	require.Len(t, got, 3)
	assert.Equal(t, in[0], got[0])
	assert.Equal(t, in[5], got[1])
	assert.Equal(t, in[9], got[2])

	assert.Len(t, downsamplePoints(in, 20), 10)
}

func TestWritePricesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prices.csv")
	require.NoError(t, writePricesCSV(path, points(2)))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, []string{"ts", "symbol", "price"}, rows[0])
	assert.Equal(t, "2025-03-04T00:01:00Z", rows[2][0])
	assert.True(t, strings.HasPrefix(rows[2][2], "70001"))
}
