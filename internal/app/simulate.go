package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/alerting"
	"marketpulse/internal/dispatch"
	"marketpulse/internal/domain"
	"marketpulse/internal/fetcher"
	"marketpulse/internal/metrics"
	"marketpulse/internal/resilience"
	"marketpulse/internal/storage"
)

// Simulate 将给定价格序列依次送入检测与分发流程，不经过 RPC 与缓冲。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	return a.simulate(ctx, opts, os.Stdout)
}

func (a *App) simulate(ctx context.Context, opts SimulateOptions, out io.Writer) error {
	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		return errors.New("--symbol is required")
	}
	if len(opts.Prices) < 2 {
		return errors.New("at least two prices are needed to detect anything")
	}
	prices := make([]decimal.Decimal, 0, len(opts.Prices))
	for _, raw := range opts.Prices {
		p, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !p.IsPositive() {
			return fmt.Errorf("invalid price %q", raw)
		}
		prices = append(prices, p)
	}
	step := opts.Step
	if step <= 0 {
		step = 30 * time.Second
	}

	store := storage.NewMemoryStore()
	m := metrics.New(a.Config.Metrics.Namespace)

	start := time.Now().UTC()
	served := 0
	clock := func() time.Time {
		t := start.Add(time.Duration(served) * step)
		served++
		return t
	}
	det := a.newDetector(fetcher.NewSequence(map[string][]decimal.Decimal{symbol: prices}, clock), &backends{history: store}, m)

	var notifier alerting.Notifier = alerting.LogNotifier{Out: func(text string) { fmt.Fprintln(out, text) }}
	if opts.Notify {
		notifier = a.newNotifier()
	}
	breaker := resilience.NewBreaker(a.breakerSettings("channel", a.Config.Dispatch.Breaker, m))
	d := dispatch.New(store, store, nil, notifier, breaker, dispatch.OptionsFromConfig(a.Config.Dispatch), m, a.Logger)

	entry := domain.WatchlistEntry{
		Symbol:          symbol,
		Name:            symbol,
		Category:        domain.CategoryCore,
		Priority:        1,
		IntervalSeconds: int(step / time.Second),
		Active:          true,
	}
	for _, seeded := range storage.DefaultWatchlist() {
		if seeded.Symbol == symbol {
			entry.Name = seeded.Name
		}
	}

	for i := range prices {
		events, err := det.Tick(ctx, entry)
		if err != nil {
			return fmt.Errorf("tick %d: %w", i+1, err)
		}
		for _, ev := range events {
			rec, err := d.Handle(ctx, ev)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "tick %d: %s %s -> %s %s\n", i+1, ev.EventType, alerting.Price(ev.TriggerPrice), rec.Status, rec.Reason)
		}
	}

	sent, err := store.ListRecentRecords(ctx, len(prices)*4)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("symbol", symbol).Int("ticks", len(prices)).Int("records", len(sent)).Msg("模拟完成")
	return nil
}
