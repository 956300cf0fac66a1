// Package detector turns fetched prices into deduplicated price events.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketpulse/internal/domain"
	"marketpulse/internal/fetcher"
	"marketpulse/internal/lanes"
	"marketpulse/internal/metrics"
	"marketpulse/internal/storage"
)

var (
	// ErrOutOfOrder marks a point not newer than the last evaluated one.
	ErrOutOfOrder = errors.New("detector: out-of-order price point")
	// ErrFetch wraps price source failures.
	ErrFetch = errors.New("detector: fetch failed")
)

// Options tune the detector.
type Options struct {
	FetchTimeout  time.Duration
	HistoryWindow time.Duration
	MaxHistory    int
}

// Detector evaluates one symbol at a time per lane; distinct symbols run concurrently.
type Detector struct {
	source  fetcher.PriceSource
	history storage.PriceHistoryStore
	dedup   Deduper
	rules   Rules
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger

	locks lanes.KeyedMutex

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	points []domain.PricePoint
}

// New constructs a Detector. history may be nil.
func New(source fetcher.PriceSource, history storage.PriceHistoryStore, dedup Deduper, rules Rules, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Detector {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if rules.Lookback <= 0 {
		rules.Lookback = 5 * time.Minute
	}
	if rules.DedupBucket <= 0 {
		rules.DedupBucket = time.Minute
	}
	if opts.HistoryWindow < 2*rules.Lookback {
		opts.HistoryWindow = 2 * rules.Lookback
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 720
	}
	if dedup == nil {
		dedup = NewMemoryDeduper()
	}
	return &Detector{
		source:  source,
		history: history,
		dedup:   dedup,
		rules:   rules,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "detector").Logger(),
		windows: make(map[string]*window),
	}
}

// Tick fetches the latest price for entry, evaluates the rules and returns
// events that were not emitted before. On fetch failure the history is
// left untouched.
func (d *Detector) Tick(ctx context.Context, entry domain.WatchlistEntry) ([]domain.PriceEvent, error) {
	unlock := d.locks.Lock(entry.Symbol)
	defer unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, d.opts.FetchTimeout)
	started := time.Now()
	point, err := d.source.Fetch(fetchCtx, entry.Symbol)
	cancel()
	if d.metrics != nil {
		d.metrics.FetchLatency.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, entry.Symbol, err)
	}
	point.Symbol = entry.Symbol

	return d.observe(ctx, entry, point)
}

// Observe evaluates a point obtained elsewhere, serialised with Tick on the
// symbol's lane.
func (d *Detector) Observe(ctx context.Context, entry domain.WatchlistEntry, point domain.PricePoint) ([]domain.PriceEvent, error) {
	unlock := d.locks.Lock(entry.Symbol)
	defer unlock()
	point.Symbol = entry.Symbol
	return d.observe(ctx, entry, point)
}

func (d *Detector) observe(ctx context.Context, entry domain.WatchlistEntry, point domain.PricePoint) ([]domain.PriceEvent, error) {
	w := d.window(ctx, entry.Symbol)

	d.mu.Lock()
	if n := len(w.points); n > 0 && !point.Timestamp.After(w.points[n-1].Timestamp) {
		last := w.points[n-1].Timestamp
		d.mu.Unlock()
		d.logger.Warn().Str("symbol", entry.Symbol).Time("ts", point.Timestamp).Time("last", last).Msg("dropping out-of-order price point")
		return nil, ErrOutOfOrder
	}
	candidates := d.rules.Evaluate(point, w.points)
	w.points = d.trim(append(w.points, point), point.Timestamp)
	d.mu.Unlock()

	if d.history != nil {
		if err := d.history.AppendPrice(ctx, point); err != nil {
			d.logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("failed to persist price point")
		}
	}

	events := make([]domain.PriceEvent, 0, len(candidates))
	for _, ev := range candidates {
		ev.Name = entry.Name
		seen, err := d.dedup.MarkSeen(ctx, ev.DedupKey, 2*d.rules.DedupBucket)
		if err != nil {
			d.logger.Error().Err(err).Str("dedup_key", ev.DedupKey).Msg("dedup store unavailable; emitting event")
		} else if seen {
			if d.metrics != nil {
				d.metrics.EventsDeduplicated.Inc()
			}
			d.logger.Debug().Str("symbol", ev.Symbol).Str("event_type", string(ev.EventType)).Msg("duplicate event suppressed")
			continue
		}
		if d.metrics != nil {
			d.metrics.EventsDetected.WithLabelValues(string(ev.EventType)).Inc()
		}
		d.logger.Info().
			Str("symbol", ev.Symbol).
			Str("event_type", string(ev.EventType)).
			Str("price", ev.TriggerPrice.String()).
			Str("change_rate", ev.ChangeRate.String()).
			Str("dedup_key", ev.DedupKey).
			Msg("price event detected")
		events = append(events, ev)
	}
	return events, nil
}

// Forget drops the in-memory window of a symbol.
func (d *Detector) Forget(symbol string) {
	d.mu.Lock()
	delete(d.windows, symbol)
	d.mu.Unlock()
}

func (d *Detector) window(ctx context.Context, symbol string) *window {
	d.mu.Lock()
	w, ok := d.windows[symbol]
	d.mu.Unlock()
	if ok {
		return w
	}

	w = &window{}
	if d.history != nil {
		since := time.Now().Add(-d.opts.HistoryWindow)
		points, err := d.history.RecentPrices(ctx, symbol, since, d.opts.MaxHistory)
		if err != nil {
			d.logger.Warn().Err(err).Str("symbol", symbol).Msg("could not preload price history")
		} else {
			w.points = points
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.windows[symbol]; ok {
		return existing
	}
	d.windows[symbol] = w
	return w
}

func (d *Detector) trim(points []domain.PricePoint, now time.Time) []domain.PricePoint {
	cutoff := now.Add(-d.opts.HistoryWindow)
	start := 0
	for start < len(points)-1 && points[start].Timestamp.Before(cutoff) {
		start++
	}
	if len(points)-start > d.opts.MaxHistory {
		start = len(points) - d.opts.MaxHistory
	}
	if start == 0 {
		return points
	}
	return append([]domain.PricePoint(nil), points[start:]...)
}
