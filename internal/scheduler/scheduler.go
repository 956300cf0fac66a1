package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketpulse/internal/domain"
	"marketpulse/internal/metrics"
	"marketpulse/internal/resilience"
	"marketpulse/internal/watchlist"
)

// TickFunc is invoked for every poll tick of a watchlist entry.
type TickFunc func(ctx context.Context, entry domain.WatchlistEntry) error

// Options tune scheduler behaviour.
type Options struct {
	Workers           int
	StartupDelay      time.Duration
	RefreshInterval   time.Duration
	RefreshMaxBackoff time.Duration
	// TimeUnit is the length of one IntervalSeconds step. Defaults to a second.
	TimeUnit    time.Duration
	MarketHours *MarketHours
}

type slotState int

const (
	stateIdle slotState = iota
	stateQueued
	stateRunning
)

// slot is the logical timer of one symbol.
type slot struct {
	entry   domain.WatchlistEntry
	timer   *time.Timer
	state   slotState
	removed bool
}

// Scheduler drives per-symbol polling. Due symbols wait in a priority queue
// served by a fixed set of workers.
type Scheduler struct {
	opts    Options
	cache   *watchlist.Cache
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	slots   map[string]*slot
	queue   dueQueue
	seq     uint64
	stopped bool
	notify  chan struct{}
}

// New constructs a Scheduler reading entries from cache.
func New(opts Options, cache *watchlist.Cache, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.TimeUnit <= 0 {
		opts.TimeUnit = time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Minute
	}
	if opts.RefreshMaxBackoff <= 0 {
		opts.RefreshMaxBackoff = 5 * time.Minute
	}
	return &Scheduler{
		opts:    opts,
		cache:   cache,
		metrics: m,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		slots:   make(map[string]*slot),
		notify:  make(chan struct{}, 1),
	}
}

// Run loads the watchlist, starts the workers and keeps the watchlist fresh
// until ctx is cancelled. In-flight ticks are allowed to finish.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if tick == nil {
		return fmt.Errorf("scheduler: tick func is required")
	}
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()

	loadErr := s.RefreshWatchlist(ctx)
	if loadErr != nil {
		s.logger.Error().Err(loadErr).Msg("initial watchlist load failed; retrying in background")
	}

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx, tick)
		}()
	}

	s.refreshLoop(ctx, loadErr != nil)

	s.stopAll()
	wg.Wait()
	return ctx.Err()
}

// RefreshWatchlist re-reads the watchlist and applies it. On failure the
// current timers keep running.
func (s *Scheduler) RefreshWatchlist(ctx context.Context) error {
	snap, err := s.cache.Refresh(ctx)
	if err != nil {
		return err
	}
	s.Apply(snap.Entries)
	return nil
}

// Apply reconciles timers with entries: new symbols get a timer, missing or
// inactive ones lose theirs, changed ones are updated in place. Running
// ticks are never interrupted.
func (s *Scheduler) Apply(entries []domain.WatchlistEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]domain.WatchlistEntry, len(entries))
	for _, e := range entries {
		if e.Active && e.IntervalSeconds >= 1 {
			wanted[e.Symbol] = e
		}
	}

	for symbol, sl := range s.slots {
		if _, ok := wanted[symbol]; ok {
			continue
		}
		sl.removed = true
		sl.timer.Stop()
		delete(s.slots, symbol)
		s.logger.Info().Str("symbol", symbol).Msg("symbol removed from schedule")
	}

	for symbol, e := range wanted {
		symbol := symbol
		sl, ok := s.slots[symbol]
		if !ok {
			sl = &slot{entry: e}
			sl.timer = time.AfterFunc(0, func() { s.fire(symbol, sl) })
			s.slots[symbol] = sl
			s.logger.Info().Str("symbol", symbol).Int("interval_seconds", e.IntervalSeconds).Int("priority", e.Priority).Msg("symbol scheduled")
			continue
		}
		changed := sl.entry.IntervalSeconds != e.IntervalSeconds
		sl.entry = e
		if changed && sl.state == stateIdle {
			sl.timer.Reset(s.interval(e))
		}
	}

	if s.metrics != nil {
		s.metrics.WatchedSymbols.Set(float64(len(s.slots)))
	}
}

// Scheduled returns the symbols that currently own a timer.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.slots))
	for symbol := range s.slots {
		out = append(out, symbol)
	}
	return out
}

func (s *Scheduler) interval(e domain.WatchlistEntry) time.Duration {
	return time.Duration(e.IntervalSeconds) * s.opts.TimeUnit
}

func (s *Scheduler) fire(symbol string, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || sl.removed || s.slots[symbol] != sl {
		return
	}
	if sl.state != stateIdle {
		if s.metrics != nil {
			s.metrics.TicksCoalesced.Inc()
		}
		s.logger.Debug().Str("symbol", symbol).Msg("previous tick still outstanding; coalescing")
		sl.timer.Reset(s.interval(sl.entry))
		return
	}

	sl.state = stateQueued
	s.seq++
	heap.Push(&s.queue, &dueItem{slot: sl, priority: sl.entry.Priority, seq: s.seq})
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) work(ctx context.Context, tick TickFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		for {
			sl, entry, ok := s.next()
			if !ok {
				break
			}
			s.run(ctx, tick, entry)

			s.mu.Lock()
			sl.state = stateIdle
			s.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
		}
	}
}

// next pops the most urgent live slot, marks it running and arms its next
// tick relative to now.
func (s *Scheduler) next() (*slot, domain.WatchlistEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*dueItem)
		sl := item.slot
		if sl.removed {
			continue
		}
		sl.state = stateRunning
		sl.timer.Reset(s.interval(sl.entry))
		if s.queue.Len() > 0 {
			s.signal()
		}
		return sl, sl.entry, true
	}
	return nil, domain.WatchlistEntry{}, false
}

func (s *Scheduler) run(ctx context.Context, tick TickFunc, entry domain.WatchlistEntry) {
	if s.opts.MarketHours != nil && !s.opts.MarketHours.IsOpen(time.Now()) {
		s.count("market_closed")
		return
	}
	if err := tick(ctx, entry); err != nil {
		s.count("failed")
		s.logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("tick execution failed")
		return
	}
	s.count("ok")
}

func (s *Scheduler) count(result string) {
	if s.metrics != nil {
		s.metrics.Ticks.WithLabelValues(result).Inc()
	}
}

// refreshLoop re-reads the watchlist every RefreshInterval. Failed reads,
// including a failed initial load, are retried on the backoff schedule.
func (s *Scheduler) refreshLoop(ctx context.Context, failed bool) {
	bo := resilience.ExponentialBackOff(min(s.opts.RefreshInterval/10, s.opts.RefreshMaxBackoff), s.opts.RefreshMaxBackoff)
	wait := s.opts.RefreshInterval
	if failed {
		wait = bo.NextBackOff()
	}

	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.RefreshWatchlist(ctx); err != nil {
			wait = bo.NextBackOff()
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("watchlist refresh failed; keeping last snapshot")
			continue
		}
		bo.Reset()
		wait = s.opts.RefreshInterval
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, sl := range s.slots {
		sl.timer.Stop()
	}
}

type dueItem struct {
	slot     *slot
	priority int
	seq      uint64
}

// dueQueue orders due slots by priority, then by the time they became due.
type dueQueue []*dueItem

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q dueQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *dueQueue) Push(x any) { *q = append(*q, x.(*dueItem)) }

func (q *dueQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
