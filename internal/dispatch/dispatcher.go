// Package dispatch delivers price events to alert channels exactly once per
// dedup key, within rate limits and behind a channel circuit breaker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"marketpulse/internal/alerting"
	"marketpulse/internal/config"
	"marketpulse/internal/domain"
	"marketpulse/internal/lanes"
	"marketpulse/internal/metrics"
	"marketpulse/internal/resilience"
	"marketpulse/internal/storage"
)

// Options tune delivery limits.
type Options struct {
	ChannelTimeout time.Duration
	SymbolLimit    int
	SymbolWindow   time.Duration
	GlobalLimit    int
	GlobalWindow   time.Duration
	Cooldown       time.Duration
	LimitCooldown  time.Duration
	RedriveBatch   int
}

// OptionsFromConfig maps dispatch configuration to Options.
func OptionsFromConfig(cfg config.DispatchConfig) Options {
	return Options{
		ChannelTimeout: cfg.ChannelTimeout,
		SymbolLimit:    cfg.SymbolLimit,
		SymbolWindow:   cfg.SymbolWindow,
		GlobalLimit:    cfg.GlobalLimit,
		GlobalWindow:   cfg.GlobalWindow,
		Cooldown:       cfg.Cooldown,
		LimitCooldown:  cfg.LimitCooldown,
		RedriveBatch:   cfg.RedriveBatch,
	}
}

// Dispatcher is the notification side entry point.
type Dispatcher struct {
	events   storage.EventStore
	records  storage.RecordStore
	limiter  Limiter
	notifier alerting.Notifier
	breaker  *resilience.Breaker
	opts     Options
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	locks lanes.KeyedMutex
}

// New constructs a Dispatcher. A nil limiter means a LocalLimiter.
func New(events storage.EventStore, records storage.RecordStore, limiter Limiter, notifier alerting.Notifier, breaker *resilience.Breaker, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	if opts.ChannelTimeout <= 0 {
		opts.ChannelTimeout = 5 * time.Second
	}
	if opts.RedriveBatch <= 0 {
		opts.RedriveBatch = 100
	}
	if limiter == nil {
		limiter = NewLocalLimiter()
	}
	return &Dispatcher{
		events:   events,
		records:  records,
		limiter:  limiter,
		notifier: notifier,
		breaker:  breaker,
		opts:     opts,
		metrics:  m,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Handle records ev and, unless it was already sent or is rate limited,
// posts it to the channel. Store failures are returned so the caller can
// retry; channel failures are recorded as FAILED and left for Redrive.
func (d *Dispatcher) Handle(ctx context.Context, ev domain.PriceEvent) (domain.NotificationRecord, error) {
	d.count(metrics.OutcomeReceived)
	if err := ev.Validate(); err != nil {
		return domain.NotificationRecord{}, err
	}

	unlock := d.locks.Lock(ev.DedupKey)
	defer unlock()

	if _, err := d.events.SaveEvent(ctx, ev); err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("save event: %w", err)
	}
	return d.process(ctx, ev, false, 1)
}

func (d *Dispatcher) process(ctx context.Context, ev domain.PriceEvent, redrive bool, attempt int) (domain.NotificationRecord, error) {
	log := d.logger.With().Str("symbol", ev.Symbol).Str("event_type", string(ev.EventType)).Str("dedup_key", ev.DedupKey).Logger()

	sent, err := d.records.HasSent(ctx, ev.DedupKey)
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("check sent: %w", err)
	}
	if sent {
		d.count(metrics.OutcomeSuppressedDedup)
		log.Info().Msg("duplicate event suppressed")
		return d.save(ctx, ev, domain.StatusSuppressed, domain.ReasonDuplicate)
	}

	if !redrive {
		if ok, scope := d.admit(ctx, ev); !ok {
			d.count(metrics.OutcomeSuppressedRate)
			log.Info().Str("scope", scope).Msg("event suppressed by rate limit")
			return d.save(ctx, ev, domain.StatusSuppressed, domain.ReasonRateLimited)
		}
	}

	done, err := d.breaker.Allow()
	if err != nil {
		d.count(metrics.OutcomeFailed)
		log.Warn().Msg("channel breaker open; leaving event for redrive")
		return d.save(ctx, ev, domain.StatusFailed, domain.ReasonBreakerOpen)
	}

	notifyCtx, cancel := context.WithTimeout(ctx, d.opts.ChannelTimeout)
	err = d.notifier.Notify(notifyCtx, alerting.Message{Event: ev, Attempt: attempt})
	cancel()
	if err != nil {
		done(false)
		d.count(metrics.OutcomeFailed)
		log.Error().Err(err).Int("attempt", attempt).Msg("channel delivery failed")
		return d.save(ctx, ev, domain.StatusFailed, domain.ReasonChannel)
	}
	done(true)

	rec, err := d.save(ctx, ev, domain.StatusSent, "")
	if err != nil {
		return rec, err
	}
	d.count(metrics.OutcomeDelivered)
	log.Info().Str("channel", rec.Channel).Int("attempt", attempt).Msg("alert delivered")
	return rec, nil
}

// admit applies the per-type cooldown, then the per-symbol and global limits.
// When a later scope rejects, hits already taken from earlier scopes are
// given back. Limiter errors admit the event.
func (d *Dispatcher) admit(ctx context.Context, ev domain.PriceEvent) (bool, string) {
	cooldown := d.opts.Cooldown
	if ev.EventType.IsLimit() {
		cooldown = d.opts.LimitCooldown
	}
	checks := []struct {
		scope  string
		key    string
		limit  int
		window time.Duration
	}{
		{"cooldown", "cooldown:" + ev.Symbol + ":" + string(ev.EventType), 1, cooldown},
		{"symbol", "symbol:" + ev.Symbol, d.opts.SymbolLimit, d.opts.SymbolWindow},
		{"global", "global", d.opts.GlobalLimit, d.opts.GlobalWindow},
	}
	var taken []func()
	for _, c := range checks {
		if c.window <= 0 || c.limit <= 0 {
			continue
		}
		ok, release, err := d.limiter.Reserve(ctx, c.key, c.limit, c.window)
		if err != nil {
			d.logger.Warn().Err(err).Str("scope", c.scope).Msg("rate limiter unavailable; admitting event")
			continue
		}
		if !ok {
			for _, give := range taken {
				give()
			}
			return false, c.scope
		}
		taken = append(taken, release)
	}
	return true, ""
}

func (d *Dispatcher) save(ctx context.Context, ev domain.PriceEvent, status domain.NotificationStatus, reason string) (domain.NotificationRecord, error) {
	rec, err := d.records.SaveRecord(ctx, domain.NotificationRecord{
		DedupKey:  ev.DedupKey,
		Symbol:    ev.Symbol,
		EventType: ev.EventType,
		Channel:   d.notifier.Name(),
		Status:    status,
		Reason:    reason,
	})
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("save %s record: %w", status, err)
	}
	return rec, nil
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.Notifications.WithLabelValues(outcome).Inc()
}

// RedriveResult summarises one Redrive pass.
type RedriveResult struct {
	Scanned   int
	Delivered int
	Failed    int
	Skipped   int
}

// Redrive re-attempts FAILED records that were never SENT. Rate limits are
// not applied a second time.
func (d *Dispatcher) Redrive(ctx context.Context, limit int) (RedriveResult, error) {
	if limit <= 0 {
		limit = d.opts.RedriveBatch
	}
	var res RedriveResult

	pending, err := d.records.ListUndelivered(ctx, limit)
	if err != nil {
		return res, fmt.Errorf("list undelivered: %w", err)
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Scanned++

		ev, err := d.events.GetEvent(ctx, rec.DedupKey)
		if errors.Is(err, storage.ErrNotFound) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("load event %s: %w", rec.DedupKey, err)
		}

		out, err := d.redriveOne(ctx, ev, rec.Attempts+1)
		if err != nil {
			return res, err
		}
		switch out.Status {
		case domain.StatusSent:
			res.Delivered++
		case domain.StatusFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}
	if res.Scanned > 0 {
		d.logger.Info().Int("scanned", res.Scanned).Int("delivered", res.Delivered).Int("failed", res.Failed).Msg("redrive pass finished")
	}
	return res, nil
}

func (d *Dispatcher) redriveOne(ctx context.Context, ev domain.PriceEvent, attempt int) (domain.NotificationRecord, error) {
	unlock := d.locks.Lock(ev.DedupKey)
	defer unlock()
	return d.process(ctx, ev, true, attempt)
}

// RunRedrive calls Redrive every interval until ctx is cancelled.
func (d *Dispatcher) RunRedrive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.Redrive(ctx, 0); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Msg("redrive failed")
			}
		}
	}
}
