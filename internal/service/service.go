package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"marketpulse/internal/config"
	"marketpulse/internal/detector"
	"marketpulse/internal/domain"
	"marketpulse/internal/scheduler"
	"marketpulse/internal/storage"
)

// Source for the primary buffer publish in buffer delivery mode.
const reasonPrimary = "primary"

// Sender hands events to the transport without blocking on the network.
type Sender interface {
	Submit(ctx context.Context, ev domain.PriceEvent) error
}

// Publisher writes events to the buffer topic.
type Publisher interface {
	Publish(ctx context.Context, ev domain.PriceEvent, reason string) error
}

// Deps are the collaborators of the detection side. Events, History,
// Publisher and Locker may be nil.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Detector  *detector.Detector
	Sender    Sender
	Publisher Publisher
	Events    storage.EventStore
	History   storage.PriceHistoryStore
	Locker    storage.AdvisoryLocker
}

// Service orchestrates polling, detection and delivery.
type Service struct {
	deps   Deps
	logger zerolog.Logger

	delivery       string
	publishTimeout time.Duration
	lockKey        int64
	leaderPoll     time.Duration
	retention      time.Duration
	purgeInterval  time.Duration
}

// New constructs the detection service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	leaderPoll := cfg.Scheduler.LeaderPollInterval
	if leaderPoll <= 0 {
		leaderPoll = 15 * time.Second
	}
	publishTimeout := cfg.Kafka.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 2 * time.Second
	}
	return &Service{
		deps:           deps,
		logger:         logger.With().Str("component", "service").Logger(),
		delivery:       cfg.App.Delivery,
		publishTimeout: publishTimeout,
		lockKey:        cfg.Database.AdvisoryLockKey,
		leaderPoll:     leaderPoll,
		retention:      cfg.Database.Retention,
		purgeInterval:  cfg.Database.PurgeInterval,
	}
}

// Run polls the watchlist until ctx is cancelled. With an advisory locker
// configured only the lock holder schedules; other replicas stand by.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if s.lockKey == 0 || s.deps.Locker == nil {
		return s.deps.Scheduler.Run(ctx, s.ProcessTick)
	}

	for {
		unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
		switch {
		case err != nil:
			s.logger.Error().Err(err).Msg("acquire advisory lock failed")
		case acquired:
			s.logger.Info().Int64("lock_key", s.lockKey).Msg("acquired scheduler leadership")
			err := s.deps.Scheduler.Run(ctx, s.ProcessTick)
			unlock()
			return err
		default:
			s.logger.Debug().Msg("scheduler leadership held elsewhere; standing by")
		}

		timer := time.NewTimer(s.leaderPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ProcessTick runs one poll for entry and hands every new event to delivery.
func (s *Service) ProcessTick(ctx context.Context, entry domain.WatchlistEntry) error {
	events, err := s.deps.Detector.Tick(ctx, entry)
	if err != nil {
		if errors.Is(err, detector.ErrOutOfOrder) {
			return nil
		}
		return err
	}
	for _, ev := range events {
		s.deliver(ctx, ev)
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, ev domain.PriceEvent) {
	log := s.logger.With().Str("symbol", ev.Symbol).Str("dedup_key", ev.DedupKey).Logger()

	if s.deps.Events != nil {
		if _, err := s.deps.Events.SaveEvent(ctx, ev); err != nil {
			log.Error().Err(err).Msg("failed to persist event")
		}
	}

	if s.delivery == config.DeliveryBuffer && s.deps.Publisher != nil {
		pubCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
		err := s.deps.Publisher.Publish(pubCtx, ev, reasonPrimary)
		cancel()
		if err == nil {
			return
		}
		log.Warn().Err(err).Msg("buffer publish failed; falling back to rpc")
	}

	if s.deps.Sender == nil {
		log.Error().Interface("event", ev).Msg("no delivery path configured; event dropped")
		return
	}
	if err := s.deps.Sender.Submit(ctx, ev); err != nil {
		log.Error().Err(err).Interface("event", ev).Msg("event could not be submitted")
	}
}

// RunRetention purges price history older than the retention window.
func (s *Service) RunRetention(ctx context.Context) error {
	if s.deps.History == nil || s.retention <= 0 || s.purgeInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.PurgeOnce(ctx)
		}
	}
}

// PurgeOnce deletes price points older than the retention window.
func (s *Service) PurgeOnce(ctx context.Context) {
	if s.deps.History == nil || s.retention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.retention)
	removed, err := s.deps.History.PurgePricesBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Time("cutoff", cutoff).Msg("price history purge failed")
		return
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("price history purged")
	}
}
