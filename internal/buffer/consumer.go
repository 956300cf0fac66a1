package buffer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"marketpulse/internal/config"
	"marketpulse/internal/domain"
	"marketpulse/internal/metrics"
	"marketpulse/internal/resilience"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler records and dispatches one event.
type Handler interface {
	Handle(ctx context.Context, ev domain.PriceEvent) (domain.NotificationRecord, error)
}

// NewReader builds a consumer-group reader with explicit commits.
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
}

// Consumer reads envelopes and hands them to a Handler. An offset is
// committed only once the handler has recorded the event.
type Consumer struct {
	r       MessageReader
	h       Handler
	metrics *metrics.Metrics
	logger  zerolog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewConsumer wraps r.
func NewConsumer(r MessageReader, h Handler, m *metrics.Metrics, logger zerolog.Logger) *Consumer {
	return &Consumer{
		r:              r,
		h:              h,
		metrics:        m,
		logger:         logger.With().Str("component", "buffer_consumer").Logger(),
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	fetchBackoff := resilience.ExponentialBackOff(c.initialBackoff, c.maxBackoff)
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := fetchBackoff.NextBackOff()
			c.logger.Error().Err(err).Dur("retry_in", wait).Msg("fetch from buffer failed")
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		fetchBackoff.Reset()

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	log := c.logger.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Str("key", string(msg.Key)).Logger()

	env, err := Decode(msg.Value)
	if err != nil {
		log.Error().Err(err).Bytes("payload", msg.Value).Msg("skipping undecodable buffer message")
		c.count("poison")
		return c.commit(ctx, msg)
	}
	if env.Newer() {
		log.Warn().Int("schema_version", env.SchemaVersion).Msg("buffer message written by a newer schema; handling known fields")
	}

	handleBackoff := resilience.ExponentialBackOff(c.initialBackoff, c.maxBackoff)
	err = backoff.RetryNotify(func() error {
		rec, err := c.h.Handle(ctx, env.Event)
		if err != nil {
			return err
		}
		log.Debug().Str("dedup_key", env.Event.DedupKey).Str("status", string(rec.Status)).Msg("buffered event handled")
		return nil
	}, backoff.WithContext(handleBackoff, ctx), func(err error, wait time.Duration) {
		c.count("retry")
		log.Warn().Err(err).Str("dedup_key", env.Event.DedupKey).Dur("retry_in", wait).Msg("handling buffered event failed")
	})
	if err != nil {
		return err
	}

	c.count("handled")
	return c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.r.CommitMessages(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// Redelivery is absorbed by the dispatcher's dedup.
		c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
	}
	return nil
}

func (c *Consumer) count(result string) {
	if c.metrics != nil {
		c.metrics.BufferConsumed.WithLabelValues(result).Inc()
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.r.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
