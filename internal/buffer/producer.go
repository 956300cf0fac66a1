package buffer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"marketpulse/internal/config"
	"marketpulse/internal/domain"
	"marketpulse/internal/metrics"
)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a writer that hashes keys so every symbol lands on one
// partition and keeps its order.
func NewWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Producer publishes events to the buffer topic.
type Producer struct {
	w       MessageWriter
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewProducer wraps w.
func NewProducer(w MessageWriter, m *metrics.Metrics, logger zerolog.Logger) *Producer {
	return &Producer{
		w:       w,
		metrics: m,
		logger:  logger.With().Str("component", "buffer_producer").Logger(),
		now:     time.Now,
	}
}

// Publish writes ev keyed by its symbol. reason records why the event is
// on the buffer ("primary" for buffer delivery mode).
func (p *Producer) Publish(ctx context.Context, ev domain.PriceEvent, reason string) error {
	payload, err := Encode(ev, reason, p.now())
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(ev.Symbol),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "schema_version", Value: []byte(strconv.Itoa(SchemaVersion))},
			{Key: "dedup_key", Value: []byte(ev.DedupKey)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to buffer: %w", ev.Symbol, err)
	}
	if p.metrics != nil {
		p.metrics.BufferPublished.WithLabelValues(reason).Inc()
	}
	p.logger.Debug().Str("symbol", ev.Symbol).Str("dedup_key", ev.DedupKey).Str("reason", reason).Msg("event published")
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.w.Close()
}
