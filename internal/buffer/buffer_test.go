package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/domain"
	"marketpulse/internal/metrics"
)

func sampleEvent(symbol string) domain.PriceEvent {
	ts := time.Date(2025, 3, 4, 0, 30, 5, 0, time.UTC)
	return domain.PriceEvent{
		Symbol:         symbol,
		EventType:      domain.EventVolatilitySpike,
		TriggerPrice:   decimal.NewFromInt(107000),
		ReferencePrice: decimal.NewFromInt(101000),
		ChangeRate:     decimal.RequireFromString("5.9406"),
		Timestamp:      ts,
		DedupKey:       domain.DedupKey(symbol, domain.EventVolatilitySpike, ts, time.Minute),
	}
}

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

// memReader serves queued messages and blocks once drained.
type memReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *memReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *memReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *memReader) Close() error { return nil }

func (r *memReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type flakyHandler struct {
	mu       sync.Mutex
	failures int
	handled  []string
	reader   *memReader
	// commitsSeen captures the commits made before each successful handle.
	commitsSeen [][]int64
}

func (h *flakyHandler) Handle(_ context.Context, ev domain.PriceEvent) (domain.NotificationRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		return domain.NotificationRecord{}, errors.New("record store unavailable")
	}
	h.handled = append(h.handled, ev.DedupKey)
	h.commitsSeen = append(h.commitsSeen, h.reader.commits())
	return domain.NotificationRecord{Status: domain.StatusSent}, nil
}

func TestProducerKeysBySymbol(t *testing.T) {
	w := &memWriter{}
	m := metrics.New("test")
	p := NewProducer(w, m, zerolog.Nop())

	ev := sampleEvent("005930")
	require.NoError(t, p.Publish(context.Background(), ev, "breaker_open"))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "005930", string(w.msgs[0].Key))
	env, err := Decode(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, env.SchemaVersion)
	assert.Equal(t, "breaker_open", env.Reason)
	assert.Equal(t, ev.DedupKey, env.Event.DedupKey)
	assert.True(t, ev.ChangeRate.Equal(env.Event.ChangeRate))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferPublished.WithLabelValues("breaker_open")))
}

func TestProducerSurfacesWriteErrors(t *testing.T) {
	p := NewProducer(&memWriter{err: errors.New("leader not available")}, nil, zerolog.Nop())
	assert.Error(t, p.Publish(context.Background(), sampleEvent("005930"), "primary"))
}

func TestDecodeRejectsMissingSchema(t *testing.T) {
	_, err := Decode([]byte(`{"event":{}}`))
	assert.ErrorIs(t, err, ErrUnsupportedSchema)

	_, err = Decode([]byte(`{"schema_version":2,"event":{}}`))
	assert.Error(t, err, "a newer envelope still needs a valid event")

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

// futureEnvelope re-encodes ev as a schema version 2 record carrying fields
// this build does not know.
func futureEnvelope(t *testing.T, ev domain.PriceEvent) []byte {
	t.Helper()
	data, err := Encode(ev, "primary", time.Now())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["schema_version"] = 2
	raw["source_region"] = "ap-northeast-2"
	raw["event"].(map[string]any)["volume"] = "1532000"
	out, err := json.Marshal(raw)
	require.NoError(t, err)
	return out
}

func TestDecodeAcceptsNewerSchema(t *testing.T) {
	ev := sampleEvent("005930")
	env, err := Decode(futureEnvelope(t, ev))
	require.NoError(t, err)
	assert.True(t, env.Newer())
	assert.Equal(t, 2, env.SchemaVersion)
	assert.Equal(t, ev.DedupKey, env.Event.DedupKey)
	assert.True(t, ev.TriggerPrice.Equal(env.Event.TriggerPrice))
}

func TestConsumerHandlesNewerSchema(t *testing.T) {
	ev := sampleEvent("005930")
	reader := &memReader{msgs: []kafka.Message{
		{Offset: 7, Key: []byte("005930"), Value: futureEnvelope(t, ev)},
	}}
	handler := &flakyHandler{reader: reader}
	m := metrics.New("test")
	c := NewConsumer(reader, handler, m, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []string{ev.DedupKey}, handler.handled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferConsumed.WithLabelValues("handled")))
	assert.Zero(t, testutil.ToFloat64(m.BufferConsumed.WithLabelValues("poison")))
}

func TestConsumerCommitsOnlyAfterHandling(t *testing.T) {
	good, err := Encode(sampleEvent("005930"), "primary", time.Now())
	require.NoError(t, err)
	other, err := Encode(sampleEvent("000660"), "primary", time.Now())
	require.NoError(t, err)

	reader := &memReader{msgs: []kafka.Message{
		{Offset: 1, Key: []byte("005930"), Value: good},
		{Offset: 2, Key: []byte("005930"), Value: []byte("{broken")},
		{Offset: 3, Key: []byte("000660"), Value: other},
	}}
	handler := &flakyHandler{failures: 2, reader: reader}
	m := metrics.New("test")
	c := NewConsumer(reader, handler, m, zerolog.Nop())
	c.initialBackoff = time.Millisecond
	c.maxBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.handled, 2)
	assert.Empty(t, handler.commitsSeen[0], "offset 1 must not be committed before it was handled")
	assert.Equal(t, []int64{1, 2}, handler.commitsSeen[1])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferConsumed.WithLabelValues("poison")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BufferConsumed.WithLabelValues("retry")))
}
