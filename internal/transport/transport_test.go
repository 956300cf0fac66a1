package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"marketpulse/internal/domain"
	"marketpulse/internal/metrics"
	"marketpulse/internal/resilience"
)

func sampleEvent(symbol string, offset time.Duration) domain.PriceEvent {
	ts := time.Date(2025, 3, 4, 0, 30, 0, 0, time.UTC).Add(offset)
	return domain.PriceEvent{
		Symbol:         symbol,
		Name:           "삼성전자",
		EventType:      domain.EventThresholdUp,
		TriggerPrice:   decimal.NewFromInt(80200),
		ReferencePrice: decimal.NewFromInt(80000),
		ChangeRate:     decimal.RequireFromString("0.8805"),
		Timestamp:      ts,
		DedupKey:       domain.DedupKey(symbol, domain.EventThresholdUp, ts, time.Minute),
	}
}

// fakeConn answers Invoke with scripted errors.
type fakeConn struct {
	mu    sync.Mutex
	calls int
	errs  []error
	order []string
}

func (f *fakeConn) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if ev, ok := args.(*domain.PriceEvent); ok {
		f.order = append(f.order, ev.DedupKey)
	}
	if len(f.errs) == 0 {
		reply.(*Ack).Accepted = true
		return nil
	}
	err := f.errs[0]
	if len(f.errs) > 1 {
		f.errs = f.errs[1:]
	}
	return err
}

func (f *fakeConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("not supported")
}

func (f *fakeConn) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu      sync.Mutex
	reasons []string
	events  []domain.PriceEvent
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.PriceEvent, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	p.reasons = append(p.reasons, reason)
	return nil
}

func newTestClient(t *testing.T, conn grpc.ClientConnInterface, pub Publisher, attempts int) (*Client, *resilience.Breaker, *metrics.Metrics) {
	t.Helper()
	m := metrics.New("test")
	breaker := resilience.NewBreaker(resilience.BreakerSettings{
		Name:             "notification_rpc",
		FailureThreshold: 5,
		OpenTimeout:      time.Hour,
		OnStateChange:    m.BreakerObserver(zerolog.Nop()),
	})
	c := NewClient(context.Background(), conn, breaker, pub, ClientOptions{
		RPCTimeout: time.Second,
		Retry:      resilience.RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		Workers:    2,
		QueueSize:  16,
	}, m, zerolog.Nop())
	t.Cleanup(c.Close)
	return c, breaker, m
}

func TestSendDelivers(t *testing.T) {
	conn := &fakeConn{}
	pub := &recordingPublisher{}
	c, _, m := newTestClient(t, conn, pub, 3)

	outcome, err := c.Send(context.Background(), sampleEvent("005930", 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.Empty(t, pub.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportSends.WithLabelValues("delivered")))
}

func TestSendRetriesTransientErrors(t *testing.T) {
	conn := &fakeConn{errs: []error{status.Error(codes.Unavailable, "down"), status.Error(codes.DeadlineExceeded, "slow"), nil}}
	pub := &recordingPublisher{}
	c, _, _ := newTestClient(t, conn, pub, 3)

	outcome, err := c.Send(context.Background(), sampleEvent("005930", 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.Equal(t, 3, conn.callCount())
}

func TestSendDoesNotRetryPermanentErrors(t *testing.T) {
	conn := &fakeConn{errs: []error{status.Error(codes.InvalidArgument, "bad event")}}
	pub := &recordingPublisher{}
	c, breaker, _ := newTestClient(t, conn, pub, 3)

	outcome, err := c.Send(context.Background(), sampleEvent("005930", 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, outcome)
	assert.Equal(t, 1, conn.callCount())
	assert.Equal(t, []string{ReasonRejected}, pub.reasons)
	assert.Equal(t, resilience.StateClosed, breaker.State())
}

func TestOpenBreakerDivertsToBufferWithoutRPC(t *testing.T) {
	conn := &fakeConn{errs: []error{status.Error(codes.Unavailable, "notification service down")}}
	pub := &recordingPublisher{}
	c, breaker, m := newTestClient(t, conn, pub, 1)

	for i := 0; i < 5; i++ {
		outcome, err := c.Send(context.Background(), sampleEvent("005930", time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, OutcomeBuffered, outcome)
	}
	assert.Equal(t, resilience.StateOpen, breaker.State())
	assert.Equal(t, 5, conn.callCount())

	outcome, err := c.Send(context.Background(), sampleEvent("005930", 6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, outcome)
	assert.Equal(t, 5, conn.callCount(), "no rpc while the breaker is open")
	assert.Len(t, pub.events, 6)
	assert.Equal(t, ReasonBreakerOpen, pub.reasons[5])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("notification_rpc")))
}

func TestSendWithoutBufferReportsLoss(t *testing.T) {
	conn := &fakeConn{errs: []error{status.Error(codes.Unavailable, "down")}}
	c, _, m := newTestClient(t, conn, nil, 1)

	outcome, err := c.Send(context.Background(), sampleEvent("005930", 0))
	assert.ErrorIs(t, err, ErrNoFallback)
	assert.Equal(t, OutcomeLost, outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportSends.WithLabelValues("lost")))
}

func TestSubmitPreservesPerSymbolOrder(t *testing.T) {
	conn := &fakeConn{}
	c, _, _ := newTestClient(t, conn, &recordingPublisher{}, 1)

	var want []string
	for i := 0; i < 10; i++ {
		ev := sampleEvent("005930", time.Duration(i)*time.Minute)
		want = append(want, ev.DedupKey)
		require.NoError(t, c.Submit(context.Background(), ev))
	}
	c.Close()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, want, conn.order)
}

type handlerFunc func(ctx context.Context, ev domain.PriceEvent) (domain.NotificationRecord, error)

func (f handlerFunc) Handle(ctx context.Context, ev domain.PriceEvent) (domain.NotificationRecord, error) {
	return f(ctx, ev)
}

func startBufconn(t *testing.T, h EventHandler) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(NewServer(h, zerolog.Nop()), zerolog.Nop())
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRoundTripOverGRPC(t *testing.T) {
	var mu sync.Mutex
	var received []domain.PriceEvent
	conn := startBufconn(t, handlerFunc(func(_ context.Context, ev domain.PriceEvent) (domain.NotificationRecord, error) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
		return domain.NotificationRecord{ID: "rec-1", Status: domain.StatusSent}, nil
	}))

	pub := &recordingPublisher{}
	c, _, _ := newTestClient(t, conn, pub, 2)

	ev := sampleEvent("005930", 0)
	outcome, err := c.Send(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)

	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, ev.DedupKey, received[0].DedupKey)
	assert.True(t, ev.TriggerPrice.Equal(received[0].TriggerPrice))
	assert.True(t, ev.Timestamp.Equal(received[0].Timestamp))
	mu.Unlock()

	bad := ev
	bad.Symbol = ""
	outcome, err = c.Send(context.Background(), bad)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, outcome)
	assert.Equal(t, []string{ReasonRejected}, pub.reasons)
}

func TestServerMapsHandlerFailureToUnavailable(t *testing.T) {
	conn := startBufconn(t, handlerFunc(func(context.Context, domain.PriceEvent) (domain.NotificationRecord, error) {
		return domain.NotificationRecord{}, errors.New("postgres down")
	}))

	var ack Ack
	ev := sampleEvent("005930", 0)
	err := conn.Invoke(context.Background(), SendPriceEventMethod, &ev, &ack)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.True(t, IsTransient(err))
}

func TestSendWithoutMetrics(t *testing.T) {
	conn := &fakeConn{errs: []error{status.Error(codes.Unavailable, "down")}}
	breaker := resilience.NewBreaker(resilience.BreakerSettings{Name: "notification_rpc", FailureThreshold: 5, OpenTimeout: time.Hour})
	c := NewClient(context.Background(), conn, breaker, &recordingPublisher{}, ClientOptions{
		RPCTimeout: time.Second,
		Retry:      resilience.RetryPolicy{MaxAttempts: 1},
	}, nil, zerolog.Nop())
	t.Cleanup(c.Close)

	outcome, err := c.Send(context.Background(), sampleEvent("005930", 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, outcome)

	conn.mu.Lock()
	conn.errs = nil
	conn.mu.Unlock()
	outcome, err = c.Send(context.Background(), sampleEvent("005930", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
}
