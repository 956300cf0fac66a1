package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"marketpulse/internal/domain"
	"marketpulse/internal/lanes"
	"marketpulse/internal/metrics"
	"marketpulse/internal/resilience"
)

// Fallback reasons recorded on buffered events.
const (
	ReasonBreakerOpen      = "breaker_open"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonRejected         = "rejected"
	ReasonRPCError         = "rpc_error"
	ReasonQueueFull        = "queue_full"
)

// Outcome of a Send.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeBuffered  Outcome = "buffered"
	OutcomeLost      Outcome = "lost"
)

// ErrNoFallback is returned when an event could not be delivered and no
// buffer is configured.
var ErrNoFallback = errors.New("transport: no fallback publisher configured")

// Publisher is the buffer the client falls back to.
type Publisher interface {
	Publish(ctx context.Context, ev domain.PriceEvent, reason string) error
}

// ClientOptions tune the client.
type ClientOptions struct {
	RPCTimeout      time.Duration
	FallbackTimeout time.Duration
	Retry           resilience.RetryPolicy
	Workers         int
	QueueSize       int
}

// Client sends events to the notification service.
type Client struct {
	conn     grpc.ClientConnInterface
	breaker  *resilience.Breaker
	fallback Publisher
	opts     ClientOptions
	pool     *lanes.Pool
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// Dial opens a lazy client connection to target using the JSON codec.
func Dial(target string, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, extra...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial notification service %s: %w", target, err)
	}
	return conn, nil
}

// NewClient constructs a Client. fallback may be nil. The async pool lives
// until Close; ctx is handed to queued sends.
func NewClient(ctx context.Context, conn grpc.ClientConnInterface, breaker *resilience.Breaker, fallback Publisher, opts ClientOptions, m *metrics.Metrics, logger zerolog.Logger) *Client {
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 3 * time.Second
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Client{
		conn:     conn,
		breaker:  breaker,
		fallback: fallback,
		opts:     opts,
		pool:     lanes.NewPool(ctx, opts.Workers, opts.QueueSize),
		metrics:  m,
		logger:   logger.With().Str("component", "transport").Logger(),
	}
}

// Submit queues ev on its symbol lane and returns immediately. When the
// queue is full the event goes straight to the buffer.
func (c *Client) Submit(ctx context.Context, ev domain.PriceEvent) error {
	err := c.pool.Submit(ev.Symbol, func(taskCtx context.Context) {
		_, _ = c.Send(taskCtx, ev)
	})
	if err == nil {
		return nil
	}
	c.logger.Warn().Err(err).Str("symbol", ev.Symbol).Str("dedup_key", ev.DedupKey).Msg("send queue rejected event; buffering")
	if _, ferr := c.buffer(ctx, ev, ReasonQueueFull, err); ferr != nil {
		return ferr
	}
	return nil
}

// Send delivers ev synchronously. Breaker rejections, exhausted retries and
// permanent errors are diverted to the buffer; the returned error is non-nil
// only when the event could not be buffered either.
func (c *Client) Send(ctx context.Context, ev domain.PriceEvent) (Outcome, error) {
	done, err := c.breaker.Allow()
	if err != nil {
		return c.buffer(ctx, ev, ReasonBreakerOpen, err)
	}

	err = c.opts.Retry.Do(ctx, func(ctx context.Context) error {
		return c.invoke(ctx, ev)
	}, IsTransient)

	switch {
	case err == nil:
		done(true)
		c.countSend(string(OutcomeDelivered))
		return OutcomeDelivered, nil
	case IsRejection(err):
		// The service answered; it is healthy.
		done(true)
		return c.buffer(ctx, ev, ReasonRejected, err)
	case IsTransient(err) || ctx.Err() != nil:
		done(false)
		return c.buffer(ctx, ev, ReasonRetriesExhausted, err)
	default:
		done(false)
		return c.buffer(ctx, ev, ReasonRPCError, err)
	}
}

// Close drains queued sends.
func (c *Client) Close() {
	c.pool.Close()
}

// Pending reports queued or running sends.
func (c *Client) Pending() int {
	return c.pool.Pending()
}

func (c *Client) invoke(ctx context.Context, ev domain.PriceEvent) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RPCTimeout)
	defer cancel()

	started := time.Now()
	var ack Ack
	err := c.conn.Invoke(ctx, SendPriceEventMethod, &ev, &ack, grpc.CallContentSubtype(codecName))
	if c.metrics != nil {
		c.metrics.RPCLatency.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("symbol", ev.Symbol).Str("dedup_key", ev.DedupKey).Msg("rpc attempt failed")
		return err
	}
	c.logger.Debug().Str("symbol", ev.Symbol).Str("status", ack.Status).Msg("event delivered over rpc")
	return nil
}

func (c *Client) buffer(ctx context.Context, ev domain.PriceEvent, reason string, cause error) (Outcome, error) {
	if c.fallback == nil {
		c.lost(ev, reason, cause, ErrNoFallback)
		return OutcomeLost, ErrNoFallback
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FallbackTimeout)
	defer cancel()
	if err := c.fallback.Publish(pubCtx, ev, reason); err != nil {
		c.lost(ev, reason, cause, err)
		return OutcomeLost, fmt.Errorf("buffer fallback: %w", err)
	}

	c.countSend(string(OutcomeBuffered) + "_" + reason)
	c.logger.Info().Str("symbol", ev.Symbol).Str("dedup_key", ev.DedupKey).Str("reason", reason).AnErr("cause", cause).Msg("event diverted to buffer")
	return OutcomeBuffered, nil
}

func (c *Client) lost(ev domain.PriceEvent, reason string, cause, err error) {
	c.countSend(string(OutcomeLost))
	c.logger.Error().
		Err(err).
		AnErr("cause", cause).
		Str("reason", reason).
		Interface("event", ev).
		Msg("event could not be delivered or buffered")
}

// IsTransient reports gRPC codes worth retrying.
func IsTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// IsRejection reports a permanent refusal of the event itself.
func IsRejection(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists, codes.OutOfRange:
		return true
	default:
		return false
	}
}

func (c *Client) countSend(outcome string) {
	if c.metrics != nil {
		c.metrics.TransportSends.WithLabelValues(outcome).Inc()
	}
}
