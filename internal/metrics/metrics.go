// Package metrics provides Prometheus instrumentation for the pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"marketpulse/internal/resilience"
)

// Notification outcomes used as the "outcome" label.
const (
	OutcomeReceived        = "received"
	OutcomeSuppressedDedup = "suppressed_dedup"
	OutcomeSuppressedRate  = "suppressed_rate_limited"
	OutcomeDelivered       = "delivered"
	OutcomeFailed          = "failed"
)

// Metrics holds all collectors for one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Scheduler
	Ticks          *prometheus.CounterVec
	TicksCoalesced prometheus.Counter
	WatchedSymbols prometheus.Gauge

	// Detector
	EventsDetected     *prometheus.CounterVec
	EventsDeduplicated prometheus.Counter
	FetchLatency       prometheus.Histogram

	// Transport
	TransportSends *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec
	RPCLatency     prometheus.Histogram

	// Buffer
	BufferPublished *prometheus.CounterVec
	BufferConsumed  *prometheus.CounterVec

	// Dispatcher
	Notifications *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "marketpulse"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Poll ticks by result",
		}, []string{"result"}),
		TicksCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_coalesced_total",
			Help:      "Ticks dropped because the previous tick for the symbol was still outstanding",
		}),
		WatchedSymbols: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "watched_symbols",
			Help:      "Active symbols with a live timer",
		}),

		EventsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "events_detected_total",
			Help:      "Price events emitted by event type",
		}, []string{"event_type"}),
		EventsDeduplicated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "events_deduplicated_total",
			Help:      "Price events dropped because their dedup key was already emitted",
		}),
		FetchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "fetch_latency_seconds",
			Help:      "Price source call latency",
			Buckets:   prometheus.DefBuckets,
		}),

		TransportSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "sends_total",
			Help:      "Transport send outcomes",
		}, []string{"result"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
		RPCLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "rpc_latency_seconds",
			Help:      "Notification RPC latency",
			Buckets:   prometheus.DefBuckets,
		}),

		BufferPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "published_total",
			Help:      "Events written to the buffer by reason",
		}, []string{"reason"}),
		BufferConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "consumed_total",
			Help:      "Buffer messages consumed by result",
		}, []string{"result"}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "notifications_total",
			Help:      "Dispatcher counters: received, suppressed_dedup, suppressed_rate_limited, delivered, failed",
		}, []string{"outcome"}),
	}
}

// BreakerObserver returns an OnStateChange hook that mirrors breaker state
// into the breaker_state gauge and logs transitions.
func (m *Metrics) BreakerObserver(logger zerolog.Logger) func(name string, from, to resilience.State) {
	return func(name string, from, to resilience.State) {
		m.BreakerState.WithLabelValues(name).Set(float64(to))
		logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve exposes /metrics and /healthz on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
