package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"marketpulse/internal/alerting"
	"marketpulse/internal/buffer"
	"marketpulse/internal/config"
	"marketpulse/internal/detector"
	"marketpulse/internal/dispatch"
	"marketpulse/internal/fetcher"
	"marketpulse/internal/metrics"
	"marketpulse/internal/resilience"
	"marketpulse/internal/scheduler"
	"marketpulse/internal/service"
	"marketpulse/internal/storage"
	chstore "marketpulse/internal/storage/clickhouse"
	"marketpulse/internal/storage/redisstore"
	"marketpulse/internal/transport"
	"marketpulse/internal/version"
	"marketpulse/internal/watchlist"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// backends are the persistence collaborators shared by both roles.
type backends struct {
	watchlist storage.WatchlistStore
	history   storage.PriceHistoryStore
	events    storage.EventStore
	records   storage.RecordStore
	locker    storage.AdvisoryLocker
	redis     *redisstore.Client

	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends wires PostgreSQL when configured, otherwise an in-memory
// store seeded with the default watchlist. ClickHouse takes over price
// history and Redis shares dedup and rate limits when configured.
func (a *App) openBackends(ctx context.Context) (*backends, error) {
	b := &backends{}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		b.closers = append(b.closers, closeStore)
		b.watchlist, b.history, b.events, b.records, b.locker = store, store, store, store, store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
		mem := storage.NewMemoryStore()
		if err := storage.SeedWatchlist(ctx, mem, storage.DefaultWatchlist()); err != nil {
			return nil, err
		}
		b.watchlist, b.history, b.events, b.records = mem, mem, mem, mem
	}

	if dsn := a.Config.ClickHouse.DSN; dsn != "" {
		h, err := chstore.Open(ctx, dsn)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = h.Close() })
		if err := h.EnsureSchema(ctx, a.Config.ClickHouse.Retention); err != nil {
			b.Close()
			return nil, err
		}
		b.history = h
	}

	if a.Config.Redis.Addr != "" {
		rc, err := redisstore.New(ctx, a.Config.Redis)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = rc.Close() })
		b.redis = rc
	}
	return b, nil
}

func (a *App) breakerSettings(name string, cfg config.BreakerConfig, m *metrics.Metrics) resilience.BreakerSettings {
	return resilience.BreakerSettings{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		FailureRatePct:   cfg.FailureRatePct,
		WindowSize:       cfg.WindowSize,
		MinCalls:         cfg.MinCalls,
		OpenTimeout:      cfg.OpenTimeout,
		HalfOpenProbes:   cfg.HalfOpenProbes,
		OnStateChange:    m.BreakerObserver(a.Logger),
	}
}

func (a *App) newNotifier() alerting.Notifier {
	timeout := a.Config.Dispatch.ChannelTimeout
	var channels alerting.Fanout
	if cfg := a.Config.Alerting.Slack; cfg.Enabled {
		channels = append(channels, alerting.NewSlackNotifier(cfg.WebhookURL, cfg.Channel, cfg.Username, timeout, a.Logger))
	}
	if cfg := a.Config.Alerting.Telegram; cfg.Enabled {
		channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, timeout, a.Logger))
	}
	switch len(channels) {
	case 0:
		a.Logger.Warn().Msg("no alert channel enabled; alerts go to stdout")
		return alerting.LogNotifier{Out: func(text string) { fmt.Fprintln(os.Stdout, text) }}
	case 1:
		return channels[0]
	}
	return channels
}

func (a *App) newDispatcher(b *backends, m *metrics.Metrics) *dispatch.Dispatcher {
	var limiter dispatch.Limiter
	if b.redis != nil {
		limiter = b.redis
	}
	breaker := resilience.NewBreaker(a.breakerSettings("channel", a.Config.Dispatch.Breaker, m))
	return dispatch.New(b.events, b.records, limiter, a.newNotifier(), breaker, dispatch.OptionsFromConfig(a.Config.Dispatch), m, a.Logger)
}

func (a *App) newDetector(source fetcher.PriceSource, b *backends, m *metrics.Metrics) *detector.Detector {
	var dedup detector.Deduper
	if b.redis != nil {
		dedup = b.redis
	}
	cfg := a.Config.Detector
	return detector.New(source, b.history, dedup, detector.RulesFromConfig(cfg), detector.Options{
		FetchTimeout:  cfg.FetchTimeout,
		HistoryWindow: cfg.HistoryWindow,
		MaxHistory:    cfg.MaxHistory,
	}, m, a.Logger)
}

// RunOptions configure the run command.
type RunOptions struct {
	Role string
}

// Run executes the long-running pipeline for the configured role.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.Role != "" {
		a.Config.App.Role = opts.Role
		if err := a.Config.Validate(); err != nil {
			return err
		}
	}

	b, err := a.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	m := metrics.New(a.Config.Metrics.Namespace)
	g, gctx := errgroup.WithContext(ctx)

	if a.Config.Metrics.Enabled {
		g.Go(func() error { return m.Serve(gctx, a.Config.Metrics.ListenAddr, a.Logger) })
	}
	if a.Config.RunsNotification() {
		if err := a.startNotification(gctx, g, b, m); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}
	if a.Config.RunsDetection() {
		if err := a.startDetection(gctx, g, b, m); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	a.Logger.Info().Str("role", a.Config.App.Role).Str("delivery", a.Config.App.Delivery).Msg("marketpulse started")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("marketpulse stopped")
	return nil
}

func (a *App) startNotification(ctx context.Context, g *errgroup.Group, b *backends, m *metrics.Metrics) error {
	d := a.newDispatcher(b, m)

	lis, err := net.Listen("tcp", a.Config.Transport.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Config.Transport.ListenAddr, err)
	}
	gs := transport.NewGRPCServer(transport.NewServer(d, a.Logger), a.Logger)
	g.Go(func() error { return transport.Serve(ctx, gs, lis, a.Logger) })

	if a.Config.Kafka.Enabled() {
		consumer := buffer.NewConsumer(buffer.NewReader(a.Config.Kafka), d, m, a.Logger)
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(ctx)
		})
	}

	g.Go(func() error { return d.RunRedrive(ctx, a.Config.Dispatch.RedriveInterval) })
	return nil
}

func (a *App) startDetection(ctx context.Context, g *errgroup.Group, b *backends, m *metrics.Metrics) error {
	cfg := a.Config

	hours, err := scheduler.ParseMarketHours(cfg.Scheduler.MarketHours)
	if err != nil {
		return err
	}
	sched := scheduler.New(scheduler.Options{
		Workers:           cfg.Scheduler.Workers,
		StartupDelay:      cfg.Scheduler.StartupDelay,
		RefreshInterval:   cfg.Scheduler.RefreshInterval,
		RefreshMaxBackoff: cfg.Scheduler.RefreshMaxBackoff,
		MarketHours:       hours,
	}, watchlist.NewCache(b.watchlist, a.Logger), m, a.Logger)

	userAgent := cfg.PriceSource.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	source := fetcher.NewQuoteClient(fetcher.QuoteOptions{
		BaseURL:   cfg.PriceSource.BaseURL,
		APIKey:    cfg.PriceSource.APIKey,
		Timeout:   cfg.PriceSource.RequestTimeout,
		UserAgent: userAgent,
	}, a.Logger)

	var (
		producer  *buffer.Producer
		fallback  transport.Publisher
		publisher service.Publisher
	)
	if cfg.Kafka.Enabled() {
		producer = buffer.NewProducer(buffer.NewWriter(cfg.Kafka), m, a.Logger)
		fallback, publisher = producer, producer
	} else {
		a.Logger.Warn().Msg("kafka not configured; undeliverable events are logged and dropped")
	}

	conn, err := transport.Dial(cfg.Transport.Target)
	if err != nil {
		return err
	}
	breaker := resilience.NewBreaker(a.breakerSettings("rpc", cfg.Transport.Breaker, m))
	client := transport.NewClient(ctx, conn, breaker, fallback, transport.ClientOptions{
		RPCTimeout: cfg.Transport.RPCTimeout,
		Retry: resilience.RetryPolicy{
			MaxAttempts:     cfg.Transport.Retry.MaxAttempts,
			InitialInterval: cfg.Transport.Retry.InitialInterval,
			Multiplier:      cfg.Transport.Retry.Multiplier,
			MaxInterval:     cfg.Transport.Retry.MaxInterval,
		},
		Workers:   cfg.Transport.Workers,
		QueueSize: cfg.Transport.QueueSize,
	}, m, a.Logger)

	svc := service.New(cfg, service.Deps{
		Scheduler: sched,
		Detector:  a.newDetector(source, b, m),
		Sender:    client,
		Publisher: publisher,
		Events:    b.events,
		History:   b.history,
		Locker:    b.locker,
	}, a.Logger)

	g.Go(func() error {
		err := svc.Run(ctx)
		client.Close()
		if producer != nil {
			if cerr := producer.Close(); cerr != nil {
				a.Logger.Warn().Err(cerr).Msg("close buffer producer")
			}
		}
		_ = conn.Close()
		return err
	})
	g.Go(func() error { return svc.RunRetention(ctx) })
	return nil
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	What  string
	Limit int
}

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	Symbol string
	Prices []string
	Step   time.Duration
	Notify bool
}

// MigrateOptions configure the migrate command.
type MigrateOptions struct {
	Seed bool
}
