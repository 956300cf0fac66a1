package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"marketpulse/internal/logging"
)

// Process roles.
const (
	RoleAll          = "all"
	RoleDetection    = "detection"
	RoleNotification = "notification"
)

// Delivery modes for detected events.
const (
	DeliveryRPC    = "rpc"
	DeliveryBuffer = "buffer"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	ClickHouse  ClickHouseConfig  `mapstructure:"clickhouse"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	PriceSource PriceSourceConfig `mapstructure:"price_source"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Role        string `mapstructure:"role"`
	Delivery    string `mapstructure:"delivery"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	Retention       time.Duration `mapstructure:"retention"`
	PurgeInterval   time.Duration `mapstructure:"purge_interval"`
}

// RedisConfig enables shared dedup and rate limiting when Addr is set.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Prefix      string        `mapstructure:"prefix"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// ClickHouseConfig routes price history to ClickHouse when DSN is set.
type ClickHouseConfig struct {
	DSN       string        `mapstructure:"dsn"`
	Retention time.Duration `mapstructure:"retention"`
}

// SchedulerConfig governs per-symbol polling.
type SchedulerConfig struct {
	Workers            int               `mapstructure:"workers"`
	StartupDelay       time.Duration     `mapstructure:"startup_delay"`
	RefreshInterval    time.Duration     `mapstructure:"refresh_interval"`
	RefreshMaxBackoff  time.Duration     `mapstructure:"refresh_max_backoff"`
	LeaderPollInterval time.Duration     `mapstructure:"leader_poll_interval"`
	MarketHours        MarketHoursConfig `mapstructure:"market_hours"`
}

// MarketHoursConfig restricts polling to trading sessions.
type MarketHoursConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Timezone string `mapstructure:"timezone"`
	Open     string `mapstructure:"open"`
	Close    string `mapstructure:"close"`
}

// PriceSourceConfig covers the quote API.
type PriceSourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ThresholdBand is an absolute price band; zero disables a side.
type ThresholdBand struct {
	Up   float64 `mapstructure:"up"`
	Down float64 `mapstructure:"down"`
}

// DetectorConfig defines rule parameters.
type DetectorConfig struct {
	FetchTimeout  time.Duration            `mapstructure:"fetch_timeout"`
	Lookback      time.Duration            `mapstructure:"lookback"`
	HistoryWindow time.Duration            `mapstructure:"history_window"`
	MaxHistory    int                      `mapstructure:"max_history"`
	DedupBucket   time.Duration            `mapstructure:"dedup_bucket"`
	VolatilityPct float64                  `mapstructure:"volatility_pct"`
	LimitUpPct    float64                  `mapstructure:"limit_up_pct"`
	LimitDownPct  float64                  `mapstructure:"limit_down_pct"`
	Default       ThresholdBand            `mapstructure:"default_threshold"`
	Thresholds    map[string]ThresholdBand `mapstructure:"thresholds"`
}

// RetryConfig bounds retry attempts for transient failures.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// BreakerConfig parameterises a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureRatePct   float64       `mapstructure:"failure_rate_pct"`
	WindowSize       int           `mapstructure:"window_size"`
	MinCalls         int           `mapstructure:"min_calls"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenProbes   int           `mapstructure:"half_open_probes"`
}

// TransportConfig covers the RPC hop between detection and notification.
type TransportConfig struct {
	ListenAddr string        `mapstructure:"listen_addr"`
	Target     string        `mapstructure:"target"`
	RPCTimeout time.Duration `mapstructure:"rpc_timeout"`
	Workers    int           `mapstructure:"workers"`
	QueueSize  int           `mapstructure:"queue_size"`
	Retry      RetryConfig   `mapstructure:"retry"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

// KafkaConfig covers the event buffer.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	GroupID      string        `mapstructure:"group_id"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// PublishTimeout caps the primary publish made from a scheduler worker
	// in buffer delivery mode.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// Enabled reports whether a buffer is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// DispatchConfig defines delivery limits for the notification side.
type DispatchConfig struct {
	ChannelTimeout  time.Duration `mapstructure:"channel_timeout"`
	SymbolLimit     int           `mapstructure:"symbol_limit"`
	SymbolWindow    time.Duration `mapstructure:"symbol_window"`
	GlobalLimit     int           `mapstructure:"global_limit"`
	GlobalWindow    time.Duration `mapstructure:"global_window"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	LimitCooldown   time.Duration `mapstructure:"limit_cooldown"`
	RedriveInterval time.Duration `mapstructure:"redrive_interval"`
	RedriveBatch    int           `mapstructure:"redrive_batch"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
}

// AlertingConfig defines channel routing.
type AlertingConfig struct {
	Slack    SlackConfig    `mapstructure:"slack"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// SlackConfig describes the Slack incoming webhook.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
	Username   string `mapstructure:"username"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Namespace  string `mapstructure:"namespace"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("MARKETPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file not found: %w", err)
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "marketpulse")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.role", RoleAll)
	v.SetDefault("app.delivery", DeliveryRPC)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x6d70756c))
	v.SetDefault("database.retention", "720h")
	v.SetDefault("database.purge_interval", "1h")

	v.SetDefault("redis.prefix", "marketpulse:")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("clickhouse.retention", "720h")

	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.refresh_interval", "1m")
	v.SetDefault("scheduler.refresh_max_backoff", "5m")
	v.SetDefault("scheduler.leader_poll_interval", "15s")
	v.SetDefault("scheduler.market_hours.enabled", false)
	v.SetDefault("scheduler.market_hours.timezone", "Asia/Seoul")
	v.SetDefault("scheduler.market_hours.open", "09:00")
	v.SetDefault("scheduler.market_hours.close", "15:30")

	v.SetDefault("price_source.base_url", "http://localhost:8081")
	v.SetDefault("price_source.request_timeout", "10s")

	v.SetDefault("detector.fetch_timeout", "10s")
	v.SetDefault("detector.lookback", "5m")
	v.SetDefault("detector.history_window", "1h")
	v.SetDefault("detector.max_history", 720)
	v.SetDefault("detector.dedup_bucket", "1m")
	v.SetDefault("detector.volatility_pct", 5.0)
	v.SetDefault("detector.limit_up_pct", 29.5)
	v.SetDefault("detector.limit_down_pct", -29.5)

	v.SetDefault("transport.listen_addr", ":9090")
	v.SetDefault("transport.target", "localhost:9090")
	v.SetDefault("transport.rpc_timeout", "3s")
	v.SetDefault("transport.workers", 4)
	v.SetDefault("transport.queue_size", 1024)
	v.SetDefault("transport.retry.max_attempts", 3)
	v.SetDefault("transport.retry.initial_interval", "1s")
	v.SetDefault("transport.retry.multiplier", 2.0)
	v.SetDefault("transport.retry.max_interval", "30s")
	v.SetDefault("transport.breaker.failure_threshold", 5)
	v.SetDefault("transport.breaker.failure_rate_pct", 40.0)
	v.SetDefault("transport.breaker.window_size", 50)
	v.SetDefault("transport.breaker.min_calls", 10)
	v.SetDefault("transport.breaker.open_timeout", "20s")
	v.SetDefault("transport.breaker.half_open_probes", 3)

	v.SetDefault("kafka.topic", "price-events")
	v.SetDefault("kafka.group_id", "marketpulse-notification")
	v.SetDefault("kafka.batch_timeout", "50ms")
	v.SetDefault("kafka.write_timeout", "10s")
	v.SetDefault("kafka.publish_timeout", "2s")

	v.SetDefault("dispatch.channel_timeout", "10s")
	v.SetDefault("dispatch.symbol_limit", 10)
	v.SetDefault("dispatch.symbol_window", "1h")
	v.SetDefault("dispatch.global_limit", 120)
	v.SetDefault("dispatch.global_window", "1h")
	v.SetDefault("dispatch.cooldown", "30m")
	v.SetDefault("dispatch.limit_cooldown", "60m")
	v.SetDefault("dispatch.redrive_interval", "5m")
	v.SetDefault("dispatch.redrive_batch", 100)
	v.SetDefault("dispatch.breaker.failure_threshold", 5)
	v.SetDefault("dispatch.breaker.failure_rate_pct", 50.0)
	v.SetDefault("dispatch.breaker.window_size", 20)
	v.SetDefault("dispatch.breaker.min_calls", 5)
	v.SetDefault("dispatch.breaker.open_timeout", "30s")
	v.SetDefault("dispatch.breaker.half_open_probes", 1)

	v.SetDefault("alerting.slack.username", "marketpulse")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9100")
	v.SetDefault("metrics.namespace", "marketpulse")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.App.Role {
	case RoleAll, RoleDetection, RoleNotification:
	default:
		return fmt.Errorf("app.role must be one of all, detection, notification; got %q", c.App.Role)
	}
	switch c.App.Delivery {
	case DeliveryRPC:
	case DeliveryBuffer:
		if !c.Kafka.Enabled() {
			return fmt.Errorf("app.delivery=buffer requires kafka.brokers and kafka.topic")
		}
	default:
		return fmt.Errorf("app.delivery must be rpc or buffer; got %q", c.App.Delivery)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be greater than zero")
	}
	if c.Detector.DedupBucket <= 0 {
		return fmt.Errorf("detector.dedup_bucket must be greater than zero")
	}
	if c.Detector.Lookback <= 0 {
		return fmt.Errorf("detector.lookback must be greater than zero")
	}
	if c.Detector.VolatilityPct < 0 {
		return fmt.Errorf("detector.volatility_pct cannot be negative")
	}
	for symbol, band := range c.Detector.Thresholds {
		if band.Up > 0 && band.Down > 0 && band.Down >= band.Up {
			return fmt.Errorf("detector.thresholds.%s: down must be below up", symbol)
		}
	}
	if c.Transport.Workers <= 0 || c.Transport.QueueSize <= 0 {
		return fmt.Errorf("transport.workers and transport.queue_size must be greater than zero")
	}
	if c.Transport.Retry.MaxAttempts < 1 {
		return fmt.Errorf("transport.retry.max_attempts must be at least 1")
	}
	if err := validateBreaker("transport.breaker", c.Transport.Breaker); err != nil {
		return err
	}
	if err := validateBreaker("dispatch.breaker", c.Dispatch.Breaker); err != nil {
		return err
	}
	if c.Dispatch.SymbolLimit < 0 || c.Dispatch.GlobalLimit < 0 {
		return fmt.Errorf("dispatch limits cannot be negative")
	}
	if c.Alerting.Slack.Enabled && c.Alerting.Slack.WebhookURL == "" {
		return fmt.Errorf("alerting.slack.webhook_url is required when slack is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func validateBreaker(prefix string, b BreakerConfig) error {
	if b.FailureThreshold <= 0 && b.FailureRatePct <= 0 {
		return fmt.Errorf("%s needs failure_threshold or failure_rate_pct", prefix)
	}
	if b.FailureRatePct > 100 {
		return fmt.Errorf("%s.failure_rate_pct cannot exceed 100", prefix)
	}
	if b.OpenTimeout <= 0 {
		return fmt.Errorf("%s.open_timeout must be greater than zero", prefix)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// RunsDetection reports whether this process hosts the detection side.
func (c *Config) RunsDetection() bool {
	return c.App.Role == RoleAll || c.App.Role == RoleDetection
}

// RunsNotification reports whether this process hosts the notification side.
func (c *Config) RunsNotification() bool {
	return c.App.Role == RoleAll || c.App.Role == RoleNotification
}
