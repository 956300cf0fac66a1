package alerting

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	client tgbotapi.HTTPClient
	chatID string
	logger zerolog.Logger
}

// contextClient binds every request of one Notify call to its context.
type contextClient struct {
	ctx  context.Context
	base tgbotapi.HTTPClient
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.base.Do(req.WithContext(c.ctx))
}

// NewTelegramNotifier 构造 Telegram 告警器。baseURL 为空时使用官方地址。
// The bot is not verified with getMe so construction never touches the network.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoint := tgbotapi.APIEndpoint
	if baseURL != "" {
		endpoint = strings.TrimRight(baseURL, "/") + "/bot%s/%s"
	}

	bot := &tgbotapi.BotAPI{
		Token:  botToken,
		Buffer: 100,
		Client: &http.Client{Timeout: timeout},
	}
	bot.SetAPIEndpoint(endpoint)

	return &TelegramNotifier{
		bot:    bot,
		client: bot.Client,
		chatID: chatID,
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	var cfg tgbotapi.MessageConfig
	if id, err := strconv.ParseInt(n.chatID, 10, 64); err == nil {
		cfg = tgbotapi.NewMessage(id, Render(msg).Text())
	} else {
		cfg = tgbotapi.NewMessageToChannel(n.chatID, Render(msg).Text())
	}
	cfg.DisableWebPagePreview = true

	bot := *n.bot
	bot.Client = contextClient{ctx: ctx, base: n.client}
	if _, err := bot.Send(cfg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("telegram sendMessage: %w", err)
	}

	n.logger.Info().Str("symbol", msg.Event.Symbol).Str("event_type", string(msg.Event.EventType)).Msg("告警已发送 (Telegram)")
	return nil
}

var _ Notifier = (*TelegramNotifier)(nil)
