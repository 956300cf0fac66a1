package alerting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"marketpulse/internal/domain"
)

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
	logger     zerolog.Logger
}

// NewSlackNotifier constructs a Slack notifier.
func NewSlackNotifier(webhookURL, channel, username string, timeout time.Duration, logger zerolog.Logger) *SlackNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "alert_slack").Logger(),
	}
}

func (n *SlackNotifier) Name() string { return "slack" }

// Notify sends the rendered alert as text plus a field attachment.
func (n *SlackNotifier) Notify(ctx context.Context, msg Message) error {
	r := Render(msg)

	fields := make([]slack.AttachmentField, 0, len(r.Fields))
	for _, f := range r.Fields {
		fields = append(fields, slack.AttachmentField{Title: f.Name, Value: f.Value, Short: true})
	}
	payload := &slack.WebhookMessage{
		Channel:  n.channel,
		Username: n.username,
		Text:     fmt.Sprintf("*%s*\n%s", r.Title, r.Body),
		Attachments: []slack.Attachment{{
			Color:  color(msg.Event.EventType),
			Fields: fields,
		}},
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, payload); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	n.logger.Info().Str("symbol", msg.Event.Symbol).Str("event_type", string(msg.Event.EventType)).Msg("alert sent (slack)")
	return nil
}

func color(t domain.EventType) string {
	switch t {
	case domain.EventThresholdUp, domain.EventLimitUp:
		return "#d93025"
	case domain.EventThresholdDown, domain.EventLimitDown:
		return "#1a73e8"
	default:
		return "#f9ab00"
	}
}

var _ Notifier = (*SlackNotifier)(nil)
