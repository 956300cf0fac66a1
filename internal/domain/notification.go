package domain

import "time"

// NotificationStatus is the terminal outcome of a dispatch attempt.
type NotificationStatus string

const (
	StatusSent       NotificationStatus = "SENT"
	StatusFailed     NotificationStatus = "FAILED"
	StatusSuppressed NotificationStatus = "SUPPRESSED"
)

// Reasons attached to non-SENT records.
const (
	ReasonDuplicate   = "dedup"
	ReasonRateLimited = "rate_limited"
	ReasonBreakerOpen = "breaker_open"
	ReasonChannel     = "channel_error"
)

// NotificationRecord audits what happened to one event on the notification side.
type NotificationRecord struct {
	ID          string             `json:"id"`
	DedupKey    string             `json:"dedup_key"`
	Symbol      string             `json:"symbol"`
	EventType   EventType          `json:"event_type"`
	Channel     string             `json:"channel"`
	Status      NotificationStatus `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	Attempts    int                `json:"attempts"`
	DeliveredAt time.Time          `json:"delivered_at"`
}
