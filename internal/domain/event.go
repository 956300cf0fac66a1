package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is a single observed price for a symbol.
type PricePoint struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventType classifies a detected price movement.
type EventType string

const (
	EventThresholdUp     EventType = "THRESHOLD_UP"
	EventThresholdDown   EventType = "THRESHOLD_DOWN"
	EventVolatilitySpike EventType = "VOLATILITY_SPIKE"
	EventLimitUp         EventType = "LIMIT_UP"
	EventLimitDown       EventType = "LIMIT_DOWN"
)

// IsLimit reports whether the event type is a daily price limit move.
func (t EventType) IsLimit() bool {
	return t == EventLimitUp || t == EventLimitDown
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventThresholdUp, EventThresholdDown, EventVolatilitySpike, EventLimitUp, EventLimitDown:
		return true
	}
	return false
}

// PriceEvent is the immutable output of detection. DedupKey identifies the
// logical event across retries, transports and replicas.
type PriceEvent struct {
	Symbol         string          `json:"symbol"`
	Name           string          `json:"name,omitempty"`
	EventType      EventType       `json:"event_type"`
	TriggerPrice   decimal.Decimal `json:"trigger_price"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	ChangeRate     decimal.Decimal `json:"change_rate"`
	Timestamp      time.Time       `json:"timestamp"`
	DedupKey       string          `json:"dedup_key"`
}

// Validate checks that the event carries everything the notification side needs.
func (e PriceEvent) Validate() error {
	if e.Symbol == "" {
		return errors.New("price event: symbol is required")
	}
	if !e.EventType.Valid() {
		return fmt.Errorf("price event: unknown event type %q", e.EventType)
	}
	if e.DedupKey == "" {
		return errors.New("price event: dedup key is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("price event: timestamp is required")
	}
	return nil
}

// DedupKey derives the stable identifier of an event: the SHA-256 of
// symbol, event type and the start of the time bucket containing ts.
func DedupKey(symbol string, eventType EventType, ts time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Minute
	}
	start := ts.UTC().Truncate(bucket).Unix()
	sum := sha256.Sum256([]byte(symbol + "|" + string(eventType) + "|" + strconv.FormatInt(start, 10)))
	return hex.EncodeToString(sum[:])
}
