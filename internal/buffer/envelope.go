// Package buffer moves price events through a symbol-keyed Kafka topic.
package buffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketpulse/internal/domain"
)

// SchemaVersion is the envelope version written by this build.
const SchemaVersion = 1

// ErrUnsupportedSchema marks envelopes without a valid schema version.
var ErrUnsupportedSchema = errors.New("buffer: unsupported schema version")

// Envelope is the JSON record stored on the topic.
type Envelope struct {
	SchemaVersion int               `json:"schema_version"`
	Event         domain.PriceEvent `json:"event"`
	Reason        string            `json:"reason,omitempty"`
	PublishedAt   time.Time         `json:"published_at"`
}

// Encode wraps ev in the current envelope.
func Encode(ev domain.PriceEvent, reason string, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{
		SchemaVersion: SchemaVersion,
		Event:         ev,
		Reason:        reason,
		PublishedAt:   now.UTC(),
	})
}

// Decode parses and validates an envelope. Envelopes from a newer producer
// are accepted as long as the fields this build knows still carry a valid
// event; unknown fields are ignored.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.SchemaVersion < 1 {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnsupportedSchema, env.SchemaVersion)
	}
	if err := env.Event.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Newer reports whether env was written by a later schema than this build.
func (env Envelope) Newer() bool {
	return env.SchemaVersion > SchemaVersion
}
