package outbox

import (
	"encoding/json"
	"time"

	"github.com/migadu/ruled/db"
)

// Envelope is what brokers receive: the stored payload plus the identity a
// consumer needs to deduplicate it.
type Envelope struct {
	EventID        string          `json:"eventId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	AggregateType  string          `json:"aggregateType"`
	AggregateID    string          `json:"aggregateId"`
	EventType      string          `json:"eventType"`
	CreatedAt      time.Time       `json:"createdAt"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PayloadBytes   []byte          `json:"payloadBytes,omitempty"` // non-JSON payloads, base64
}

// NewEnvelope wraps e. The result depends only on the stored event, so every
// delivery attempt produces identical bytes.
func NewEnvelope(e *db.OutboxEvent) Envelope {
	env := Envelope{
		EventID:        e.EventID,
		IdempotencyKey: e.IdempotencyKey,
		AggregateType:  e.AggregateType,
		AggregateID:    e.AggregateID,
		EventType:      e.EventType,
		CreatedAt:      e.CreatedAt.UTC(),
	}
	if len(e.Payload) > 0 && json.Valid(e.Payload) {
		env.Payload = json.RawMessage(e.Payload)
	} else if len(e.Payload) > 0 {
		env.PayloadBytes = e.Payload
	}
	return env
}

func (env Envelope) Marshal() ([]byte, error) {
	return json.Marshal(env)
}
