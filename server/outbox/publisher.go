// Package outbox implements the transactional outbox: events are written in
// the same atomic step as the mutation they describe and delivered later by
// the Dispatcher, at least once.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/metrics"
	"lukechampine.com/blake3"
)

// Publisher writes PENDING events inside the caller's step.
type Publisher struct {
	now    func() time.Time
	wakers []func()
}

func NewPublisher() *Publisher {
	return &Publisher{now: time.Now}
}

// OnCommit registers fn to run after a step that enqueued events commits.
// The dispatcher uses it to wake up early.
func (p *Publisher) OnCommit(fn func()) {
	p.wakers = append(p.wakers, fn)
}

// Enqueue records an event in tx. payload is stored as given.
func (p *Publisher) Enqueue(ctx context.Context, tx db.Tx, aggregateType, aggregateID, eventType string, payload []byte) (*db.OutboxEvent, error) {
	created := p.now().UTC()
	event := &db.OutboxEvent{
		EventID:        uuid.NewString(),
		AggregateType:  aggregateType,
		AggregateID:    aggregateID,
		EventType:      eventType,
		Payload:        payload,
		Status:         db.OutboxPending,
		CreatedAt:      created,
		NextAttemptAt:  created,
		IdempotencyKey: IdempotencyKey(aggregateType, aggregateID, eventType, payload, created),
	}
	if _, err := tx.InsertOutboxEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("enqueue %s for %s %s: %w", eventType, aggregateType, aggregateID, err)
	}

	logger.DebugContext(ctx, "Outbox: event enqueued", "event_id", event.EventID, "event_type", eventType,
		"aggregate", aggregateType+"/"+aggregateID, "correlation_id", consts.CorrelationID(ctx))
	tx.AfterCommit(func() {
		metrics.OutboxEnqueued.WithLabelValues(eventType).Inc()
		for _, wake := range p.wakers {
			wake()
		}
	})
	return event, nil
}

// EnqueueJSON marshals payload and enqueues it.
func (p *Publisher) EnqueueJSON(ctx context.Context, tx db.Tx, aggregateType, aggregateID, eventType string, payload any) (*db.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return p.Enqueue(ctx, tx, aggregateType, aggregateID, eventType, body)
}

// IdempotencyKey is the hex blake3 digest of the event identity. Consumers
// deduplicate redeliveries on it.
func IdempotencyKey(aggregateType, aggregateID, eventType string, payload []byte, createdAt time.Time) string {
	h := blake3.New(32, nil)
	for _, part := range []string{aggregateType, aggregateID, eventType} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(payload)
	h.Write([]byte{0})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil))
}
