package brokers

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"lukechampine.com/blake3"
)

// NOTIFY payloads are limited to 8000 bytes by Postgres.
const maxNotifyPayload = 7900

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGNotifyBroker publishes events with pg_notify on one channel. Listeners
// receive the event envelope; envelopes too large for NOTIFY are replaced
// by a digest notice.
type PGNotifyBroker struct {
	conn    Execer
	channel string
}

func NewPGNotifyBroker(conn Execer, channel string) *PGNotifyBroker {
	if channel == "" {
		channel = "ruled_events"
	}
	return &PGNotifyBroker{conn: conn, channel: channel}
}

func (b *PGNotifyBroker) Name() string { return "pgnotify" }

func (b *PGNotifyBroker) Publish(ctx context.Context, eventType string, payload []byte) error {
	body := payload
	if len(body) > maxNotifyPayload {
		digest := blake3.Sum256(payload)
		notice, err := json.Marshal(map[string]any{
			"eventType": eventType,
			"oversized": true,
			"size":      len(payload),
			"digest":    hex.EncodeToString(digest[:]),
		})
		if err != nil {
			return Permanent(b.Name(), err)
		}
		body = notice
	}
	if _, err := b.conn.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, string(body)); err != nil {
		return Temporary(b.Name(), fmt.Errorf("pg_notify on %s: %w", b.channel, err))
	}
	return nil
}
