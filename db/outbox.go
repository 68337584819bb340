package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/ruled/consts"
)

const outboxColumns = `id, event_id, aggregate_type, aggregate_id, event_type, payload, status, retry_count,
	processed_at, error_message, created_at, next_attempt_at, claimed_at, idempotency_key`

func scanOutboxEvent(row pgx.Row) (*OutboxEvent, error) {
	var e OutboxEvent
	if err := row.Scan(&e.ID, &e.EventID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.Status,
		&e.RetryCount, &e.ProcessedAt, &e.ErrorMessage, &e.CreatedAt, &e.NextAttemptAt, &e.ClaimedAt, &e.IdempotencyKey); err != nil {
		return nil, err
	}
	return &e, nil
}

// SortOutboxEvents orders events by (created_at, id).
func SortOutboxEvents(events []*OutboxEvent) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
}

// blockedByEarlier is true when an earlier event of the same aggregate is in
// flight or waiting out its backoff. $N is the "now" parameter.
func blockedByEarlier(alias, now string) string {
	return `EXISTS (
		SELECT 1 FROM outbox_events p
		WHERE p.aggregate_type = ` + alias + `.aggregate_type
		  AND p.aggregate_id = ` + alias + `.aggregate_id
		  AND (p.created_at, p.id) < (` + alias + `.created_at, ` + alias + `.id)
		  AND (p.status = 'PROCESSING' OR (p.status = 'PENDING' AND p.next_attempt_at > ` + now + `)))`
}

func (db *Database) ClaimOutboxBatch(ctx context.Context, limit int, now time.Time) ([]*OutboxEvent, error) {
	var events []*OutboxEvent
	err := db.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		rows, err := tx.(*pgTx).tx.Query(ctx,
			`WITH due AS (
			     SELECT e.id FROM outbox_events e
			     WHERE e.status = 'PENDING' AND e.next_attempt_at <= $2
			       AND NOT `+blockedByEarlier("e", "$2")+`
			     ORDER BY e.created_at, e.id
			     LIMIT $1
			     FOR UPDATE SKIP LOCKED
			 )
			 UPDATE outbox_events o SET status = 'PROCESSING', claimed_at = $2
			 FROM due WHERE o.id = due.id
			 RETURNING `+qualify("o", outboxColumns),
			limit, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanOutboxEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	SortOutboxEvents(events)
	return events, nil
}

func (db *Database) ClaimOutboxEvent(ctx context.Context, id int64, now time.Time) (*OutboxEvent, bool, error) {
	e, err := scanOutboxEvent(db.writeQueryRow(ctx, "claim_outbox_event",
		`UPDATE outbox_events e SET status = 'PROCESSING', claimed_at = $2
		 WHERE e.id = $1 AND e.status = 'PENDING'
		   AND NOT EXISTS (
		       SELECT 1 FROM outbox_events p
		       WHERE p.aggregate_type = e.aggregate_type AND p.aggregate_id = e.aggregate_id
		         AND (p.created_at, p.id) < (e.created_at, e.id)
		         AND p.status IN ('PENDING', 'PROCESSING'))
		 RETURNING `+qualify("e", outboxColumns), id, now))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, classifyError(err)
	}
	current, err := db.GetOutboxEvent(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// transition runs a status update guarded by the expected current status.
func (db *Database) transition(ctx context.Context, operation string, id int64, from string, set string, args ...any) error {
	n, err := db.timedExec(ctx, operation,
		`UPDATE outbox_events SET `+set+` WHERE id = $1 AND status = '`+from+`'`, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := db.GetOutboxEvent(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("outbox event %d is %s, expected %s: %w", id, current.Status, from, consts.ErrConcurrentModification)
}

func (db *Database) MarkOutboxPublished(ctx context.Context, id int64, at time.Time) error {
	return db.transition(ctx, "mark_outbox_published", id, OutboxProcessing,
		`status = 'PUBLISHED', processed_at = $2, error_message = '', claimed_at = NULL`, at)
}

func (db *Database) MarkOutboxRetry(ctx context.Context, id int64, retryCount int, errMsg string, next time.Time) error {
	return db.transition(ctx, "mark_outbox_retry", id, OutboxProcessing,
		`status = 'PENDING', retry_count = $2, error_message = $3, next_attempt_at = $4, claimed_at = NULL`,
		retryCount, truncateError(errMsg), next)
}

func (db *Database) MarkOutboxFailed(ctx context.Context, id int64, retryCount int, errMsg string, at time.Time) error {
	return db.transition(ctx, "mark_outbox_failed", id, OutboxProcessing,
		`status = 'FAILED', retry_count = $2, error_message = $3, processed_at = $4, claimed_at = NULL`,
		retryCount, truncateError(errMsg), at)
}

func (db *Database) ReleaseOutboxEvent(ctx context.Context, id int64) error {
	return db.transition(ctx, "release_outbox_event", id, OutboxProcessing,
		`status = 'PENDING', claimed_at = NULL`)
}

func (db *Database) RequeueOutboxEvent(ctx context.Context, id int64, now time.Time) error {
	err := db.transition(ctx, "requeue_outbox_event", id, OutboxFailed,
		`status = 'PENDING', retry_count = 0, error_message = '', processed_at = NULL, next_attempt_at = $2`, now)
	if errors.Is(err, consts.ErrConcurrentModification) {
		return fmt.Errorf("outbox event %d is not FAILED: %w", id, consts.ErrNotPermitted)
	}
	return err
}

func (db *Database) GetOutboxEvent(ctx context.Context, id int64) (*OutboxEvent, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	// The write pool sees the claim that just happened.
	e, err := scanOutboxEvent(db.WritePool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrEventNotFound, "outbox event %d", id)
	}
	return e, nil
}

func (db *Database) ListOutboxEvents(ctx context.Context, status string, limit int) ([]*OutboxEvent, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := db.timedQuery(ctx, "list_outbox_events",
		`SELECT `+outboxColumns+` FROM outbox_events WHERE ($1 = '' OR status = $1) ORDER BY created_at, id LIMIT $2`,
		strings.ToUpper(status), limit)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	var result []*OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (db *Database) OutboxStats(ctx context.Context) (*OutboxStats, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	var s OutboxStats
	err := db.timedQueryRow(ctx, "outbox_stats",
		`SELECT COUNT(*) FILTER (WHERE status = 'PENDING'),
		        COUNT(*) FILTER (WHERE status = 'PROCESSING'),
		        COUNT(*) FILTER (WHERE status = 'PUBLISHED'),
		        COUNT(*) FILTER (WHERE status = 'FAILED'),
		        MIN(next_attempt_at) FILTER (WHERE status = 'PENDING')
		 FROM outbox_events`,
	).Scan(&s.Pending, &s.Processing, &s.Published, &s.Failed, &s.OldestDueAt)
	if err != nil {
		return nil, classifyError(err)
	}
	return &s, nil
}

// RecoverStaleOutboxEvents returns events left PROCESSING by a dispatcher
// that died before recording the outcome.
func (db *Database) RecoverStaleOutboxEvents(ctx context.Context, claimedBefore time.Time) (int64, error) {
	return db.timedExec(ctx, "recover_stale_outbox_events",
		`UPDATE outbox_events SET status = 'PENDING', claimed_at = NULL
		 WHERE status = 'PROCESSING' AND (claimed_at IS NULL OR claimed_at < $1)`, claimedBefore)
}

func (db *Database) PurgePublishedOutboxEvents(ctx context.Context, processedBefore time.Time) (int64, error) {
	return db.timedExec(ctx, "purge_published_outbox_events",
		`DELETE FROM outbox_events WHERE status = 'PUBLISHED' AND processed_at < $1`, processedBefore)
}

func (db *Database) TryRecordAutoReply(ctx context.Context, userID int64, sender, key string, now time.Time, window time.Duration) (bool, error) {
	n, err := db.timedExec(ctx, "record_auto_reply",
		`INSERT INTO auto_reply_log (user_id, sender, replied_at, request_key) VALUES ($1, $2, $3, $5)
		 ON CONFLICT (user_id, sender) DO UPDATE
		 SET replied_at = CASE WHEN auto_reply_log.request_key = EXCLUDED.request_key
		                       THEN auto_reply_log.replied_at ELSE EXCLUDED.replied_at END,
		     request_key = EXCLUDED.request_key
		 WHERE auto_reply_log.replied_at <= $4
		    OR ($5 <> '' AND auto_reply_log.request_key = $5)`,
		userID, strings.ToLower(sender), now, now.Add(-window), key)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const maxErrorMessage = 2000

func truncateError(msg string) string {
	if len(msg) <= maxErrorMessage {
		return msg
	}
	return msg[:maxErrorMessage]
}
