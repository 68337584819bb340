package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
)

const outboxColumns = `id, event_id, aggregate_type, aggregate_id, event_type, payload, status, retry_count,
	processed_at, error_message, created_at, next_attempt_at, claimed_at, idempotency_key`

func scanOutboxEvent(row rowScanner) (*db.OutboxEvent, error) {
	var e db.OutboxEvent
	var processed, claimed sql.NullInt64
	var created, next int64
	if err := row.Scan(&e.ID, &e.EventID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.Status,
		&e.RetryCount, &processed, &e.ErrorMessage, &created, &next, &claimed, &e.IdempotencyKey); err != nil {
		return nil, err
	}
	e.ProcessedAt = nullTime(processed)
	e.ClaimedAt = nullTime(claimed)
	e.CreatedAt, e.NextAttemptAt = fromNanos(created), fromNanos(next)
	return &e, nil
}

const blockedByEarlier = `EXISTS (
	SELECT 1 FROM outbox_events p
	WHERE p.aggregate_type = e.aggregate_type
	  AND p.aggregate_id = e.aggregate_id
	  AND (p.created_at, p.id) < (e.created_at, e.id)
	  AND (p.status = 'PROCESSING' OR (p.status = 'PENDING' AND p.next_attempt_at > :now)))`

func (s *Store) ClaimOutboxBatch(ctx context.Context, limit int, now time.Time) ([]*db.OutboxEvent, error) {
	var events []*db.OutboxEvent
	err := s.WithTx(ctx, func(ctx context.Context, t db.Tx) error {
		q := t.(*tx).q
		nowArg := sql.Named("now", toNanos(now))
		rows, err := q.QueryContext(ctx,
			`SELECT e.id FROM outbox_events e
			 WHERE e.status = 'PENDING' AND e.next_attempt_at <= :now
			   AND NOT `+blockedByEarlier+`
			 ORDER BY e.created_at, e.id
			 LIMIT :limit`,
			nowArg, sql.Named("limit", limit))
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			e, err := scanOutboxEvent(q.QueryRowContext(ctx,
				`UPDATE outbox_events SET status = 'PROCESSING', claimed_at = ? WHERE id = ?
				 RETURNING `+outboxColumns, toNanos(now), id))
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	db.SortOutboxEvents(events)
	return events, nil
}

func (s *Store) ClaimOutboxEvent(ctx context.Context, id int64, now time.Time) (*db.OutboxEvent, bool, error) {
	e, err := scanOutboxEvent(s.db.QueryRowContext(ctx,
		`UPDATE outbox_events AS e SET status = 'PROCESSING', claimed_at = ?1
		 WHERE e.id = ?2 AND e.status = 'PENDING'
		   AND NOT EXISTS (
		       SELECT 1 FROM outbox_events p
		       WHERE p.aggregate_type = e.aggregate_type AND p.aggregate_id = e.aggregate_id
		         AND (p.created_at, p.id) < (e.created_at, e.id)
		         AND p.status IN ('PENDING', 'PROCESSING'))
		 RETURNING `+outboxColumns, toNanos(now), id))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, classifyError(err)
	}
	current, err := s.GetOutboxEvent(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *Store) transition(ctx context.Context, id int64, from, set string, args ...any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET `+set+` WHERE id = ? AND status = '`+from+`'`, append(args, id)...)
	if err != nil {
		return classifyError(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	current, err := s.GetOutboxEvent(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("outbox event %d is %s, expected %s: %w", id, current.Status, from, consts.ErrConcurrentModification)
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id int64, at time.Time) error {
	return s.transition(ctx, id, db.OutboxProcessing,
		`status = 'PUBLISHED', processed_at = ?, error_message = '', claimed_at = NULL`, toNanos(at))
}

func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, retryCount int, errMsg string, next time.Time) error {
	return s.transition(ctx, id, db.OutboxProcessing,
		`status = 'PENDING', retry_count = ?, error_message = ?, next_attempt_at = ?, claimed_at = NULL`,
		retryCount, truncateError(errMsg), toNanos(next))
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, retryCount int, errMsg string, at time.Time) error {
	return s.transition(ctx, id, db.OutboxProcessing,
		`status = 'FAILED', retry_count = ?, error_message = ?, processed_at = ?, claimed_at = NULL`,
		retryCount, truncateError(errMsg), toNanos(at))
}

func (s *Store) ReleaseOutboxEvent(ctx context.Context, id int64) error {
	return s.transition(ctx, id, db.OutboxProcessing, `status = 'PENDING', claimed_at = NULL`)
}

func (s *Store) RequeueOutboxEvent(ctx context.Context, id int64, now time.Time) error {
	err := s.transition(ctx, id, db.OutboxFailed,
		`status = 'PENDING', retry_count = 0, error_message = '', processed_at = NULL, next_attempt_at = ?`, toNanos(now))
	if errors.Is(err, consts.ErrConcurrentModification) {
		return fmt.Errorf("outbox event %d is not FAILED: %w", id, consts.ErrNotPermitted)
	}
	return err
}

func (s *Store) GetOutboxEvent(ctx context.Context, id int64) (*db.OutboxEvent, error) {
	e, err := scanOutboxEvent(s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrEventNotFound, "outbox event %d", id)
	}
	return e, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, status string, limit int) ([]*db.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	status = strings.ToUpper(status)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_events WHERE (?1 = '' OR status = ?1) ORDER BY created_at, id LIMIT ?2`,
		status, limit)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	var result []*db.OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *Store) OutboxStats(ctx context.Context) (*db.OutboxStats, error) {
	var st db.OutboxStats
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(status = 'PENDING'), 0),
		        COALESCE(SUM(status = 'PROCESSING'), 0),
		        COALESCE(SUM(status = 'PUBLISHED'), 0),
		        COALESCE(SUM(status = 'FAILED'), 0),
		        MIN(CASE WHEN status = 'PENDING' THEN next_attempt_at END)
		 FROM outbox_events`,
	).Scan(&st.Pending, &st.Processing, &st.Published, &st.Failed, &oldest)
	if err != nil {
		return nil, classifyError(err)
	}
	st.OldestDueAt = nullTime(oldest)
	return &st, nil
}

func (s *Store) RecoverStaleOutboxEvents(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'PENDING', claimed_at = NULL
		 WHERE status = 'PROCESSING' AND (claimed_at IS NULL OR claimed_at < ?)`, toNanos(claimedBefore))
	if err != nil {
		return 0, classifyError(err)
	}
	return res.RowsAffected()
}

func (s *Store) PurgePublishedOutboxEvents(ctx context.Context, processedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE status = 'PUBLISHED' AND processed_at < ?`, toNanos(processedBefore))
	if err != nil {
		return 0, classifyError(err)
	}
	return res.RowsAffected()
}

func (s *Store) TryRecordAutoReply(ctx context.Context, userID int64, sender, key string, now time.Time, window time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO auto_reply_log (user_id, sender, replied_at, request_key) VALUES (?1, ?2, ?3, ?5)
		 ON CONFLICT (user_id, sender) DO UPDATE
		 SET replied_at = CASE WHEN auto_reply_log.request_key = excluded.request_key
		                       THEN auto_reply_log.replied_at ELSE excluded.replied_at END,
		     request_key = excluded.request_key
		 WHERE auto_reply_log.replied_at <= ?4
		    OR (?5 <> '' AND auto_reply_log.request_key = ?5)`,
		userID, strings.ToLower(sender), toNanos(now), toNanos(now.Add(-window)), key)
	if err != nil {
		return false, classifyError(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const maxErrorMessage = 2000

func truncateError(msg string) string {
	if len(msg) <= maxErrorMessage {
		return msg
	}
	return msg[:maxErrorMessage]
}
