package sqlitedb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
)

// tx implements db.Tx. BEGIN IMMEDIATE already holds the database write
// lock, so the row locks Postgres needs are implicit here.
type tx struct {
	q     queryer
	hooks []func()
}

func (t *tx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func (t *tx) LockUser(ctx context.Context, userID int64) (*db.User, error) {
	u, err := scanUser(t.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID))
	if err != nil {
		return nil, notFound(err, consts.ErrUserNotFound, "user %d", userID)
	}
	return u, nil
}

func (t *tx) UpdateUserUsedBytes(ctx context.Context, userID, usedBytes, expectedVersion int64) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE users SET used_bytes = ?, version = version + 1 WHERE id = ? AND version = ?`,
		usedBytes, userID, expectedVersion)
	if err != nil {
		return classifyError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", userID, consts.ErrConcurrentModification)
	}
	return nil
}

func (t *tx) GetMessageForUpdate(ctx context.Context, id int64) (*db.Message, error) {
	m, err := scanMessage(t.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrMessageNotFound, "message %d", id)
	}
	return m, nil
}

func (t *tx) SaveMessage(ctx context.Context, msg *db.Message) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE messages SET mailbox_id = ?, flags = ?, thread_id = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		msg.MailboxID, msg.Flags, msg.ThreadID, msg.ID, msg.Version)
	if err != nil {
		return classifyError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return versionConflict(ctx, t.q, "messages", msg.ID, consts.ErrMessageNotFound)
	}
	msg.Version++
	return nil
}

func (t *tx) DeleteMessage(ctx context.Context, id, expectedVersion int64) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return classifyError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return versionConflict(ctx, t.q, "messages", id, consts.ErrMessageNotFound)
	}
	return nil
}

func (t *tx) GetMailbox(ctx context.Context, id int64) (*db.Mailbox, error) {
	return getMailbox(ctx, t.q, id)
}

func (t *tx) GetMailboxByName(ctx context.Context, userID int64, name string) (*db.Mailbox, error) {
	m, err := scanMailbox(t.q.QueryRowContext(ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE user_id = ? AND name = ? COLLATE NOCASE`,
		userID, strings.TrimSpace(name)))
	if err != nil {
		return nil, notFound(err, consts.ErrMailboxNotFound, "mailbox %q", name)
	}
	return m, nil
}

func (t *tx) GetMailboxByType(ctx context.Context, userID int64, mailboxType string) (*db.Mailbox, error) {
	m, err := scanMailbox(t.q.QueryRowContext(ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE user_id = ? AND type = ? ORDER BY id LIMIT 1`,
		userID, mailboxType))
	if err != nil {
		return nil, notFound(err, consts.ErrMailboxNotFound, "%s mailbox", mailboxType)
	}
	return m, nil
}

func (t *tx) AdjustMailboxCounts(ctx context.Context, mailboxID, totalDelta, unreadDelta int64) (*db.Mailbox, error) {
	m, err := scanMailbox(t.q.QueryRowContext(ctx,
		`UPDATE mailboxes
		 SET total_count = MAX(0, total_count + ?1),
		     unread_count = MIN(MAX(0, unread_count + ?2), MAX(0, total_count + ?1)),
		     version = version + 1
		 WHERE id = ?3
		 RETURNING `+mailboxColumns,
		totalDelta, unreadDelta, mailboxID))
	if err != nil {
		return nil, notFound(err, consts.ErrMailboxNotFound, "mailbox %d", mailboxID)
	}
	return m, nil
}

func (t *tx) InsertOutboxEvent(ctx context.Context, event *db.OutboxEvent) (int64, error) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	err := t.q.QueryRowContext(ctx,
		`INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, event_type, payload, status,
		                            retry_count, created_at, next_attempt_at, idempotency_key)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		 RETURNING id`,
		event.EventID, event.AggregateType, event.AggregateID, event.EventType, event.Payload, db.OutboxPending,
		toNanos(event.CreatedAt), toNanos(event.NextAttemptAt), event.IdempotencyKey,
	).Scan(&event.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", consts.ErrDBInsertFailed, classifyError(err))
	}
	event.Status = db.OutboxPending
	return event.ID, nil
}

func (t *tx) SaveRuleExecutionMeta(ctx context.Context, ruleID int64, at time.Time) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE rules SET execution_count = execution_count + 1, last_executed_at = ? WHERE id = ?`,
		toNanos(at), ruleID)
	if err != nil {
		return classifyError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %d: %w", ruleID, consts.ErrRuleNotFound)
	}
	return nil
}
