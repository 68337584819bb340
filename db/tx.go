package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/migadu/ruled/consts"
)

// pgTx implements Tx on one Postgres transaction.
type pgTx struct {
	tx    pgx.Tx
	hooks []func()
}

func (t *pgTx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func (t *pgTx) LockUser(ctx context.Context, userID int64) (*User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, notFound(err, consts.ErrUserNotFound, "user %d", userID)
	}
	return u, nil
}

func (t *pgTx) UpdateUserUsedBytes(ctx context.Context, userID, usedBytes, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET used_bytes = $1, version = version + 1 WHERE id = $2 AND version = $3`,
		usedBytes, userID, expectedVersion)
	if err != nil {
		return classifyError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, consts.ErrConcurrentModification)
	}
	return nil
}

func (t *pgTx) GetMessageForUpdate(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(t.tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrMessageNotFound, "message %d", id)
	}
	return m, nil
}

func (t *pgTx) SaveMessage(ctx context.Context, msg *Message) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE messages SET mailbox_id = $1, flags = $2, thread_id = $3, version = version + 1
		 WHERE id = $4 AND version = $5`,
		msg.MailboxID, msg.Flags, msg.ThreadID, msg.ID, msg.Version)
	if err != nil {
		return classifyError(err)
	}
	if tag.RowsAffected() == 0 {
		return t.messageConflict(ctx, msg.ID)
	}
	msg.Version++
	return nil
}

func (t *pgTx) DeleteMessage(ctx context.Context, id, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM messages WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err != nil {
		return classifyError(err)
	}
	if tag.RowsAffected() == 0 {
		return t.messageConflict(ctx, id)
	}
	return nil
}

func (t *pgTx) messageConflict(ctx context.Context, id int64) error {
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classifyError(err)
	}
	if !exists {
		return fmt.Errorf("message %d: %w", id, consts.ErrMessageNotFound)
	}
	return fmt.Errorf("message %d: %w", id, consts.ErrConcurrentModification)
}

func (t *pgTx) GetMailbox(ctx context.Context, id int64) (*Mailbox, error) {
	m, err := scanMailbox(t.tx.QueryRow(ctx, `SELECT `+mailboxColumns+` FROM mailboxes WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrMailboxNotFound, "mailbox %d", id)
	}
	return m, nil
}

func (t *pgTx) GetMailboxByName(ctx context.Context, userID int64, name string) (*Mailbox, error) {
	m, err := scanMailbox(t.tx.QueryRow(ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE user_id = $1 AND LOWER(name) = LOWER($2)`,
		userID, strings.TrimSpace(name)))
	if err != nil {
		return nil, notFound(err, consts.ErrMailboxNotFound, "mailbox %q", name)
	}
	return m, nil
}

func (t *pgTx) GetMailboxByType(ctx context.Context, userID int64, mailboxType string) (*Mailbox, error) {
	m, err := scanMailbox(t.tx.QueryRow(ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE user_id = $1 AND type = $2 ORDER BY id LIMIT 1`,
		userID, mailboxType))
	if err != nil {
		return nil, notFound(err, consts.ErrMailboxNotFound, "%s mailbox", mailboxType)
	}
	return m, nil
}

// AdjustMailboxCounts is a single UPDATE so concurrent steps never lose an
// increment; the row lock is held until the step ends.
func (t *pgTx) AdjustMailboxCounts(ctx context.Context, mailboxID, totalDelta, unreadDelta int64) (*Mailbox, error) {
	m, err := scanMailbox(t.tx.QueryRow(ctx,
		`UPDATE mailboxes
		 SET total_count = GREATEST(0, total_count + $2),
		     unread_count = LEAST(GREATEST(0, unread_count + $3), GREATEST(0, total_count + $2)),
		     version = version + 1
		 WHERE id = $1
		 RETURNING `+mailboxColumns,
		mailboxID, totalDelta, unreadDelta))
	if err != nil {
		return nil, notFound(err, consts.ErrMailboxNotFound, "mailbox %d", mailboxID)
	}
	return m, nil
}

func (t *pgTx) InsertOutboxEvent(ctx context.Context, event *OutboxEvent) (int64, error) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, event_type, payload, status,
		                            retry_count, created_at, next_attempt_at, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9)
		 RETURNING id`,
		event.EventID, event.AggregateType, event.AggregateID, event.EventType, event.Payload, OutboxPending,
		event.CreatedAt, event.NextAttemptAt, event.IdempotencyKey,
	).Scan(&event.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", consts.ErrDBInsertFailed, classifyError(err))
	}
	event.Status = OutboxPending
	return event.ID, nil
}

func (t *pgTx) SaveRuleExecutionMeta(ctx context.Context, ruleID int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE rules SET execution_count = execution_count + 1, last_executed_at = $2 WHERE id = $1`,
		ruleID, at)
	if err != nil {
		return classifyError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %d: %w", ruleID, consts.ErrRuleNotFound)
	}
	return nil
}
