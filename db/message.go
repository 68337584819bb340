package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/helpers"
)

const messageColumns = `id, user_id, mailbox_id, thread_id, message_id, subject, from_address, to_addresses,
	cc_addresses, size_bytes, flags, has_attachments, received_at, version`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.UserID, &m.MailboxID, &m.ThreadID, &m.MessageID, &m.Subject, &m.From, &m.To,
		&m.Cc, &m.SizeBytes, &m.Flags, &m.HasAttachments, &m.ReceivedAt, &m.Version); err != nil {
		return nil, err
	}
	return &m, nil
}

func (db *Database) GetMessage(ctx context.Context, id int64) (*Message, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	m, err := scanMessage(db.timedQueryRow(ctx, "get_message", `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrMessageNotFound, "message %d", id)
	}
	return m, nil
}

// InsertMessage stores msg in its mailbox, charging its size against the
// owner's quota and bumping the mailbox counters in the same transaction.
// Ingestion proper lives outside this service; tooling and tests use this to
// seed data.
func (db *Database) InsertMessage(ctx context.Context, msg *Message) (int64, error) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	if msg.To == nil {
		msg.To = []string{}
	}
	if msg.Cc == nil {
		msg.Cc = []string{}
	}
	err := db.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		ptx := tx.(*pgTx)

		mailbox, err := ptx.GetMailbox(ctx, msg.MailboxID)
		if err != nil {
			return err
		}
		if mailbox.UserID != msg.UserID {
			return fmt.Errorf("mailbox %d does not belong to user %d: %w", mailbox.ID, msg.UserID, consts.ErrNotPermitted)
		}

		user, err := ptx.LockUser(ctx, msg.UserID)
		if err != nil {
			return err
		}
		if user.UsedBytes+msg.SizeBytes > user.QuotaBytes {
			return fmt.Errorf("user %d: %w", user.ID, consts.ErrQuotaExceeded)
		}
		if err := ptx.UpdateUserUsedBytes(ctx, user.ID, user.UsedBytes+msg.SizeBytes, user.Version); err != nil {
			return err
		}

		msg.Subject = helpers.SanitizeUTF8(msg.Subject)
		msg.From = helpers.SanitizeUTF8(msg.From)
		err = ptx.tx.QueryRow(ctx,
			`INSERT INTO messages (user_id, mailbox_id, thread_id, message_id, subject, from_address, to_addresses,
			                       cc_addresses, size_bytes, flags, has_attachments, received_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 RETURNING id, version`,
			msg.UserID, msg.MailboxID, msg.ThreadID, msg.MessageID, msg.Subject, msg.From, msg.To,
			msg.Cc, msg.SizeBytes, msg.Flags, msg.HasAttachments, msg.ReceivedAt,
		).Scan(&msg.ID, &msg.Version)
		if err != nil {
			return fmt.Errorf("%w: %w", consts.ErrDBInsertFailed, classifyError(err))
		}

		var unread int64
		if msg.IsUnread() {
			unread = 1
		}
		_, err = ptx.AdjustMailboxCounts(ctx, msg.MailboxID, 1, unread)
		return err
	})
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}
