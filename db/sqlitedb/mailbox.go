package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/helpers"
)

const userColumns = `id, email, status, quota_bytes, used_bytes, version, created_at`

func scanUser(row rowScanner) (*db.User, error) {
	var u db.User
	var created int64
	if err := row.Scan(&u.ID, &u.Email, &u.Status, &u.QuotaBytes, &u.UsedBytes, &u.Version, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromNanos(created)
	return &u, nil
}

const mailboxColumns = `id, user_id, name, type, unread_count, total_count, parent_id, sort_order, version`

func scanMailbox(row rowScanner) (*db.Mailbox, error) {
	var m db.Mailbox
	var parent sql.NullInt64
	if err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Type, &m.UnreadCount, &m.TotalCount, &parent, &m.SortOrder, &m.Version); err != nil {
		return nil, err
	}
	if parent.Valid {
		m.ParentID = &parent.Int64
	}
	return &m, nil
}

const messageColumns = `id, user_id, mailbox_id, thread_id, message_id, subject, from_address, to_addresses,
	cc_addresses, size_bytes, flags, has_attachments, received_at, version`

func scanMessage(row rowScanner) (*db.Message, error) {
	var m db.Message
	var to, cc string
	var received int64
	if err := row.Scan(&m.ID, &m.UserID, &m.MailboxID, &m.ThreadID, &m.MessageID, &m.Subject, &m.From, &to,
		&cc, &m.SizeBytes, &m.Flags, &m.HasAttachments, &received, &m.Version); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(to), &m.To); err != nil {
		return nil, fmt.Errorf("message %d: to_addresses: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(cc), &m.Cc); err != nil {
		return nil, fmt.Errorf("message %d: cc_addresses: %w", m.ID, err)
	}
	m.ReceivedAt = fromNanos(received)
	return &m, nil
}

func encodeAddresses(addrs []string) string {
	if addrs == nil {
		addrs = []string{}
	}
	data, _ := json.Marshal(addrs)
	return string(data)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*db.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrUserNotFound, "user %d", id)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*db.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ? COLLATE NOCASE`, strings.TrimSpace(email)))
	if err != nil {
		return nil, notFound(err, consts.ErrUserNotFound, "user %s", email)
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, user *db.User) (int64, error) {
	if user.Status == "" {
		user.Status = "ACTIVE"
	}
	user.CreatedAt = time.Now().UTC()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (email, status, quota_bytes, used_bytes, created_at) VALUES (?, ?, ?, ?, ?)
		 RETURNING id, version`,
		user.Email, user.Status, user.QuotaBytes, user.UsedBytes, toNanos(user.CreatedAt),
	).Scan(&user.ID, &user.Version)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", consts.ErrDBInsertFailed, classifyError(err))
	}
	return user.ID, nil
}

func (s *Store) GetMailbox(ctx context.Context, id int64) (*db.Mailbox, error) {
	return getMailbox(ctx, s.db, id)
}

func getMailbox(ctx context.Context, q queryer, id int64) (*db.Mailbox, error) {
	m, err := scanMailbox(q.QueryRowContext(ctx, `SELECT `+mailboxColumns+` FROM mailboxes WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrMailboxNotFound, "mailbox %d", id)
	}
	return m, nil
}

func (s *Store) ListMailboxes(ctx context.Context, userID int64) ([]*db.Mailbox, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE user_id = ? ORDER BY sort_order, id`, userID)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	var result []*db.Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *Store) CreateMailbox(ctx context.Context, mailbox *db.Mailbox) (int64, error) {
	if mailbox.Type == "" {
		mailbox.Type = db.MailboxCustom
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO mailboxes (user_id, name, type, parent_id, sort_order) VALUES (?, ?, ?, ?, ?)
		 RETURNING id, version`,
		mailbox.UserID, mailbox.Name, mailbox.Type, mailbox.ParentID, mailbox.SortOrder,
	).Scan(&mailbox.ID, &mailbox.Version)
	if err != nil {
		return 0, classifyError(err)
	}
	return mailbox.ID, nil
}

// RecalculateMailboxCounts recounts from the messages table inside one
// transaction so the result reflects a single committed state.
func (s *Store) RecalculateMailboxCounts(ctx context.Context, mailboxID int64) (*db.Mailbox, error) {
	var mailbox *db.Mailbox
	err := s.WithTx(ctx, func(ctx context.Context, t db.Tx) error {
		q := t.(*tx).q
		if _, err := getMailbox(ctx, q, mailboxID); err != nil {
			return err
		}

		rows, err := q.QueryContext(ctx, `SELECT flags FROM messages WHERE mailbox_id = ?`, mailboxID)
		if err != nil {
			return err
		}
		var total, unread int64
		for rows.Next() {
			var flags string
			if err := rows.Scan(&flags); err != nil {
				rows.Close()
				return err
			}
			total++
			if !helpers.HasFlag(flags, consts.FlagRead) {
				unread++
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		mailbox, err = scanMailbox(q.QueryRowContext(ctx,
			`UPDATE mailboxes SET total_count = ?, unread_count = ?, version = version + 1 WHERE id = ?
			 RETURNING `+mailboxColumns, total, unread, mailboxID))
		return err
	})
	return mailbox, err
}

func (s *Store) GetMessage(ctx context.Context, id int64) (*db.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrMessageNotFound, "message %d", id)
	}
	return m, nil
}

// InsertMessage stores msg, charging the owner's quota and bumping the
// mailbox counters in the same transaction.
func (s *Store) InsertMessage(ctx context.Context, msg *db.Message) (int64, error) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	msg.Subject = helpers.SanitizeUTF8(msg.Subject)
	msg.From = helpers.SanitizeUTF8(msg.From)
	err := s.WithTx(ctx, func(ctx context.Context, t db.Tx) error {
		mailbox, err := t.GetMailbox(ctx, msg.MailboxID)
		if err != nil {
			return err
		}
		if mailbox.UserID != msg.UserID {
			return fmt.Errorf("mailbox %d does not belong to user %d: %w", mailbox.ID, msg.UserID, consts.ErrNotPermitted)
		}

		user, err := t.LockUser(ctx, msg.UserID)
		if err != nil {
			return err
		}
		if user.UsedBytes+msg.SizeBytes > user.QuotaBytes {
			return fmt.Errorf("user %d: %w", user.ID, consts.ErrQuotaExceeded)
		}
		if err := t.UpdateUserUsedBytes(ctx, user.ID, user.UsedBytes+msg.SizeBytes, user.Version); err != nil {
			return err
		}

		err = t.(*tx).q.QueryRowContext(ctx,
			`INSERT INTO messages (user_id, mailbox_id, thread_id, message_id, subject, from_address, to_addresses,
			                       cc_addresses, size_bytes, flags, has_attachments, received_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 RETURNING id, version`,
			msg.UserID, msg.MailboxID, msg.ThreadID, msg.MessageID, msg.Subject, msg.From, encodeAddresses(msg.To),
			encodeAddresses(msg.Cc), msg.SizeBytes, msg.Flags, msg.HasAttachments, toNanos(msg.ReceivedAt),
		).Scan(&msg.ID, &msg.Version)
		if err != nil {
			return fmt.Errorf("%w: %w", consts.ErrDBInsertFailed, classifyError(err))
		}

		var unread int64
		if msg.IsUnread() {
			unread = 1
		}
		_, err = t.AdjustMailboxCounts(ctx, msg.MailboxID, 1, unread)
		return err
	})
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}
