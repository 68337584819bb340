package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/ruled/consts"
)

const userColumns = `id, email, status, quota_bytes, used_bytes, version, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Status, &u.QuotaBytes, &u.UsedBytes, &u.Version, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

const mailboxColumns = `id, user_id, name, type, unread_count, total_count, parent_id, sort_order, version`

func scanMailbox(row pgx.Row) (*Mailbox, error) {
	var m Mailbox
	if err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Type, &m.UnreadCount, &m.TotalCount, &m.ParentID, &m.SortOrder, &m.Version); err != nil {
		return nil, err
	}
	return &m, nil
}

func (db *Database) GetUser(ctx context.Context, id int64) (*User, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	u, err := scanUser(db.timedQueryRow(ctx, "get_user", `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrUserNotFound, "user %d", id)
	}
	return u, nil
}

func (db *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	u, err := scanUser(db.timedQueryRow(ctx, "get_user_by_email",
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, strings.TrimSpace(email)))
	if err != nil {
		return nil, notFound(err, consts.ErrUserNotFound, "user %s", email)
	}
	return u, nil
}

func (db *Database) CreateUser(ctx context.Context, user *User) (int64, error) {
	if user.Status == "" {
		user.Status = "ACTIVE"
	}
	err := db.writeQueryRow(ctx, "create_user",
		`INSERT INTO users (email, status, quota_bytes, used_bytes) VALUES ($1, $2, $3, $4)
		 RETURNING id, version, created_at`,
		user.Email, user.Status, user.QuotaBytes, user.UsedBytes,
	).Scan(&user.ID, &user.Version, &user.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", consts.ErrDBInsertFailed, classifyError(err))
	}
	return user.ID, nil
}

func (db *Database) GetMailbox(ctx context.Context, id int64) (*Mailbox, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	m, err := scanMailbox(db.timedQueryRow(ctx, "get_mailbox", `SELECT `+mailboxColumns+` FROM mailboxes WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrMailboxNotFound, "mailbox %d", id)
	}
	return m, nil
}

func (db *Database) ListMailboxes(ctx context.Context, userID int64) ([]*Mailbox, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	rows, err := db.timedQuery(ctx, "list_mailboxes",
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE user_id = $1 ORDER BY sort_order, id`, userID)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	var result []*Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (db *Database) CreateMailbox(ctx context.Context, mailbox *Mailbox) (int64, error) {
	if mailbox.Type == "" {
		mailbox.Type = MailboxCustom
	}
	err := db.writeQueryRow(ctx, "create_mailbox",
		`INSERT INTO mailboxes (user_id, name, type, parent_id, sort_order) VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, version`,
		mailbox.UserID, mailbox.Name, mailbox.Type, mailbox.ParentID, mailbox.SortOrder,
	).Scan(&mailbox.ID, &mailbox.Version)
	if err != nil {
		return 0, classifyError(err)
	}
	return mailbox.ID, nil
}

// RecalculateMailboxCounts overwrites the counters with values computed from
// the messages table. It is the only write that does not use deltas.
func (db *Database) RecalculateMailboxCounts(ctx context.Context, mailboxID int64) (*Mailbox, error) {
	var mailbox *Mailbox
	err := db.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		ptx := tx.(*pgTx)
		row := ptx.tx.QueryRow(ctx,
			`WITH counts AS (
			     SELECT COUNT(*) AS total,
			            COUNT(*) FILTER (WHERE NOT (',' || UPPER(REPLACE(flags, ' ', '')) || ',') LIKE '%,READ,%') AS unread
			     FROM messages WHERE mailbox_id = $1
			 )
			 UPDATE mailboxes SET total_count = counts.total, unread_count = counts.unread, version = version + 1
			 FROM counts WHERE mailboxes.id = $1
			 RETURNING `+qualify("mailboxes", mailboxColumns), mailboxID)
		m, err := scanMailbox(row)
		if err != nil {
			return notFound(err, consts.ErrMailboxNotFound, "mailbox %d", mailboxID)
		}
		mailbox = m
		return nil
	})
	return mailbox, err
}

// qualify prefixes every column in a comma separated list with table.
func qualify(table, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = table + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
