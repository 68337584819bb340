package sqlitedb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "ruled.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func seedUser(t *testing.T, s *Store, quota int64) (*db.User, *db.Mailbox) {
	t.Helper()
	ctx := context.Background()
	user := &db.User{Email: "alice@example.com", QuotaBytes: quota}
	_, err := s.CreateUser(ctx, user)
	require.NoError(t, err)
	inbox := &db.Mailbox{UserID: user.ID, Name: "INBOX", Type: db.MailboxInbox}
	_, err = s.CreateMailbox(ctx, inbox)
	require.NoError(t, err)
	return user, inbox
}

func TestInsertMessageChargesQuotaAndCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, inbox := seedUser(t, s, 1000)

	msg := &db.Message{UserID: user.ID, MailboxID: inbox.ID, Subject: "hi", From: "bob@example.com",
		To: []string{"alice@example.com"}, SizeBytes: 600}
	_, err := s.InsertMessage(ctx, msg)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com"}, got.To)
	assert.Equal(t, []string{}, got.Cc)
	assert.Equal(t, int64(1), got.Version)

	u, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), u.UsedBytes)

	mb, err := s.GetMailbox(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mb.TotalCount)
	assert.Equal(t, int64(1), mb.UnreadCount)

	_, err = s.InsertMessage(ctx, &db.Message{UserID: user.ID, MailboxID: inbox.ID, SizeBytes: 500})
	assert.ErrorIs(t, err, consts.ErrQuotaExceeded)

	u, err = s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), u.UsedBytes)
}

func TestAdjustMailboxCountsClamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, inbox := seedUser(t, s, 1000)

	var mb *db.Mailbox
	err := s.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		var err error
		if mb, err = tx.AdjustMailboxCounts(ctx, inbox.ID, 2, 5); err != nil {
			return err
		}
		assert.Equal(t, int64(2), mb.TotalCount)
		assert.Equal(t, int64(2), mb.UnreadCount, "unread is capped at total")
		mb, err = tx.AdjustMailboxCounts(ctx, inbox.ID, -5, -1)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), mb.TotalCount)
	assert.Equal(t, int64(0), mb.UnreadCount)

	err = s.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		_, err := tx.AdjustMailboxCounts(ctx, 9999, 1, 0)
		return err
	})
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
}

func TestSaveMessageVersionConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, inbox := seedUser(t, s, 1000)
	msg := &db.Message{UserID: user.ID, MailboxID: inbox.ID, SizeBytes: 10}
	_, err := s.InsertMessage(ctx, msg)
	require.NoError(t, err)

	stale := *msg
	err = s.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		msg.Flags = "work"
		return tx.SaveMessage(ctx, msg)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.Version)

	err = s.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		return tx.SaveMessage(ctx, &stale)
	})
	assert.ErrorIs(t, err, consts.ErrConcurrentModification)

	err = s.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		return tx.DeleteMessage(ctx, 4242, 1)
	})
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
}

func TestAfterCommitHooks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ran := 0
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		tx.AfterCommit(func() { ran++ })
		return nil
	}))
	assert.Equal(t, 1, ran)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		tx.AfterCommit(func() { ran++ })
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ran)
}

func TestRuleCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, _ := seedUser(t, s, 1000)

	newRule := func(name string, priority int) *db.Rule {
		return &db.Rule{
			UserID:    user.ID,
			Name:      name,
			Type:      rules.TypeLabel,
			Condition: &rules.Condition{Field: rules.FieldSubject, Operator: rules.OpContains, Value: "x"},
			Action:    &rules.Action{Label: name},
			Enabled:   true,
			Priority:  priority,
		}
	}

	r2 := newRule("second", 5)
	r1 := newRule("first", 1)
	r3 := newRule("tie", 5)
	for _, r := range []*db.Rule{r2, r1, r3} {
		_, err := s.InsertRule(ctx, r)
		require.NoError(t, err)
	}

	enabled, err := s.GetEnabledRules(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, enabled, 3)
	assert.Equal(t, []int64{r1.ID, r2.ID, r3.ID}, []int64{enabled[0].ID, enabled[1].ID, enabled[2].ID})
	assert.True(t, enabled[0].Condition.Evaluate(rules.Facts{Subject: "xyz"}))

	require.NoError(t, s.SetRuleEnabled(ctx, r2.ID, false))
	enabled, err = s.GetEnabledRules(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	stale := *r1
	r1.Name = "renamed"
	require.NoError(t, s.UpdateRule(ctx, r1))
	assert.Equal(t, int64(2), r1.Version)
	assert.ErrorIs(t, s.UpdateRule(ctx, &stale), consts.ErrConcurrentModification)

	bad := newRule("bad", 1)
	bad.Action = &rules.Action{}
	_, err = s.InsertRule(ctx, bad)
	assert.ErrorIs(t, err, consts.ErrInvalidRuleDefinition)

	require.NoError(t, s.DeleteRule(ctx, r3.ID))
	_, err = s.GetRule(ctx, r3.ID)
	assert.ErrorIs(t, err, consts.ErrRuleNotFound)
	assert.ErrorIs(t, s.DeleteRule(ctx, r3.ID), consts.ErrRuleNotFound)

	now := time.Now()
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		return tx.SaveRuleExecutionMeta(ctx, r1.ID, now)
	}))
	got, err := s.GetRule(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ExecutionCount)
	require.NotNil(t, got.LastExecutedAt)
	assert.Equal(t, now.UnixNano(), got.LastExecutedAt.UnixNano())
}

func TestRecalculateMailboxCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, inbox := seedUser(t, s, 1000)
	_, err := s.InsertMessage(ctx, &db.Message{UserID: user.ID, MailboxID: inbox.ID, SizeBytes: 1})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, &db.Message{UserID: user.ID, MailboxID: inbox.ID, SizeBytes: 1, Flags: "READ"})
	require.NoError(t, err)

	// Drift the counters, then repair.
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		_, err := tx.AdjustMailboxCounts(ctx, inbox.ID, 5, 5)
		return err
	}))

	mb, err := s.RecalculateMailboxCounts(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), mb.TotalCount)
	assert.Equal(t, int64(1), mb.UnreadCount)
}

func TestAutoReplyWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, _ := seedUser(t, s, 1000)
	now := time.Now()
	window := 24 * time.Hour

	ok, err := s.TryRecordAutoReply(ctx, user.ID, "Bob@Example.com", "key-1", now, window)
	require.NoError(t, err)
	assert.True(t, ok)

	// Another request inside the window is suppressed.
	ok, err = s.TryRecordAutoReply(ctx, user.ID, "bob@example.com", "key-2", now.Add(time.Hour), window)
	require.NoError(t, err)
	assert.False(t, ok)

	// The request that wrote the row is let through again.
	ok, err = s.TryRecordAutoReply(ctx, user.ID, "bob@example.com", "key-1", now.Add(2*time.Hour), window)
	require.NoError(t, err)
	assert.True(t, ok)

	// Its redelivery does not extend the window.
	ok, err = s.TryRecordAutoReply(ctx, user.ID, "bob@example.com", "key-3", now.Add(25*time.Hour), window)
	require.NoError(t, err)
	assert.True(t, ok)

	// Keyless requests never match each other.
	ok, err = s.TryRecordAutoReply(ctx, user.ID, "carol@example.com", "", now, window)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TryRecordAutoReply(ctx, user.ID, "carol@example.com", "", now.Add(time.Minute), window)
	require.NoError(t, err)
	assert.False(t, ok)
}

// A database file created before request keys existed gains the column on open.
func TestOpenUpgradesAutoReplyLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `DROP TABLE auto_reply_log`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `CREATE TABLE auto_reply_log (user_id INTEGER NOT NULL, sender TEXT NOT NULL,
		replied_at INTEGER NOT NULL, PRIMARY KEY (user_id, sender))`)
	require.NoError(t, err)
	s.Close()

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	user, _ := seedUser(t, s, 1000)
	ok, err := s.TryRecordAutoReply(ctx, user.ID, "bob@example.com", "k", time.Now(), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}
