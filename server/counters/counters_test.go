package counters

import (
	"context"
	"sync"
	"testing"

	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adjust(t *testing.T, store db.Store, c *Counter, mailboxID, total, unread int64) {
	t.Helper()
	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx db.Tx) error {
		_, err := c.AdjustCounts(ctx, tx, mailboxID, total, unread)
		return err
	}))
}

func TestConcurrentAdjustmentsLoseNoUpdates(t *testing.T) {
	store := testutils.NewSQLiteStore(t)
	acct := testutils.SeedAccount(t, store, "alice@example.com", 1<<20)
	c := New(store)
	inbox := acct.Inbox()

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var unread int64
			if i%2 == 0 {
				unread = 1
			}
			assert.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx db.Tx) error {
				_, err := c.AdjustCounts(ctx, tx, inbox.ID, 1, unread)
				return err
			}))
		}(i)
	}
	wg.Wait()

	got := testutils.ReloadMailbox(t, store, inbox)
	assert.Equal(t, int64(n), got.TotalCount)
	assert.Equal(t, int64(n/2), got.UnreadCount)
}

func TestAdjustCountsNeverNegative(t *testing.T) {
	store := testutils.NewSQLiteStore(t)
	acct := testutils.SeedAccount(t, store, "alice@example.com", 1<<20)
	c := New(store)

	adjust(t, store, c, acct.Inbox().ID, 1, 1)
	adjust(t, store, c, acct.Inbox().ID, -3, -3)

	got := testutils.ReloadMailbox(t, store, acct.Inbox())
	assert.Equal(t, int64(0), got.TotalCount)
	assert.Equal(t, int64(0), got.UnreadCount)
}

func TestTransfer(t *testing.T) {
	store := testutils.NewSQLiteStore(t)
	acct := testutils.SeedAccount(t, store, "alice@example.com", 1<<20)
	c := New(store)
	testutils.SeedMessage(t, store, acct.Inbox(), "a", "bob@example.com", 10)
	archive := acct.Mailboxes[db.MailboxArchive]

	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx db.Tx) error {
		return c.Transfer(ctx, tx, acct.Inbox().ID, archive.ID, true)
	}))

	inbox := testutils.ReloadMailbox(t, store, acct.Inbox())
	assert.Equal(t, [2]int64{0, 0}, [2]int64{inbox.TotalCount, inbox.UnreadCount})
	arch := testutils.ReloadMailbox(t, store, archive)
	assert.Equal(t, [2]int64{1, 1}, [2]int64{arch.TotalCount, arch.UnreadCount})
}

func TestRecalculateUserRepairsDrift(t *testing.T) {
	store := testutils.NewSQLiteStore(t)
	acct := testutils.SeedAccount(t, store, "alice@example.com", 1<<20)
	c := New(store)
	testutils.SeedMessage(t, store, acct.Inbox(), "a", "bob@example.com", 10)
	testutils.SeedMessage(t, store, acct.Inbox(), "b", "bob@example.com", 10)
	adjust(t, store, c, acct.Inbox().ID, 5, 0)
	adjust(t, store, c, acct.Mailboxes[db.MailboxSpam].ID, 3, 3)

	mailboxes, err := c.RecalculateUser(context.Background(), acct.User.ID)
	require.NoError(t, err)
	assert.Len(t, mailboxes, len(acct.Mailboxes))

	inbox := testutils.ReloadMailbox(t, store, acct.Inbox())
	assert.Equal(t, int64(2), inbox.TotalCount)
	assert.Equal(t, int64(2), inbox.UnreadCount)
	spam := testutils.ReloadMailbox(t, store, acct.Mailboxes[db.MailboxSpam])
	assert.Equal(t, int64(0), spam.TotalCount)
}

func TestCreateDefaultMailboxes(t *testing.T) {
	store := testutils.NewSQLiteStore(t)
	c := New(store)
	user := &db.User{Email: "bob@example.com", QuotaBytes: 100}
	_, err := store.CreateUser(context.Background(), user)
	require.NoError(t, err)
	_, err = store.CreateMailbox(context.Background(), &db.Mailbox{UserID: user.ID, Name: "INBOX", Type: db.MailboxInbox})
	require.NoError(t, err)

	created, err := c.CreateDefaultMailboxes(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Len(t, created, 5)

	created, err = c.CreateDefaultMailboxes(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Empty(t, created)

	all, err := store.ListMailboxes(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}
