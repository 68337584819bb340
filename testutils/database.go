package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/migadu/ruled/config"
	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/db/sqlitedb"
	"github.com/stretchr/testify/require"
)

// TestConfig is the subset of config-test.toml the integration tests read.
type TestConfig struct {
	Database config.DatabaseConfig `toml:"database"`
}

// TestDatabase wraps a migrated Postgres store.
type TestDatabase struct {
	*db.Database
	Config *TestConfig
}

// SetupTestDatabase connects to the Postgres instance described by
// config-test.toml, applies migrations and empties every table. It skips in
// short mode.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	ctx := context.Background()

	configPath, err := findTestConfig()
	require.NoError(t, err, "config-test.toml not found. Please ensure it exists in the project root")

	var cfg TestConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")
	cfg.Database.Driver = "postgres"
	cfg.Database.AutoMigrate = true

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running and the test database exists")

	td := &TestDatabase{Database: database, Config: &cfg}
	td.TruncateAllTables(t)
	t.Cleanup(database.Close)
	return td
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// TruncateAllTables cleans all data from test database tables
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	tables := []string{
		"outbox_events",
		"auto_reply_log",
		"rules",
		"messages",
		"mailboxes",
		"users",
	}

	for _, table := range tables {
		_, err := td.WritePool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", table))
		require.NoError(t, err)
	}
}

// NewSQLiteStore opens a fresh SQLite store in a temporary directory.
func NewSQLiteStore(t *testing.T) *sqlitedb.Store {
	t.Helper()
	s, err := sqlitedb.Open(context.Background(), filepath.Join(t.TempDir(), "ruled.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// Account is a seeded user with its default mailboxes keyed by type.
type Account struct {
	User      *db.User
	Mailboxes map[string]*db.Mailbox
}

// Inbox returns the seeded INBOX.
func (a *Account) Inbox() *db.Mailbox { return a.Mailboxes[db.MailboxInbox] }

// SeedAccount creates a user with the given quota and one mailbox per
// default mailbox type.
func SeedAccount(t *testing.T, store db.Store, email string, quotaBytes int64) *Account {
	t.Helper()
	ctx := context.Background()

	user := &db.User{Email: email, QuotaBytes: quotaBytes}
	_, err := store.CreateUser(ctx, user)
	require.NoError(t, err)

	acct := &Account{User: user, Mailboxes: make(map[string]*db.Mailbox)}
	for i, def := range consts.DefaultMailboxes {
		mb := &db.Mailbox{UserID: user.ID, Name: def.Name, Type: def.Type, SortOrder: i}
		_, err := store.CreateMailbox(ctx, mb)
		require.NoError(t, err)
		acct.Mailboxes[def.Type] = mb
	}
	return acct
}

// SeedMessage stores a message in mailbox, charging the owner's quota.
func SeedMessage(t *testing.T, store db.Store, mailbox *db.Mailbox, subject, from string, size int64) *db.Message {
	t.Helper()
	msg := &db.Message{
		UserID:    mailbox.UserID,
		MailboxID: mailbox.ID,
		Subject:   subject,
		From:      from,
		To:        []string{"owner@example.com"},
		SizeBytes: size,
	}
	_, err := store.InsertMessage(context.Background(), msg)
	require.NoError(t, err)
	return msg
}

// SeedRule stores rule for its user.
func SeedRule(t *testing.T, store db.Store, rule *db.Rule) *db.Rule {
	t.Helper()
	if rule.Name == "" {
		rule.Name = fmt.Sprintf("%s rule", rule.Type)
	}
	_, err := store.InsertRule(context.Background(), rule)
	require.NoError(t, err)
	return rule
}

// ReloadMailbox fetches the current counts of mb.
func ReloadMailbox(t *testing.T, store db.Store, mb *db.Mailbox) *db.Mailbox {
	t.Helper()
	got, err := store.GetMailbox(context.Background(), mb.ID)
	require.NoError(t, err)
	return got
}
