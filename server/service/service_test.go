package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/ruled/config"
	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/pkg/health"
	"github.com/migadu/ruled/rules"
	"github.com/migadu/ruled/server/compose"
	"github.com/migadu/ruled/server/ingest"
	"github.com/migadu/ruled/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "ruled.db")
	cfg.Engine.StepRetryBackoff = "1ms"
	return cfg
}

func TestBuildWiresSQLite(t *testing.T) {
	s, err := Build(context.Background(), sqliteConfig(t))
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.Postgres)
	assert.Nil(t, s.Composer)
	assert.Equal(t, []string{"log"}, s.Router.Names())
	require.Len(t, s.Router.Targets(consts.EventMessageUpdated), 1)

	assert.Equal(t, health.StatusHealthy, s.Health.CheckNow(context.Background()))
	var names []string
	for _, r := range s.Health.Reports() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"broker:log", "outbox", "store"}, names)
}

func TestComposeEventsRoutedToComposer(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Compose.Enabled = true
	cfg.Compose.SMTPHost = "127.0.0.1:2525"
	cfg.Compose.FromAddress = "rules@example.com"

	s, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	require.NotNil(t, s.Composer)
	for _, eventType := range []string{consts.EventComposeAutoReplyRequested, consts.EventMessageForwardRequested} {
		targets := s.Router.Targets(eventType)
		require.Len(t, targets, 1)
		assert.Equal(t, compose.BrokerName, targets[0].Name())
	}
	assert.Equal(t, "log", s.Router.Targets(consts.EventMessageUpdated)[0].Name())
}

func TestBuildRejectsInvalidSetups(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Brokers.PGNotify.Enabled = true
	_, err := Build(context.Background(), cfg)
	assert.ErrorContains(t, err, "postgres")

	cfg = sqliteConfig(t)
	cfg.Outbox.Routes = map[string][]string{"*": {"kafka"}}
	_, err = Build(context.Background(), cfg)
	assert.ErrorContains(t, err, "kafka")

	cfg = sqliteConfig(t)
	cfg.Database.Driver = "mysql"
	_, err = Build(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRunProcessesSubmissionsUntilCancelled(t *testing.T) {
	cfg := sqliteConfig(t)
	s, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	acct := testutils.SeedAccount(t, s.Store, "owner@example.com", 1_000_000)
	testutils.SeedRule(t, s.Store, &db.Rule{
		UserID:    acct.User.ID,
		Type:      rules.TypeDelete,
		Condition: &rules.Condition{Field: rules.FieldSubject, Operator: rules.OpContains, Value: "spam"},
		Enabled:   true,
	})
	msg := testutils.SeedMessage(t, s.Store, acct.Inbox(), "cheap spam", "x@example.org", 50)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var res ingest.Result
	require.Eventually(t, func() bool {
		res = <-s.Pool.Submit(context.Background(), msg.ID)
		return !errors.Is(res.Err, ingest.ErrPoolStopped)
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, res.Err)
	assert.Len(t, res.Report.Executed, 1)

	got, err := s.Store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, acct.Mailboxes[db.MailboxTrash].ID, got.MailboxID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
