package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/db/sqlitedb"
	"github.com/migadu/ruled/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminFixture struct {
	dir        string
	configPath string
	dbPath     string
	acct       *testutils.Account
	message    *db.Message
}

func newAdmin(t *testing.T) *adminFixture {
	t.Helper()
	dir := t.TempDir()
	f := &adminFixture{
		dir:        dir,
		configPath: filepath.Join(dir, "config.toml"),
		dbPath:     filepath.Join(dir, "ruled.db"),
	}
	conf := fmt.Sprintf(`
[logging]
output = "stderr"
level = "error"

[database]
driver = "sqlite"
sqlite_path = %q
`, f.dbPath)
	require.NoError(t, os.WriteFile(f.configPath, []byte(conf), 0o600))

	store, err := sqlitedb.Open(context.Background(), f.dbPath)
	require.NoError(t, err)
	f.acct = testutils.SeedAccount(t, store, "owner@example.com", 1_000_000)
	f.message = testutils.SeedMessage(t, store, f.acct.Inbox(), "Invoice 2024-11", "billing@example.com", 120)
	store.Close()
	return f
}

func (f *adminFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{}, args...)
	if len(args) > 0 && args[0] != "help" && args[0] != "version" {
		full = append(full, "--config", f.configPath, "--env-file", filepath.Join(f.dir, "missing.env"))
	}
	err := run(context.Background(), full, &out)
	return out.String(), err
}

func (f *adminFixture) writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(f.dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const ruleYAML = `
user: owner@example.com
rules:
  - name: invoices
    type: MOVE_TO_FOLDER
    enabled: true
    priority: 10
    condition: {field: subject, operator: contains, value: invoice}
    action: {mailbox: Archive}
  - name: tag billing
    type: LABEL
    enabled: true
    priority: 5
    condition:
      logic: OR
      conditions:
        - {field: fromAddress, operator: equals, value: billing@example.com}
        - {field: subject, operator: matchesRegex, value: "^receipt"}
    action: {label: billing}
`

func TestUsageAndUnknownCommands(t *testing.T) {
	var out bytes.Buffer
	assert.ErrorIs(t, run(context.Background(), nil, &out), errUsage)
	assert.Contains(t, out.String(), "ruled-admin <command>")

	out.Reset()
	assert.ErrorIs(t, run(context.Background(), []string{"frobnicate"}, &out), errUsage)
	assert.Contains(t, out.String(), "Unknown command: frobnicate")

	out.Reset()
	assert.ErrorIs(t, run(context.Background(), []string{"rules", "help"}, &out), flag.ErrHelp)
	assert.Contains(t, out.String(), "Rule Management")

	out.Reset()
	assert.ErrorIs(t, run(context.Background(), []string{"outbox", "purge"}, &out), errUsage)
}

func TestRulesImportListAndToggle(t *testing.T) {
	f := newAdmin(t)
	path := f.writeRules(t, ruleYAML)

	out, err := f.run(t, "rules", "import", "--file", path)
	require.NoError(t, err, out)
	assert.Equal(t, 2, strings.Count(out, "Created rule"))

	out, err = f.run(t, "rules", "list", "--user", "owner@example.com")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	// Chain order is ascending priority.
	assert.Contains(t, lines[1], "tag billing")
	assert.Contains(t, lines[2], "invoices")

	var ruleID int64
	_, err = fmt.Sscanf(lines[1], "%d", &ruleID)
	require.NoError(t, err)

	_, err = f.run(t, "rules", "disable", "--id", fmt.Sprint(ruleID))
	require.NoError(t, err)
	out, err = f.run(t, "rules", "list", "--user", fmt.Sprint(f.acct.User.ID), "--enabled")
	require.NoError(t, err)
	assert.NotContains(t, out, "tag billing")
	assert.Contains(t, out, "invoices")

	_, err = f.run(t, "rules", "delete", "--id", "99999")
	assert.ErrorContains(t, err, "not found")
}

func TestRulesValidateReportsEveryInvalidEntry(t *testing.T) {
	f := newAdmin(t)
	path := f.writeRules(t, `
rules:
  - name: ok
    type: LABEL
    condition: {field: subject, operator: contains, value: x}
    action: {label: fine}
  - name: no action
    type: MOVE_TO_FOLDER
    condition: {field: subject, operator: contains, value: x}
  - name: bad operator
    type: DELETE
    condition: {field: subject, operator: greaterThan, value: x}
`)
	out, err := f.run(t, "rules", "validate", "--file", path)
	assert.ErrorContains(t, err, "2 of 3 rules are invalid")
	assert.Contains(t, out, "no action")
	assert.Contains(t, out, "bad operator")
	assert.NotContains(t, out, "(ok)")

	// A failing import stores nothing.
	_, err = f.run(t, "rules", "import", "--file", path, "--user", "owner@example.com")
	require.Error(t, err)
	out, err = f.run(t, "rules", "list", "--user", "owner@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "No rules")
}

func TestApplyAndDispatch(t *testing.T) {
	f := newAdmin(t)
	_, err := f.run(t, "rules", "import", "--file", f.writeRules(t, ruleYAML))
	require.NoError(t, err)

	out, err := f.run(t, "apply", "--message", fmt.Sprint(f.message.ID))
	require.NoError(t, err, out)
	assert.Equal(t, 2, strings.Count(out, "executed"), out)
	assert.Contains(t, out, "Chain stopped by terminal rule")

	out, err = f.run(t, "outbox", "stats")
	require.NoError(t, err)
	assert.Regexp(t, `PENDING\s+2`, out)

	out, err = f.run(t, "outbox", "dispatch")
	require.NoError(t, err)
	assert.Contains(t, out, "published 2")

	out, err = f.run(t, "outbox", "list", "--status", "published")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "MessageUpdated"), out)

	out, err = f.run(t, "mailbox", "list", "--user", "owner@example.com")
	require.NoError(t, err)
	assert.Regexp(t, `ARCHIVE\s+Archive\s+1\s+1`, out)

	_, err = f.run(t, "apply", "--message", "424242")
	assert.Error(t, err)
}

func TestMailboxMaintenance(t *testing.T) {
	f := newAdmin(t)

	out, err := f.run(t, "mailbox", "init", "--user", "owner@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "already has every default mailbox")

	out, err = f.run(t, "mailbox", "recalc", "--mailbox", fmt.Sprint(f.acct.Inbox().ID))
	require.NoError(t, err)
	assert.Regexp(t, `INBOX\s+INBOX\s+1\s+1`, out)

	_, err = f.run(t, "mailbox", "recalc")
	assert.True(t, errors.Is(err, errUsage))
}

func TestMigrateOnSQLiteIsANoop(t *testing.T) {
	f := newAdmin(t)
	out, err := f.run(t, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to migrate")
}
