// Package testutils provides shared helpers for ruled tests.
//
// Most tests run against a throwaway SQLite store:
//
//	store := testutils.NewSQLiteStore(t)
//	acct := testutils.SeedAccount(t, store, "alice@example.com", 1<<20)
//	msg := testutils.SeedMessage(t, store, acct.Inbox(), "Invoice #12", "billing@example.com", 100)
//
// Postgres integration tests call SetupTestDatabase, which reads
// config-test.toml from the project root and skips under -short.
package testutils
