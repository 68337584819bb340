package db

import (
	"context"
	"time"
)

// TxFunc is the body of one atomic step. It may only use tx; calling back into
// the Store from inside the function can deadlock on single-connection
// backends.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the storage collaborator. Implementations: *Database (Postgres)
// and sqlitedb.Store.
type Store interface {
	// WithTx runs fn in one transaction. Serialization failures, deadlocks and
	// version mismatches surface as consts.ErrConcurrentModification. AfterCommit
	// hooks registered by fn run only when the commit succeeds.
	WithTx(ctx context.Context, fn TxFunc) error
	Ping(ctx context.Context) error
	Close()

	GetEnabledRules(ctx context.Context, userID int64) ([]*Rule, error)
	GetRule(ctx context.Context, id int64) (*Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]*Rule, error)
	InsertRule(ctx context.Context, rule *Rule) (int64, error)
	// UpdateRule writes name, description, type, condition, action, enabled
	// and priority when rule.Version matches the stored version, then bumps it.
	UpdateRule(ctx context.Context, rule *Rule) error
	SetRuleEnabled(ctx context.Context, id int64, enabled bool) error
	SetRulePriority(ctx context.Context, id int64, priority int) error
	DeleteRule(ctx context.Context, id int64) error

	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, user *User) (int64, error)
	GetMailbox(ctx context.Context, id int64) (*Mailbox, error)
	ListMailboxes(ctx context.Context, userID int64) ([]*Mailbox, error)
	CreateMailbox(ctx context.Context, mailbox *Mailbox) (int64, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	InsertMessage(ctx context.Context, msg *Message) (int64, error)
	// RecalculateMailboxCounts recomputes counts from the messages table.
	RecalculateMailboxCounts(ctx context.Context, mailboxID int64) (*Mailbox, error)

	// TryRecordAutoReply records a reply from userID to sender unless one was
	// recorded within window, in which case it returns false. A row written by
	// the same non-empty key does not suppress, so a redelivered request can
	// retry its send.
	TryRecordAutoReply(ctx context.Context, userID int64, sender, key string, now time.Time, window time.Duration) (bool, error)

	// ClaimOutboxBatch marks up to limit due PENDING events PROCESSING and
	// returns them ordered by (created_at, id). An event is not due while an
	// earlier event of the same aggregate is PROCESSING or waiting for a retry.
	ClaimOutboxBatch(ctx context.Context, limit int, now time.Time) ([]*OutboxEvent, error)
	// ClaimOutboxEvent claims one PENDING event regardless of its backoff. When
	// the event is in any other state, or is blocked by an earlier event of its
	// aggregate, it is returned unchanged with claimed=false.
	ClaimOutboxEvent(ctx context.Context, id int64, now time.Time) (event *OutboxEvent, claimed bool, err error)
	MarkOutboxPublished(ctx context.Context, id int64, at time.Time) error
	MarkOutboxRetry(ctx context.Context, id int64, retryCount int, errMsg string, next time.Time) error
	MarkOutboxFailed(ctx context.Context, id int64, retryCount int, errMsg string, at time.Time) error
	// ReleaseOutboxEvent returns a PROCESSING event to PENDING without
	// touching its retry count.
	ReleaseOutboxEvent(ctx context.Context, id int64) error
	// RequeueOutboxEvent moves a FAILED event back to PENDING with its retry
	// count reset.
	RequeueOutboxEvent(ctx context.Context, id int64, now time.Time) error
	GetOutboxEvent(ctx context.Context, id int64) (*OutboxEvent, error)
	ListOutboxEvents(ctx context.Context, status string, limit int) ([]*OutboxEvent, error)
	OutboxStats(ctx context.Context) (*OutboxStats, error)
	RecoverStaleOutboxEvents(ctx context.Context, claimedBefore time.Time) (int64, error)
	PurgePublishedOutboxEvents(ctx context.Context, processedBefore time.Time) (int64, error)
}

// Tx is the view of the store inside one atomic step.
type Tx interface {
	// LockUser reads the user row and holds it until the step ends.
	LockUser(ctx context.Context, userID int64) (*User, error)
	UpdateUserUsedBytes(ctx context.Context, userID, usedBytes, expectedVersion int64) error

	GetMessageForUpdate(ctx context.Context, id int64) (*Message, error)
	// SaveMessage writes mailbox, flags and thread when msg.Version matches,
	// then bumps msg.Version.
	SaveMessage(ctx context.Context, msg *Message) error
	DeleteMessage(ctx context.Context, id, expectedVersion int64) error

	GetMailbox(ctx context.Context, id int64) (*Mailbox, error)
	// GetMailboxByName matches the name case-insensitively.
	GetMailboxByName(ctx context.Context, userID int64, name string) (*Mailbox, error)
	GetMailboxByType(ctx context.Context, userID int64, mailboxType string) (*Mailbox, error)
	// AdjustMailboxCounts applies signed deltas in one statement, clamping
	// both counts at zero and unread at total.
	AdjustMailboxCounts(ctx context.Context, mailboxID, totalDelta, unreadDelta int64) (*Mailbox, error)

	InsertOutboxEvent(ctx context.Context, event *OutboxEvent) (int64, error)
	SaveRuleExecutionMeta(ctx context.Context, ruleID int64, at time.Time) error

	// AfterCommit registers fn to run after a successful commit.
	AfterCommit(fn func())
}
