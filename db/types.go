package db

import (
	"strings"
	"time"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/helpers"
	"github.com/migadu/ruled/rules"
)

// Mailbox types.
const (
	MailboxInbox   = "INBOX"
	MailboxSent    = "SENT"
	MailboxDrafts  = "DRAFTS"
	MailboxTrash   = "TRASH"
	MailboxSpam    = "SPAM"
	MailboxArchive = "ARCHIVE"
	MailboxCustom  = "CUSTOM"
)

// Outbox event statuses. PUBLISHED and FAILED are terminal.
const (
	OutboxPending    = "PENDING"
	OutboxProcessing = "PROCESSING"
	OutboxPublished  = "PUBLISHED"
	OutboxFailed     = "FAILED"
)

// User holds the quota state of a mailbox owner.
type User struct {
	ID         int64
	Email      string
	Status     string
	QuotaBytes int64
	UsedBytes  int64
	Version    int64
	CreatedAt  time.Time
}

type Mailbox struct {
	ID          int64
	UserID      int64
	Name        string
	Type        string
	UnreadCount int64
	TotalCount  int64
	ParentID    *int64
	SortOrder   int
	Version     int64
}

type Message struct {
	ID             int64
	UserID         int64
	MailboxID      int64
	ThreadID       string
	MessageID      string // Message-ID header
	Subject        string
	From           string
	To             []string
	Cc             []string
	SizeBytes      int64
	Flags          string
	HasAttachments bool
	ReceivedAt     time.Time
	Version        int64
}

// IsUnread reports whether the READ flag is absent.
func (m *Message) IsUnread() bool {
	return !helpers.HasFlag(m.Flags, consts.FlagRead)
}

// Facts builds the view rule conditions are evaluated against. Size and the
// attachment flag are always present for stored messages.
func (m *Message) Facts() rules.Facts {
	size := m.SizeBytes
	attachments := m.HasAttachments
	to := make([]string, 0, len(m.To))
	for _, addr := range m.To {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	return rules.Facts{
		Subject:        m.Subject,
		From:           strings.TrimSpace(m.From),
		To:             to,
		SizeBytes:      &size,
		HasAttachments: &attachments,
	}
}

// Rule is a stored automation rule. Condition and Action are parsed and
// validated when the row is read.
type Rule struct {
	ID             int64
	UserID         int64
	Name           string
	Description    string
	Type           rules.Type
	Condition      *rules.Condition
	Action         *rules.Action
	Enabled        bool
	Priority       int
	ExecutionCount int64
	LastExecutedAt *time.Time
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether executing the rule ends the chain.
func (r *Rule) Terminal() bool {
	return rules.IsTerminal(r.Type, r.Action)
}

// Definition returns the rule body for validation.
func (r *Rule) Definition() *rules.Definition {
	return &rules.Definition{Type: r.Type, Condition: r.Condition, Action: r.Action}
}

type OutboxEvent struct {
	ID             int64
	EventID        string
	AggregateType  string
	AggregateID    string
	EventType      string
	Payload        []byte
	Status         string
	RetryCount     int
	ProcessedAt    *time.Time
	ErrorMessage   string
	CreatedAt      time.Time
	NextAttemptAt  time.Time
	ClaimedAt      *time.Time
	IdempotencyKey string
}

// OutboxStats counts events per status.
type OutboxStats struct {
	Pending     int64
	Processing  int64
	Published   int64
	Failed      int64
	OldestDueAt *time.Time
}

// RuleFilter narrows ListRules.
type RuleFilter struct {
	UserID      int64
	EnabledOnly bool
	Type        rules.Type
}

// DecodeRuleBody parses the stored type, condition and action columns into r.
func DecodeRuleBody(r *Rule, ruleType, condition, action string) error {
	def, err := rules.ParseDefinition(ruleType, []byte(condition), []byte(action))
	if err != nil {
		return err
	}
	r.Type, r.Condition, r.Action = def.Type, def.Condition, def.Action
	return nil
}

// EncodeRuleBody validates r and renders its condition and action columns.
func EncodeRuleBody(r *Rule) (condition, action string, err error) {
	if err := r.Definition().Validate(); err != nil {
		return "", "", err
	}
	cond, err := rules.MarshalCondition(r.Condition)
	if err != nil {
		return "", "", err
	}
	act, err := rules.MarshalAction(r.Action)
	if err != nil {
		return "", "", err
	}
	return string(cond), string(act), nil
}
