package consts

import (
	"errors"
	"fmt"
)

// Rule processing failures. Every error surfaced by the engine wraps exactly
// one of these so callers can classify it with errors.Is.
var (
	ErrQuotaExceeded          = errors.New("quota exceeded")
	ErrResourceNotFound       = errors.New("resource not found")
	ErrInvalidRuleDefinition  = errors.New("invalid rule definition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrPublishFailure         = errors.New("publish failure")
)

var (
	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrRuleNotFound    = errors.New("rule not found")
	ErrEventNotFound   = errors.New("outbox event not found")
	ErrNotPermitted    = errors.New("operation not permitted")

	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBInsertFailed            = errors.New("insert failed")
)

// Failure kinds reported per rule in a chain report.
const (
	KindQuotaExceeded          = "QuotaExceeded"
	KindResourceNotFound       = "ResourceNotFound"
	KindInvalidRuleDefinition  = "InvalidRuleDefinition"
	KindConcurrentModification = "ConcurrentModification"
	KindPublishFailure         = "PublishFailure"
	KindCancelled              = "Cancelled"
	KindInternal               = "Internal"
)

// ErrorKind maps err onto the failure taxonomy. Not-found errors of any
// record type collapse into ResourceNotFound.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrResourceNotFound),
		errors.Is(err, ErrMailboxNotFound),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrRuleNotFound),
		errors.Is(err, ErrEventNotFound):
		return KindResourceNotFound
	case errors.Is(err, ErrInvalidRuleDefinition):
		return KindInvalidRuleDefinition
	case errors.Is(err, ErrConcurrentModification):
		return KindConcurrentModification
	case errors.Is(err, ErrPublishFailure):
		return KindPublishFailure
	case errors.Is(err, errContextCanceled), errors.Is(err, errDeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// RuleError attaches the failing rule to an engine error.
type RuleError struct {
	RuleID int64
	Kind   string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %d: %s: %v", e.RuleID, e.Kind, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// NewRuleError wraps err for ruleID, classifying it with ErrorKind.
func NewRuleError(ruleID int64, err error) *RuleError {
	return &RuleError{RuleID: ruleID, Kind: ErrorKind(err), Err: err}
}
