// Package rules holds the closed rule grammar: rule types, the condition tree
// evaluated against message facts, and the action block each type executes.
//
// Conditions and actions are persisted as JSON text. Everything entering the
// system goes through Parse*/Validate, which compile regular expressions and
// reject anything outside the grammar with consts.ErrInvalidRuleDefinition.
// Evaluation of a validated condition never fails.
package rules

import (
	"fmt"
	"strings"

	"github.com/migadu/ruled/consts"
)

// Type is the kind of effect a rule has.
type Type string

const (
	TypeFilter    Type = "FILTER"
	TypeVacation  Type = "VACATION_RESPONDER"
	TypeForward   Type = "FORWARD"
	TypeAutoReply Type = "AUTO_REPLY"
	TypeMove      Type = "MOVE_TO_FOLDER"
	TypeLabel     Type = "LABEL"
	TypeDelete    Type = "DELETE"
)

// Types lists every rule type in declaration order.
var Types = []Type{TypeFilter, TypeVacation, TypeForward, TypeAutoReply, TypeMove, TypeLabel, TypeDelete}

func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// ParseType accepts a type name in any case.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown rule type %q", consts.ErrInvalidRuleDefinition, s)
	}
	return t, nil
}

// IsTerminal reports whether executing a rule of type t with action a ends the
// chain for the message. DELETE and MOVE_TO_FOLDER always do; a FILTER does
// when its action moves or deletes the message.
func IsTerminal(t Type, a *Action) bool {
	switch t {
	case TypeDelete, TypeMove:
		return true
	case TypeFilter:
		return a != nil && (a.Mailbox != "" || a.Delete)
	default:
		return false
	}
}

// Facts is the view of a message a condition is evaluated against. Empty
// strings, empty slices and nil pointers mean the field is absent.
type Facts struct {
	Subject        string
	From           string
	To             []string
	SizeBytes      *int64
	HasAttachments *bool
}
