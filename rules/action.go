package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/helpers"
)

const (
	MaxForwardTargets = 20
	MaxReplyBodyBytes = 64 * 1024
)

// Action is the effect block of a rule. Which fields apply depends on the
// rule type; Validate rejects fields a type cannot use.
type Action struct {
	Mailbox string   `json:"mailbox,omitempty" yaml:"mailbox,omitempty"` // MOVE_TO_FOLDER, FILTER
	Label   string   `json:"label,omitempty" yaml:"label,omitempty"`     // LABEL, FILTER
	Delete  bool     `json:"delete,omitempty" yaml:"delete,omitempty"`   // FILTER
	Targets []string `json:"targets,omitempty" yaml:"targets,omitempty"` // FORWARD

	// AUTO_REPLY and VACATION_RESPONDER
	Subject      string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Body         string `json:"body,omitempty" yaml:"body,omitempty"`
	From         string `json:"from,omitempty" yaml:"from,omitempty"`
	IntervalDays int    `json:"intervalDays,omitempty" yaml:"intervalDays,omitempty"`
}

// ParseAction decodes and validates the action block for a rule of type t.
// An empty document is accepted for DELETE, which needs no parameters.
func ParseAction(t Type, data []byte) (*Action, error) {
	var a Action
	if len(bytes.TrimSpace(data)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&a); err != nil {
			return nil, fmt.Errorf("%w: action: %v", consts.ErrInvalidRuleDefinition, err)
		}
	}
	if err := ValidateAction(t, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// MarshalAction renders a in its stored form.
func MarshalAction(a *Action) ([]byte, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

// ValidateAction checks that a carries what type t needs and nothing else.
func ValidateAction(t Type, a *Action) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: action: %s", consts.ErrInvalidRuleDefinition, fmt.Sprintf(format, args...))
	}
	if !t.Valid() {
		return invalid("unknown rule type %q", t)
	}
	if a == nil {
		a = &Action{}
	}

	hasReply := a.Subject != "" || a.Body != "" || a.From != "" || a.IntervalDays != 0

	switch t {
	case TypeMove:
		if a.Mailbox == "" {
			return invalid("mailbox is required")
		}
		if a.Label != "" || a.Delete || len(a.Targets) > 0 || hasReply {
			return invalid("%s only takes a mailbox", t)
		}
	case TypeLabel:
		if err := validateLabel(a.Label); err != nil {
			return invalid("%v", err)
		}
		if a.Mailbox != "" || a.Delete || len(a.Targets) > 0 || hasReply {
			return invalid("%s only takes a label", t)
		}
	case TypeDelete:
		if a.Mailbox != "" || a.Label != "" || a.Delete || len(a.Targets) > 0 || hasReply {
			return invalid("%s takes no parameters", t)
		}
	case TypeForward:
		if len(a.Targets) == 0 {
			return invalid("at least one target is required")
		}
		if len(a.Targets) > MaxForwardTargets {
			return invalid("more than %d targets", MaxForwardTargets)
		}
		for _, target := range a.Targets {
			if !helpers.ValidAddress(target) {
				return invalid("invalid target address %q", target)
			}
		}
		if a.Mailbox != "" || a.Label != "" || a.Delete || hasReply {
			return invalid("%s only takes targets", t)
		}
	case TypeAutoReply, TypeVacation:
		if strings.TrimSpace(a.Body) == "" {
			return invalid("body is required")
		}
		if len(a.Body) > MaxReplyBodyBytes {
			return invalid("body longer than %d bytes", MaxReplyBodyBytes)
		}
		if a.IntervalDays < 0 {
			return invalid("intervalDays must not be negative")
		}
		if a.From != "" && !helpers.ValidAddress(a.From) {
			return invalid("invalid from address %q", a.From)
		}
		if strings.ContainsAny(a.Subject, "\r\n") {
			return invalid("subject must be a single line")
		}
		if a.Mailbox != "" || a.Label != "" || a.Delete || len(a.Targets) > 0 {
			return invalid("%s only takes reply fields", t)
		}
	case TypeFilter:
		if a.Mailbox == "" && a.Label == "" && !a.Delete {
			return invalid("filter needs a mailbox, a label or delete")
		}
		if a.Mailbox != "" && a.Delete {
			return invalid("mailbox and delete are mutually exclusive")
		}
		if a.Label != "" {
			if err := validateLabel(a.Label); err != nil {
				return invalid("%v", err)
			}
		}
		if len(a.Targets) > 0 || hasReply {
			return invalid("filter takes only mailbox, label and delete")
		}
	}
	return nil
}

func validateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("label is required")
	}
	if len(label) > 64 {
		return fmt.Errorf("label longer than 64 bytes")
	}
	for _, r := range label {
		if r == ',' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("label %q contains a comma, whitespace or control character", label)
		}
	}
	return nil
}

// Definition is a complete, validated rule body.
type Definition struct {
	Type      Type
	Condition *Condition
	Action    *Action
}

// ParseDefinition parses stored or submitted rule text.
func ParseDefinition(ruleType string, condition, action []byte) (*Definition, error) {
	t, err := ParseType(ruleType)
	if err != nil {
		return nil, err
	}
	cond, err := ParseCondition(condition)
	if err != nil {
		return nil, err
	}
	act, err := ParseAction(t, action)
	if err != nil {
		return nil, err
	}
	return &Definition{Type: t, Condition: cond, Action: act}, nil
}

// Validate checks an in-memory definition built by a caller.
func (d *Definition) Validate() error {
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown rule type %q", consts.ErrInvalidRuleDefinition, d.Type)
	}
	if err := d.Condition.Validate(); err != nil {
		return err
	}
	return ValidateAction(d.Type, d.Action)
}

// Terminal reports whether executing d ends the chain.
func (d *Definition) Terminal() bool {
	return IsTerminal(d.Type, d.Action)
}
