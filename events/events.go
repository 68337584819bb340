// Package events defines the payloads carried by outbox events. Producers
// enqueue them as JSON; consumers decode them from the envelope payload.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message update kinds.
const (
	UpdateMoved   = "MOVED"
	UpdateLabeled = "LABELED"
	UpdateDeleted = "DELETED"
)

// MessageUpdated reports a change the engine made to a message.
type MessageUpdated struct {
	MessageID  int64     `json:"messageId"`
	UserID     int64     `json:"userId"`
	RuleID     int64     `json:"ruleId"`
	UpdateType string    `json:"updateType"`
	OldValue   string    `json:"oldValue,omitempty"`
	NewValue   string    `json:"newValue,omitempty"`
	HardDelete bool      `json:"hardDelete,omitempty"`
	At         time.Time `json:"at"`
}

// ForwardRequested asks the compose collaborator to forward a message.
type ForwardRequested struct {
	MessageID int64    `json:"messageId"`
	UserID    int64    `json:"userId"`
	RuleID    int64    `json:"ruleId"`
	Targets   []string `json:"targets"`
}

// Auto-reply kinds.
const (
	ReplyAuto     = "AUTO_REPLY"
	ReplyVacation = "VACATION"
)

// AutoReplyRequested asks the compose collaborator to answer a message.
// Suppressing repeated replies to one sender is the collaborator's job.
type AutoReplyRequested struct {
	Kind              string `json:"kind"`
	UserID            int64  `json:"userId"`
	OriginalMessageID int64  `json:"originalMessageId"`
	RuleID            int64  `json:"ruleId"`
	Sender            string `json:"sender"`
	OriginalSubject   string `json:"originalSubject,omitempty"`
	MessageIDHeader   string `json:"messageIdHeader,omitempty"`
	Subject           string `json:"subject,omitempty"`
	Body              string `json:"body"`
	From              string `json:"from,omitempty"`
	IntervalDays      int    `json:"intervalDays,omitempty"`
}

// Decode unmarshals an event payload into v.
func Decode(eventType string, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return nil
}
