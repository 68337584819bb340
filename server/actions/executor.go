// Package actions performs the effect of a matched rule on one message.
//
// Every effect runs inside the caller's atomic step and goes through the
// Quota Guard and Mailbox Counter, so the step either commits the message
// change, the counter deltas, the quota delta and the outbox events together
// or none of them.
package actions

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/events"
	"github.com/migadu/ruled/helpers"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/rules"
	"github.com/migadu/ruled/server/counters"
	"github.com/migadu/ruled/server/outbox"
	"github.com/migadu/ruled/server/quota"
)

type Executor struct {
	guard      *quota.Guard
	counter    *counters.Counter
	publisher  *outbox.Publisher
	hardDelete bool
	now        func() time.Time
}

// New returns an Executor. With hardDelete set, DELETE removes the row
// instead of moving the message to TRASH.
func New(guard *quota.Guard, counter *counters.Counter, publisher *outbox.Publisher, hardDelete bool) *Executor {
	return &Executor{
		guard:      guard,
		counter:    counter,
		publisher:  publisher,
		hardDelete: hardDelete,
		now:        time.Now,
	}
}

// Execute applies rule's action to msg. msg must have been read through tx.
// It is a single attempt; the caller retries the whole step.
func (e *Executor) Execute(ctx context.Context, tx db.Tx, rule *db.Rule, msg *db.Message) error {
	if rule.Action == nil && rule.Type != rules.TypeDelete {
		return fmt.Errorf("%w: rule %d has no action", consts.ErrInvalidRuleDefinition, rule.ID)
	}
	action := rule.Action
	if action == nil {
		action = &rules.Action{}
	}

	switch rule.Type {
	case rules.TypeMove:
		return e.move(ctx, tx, rule, msg, action.Mailbox)
	case rules.TypeLabel:
		return e.label(ctx, tx, rule, msg, action.Label)
	case rules.TypeDelete:
		return e.delete(ctx, tx, rule, msg)
	case rules.TypeForward:
		return e.forward(ctx, tx, rule, msg, action.Targets)
	case rules.TypeAutoReply:
		return e.reply(ctx, tx, rule, msg, events.ReplyAuto, action)
	case rules.TypeVacation:
		return e.reply(ctx, tx, rule, msg, events.ReplyVacation, action)
	case rules.TypeFilter:
		return e.filter(ctx, tx, rule, msg, action)
	default:
		return fmt.Errorf("%w: unknown rule type %q", consts.ErrInvalidRuleDefinition, rule.Type)
	}
}

func (e *Executor) move(ctx context.Context, tx db.Tx, rule *db.Rule, msg *db.Message, name string) error {
	target, err := tx.GetMailboxByName(ctx, msg.UserID, name)
	if err != nil {
		return fmt.Errorf("move target: %w", err)
	}
	if target.ID == msg.MailboxID {
		return nil
	}
	source, err := tx.GetMailbox(ctx, msg.MailboxID)
	if err != nil {
		return err
	}
	if err := e.transfer(ctx, tx, msg, target); err != nil {
		return err
	}
	err = e.messageUpdated(ctx, tx, rule, msg, events.UpdateMoved, source.Name, target.Name, false)
	return err
}

// transfer reassigns msg to target and saves it.
func (e *Executor) transfer(ctx context.Context, tx db.Tx, msg *db.Message, target *db.Mailbox) error {
	if err := e.counter.Transfer(ctx, tx, msg.MailboxID, target.ID, msg.IsUnread()); err != nil {
		return err
	}
	msg.MailboxID = target.ID
	return tx.SaveMessage(ctx, msg)
}

func (e *Executor) label(ctx context.Context, tx db.Tx, rule *db.Rule, msg *db.Message, label string) error {
	if helpers.HasFlag(msg.Flags, label) {
		return nil
	}
	old := msg.Flags
	msg.Flags = helpers.AddFlag(msg.Flags, label)
	if err := tx.SaveMessage(ctx, msg); err != nil {
		return err
	}
	err := e.messageUpdated(ctx, tx, rule, msg, events.UpdateLabeled, old, msg.Flags, false)
	return err
}

// delete releases the message's bytes and either moves it to TRASH or, in
// hard mode or when it already sits in TRASH, removes the row. A message
// soft-deleted earlier carries FlagDeleted and is not charged twice.
func (e *Executor) delete(ctx context.Context, tx db.Tx, rule *db.Rule, msg *db.Message) error {
	source, err := tx.GetMailbox(ctx, msg.MailboxID)
	if err != nil {
		return err
	}

	if !helpers.HasFlag(msg.Flags, consts.FlagDeleted) {
		if _, err := e.guard.ApplyStorageDelta(ctx, tx, msg.UserID, -msg.SizeBytes); err != nil {
			return err
		}
	}

	if e.hardDelete || source.Type == db.MailboxTrash {
		var unread int64
		if msg.IsUnread() {
			unread = 1
		}
		if _, err := e.counter.AdjustCounts(ctx, tx, source.ID, -1, -unread); err != nil {
			return err
		}
		if err := tx.DeleteMessage(ctx, msg.ID, msg.Version); err != nil {
			return err
		}
		logger.DebugContext(ctx, "Actions: message removed", "message_id", msg.ID, "rule_id", rule.ID)
		err := e.messageUpdated(ctx, tx, rule, msg, events.UpdateDeleted, source.Name, "", true)
		return err
	}

	trash, err := tx.GetMailboxByType(ctx, msg.UserID, db.MailboxTrash)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	msg.Flags = helpers.AddFlag(msg.Flags, consts.FlagDeleted)
	if err := e.transfer(ctx, tx, msg, trash); err != nil {
		return err
	}
	err = e.messageUpdated(ctx, tx, rule, msg, events.UpdateDeleted, source.Name, trash.Name, false)
	return err
}

func (e *Executor) forward(ctx context.Context, tx db.Tx, rule *db.Rule, msg *db.Message, targets []string) error {
	if len(targets) == 0 {
		return fmt.Errorf("%w: rule %d forwards to nobody", consts.ErrInvalidRuleDefinition, rule.ID)
	}
	_, err := e.publisher.EnqueueJSON(ctx, tx, consts.AggregateMessage, messageAggregate(msg),
		consts.EventMessageForwardRequested, events.ForwardRequested{
			MessageID: msg.ID,
			UserID:    msg.UserID,
			RuleID:    rule.ID,
			Targets:   targets,
		})
	return err
}

func (e *Executor) reply(ctx context.Context, tx db.Tx, rule *db.Rule, msg *db.Message, kind string, action *rules.Action) error {
	sender := helpers.NormalizeAddress(msg.From)
	if !helpers.ValidAddress(sender) {
		// Nothing to answer; the step still counts as executed.
		logger.DebugContext(ctx, "Actions: no reply address", "message_id", msg.ID, "rule_id", rule.ID, "from", msg.From)
		return nil
	}
	_, err := e.publisher.EnqueueJSON(ctx, tx, consts.AggregateMessage, messageAggregate(msg),
		consts.EventComposeAutoReplyRequested, events.AutoReplyRequested{
			Kind:              kind,
			UserID:            msg.UserID,
			OriginalMessageID: msg.ID,
			RuleID:            rule.ID,
			Sender:            sender,
			OriginalSubject:   msg.Subject,
			MessageIDHeader:   msg.MessageID,
			Subject:           action.Subject,
			Body:              action.Body,
			From:              action.From,
			IntervalDays:      action.IntervalDays,
		})
	return err
}

// filter labels first, then moves or deletes.
func (e *Executor) filter(ctx context.Context, tx db.Tx, rule *db.Rule, msg *db.Message, action *rules.Action) error {
	if action.Label != "" {
		if err := e.label(ctx, tx, rule, msg, action.Label); err != nil {
			return err
		}
	}
	switch {
	case action.Delete:
		return e.delete(ctx, tx, rule, msg)
	case action.Mailbox != "":
		return e.move(ctx, tx, rule, msg, action.Mailbox)
	}
	return nil
}

func (e *Executor) messageUpdated(ctx context.Context, tx db.Tx, rule *db.Rule, msg *db.Message, updateType, oldValue, newValue string, hard bool) error {
	_, err := e.publisher.EnqueueJSON(ctx, tx, consts.AggregateMessage, messageAggregate(msg),
		consts.EventMessageUpdated, events.MessageUpdated{
			MessageID:  msg.ID,
			UserID:     msg.UserID,
			RuleID:     rule.ID,
			UpdateType: updateType,
			OldValue:   oldValue,
			NewValue:   newValue,
			HardDelete: hard,
			At:         e.now().UTC(),
		})
	return err
}

func messageAggregate(msg *db.Message) string {
	return strconv.FormatInt(msg.ID, 10)
}
