// Package counters maintains per-mailbox unread and total counts.
//
// On the hot path counts only move by signed deltas applied in one SQL
// statement. RecalculateCounts overwrites them from the messages table and
// exists for repair.
package counters

import (
	"context"
	"fmt"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/metrics"
)

type Counter struct {
	store db.Store
}

func New(store db.Store) *Counter {
	return &Counter{store: store}
}

// AdjustCounts applies totalDelta and unreadDelta to mailboxID inside tx.
func (c *Counter) AdjustCounts(ctx context.Context, tx db.Tx, mailboxID, totalDelta, unreadDelta int64) (*db.Mailbox, error) {
	if totalDelta == 0 && unreadDelta == 0 {
		return tx.GetMailbox(ctx, mailboxID)
	}
	mb, err := tx.AdjustMailboxCounts(ctx, mailboxID, totalDelta, unreadDelta)
	if err != nil {
		return nil, err
	}
	metrics.MailboxCounterAdjustments.WithLabelValues("delta").Inc()
	return mb, nil
}

// Transfer moves one message's contribution from one mailbox to another.
func (c *Counter) Transfer(ctx context.Context, tx db.Tx, fromID, toID int64, unread bool) error {
	var unreadDelta int64
	if unread {
		unreadDelta = 1
	}
	if _, err := c.AdjustCounts(ctx, tx, fromID, -1, -unreadDelta); err != nil {
		return err
	}
	_, err := c.AdjustCounts(ctx, tx, toID, 1, unreadDelta)
	return err
}

// RecalculateCounts recomputes mailboxID's counts from its messages.
func (c *Counter) RecalculateCounts(ctx context.Context, mailboxID int64) (*db.Mailbox, error) {
	before, err := c.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	after, err := c.store.RecalculateMailboxCounts(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	metrics.MailboxCounterAdjustments.WithLabelValues("recalculate").Inc()
	if before.TotalCount != after.TotalCount || before.UnreadCount != after.UnreadCount {
		logger.Warn("Counters: repaired drifted mailbox counts", "mailbox_id", mailboxID,
			"total_before", before.TotalCount, "total_after", after.TotalCount,
			"unread_before", before.UnreadCount, "unread_after", after.UnreadCount)
	}
	return after, nil
}

// RecalculateUser reconciles every mailbox owned by userID.
func (c *Counter) RecalculateUser(ctx context.Context, userID int64) ([]*db.Mailbox, error) {
	if _, err := c.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	mailboxes, err := c.store.ListMailboxes(ctx, userID)
	if err != nil {
		return nil, err
	}
	result := make([]*db.Mailbox, 0, len(mailboxes))
	for _, mb := range mailboxes {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		updated, err := c.RecalculateCounts(ctx, mb.ID)
		if err != nil {
			return result, fmt.Errorf("mailbox %d: %w", mb.ID, err)
		}
		result = append(result, updated)
	}
	return result, nil
}

// CreateDefaultMailboxes creates the standard mailboxes userID is missing.
// Existing mailboxes are matched by type and left untouched.
func (c *Counter) CreateDefaultMailboxes(ctx context.Context, userID int64) ([]*db.Mailbox, error) {
	if _, err := c.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	existing, err := c.store.ListMailboxes(ctx, userID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, mb := range existing {
		have[mb.Type] = true
	}

	var created []*db.Mailbox
	for i, def := range consts.DefaultMailboxes {
		if have[def.Type] {
			continue
		}
		mb := &db.Mailbox{UserID: userID, Name: def.Name, Type: def.Type, SortOrder: i}
		if _, err := c.store.CreateMailbox(ctx, mb); err != nil {
			return created, fmt.Errorf("create %s: %w", def.Name, err)
		}
		created = append(created, mb)
	}
	if len(created) > 0 {
		logger.Info("Counters: created default mailboxes", "user_id", userID, "count", len(created))
	}
	return created, nil
}
