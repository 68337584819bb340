// Package quota enforces the per-user storage ceiling on every byte delta.
package quota

import (
	"context"
	"fmt"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/metrics"
	"github.com/migadu/ruled/server/notify"
)

// DefaultWarningRatio is the usage ratio above which a warning is sent.
const DefaultWarningRatio = 0.9

// Guard applies storage deltas inside an atomic step.
type Guard struct {
	notifier     notify.Notifier
	warningRatio float64
}

func NewGuard(notifier notify.Notifier, warningRatio float64) *Guard {
	if warningRatio <= 0 || warningRatio > 1 {
		warningRatio = DefaultWarningRatio
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Guard{notifier: notifier, warningRatio: warningRatio}
}

// ApplyStorageDelta locks the user row and sets usedBytes to
// max(0, used+delta). A positive delta that would exceed the quota fails with
// consts.ErrQuotaExceeded and writes nothing. When the new usage is above the
// warning ratio a QUOTA_WARNING notification is sent once the step commits.
func (g *Guard) ApplyStorageDelta(ctx context.Context, tx db.Tx, userID, delta int64) (int64, error) {
	user, err := tx.LockUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	used := user.UsedBytes + delta
	if used < 0 {
		used = 0
	}
	if delta > 0 && used > user.QuotaBytes {
		metrics.QuotaRejections.Inc()
		return user.UsedBytes, fmt.Errorf("%w: user %d needs %d more bytes, %d of %d used",
			consts.ErrQuotaExceeded, userID, delta, user.UsedBytes, user.QuotaBytes)
	}

	if used != user.UsedBytes {
		if err := tx.UpdateUserUsedBytes(ctx, userID, used, user.Version); err != nil {
			return user.UsedBytes, err
		}
	}

	if user.QuotaBytes > 0 {
		ratio := float64(used) / float64(user.QuotaBytes)
		if ratio > g.warningRatio {
			payload := map[string]any{"usedBytes": used, "quotaBytes": user.QuotaBytes, "ratio": ratio}
			tx.AfterCommit(func() {
				metrics.QuotaWarnings.Inc()
				logger.Debug("Quota: usage above warning ratio", "user_id", userID, "ratio", ratio)
				g.notifier.Notify(context.WithoutCancel(ctx), userID, consts.NotificationQuotaWarning, payload)
			})
		}
	}
	return used, nil
}
