package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/logger"
)

// Janitor periodically returns stuck PROCESSING events to PENDING and purges
// PUBLISHED events past retention. FAILED events are kept for operators.
type Janitor struct {
	store             db.Store
	interval          time.Duration
	processingTimeout time.Duration
	retention         time.Duration
	now               func() time.Time
	stopCh            chan struct{}
	stopOnce          sync.Once
	done              chan struct{}
}

func NewJanitor(store db.Store, interval, processingTimeout, retention time.Duration) *Janitor {
	return &Janitor{
		store:             store,
		interval:          interval,
		processingTimeout: processingTimeout,
		retention:         retention,
		now:               time.Now,
		stopCh:            make(chan struct{}),
	}
}

func (j *Janitor) Start(ctx context.Context) {
	interval := j.interval
	const minAllowedInterval = time.Minute
	if interval < minAllowedInterval {
		logger.Warn("Janitor: configured interval below minimum, using minimum", "interval", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	logger.Info("Janitor: starting", "interval", interval, "processing_timeout", j.processingTimeout, "retention", j.retention)

	ticker := time.NewTicker(interval)
	j.done = make(chan struct{})
	go func() {
		defer close(j.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("Janitor: stopped due to context cancellation")
				return
			case <-j.stopCh:
				logger.Info("Janitor: stopped due to stop signal")
				return
			case <-ticker.C:
				j.RunOnce(ctx)
			}
		}
	}()
}

// Stop signals the janitor to stop and waits for it.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	if j.done != nil {
		<-j.done
	}
}

// RunOnce performs one pass and returns the recovered and purged counts.
// Failures are logged; the next pass tries again.
func (j *Janitor) RunOnce(ctx context.Context) (recovered, purged int64) {
	now := j.now()

	recovered, err := j.store.RecoverStaleOutboxEvents(ctx, now.Add(-j.processingTimeout))
	if err != nil {
		logger.Error("Janitor: failed to recover stale events", "error", err)
	} else if recovered > 0 {
		logger.Warn("Janitor: recovered events stuck in PROCESSING", "count", recovered)
	}

	if j.retention > 0 {
		purged, err = j.store.PurgePublishedOutboxEvents(ctx, now.Add(-j.retention))
		if err != nil {
			logger.Error("Janitor: failed to purge published events", "error", err)
		} else if purged > 0 {
			logger.Info("Janitor: purged published events", "count", purged, "older_than", j.retention)
		}
	}
	return recovered, purged
}
