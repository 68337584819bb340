package metrics

import (
	"context"
	"time"

	"github.com/migadu/ruled/logger"
)

// OutboxSnapshot is the per-status view of the outbox table.
type OutboxSnapshot struct {
	Pending     int64
	Processing  int64
	Published   int64
	Failed      int64
	OldestDueAt *time.Time
}

// StatsProvider reads the current outbox counts.
type StatsProvider interface {
	OutboxSnapshot(ctx context.Context) (*OutboxSnapshot, error)
}

// SetOutboxDepth publishes s on the outbox gauges.
func SetOutboxDepth(s *OutboxSnapshot, now time.Time) {
	OutboxDepth.WithLabelValues("PENDING").Set(float64(s.Pending))
	OutboxDepth.WithLabelValues("PROCESSING").Set(float64(s.Processing))
	OutboxDepth.WithLabelValues("PUBLISHED").Set(float64(s.Published))
	OutboxDepth.WithLabelValues("FAILED").Set(float64(s.Failed))
	if s.OldestDueAt != nil && s.OldestDueAt.Before(now) {
		OutboxOldestDueAge.Set(now.Sub(*s.OldestDueAt).Seconds())
	} else {
		OutboxOldestDueAge.Set(0)
	}
}

// Collector refreshes the outbox gauges on an interval, so they stay current
// while the dispatcher is idle.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	now      func() time.Time
}

func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start collects immediately, then on every tick until ctx ends or Stop is
// called. It blocks.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Debug("MetricsCollector: started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.OutboxSnapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("MetricsCollector: error collecting outbox stats", "error", err)
		}
		return
	}
	SetOutboxDepth(stats, c.now())
}
