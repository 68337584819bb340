package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/ruled/config"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/circuitbreaker"
	"github.com/migadu/ruled/pkg/metrics"
	"github.com/migadu/ruled/pkg/retry"
	"github.com/migadu/ruled/server/brokers"
	"golang.org/x/time/rate"
)

// Options tune the dispatcher.
type Options struct {
	Interval          time.Duration
	BatchSize         int
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Jitter            bool
	ProcessingTimeout time.Duration

	PublishRate  float64 // events per second, 0 disables throttling
	PublishBurst int

	BreakerThreshold   int
	BreakerTimeout     time.Duration
	BreakerMaxRequests int

	Now func() time.Time
}

// OptionsFromConfig parses the outbox section.
func OptionsFromConfig(cfg config.OutboxConfig) (Options, error) {
	opts := Options{
		BatchSize:          cfg.BatchSize,
		MaxRetries:         cfg.MaxRetries,
		Jitter:             true,
		PublishRate:        cfg.PublishRate,
		PublishBurst:       cfg.PublishBurst,
		BreakerThreshold:   cfg.CircuitBreakerThreshold,
		BreakerMaxRequests: cfg.CircuitBreakerMaxRequests,
	}
	var err error
	if opts.Interval, err = cfg.GetInterval(); err != nil {
		return opts, fmt.Errorf("outbox.interval: %w", err)
	}
	if opts.InitialBackoff, err = cfg.GetInitialBackoff(); err != nil {
		return opts, fmt.Errorf("outbox.initial_backoff: %w", err)
	}
	if opts.MaxBackoff, err = cfg.GetMaxBackoff(); err != nil {
		return opts, fmt.Errorf("outbox.max_backoff: %w", err)
	}
	if opts.ProcessingTimeout, err = cfg.GetProcessingTimeout(); err != nil {
		return opts, fmt.Errorf("outbox.processing_timeout: %w", err)
	}
	if opts.BreakerTimeout, err = cfg.GetCircuitBreakerTimeout(); err != nil {
		return opts, fmt.Errorf("outbox.circuit_breaker_timeout: %w", err)
	}
	return opts, nil
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 8
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 10 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Minute
	}
	if o.ProcessingTimeout <= 0 {
		o.ProcessingTimeout = 5 * time.Minute
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	if o.PublishBurst <= 0 {
		o.PublishBurst = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats summarizes one dispatch cycle.
type Stats struct {
	Claimed   int
	Published int
	Retried   int
	Failed    int
	Released  int
}

// Dispatcher moves PENDING events to brokers. One instance never runs two
// cycles at once; per-aggregate order holds within an instance.
type Dispatcher struct {
	store    db.Store
	router   *brokers.Router
	opts     Options
	backoff  func(int) time.Duration
	limiter  *rate.Limiter
	breakers map[string]*circuitbreaker.CircuitBreaker

	cycle    sync.Mutex
	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewDispatcher(store db.Store, router *brokers.Router, opts Options) *Dispatcher {
	opts.setDefaults()
	d := &Dispatcher{
		store:  store,
		router: router,
		opts:   opts,
		backoff: retry.ExponentialBackoff(retry.BackoffConfig{
			InitialInterval: opts.InitialBackoff,
			MaxInterval:     opts.MaxBackoff,
			Multiplier:      2,
			Jitter:          opts.Jitter,
		}),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
		notifyCh: make(chan struct{}, 1),
	}
	if opts.PublishRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), opts.PublishBurst)
	}
	for _, name := range router.Names() {
		d.breakers[name] = circuitbreaker.New("broker-"+name, opts.BreakerThreshold, opts.BreakerTimeout, opts.BreakerMaxRequests)
	}
	return d
}

// Breaker returns the circuit breaker guarding broker name.
func (d *Dispatcher) Breaker(name string) *circuitbreaker.CircuitBreaker {
	return d.breakers[name]
}

// Start recovers events left PROCESSING by a previous run and begins the
// dispatch loop. Calling Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})
	stopCh := d.stopCh
	d.mu.Unlock()

	if n, err := d.RecoverStale(ctx); err != nil {
		logger.Warn("Outbox: stale event recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("Outbox: recovered events left in PROCESSING", "count", n)
	}

	d.wg.Add(1)
	go d.run(ctx, stopCh)
	logger.Info("Outbox: dispatcher started", "interval", d.opts.Interval, "batch_size", d.opts.BatchSize,
		"max_retries", d.opts.MaxRetries, "brokers", d.router.Names())
	return nil
}

// Stop waits for the current cycle to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	logger.Info("Outbox: dispatcher stopped")
}

// Notify wakes the loop without waiting for the next tick. Non-blocking.
func (d *Dispatcher) Notify() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(ctx context.Context, stopCh <-chan struct{}) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	d.cycleAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Outbox: dispatcher stopped due to context cancellation")
			return
		case <-stopCh:
			return
		case <-ticker.C:
			d.cycleAndLog(ctx)
		case <-d.notifyCh:
			d.cycleAndLog(ctx)
		}
	}
}

func (d *Dispatcher) cycleAndLog(ctx context.Context) {
	for {
		stats, err := d.DispatchOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Outbox: dispatch cycle failed", "error", err)
			}
			return
		}
		if stats.Claimed > 0 {
			logger.Info("Outbox: dispatched batch", "claimed", stats.Claimed, "published", stats.Published,
				"retried", stats.Retried, "failed", stats.Failed, "released", stats.Released)
		}
		// A full batch means more work is probably due.
		if stats.Claimed < d.opts.BatchSize || stats.Released > 0 {
			return
		}
	}
}

// RecoverStale returns events claimed longer than the processing timeout ago
// to PENDING.
func (d *Dispatcher) RecoverStale(ctx context.Context) (int64, error) {
	return d.store.RecoverStaleOutboxEvents(ctx, d.opts.Now().Add(-d.opts.ProcessingTimeout))
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeReleased
)

// DispatchOnce claims one batch of due events and publishes them in
// (createdAt, id) order. After a failure, later events of the same aggregate
// in the batch are released untouched. Cancellation is checked between
// events; unprocessed events are released.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Stats, error) {
	d.cycle.Lock()
	defer d.cycle.Unlock()

	start := time.Now()
	defer func() { metrics.OutboxDispatchDuration.Observe(time.Since(start).Seconds()) }()

	var stats Stats
	events, err := d.store.ClaimOutboxBatch(ctx, d.opts.BatchSize, d.opts.Now())
	if err != nil {
		return stats, fmt.Errorf("claim outbox batch: %w", err)
	}
	stats.Claimed = len(events)

	halted := make(map[string]bool)
	for i, e := range events {
		if err := ctx.Err(); err != nil {
			for _, rest := range events[i:] {
				d.release(rest)
				stats.Released++
			}
			return stats, err
		}

		key := e.AggregateType + "/" + e.AggregateID
		if halted[key] {
			d.release(e)
			stats.Released++
			continue
		}

		switch d.deliver(ctx, e) {
		case outcomePublished:
			stats.Published++
		case outcomeRetried:
			stats.Retried++
			halted[key] = true
		case outcomeFailed:
			stats.Failed++
		case outcomeReleased:
			stats.Released++
			halted[key] = true
		}
	}

	if stats.Claimed > 0 {
		d.updateDepth(ctx)
	}
	return stats, nil
}

// DispatchEvent delivers a single event now, ignoring its backoff. Events
// that are not PENDING, or that wait behind an earlier event of their
// aggregate, are left alone and reported with published=false.
func (d *Dispatcher) DispatchEvent(ctx context.Context, id int64) (published bool, err error) {
	d.cycle.Lock()
	defer d.cycle.Unlock()

	e, claimed, err := d.store.ClaimOutboxEvent(ctx, id, d.opts.Now())
	if err != nil {
		return false, err
	}
	if !claimed {
		logger.Debug("Outbox: event not dispatchable", "id", id, "status", e.Status)
		return false, nil
	}
	return d.deliver(ctx, e) == outcomePublished, nil
}

func (d *Dispatcher) deliver(ctx context.Context, e *db.OutboxEvent) outcome {
	err := d.publish(ctx, e)
	now := d.opts.Now()
	bg := context.WithoutCancel(ctx)

	if err == nil {
		if markErr := d.store.MarkOutboxPublished(bg, e.ID, now); markErr != nil {
			logger.Error("Outbox: CRITICAL - failed to mark event published", "id", e.ID, "error", markErr)
		}
		metrics.OutboxDispatch.WithLabelValues(e.EventType, "published").Inc()
		metrics.OutboxEventAge.WithLabelValues(e.EventType).Observe(now.Sub(e.CreatedAt).Seconds())
		return outcomePublished
	}

	// An open breaker or a cancelled publish says nothing about the event.
	if circuitbreaker.IsOpen(err) || errors.Is(err, context.Canceled) {
		logger.Warn("Outbox: publish deferred, releasing event", "id", e.ID, "event_type", e.EventType, "error", err)
		d.release(e)
		metrics.OutboxDispatch.WithLabelValues(e.EventType, "released").Inc()
		return outcomeReleased
	}

	retryCount := e.RetryCount + 1
	result := "temporary_failure"
	if brokers.IsPermanentError(err) {
		result = "permanent_failure"
	}
	metrics.OutboxDispatch.WithLabelValues(e.EventType, result).Inc()

	if retryCount >= d.opts.MaxRetries {
		logger.Error("Outbox: event failed permanently", "id", e.ID, "event_type", e.EventType,
			"retry_count", retryCount, "error", err)
		if markErr := d.store.MarkOutboxFailed(bg, e.ID, retryCount, err.Error(), now); markErr != nil {
			logger.Error("Outbox: CRITICAL - failed to mark event failed", "id", e.ID, "error", markErr)
		}
		metrics.OutboxDispatch.WithLabelValues(e.EventType, "failed").Inc()
		return outcomeFailed
	}

	next := now.Add(d.backoff(retryCount))
	logger.Warn("Outbox: publish failed, will retry", "id", e.ID, "event_type", e.EventType,
		"retry_count", retryCount, "next_attempt_at", next, "error", err)
	if markErr := d.store.MarkOutboxRetry(bg, e.ID, retryCount, err.Error(), next); markErr != nil {
		logger.Error("Outbox: CRITICAL - failed to schedule retry", "id", e.ID, "error", markErr)
	}
	return outcomeRetried
}

// publish sends e to every routed broker, stopping at the first failure.
// Brokers that already acknowledged receive the event again on retry.
func (d *Dispatcher) publish(ctx context.Context, e *db.OutboxEvent) error {
	targets := d.router.Targets(e.EventType)
	if len(targets) == 0 {
		return brokers.Permanent("router", fmt.Errorf("no route for event type %q", e.EventType))
	}
	body, err := NewEnvelope(e).Marshal()
	if err != nil {
		return brokers.Permanent("router", fmt.Errorf("encode envelope: %w", err))
	}

	for _, target := range targets {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("publish throttle: %w", context.Canceled)
			}
		}
		call := func(ctx context.Context) error {
			start := time.Now()
			err := target.Publish(ctx, e.EventType, body)
			result := "success"
			if err != nil {
				result = "error"
			}
			metrics.BrokerPublishDuration.WithLabelValues(target.Name(), result).Observe(time.Since(start).Seconds())
			return err
		}
		if cb := d.breakers[target.Name()]; cb != nil {
			err = cb.Call(ctx, call)
		} else {
			err = call(ctx)
		}
		if err != nil {
			return fmt.Errorf("broker %s: %w", target.Name(), err)
		}
	}
	return nil
}

func (d *Dispatcher) release(e *db.OutboxEvent) {
	if err := d.store.ReleaseOutboxEvent(context.Background(), e.ID); err != nil {
		logger.Error("Outbox: CRITICAL - failed to release event", "id", e.ID, "error", err)
	}
}

func (d *Dispatcher) updateDepth(ctx context.Context) {
	snap, err := d.OutboxSnapshot(ctx)
	if err != nil {
		logger.Debug("Outbox: stats unavailable", "error", err)
		return
	}
	metrics.SetOutboxDepth(snap, d.opts.Now())
}

// OutboxSnapshot reports the outbox counts for the metrics collector.
func (d *Dispatcher) OutboxSnapshot(ctx context.Context) (*metrics.OutboxSnapshot, error) {
	st, err := d.store.OutboxStats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.OutboxSnapshot{
		Pending:     st.Pending,
		Processing:  st.Processing,
		Published:   st.Published,
		Failed:      st.Failed,
		OldestDueAt: st.OldestDueAt,
	}, nil
}
