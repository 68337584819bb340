// Package ingest runs newly stored messages through the rule engine on a
// bounded set of workers. A message is processed by exactly one invocation;
// different messages are processed in parallel.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/metrics"
	"github.com/migadu/ruled/server/engine"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPoolStopped = errors.New("ingest pool is not running")
	ErrQueueFull   = errors.New("ingest queue is full")
)

// Applier is the part of the engine the pool drives.
type Applier interface {
	ApplyRules(ctx context.Context, messageID int64) (*engine.Report, error)
}

// Result is delivered once per submission.
type Result struct {
	MessageID int64
	Report    *engine.Report
	Err       error
	Duration  time.Duration
}

type job struct {
	messageID int64
	ctx       context.Context
	result    chan Result
}

type Pool struct {
	applier Applier
	workers int
	queue   chan job

	mu       sync.RWMutex
	running  bool
	stopped  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func New(applier Applier, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		applier: applier,
		workers: workers,
		queue:   make(chan job, queueSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(gctx)
			return nil
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.stopCh:
		}
	}()
	go func() {
		_ = g.Wait()
		close(p.done)
	}()

	logger.Info("Ingest: worker pool started", "workers", p.workers, "queue_size", cap(p.queue))
	return nil
}

// Stop stops accepting submissions, waits for in-flight messages and fails
// whatever is still queued with ErrPoolStopped.
func (p *Pool) Stop() {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return
	}

	// Blocked submitters hold the read lock until they see stopCh.
	first := false
	p.stopOnce.Do(func() {
		close(p.stopCh)
		first = true
	})
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	<-p.done
	if !first {
		return
	}

	for {
		select {
		case j := <-p.queue:
			j.result <- Result{MessageID: j.messageID, Err: ErrPoolStopped}
		default:
			metrics.IngestQueueDepth.Set(0)
			logger.Info("Ingest: worker pool stopped")
			return
		}
	}
}

// Submit queues messageID and returns a channel that receives exactly one
// Result. It blocks while the queue is full; if ctx ends first the Result
// carries ctx's error.
func (p *Pool) Submit(ctx context.Context, messageID int64) <-chan Result {
	out := make(chan Result, 1)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running || p.stopped {
		out <- Result{MessageID: messageID, Err: ErrPoolStopped}
		return out
	}

	select {
	case p.queue <- job{messageID: messageID, ctx: ctx, result: out}:
		metrics.IngestQueueDepth.Set(float64(len(p.queue)))
	case <-ctx.Done():
		out <- Result{MessageID: messageID, Err: ctx.Err()}
	case <-p.stopCh:
		out <- Result{MessageID: messageID, Err: ErrPoolStopped}
	}
	return out
}

// TrySubmit queues messageID without waiting for room. It fails with
// ErrQueueFull when the queue is at capacity and with ErrPoolStopped when the
// pool is not running; otherwise the channel receives exactly one Result.
func (p *Pool) TrySubmit(ctx context.Context, messageID int64) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running || p.stopped {
		return nil, ErrPoolStopped
	}

	out := make(chan Result, 1)
	select {
	case p.queue <- job{messageID: messageID, ctx: ctx, result: out}:
		metrics.IngestQueueDepth.Set(float64(len(p.queue)))
		return out, nil
	default:
		metrics.IngestRejected.Inc()
		return nil, ErrQueueFull
	}
}

// ApplyNow processes messageID on the caller's goroutine.
func (p *Pool) ApplyNow(ctx context.Context, messageID int64) (*engine.Report, error) {
	res := p.apply(ctx, messageID)
	return res.Report, res.Err
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case j := <-p.queue:
			metrics.IngestQueueDepth.Set(float64(len(p.queue)))
			jctx := j.ctx
			if jctx.Err() != nil {
				j.result <- Result{MessageID: j.messageID, Err: jctx.Err()}
				continue
			}
			mctx, cancel := mergeCancel(jctx, ctx)
			j.result <- p.apply(mctx, j.messageID)
			cancel()
		}
	}
}

func (p *Pool) apply(ctx context.Context, messageID int64) Result {
	metrics.IngestInFlight.Inc()
	defer metrics.IngestInFlight.Dec()

	start := time.Now()
	report, err := p.applier.ApplyRules(ctx, messageID)
	res := Result{MessageID: messageID, Report: report, Err: err, Duration: time.Since(start)}
	switch {
	case err != nil:
		logger.Warn("Ingest: message processing failed", "message_id", messageID, "error", err)
	case len(report.Failures()) > 0:
		logger.Warn("Ingest: message processed with failed rules", "message_id", messageID,
			"executed", len(report.Executed), "failed", len(report.Failures()))
	default:
		logger.Debug("Ingest: message processed", "message_id", messageID,
			"executed", len(report.Executed), "stopped_by", report.StoppedBy, "duration", res.Duration)
	}
	return res
}

// mergeCancel returns a context carrying a's values that is cancelled when
// either a or b is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
