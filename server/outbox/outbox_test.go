package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/pkg/circuitbreaker"
	"github.com/migadu/ruled/server/brokers"
	"github.com/migadu/ruled/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeBroker struct {
	mu        sync.Mutex
	name      string
	fail      func(env Envelope) error
	published []Envelope
	calls     int
	onPublish func()
}

func (b *fakeBroker) Name() string { return b.name }

func (b *fakeBroker) Publish(_ context.Context, _ string, payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	b.mu.Lock()
	b.calls++
	fail := b.fail
	b.mu.Unlock()
	if b.onPublish != nil {
		b.onPublish()
	}
	if fail != nil {
		if err := fail(env); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.published = append(b.published, env)
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) aggregates() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, env := range b.published {
		out[i] = env.AggregateID + ":" + string(env.Payload)
	}
	return out
}

type harness struct {
	store  db.Store
	clock  *clock
	pub    *Publisher
	broker *fakeBroker
	disp   *Dispatcher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:  testutils.NewSQLiteStore(t),
		clock:  &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		broker: &fakeBroker{name: "fake"},
	}
	h.pub = NewPublisher()
	h.pub.now = h.clock.Now
	router, err := brokers.NewRouter([]brokers.Broker{h.broker}, map[string][]string{brokers.Wildcard: {"fake"}})
	require.NoError(t, err)
	opts.Now = h.clock.Now
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = 10 * time.Second
	}
	h.disp = NewDispatcher(h.store, router, opts)
	return h
}

func (h *harness) enqueue(t *testing.T, aggregate string, n int) *db.OutboxEvent {
	t.Helper()
	var e *db.OutboxEvent
	require.NoError(t, h.store.WithTx(context.Background(), func(ctx context.Context, tx db.Tx) error {
		var err error
		e, err = h.pub.EnqueueJSON(ctx, tx, consts.AggregateMessage, aggregate, consts.EventMessageUpdated, n)
		return err
	}))
	h.clock.Advance(time.Millisecond)
	return e
}

func (h *harness) event(t *testing.T, id int64) *db.OutboxEvent {
	t.Helper()
	e, err := h.store.GetOutboxEvent(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestEnqueueIsPartOfTheStep(t *testing.T) {
	h := newHarness(t, Options{})
	woke := 0
	h.pub.OnCommit(func() { woke++ })

	err := h.store.WithTx(context.Background(), func(ctx context.Context, tx db.Tx) error {
		if _, err := h.pub.Enqueue(ctx, tx, consts.AggregateMessage, "1", consts.EventMessageUpdated, []byte(`{}`)); err != nil {
			return err
		}
		return errors.New("rolled back")
	})
	require.Error(t, err)
	assert.Equal(t, 0, woke)
	st, err := h.store.OutboxStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Pending)

	e := h.enqueue(t, "1", 1)
	assert.Equal(t, 1, woke)
	got := h.event(t, e.ID)
	assert.Equal(t, db.OutboxPending, got.Status)
	assert.Len(t, got.IdempotencyKey, 64)
	assert.NotEmpty(t, got.EventID)
}

func TestIdempotencyKey(t *testing.T) {
	at := time.Unix(1700000000, 0)
	k := IdempotencyKey("Message", "1", "E", []byte("p"), at)
	assert.Equal(t, k, IdempotencyKey("Message", "1", "E", []byte("p"), at))
	assert.NotEqual(t, k, IdempotencyKey("Message", "1", "E", []byte("p"), at.Add(time.Nanosecond)))
	assert.NotEqual(t, k, IdempotencyKey("Message", "1E", "", []byte("p"), at))
}

func TestDispatchOncePublishesInOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.enqueue(t, "a", 1)
	h.enqueue(t, "b", 1)
	h.enqueue(t, "a", 2)

	stats, err := h.disp.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Claimed: 3, Published: 3}, stats)
	assert.Equal(t, []string{"a:1", "b:1", "a:2"}, h.broker.aggregates())

	env := h.broker.published[0]
	assert.Equal(t, consts.EventMessageUpdated, env.EventType)
	assert.Len(t, env.IdempotencyKey, 64)

	stats, err = h.disp.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestDispatchEventOnPublishedIsNoop(t *testing.T) {
	h := newHarness(t, Options{})
	e := h.enqueue(t, "a", 1)

	published, err := h.disp.DispatchEvent(context.Background(), e.ID)
	require.NoError(t, err)
	require.True(t, published)
	before := h.event(t, e.ID)

	published, err = h.disp.DispatchEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.False(t, published)
	assert.Equal(t, 1, h.broker.calls)
	assert.Equal(t, before, h.event(t, e.ID))
}

func TestFailureSchedulesRetryAndHoldsAggregate(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 5, BreakerThreshold: 100})
	first := h.enqueue(t, "a", 1)
	second := h.enqueue(t, "a", 2)
	other := h.enqueue(t, "b", 1)
	h.broker.fail = func(env Envelope) error {
		if env.EventID == first.EventID {
			return brokers.Temporary("fake", errors.New("connection refused"))
		}
		return nil
	}

	stats, err := h.disp.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Claimed: 3, Published: 1, Retried: 1, Released: 1}, stats)
	assert.Equal(t, []string{"b:1"}, h.broker.aggregates())

	got := h.event(t, first.ID)
	assert.Equal(t, db.OutboxPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "connection refused")
	assert.Equal(t, h.clock.Now().Add(10*time.Second), got.NextAttemptAt)
	assert.Equal(t, 0, h.event(t, second.ID).RetryCount)
	assert.Equal(t, db.OutboxPublished, h.event(t, other.ID).Status)

	// Nothing of aggregate a is due until the backoff elapses.
	stats, err = h.disp.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)

	h.broker.fail = nil
	h.clock.Advance(11 * time.Second)
	stats, err = h.disp.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Published)
	assert.Equal(t, []string{"b:1", "a:1", "a:2"}, h.broker.aggregates())
}

func TestRetriesExhaustedMarksFailed(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 2, BreakerThreshold: 100})
	e := h.enqueue(t, "a", 1)
	h.broker.fail = func(Envelope) error { return brokers.Permanent("fake", errors.New("rejected")) }

	for i := 0; i < 2; i++ {
		_, err := h.disp.DispatchOnce(context.Background())
		require.NoError(t, err)
		h.clock.Advance(time.Hour)
	}

	got := h.event(t, e.ID)
	assert.Equal(t, db.OutboxFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.ProcessedAt)

	// A FAILED event does not hold back later events of its aggregate.
	h.broker.fail = nil
	h.enqueue(t, "a", 2)
	stats, err := h.disp.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Published)
}

func TestOpenBreakerReleasesWithoutConsumingRetry(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 5, BreakerThreshold: 1, BreakerTimeout: time.Hour})
	first := h.enqueue(t, "a", 1)
	second := h.enqueue(t, "b", 1)
	h.broker.fail = func(Envelope) error { return errors.New("down") }

	stats, err := h.disp.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)
	assert.Equal(t, 1, stats.Released)
	assert.Equal(t, circuitbreaker.StateOpen, h.disp.Breaker("fake").State())
	assert.Equal(t, 1, h.broker.calls)

	assert.Equal(t, 1, h.event(t, first.ID).RetryCount)
	got := h.event(t, second.ID)
	assert.Equal(t, db.OutboxPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
}

// An event claimed by a process that crashed is delivered exactly once after
// the next dispatcher starts.
func TestCrashRecovery(t *testing.T) {
	h := newHarness(t, Options{ProcessingTimeout: time.Minute, Interval: time.Hour})
	e := h.enqueue(t, "a", 1)

	claimed, err := h.store.ClaimOutboxBatch(context.Background(), 10, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	h.clock.Advance(2 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.disp.Start(ctx))
	require.Eventually(t, func() bool {
		return h.event(t, e.ID).Status == db.OutboxPublished
	}, 5*time.Second, 10*time.Millisecond)
	h.disp.Stop()

	stats, err := h.disp.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)
	assert.Equal(t, 1, h.broker.calls)
}

func TestCancellationReleasesRemainingEvents(t *testing.T) {
	h := newHarness(t, Options{})
	h.enqueue(t, "a", 1)
	h.enqueue(t, "b", 1)
	h.enqueue(t, "c", 1)

	ctx, cancel := context.WithCancel(context.Background())
	h.broker.onPublish = cancel

	stats, err := h.disp.DispatchOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Stats{Claimed: 3, Published: 1, Released: 2}, stats)

	st, err := h.store.OutboxStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Pending)
	assert.Equal(t, int64(0), st.Processing)
}

func TestNotifyWakesDispatcher(t *testing.T) {
	h := newHarness(t, Options{Interval: time.Hour})
	h.pub.OnCommit(h.disp.Notify)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.disp.Start(ctx))
	defer h.disp.Stop()

	for i := 0; i < 3; i++ {
		h.enqueue(t, fmt.Sprintf("m%d", i), i)
	}
	require.Eventually(t, func() bool { return len(h.broker.aggregates()) == 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestJanitor(t *testing.T) {
	h := newHarness(t, Options{})
	stuck := h.enqueue(t, "a", 1)
	done := h.enqueue(t, "b", 1)

	_, err := h.store.ClaimOutboxBatch(context.Background(), 1, h.clock.Now())
	require.NoError(t, err)
	_, err = h.disp.DispatchEvent(context.Background(), done.ID)
	require.NoError(t, err)

	j := NewJanitor(h.store, time.Hour, time.Minute, 24*time.Hour)
	j.now = h.clock.Now
	recovered, purged := j.RunOnce(context.Background())
	assert.Equal(t, int64(0), recovered)
	assert.Equal(t, int64(0), purged)

	h.clock.Advance(48 * time.Hour)
	recovered, purged = j.RunOnce(context.Background())
	assert.Equal(t, int64(1), recovered)
	assert.Equal(t, int64(1), purged)
	assert.Equal(t, db.OutboxPending, h.event(t, stuck.ID).Status)
	j.Stop()
}
