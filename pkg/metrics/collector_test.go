package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeStatsProvider struct {
	stats *OutboxSnapshot
	err   error
	calls atomic.Int32
}

func (f *fakeStatsProvider) OutboxSnapshot(ctx context.Context) (*OutboxSnapshot, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.stats, nil
}

func TestCollectorUpdatesOutboxGauges(t *testing.T) {
	OutboxDepth.Reset()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	oldest := now.Add(-90 * time.Second)
	provider := &fakeStatsProvider{stats: &OutboxSnapshot{Pending: 4, Failed: 2, Published: 10, OldestDueAt: &oldest}}

	c := NewCollector(provider, 20*time.Millisecond)
	c.now = func() time.Time { return now }

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	c.Start(ctx)

	if n := provider.calls.Load(); n < 2 {
		t.Errorf("expected the immediate collection plus at least one tick, got %d", n)
	}
	if v := testutil.ToFloat64(OutboxDepth.WithLabelValues("PENDING")); v != 4 {
		t.Errorf("expected PENDING 4, got %v", v)
	}
	if v := testutil.ToFloat64(OutboxDepth.WithLabelValues("FAILED")); v != 2 {
		t.Errorf("expected FAILED 2, got %v", v)
	}
	if v := testutil.ToFloat64(OutboxOldestDueAge); v != 90 {
		t.Errorf("expected oldest due age 90s, got %v", v)
	}
}

func TestCollectorSurvivesErrorsAndStops(t *testing.T) {
	provider := &fakeStatsProvider{err: errors.New("db down")}
	c := NewCollector(provider, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	time.Sleep(35 * time.Millisecond)
	c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
	if provider.calls.Load() < 2 {
		t.Error("collector stopped polling after an error")
	}
}

func TestNewCollectorDefaultInterval(t *testing.T) {
	c := NewCollector(&fakeStatsProvider{stats: &OutboxSnapshot{}}, 0)
	if c.interval != 60*time.Second {
		t.Errorf("expected default interval of 60s, got %v", c.interval)
	}
}

func TestSetOutboxDepthWithoutDueEvents(t *testing.T) {
	OutboxOldestDueAge.Set(42)
	SetOutboxDepth(&OutboxSnapshot{Pending: 0}, time.Now())
	if v := testutil.ToFloat64(OutboxOldestDueAge); v != 0 {
		t.Errorf("expected age reset to 0, got %v", v)
	}
}
