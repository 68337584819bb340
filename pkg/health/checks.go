package health

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/ruled/pkg/circuitbreaker"
	"github.com/migadu/ruled/pkg/metrics"
)

// Pinger is satisfied by the storage backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck pings the store. A store that cannot be reached stops all rule
// processing, so the check is critical.
func StoreCheck(store Pinger) *HealthCheck {
	return &HealthCheck{
		Name:     "store",
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: true,
		Check:    store.Ping,
	}
}

// OutboxCheck fails when the oldest due event has waited longer than maxAge,
// which means the dispatcher is stuck or every broker is refusing events.
func OutboxCheck(provider metrics.StatsProvider, maxAge time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     "outbox",
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Check: func(ctx context.Context) error {
			snap, err := provider.OutboxSnapshot(ctx)
			if err != nil {
				return err
			}
			if snap.OldestDueAt != nil {
				if age := time.Since(*snap.OldestDueAt); age > maxAge {
					return fmt.Errorf("oldest due event waiting for %s (%d pending)", age.Round(time.Second), snap.Pending)
				}
			}
			return nil
		},
	}
}

// BreakerCheck reports a broker as failing while its circuit is open.
func BreakerCheck(name string, breaker *circuitbreaker.CircuitBreaker) *HealthCheck {
	return &HealthCheck{
		Name:     "broker:" + name,
		Interval: 10 * time.Second,
		Timeout:  time.Second,
		Check: func(ctx context.Context) error {
			switch breaker.State() {
			case circuitbreaker.StateOpen:
				return fmt.Errorf("circuit %s is open", breaker.Name())
			case circuitbreaker.StateHalfOpen:
				return fmt.Errorf("circuit %s is half-open", breaker.Name())
			}
			return nil
		},
	}
}
