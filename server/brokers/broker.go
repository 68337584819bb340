// Package brokers holds the outbound event sinks the outbox dispatcher
// publishes to, and the router that maps event types onto them.
package brokers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/migadu/ruled/consts"
)

// Broker accepts a serialized event. A nil error is an acknowledgement.
type Broker interface {
	Name() string
	Publish(ctx context.Context, eventType string, payload []byte) error
}

// PublishError wraps a broker failure. Permanent failures (rejected payloads,
// missing buckets) are not retried by the dispatcher.
type PublishError struct {
	Broker    string
	Err       error
	Permanent bool
}

func (e *PublishError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("%s: permanent failure: %v", e.Broker, e.Err)
	}
	return fmt.Sprintf("%s: temporary failure: %v", e.Broker, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{e.Err, consts.ErrPublishFailure} }

// Temporary wraps err as a retryable publish failure.
func Temporary(broker string, err error) error {
	return &PublishError{Broker: broker, Err: err}
}

// Permanent wraps err as a publish failure retrying cannot fix.
func Permanent(broker string, err error) error {
	return &PublishError{Broker: broker, Err: err, Permanent: true}
}

// IsPermanentError reports whether err carries a permanent PublishError.
func IsPermanentError(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe) && pe.Permanent
}

// Router maps event types to brokers. The "*" route applies to event types
// without a route of their own.
type Router struct {
	brokers map[string]Broker
	routes  map[string][]Broker
}

// Wildcard is the fallback route key.
const Wildcard = "*"

// NewRouter resolves routes (event type -> broker names) against the
// registered brokers. Unknown broker names are an error.
func NewRouter(registered []Broker, routes map[string][]string) (*Router, error) {
	r := &Router{brokers: make(map[string]Broker), routes: make(map[string][]Broker)}
	for _, b := range registered {
		r.brokers[b.Name()] = b
	}
	for eventType, names := range routes {
		for _, name := range names {
			b, ok := r.brokers[strings.TrimSpace(name)]
			if !ok {
				return nil, fmt.Errorf("route %q: broker %q is not enabled", eventType, name)
			}
			r.routes[eventType] = append(r.routes[eventType], b)
		}
	}
	return r, nil
}

// Targets returns the brokers an event type is delivered to.
func (r *Router) Targets(eventType string) []Broker {
	if targets, ok := r.routes[eventType]; ok {
		return targets
	}
	return r.routes[Wildcard]
}

// Names lists the registered broker names, sorted.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.brokers))
	for name := range r.brokers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Name() string { return "router" }

// Publish delivers to every target of eventType. All targets are attempted;
// the joined error reports the ones that failed.
func (r *Router) Publish(ctx context.Context, eventType string, payload []byte) error {
	targets := r.Targets(eventType)
	if len(targets) == 0 {
		return Permanent(r.Name(), fmt.Errorf("no route for event type %q", eventType))
	}
	var errs []error
	for _, b := range targets {
		if err := b.Publish(ctx, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
