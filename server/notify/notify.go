// Package notify delivers user notifications (quota warnings and the like).
// Delivery is fire-and-forget: Notify never blocks on I/O and never fails
// the caller.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/metrics"
	"github.com/migadu/ruled/server/brokers"
)

// Notifier is the notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, userID int64, notificationType string, payload map[string]any)
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, userID int64, notificationType string, payload map[string]any) {
	logger.InfoContext(ctx, "Notify: notification", "user_id", userID, "type", notificationType, "payload", payload)
	metrics.Notifications.WithLabelValues(notificationType, "logged").Inc()
}

// Notification is the body published by BrokerNotifier.
type Notification struct {
	UserID  int64          `json:"userId"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	SentAt  time.Time      `json:"sentAt"`
}

// BrokerNotifier publishes a UserNotification event straight to a broker,
// bypassing the outbox. Each publish runs in its own goroutine bounded by
// timeout.
type BrokerNotifier struct {
	broker  brokers.Broker
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewBrokerNotifier(broker brokers.Broker, timeout time.Duration) *BrokerNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BrokerNotifier{broker: broker, timeout: timeout}
}

func (n *BrokerNotifier) Notify(ctx context.Context, userID int64, notificationType string, payload map[string]any) {
	body, err := json.Marshal(Notification{UserID: userID, Type: notificationType, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		logger.Warn("Notify: failed to encode notification", "user_id", userID, "type", notificationType, "error", err)
		metrics.Notifications.WithLabelValues(notificationType, "error").Inc()
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()

		if err := n.broker.Publish(pubCtx, consts.EventUserNotification, body); err != nil {
			logger.Warn("Notify: publish failed", "user_id", userID, "type", notificationType,
				"broker", n.broker.Name(), "error", err)
			metrics.Notifications.WithLabelValues(notificationType, "error").Inc()
			return
		}
		metrics.Notifications.WithLabelValues(notificationType, "sent").Inc()
	}()
}

// Wait blocks until in-flight notifications finish.
func (n *BrokerNotifier) Wait() {
	n.wg.Wait()
}

// Recorder keeps notifications in memory. The ops API and tests use it to
// inspect what was sent.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, userID int64, notificationType string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Notification{UserID: userID, Type: notificationType, Payload: payload, SentAt: time.Now().UTC()})
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}
