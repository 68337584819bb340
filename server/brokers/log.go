package brokers

import (
	"context"

	"github.com/migadu/ruled/logger"
)

// LogBroker writes events to the process log. It never fails.
type LogBroker struct{}

func NewLogBroker() *LogBroker { return &LogBroker{} }

func (b *LogBroker) Name() string { return "log" }

func (b *LogBroker) Publish(ctx context.Context, eventType string, payload []byte) error {
	logger.InfoContext(ctx, "Broker: event", "event_type", eventType, "payload", string(payload))
	return nil
}
