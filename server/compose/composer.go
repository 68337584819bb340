// Package compose turns auto-reply and forward requests from the outbox into
// submitted mail. It is registered with the dispatcher as the "compose"
// broker; every request it acknowledges has been handed to the transport.
package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/ruled/config"
	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/events"
	"github.com/migadu/ruled/helpers"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/circuitbreaker"
	"github.com/migadu/ruled/pkg/metrics"
	"github.com/migadu/ruled/server/brokers"
	"github.com/migadu/ruled/server/outbox"
)

const BrokerName = "compose"

type Options struct {
	Hostname        string
	FromAddress     string
	AutoReplyWindow time.Duration

	BreakerThreshold   int
	BreakerTimeout     time.Duration
	BreakerMaxRequests int
}

type Composer struct {
	store     db.Store
	transport Transport
	breaker   *circuitbreaker.CircuitBreaker
	opts      Options
	now       func() time.Time
}

func New(store db.Store, transport Transport, opts Options) *Composer {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.AutoReplyWindow <= 0 {
		opts.AutoReplyWindow = 7 * 24 * time.Hour
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if opts.BreakerMaxRequests <= 0 {
		opts.BreakerMaxRequests = 1
	}
	return &Composer{
		store:     store,
		transport: transport,
		breaker:   circuitbreaker.New("compose-"+transport.Name(), opts.BreakerThreshold, opts.BreakerTimeout, opts.BreakerMaxRequests),
		opts:      opts,
		now:       time.Now,
	}
}

// NewFromConfig picks the transport named by cfg.
func NewFromConfig(ctx context.Context, store db.Store, cfg config.ComposeConfig) (*Composer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	window, err := cfg.GetAutoReplyWindow()
	if err != nil {
		return nil, fmt.Errorf("compose: invalid auto_reply_window: %w", err)
	}
	breakerTimeout, err := cfg.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, fmt.Errorf("compose: invalid circuit_breaker_timeout: %w", err)
	}

	var transport Transport
	if cfg.IsSES() {
		transport, err = NewSESTransport(ctx, cfg.SES)
		if err != nil {
			return nil, err
		}
	} else {
		transport = NewSMTPTransport(cfg)
	}
	return New(store, transport, Options{
		Hostname:           cfg.Hostname,
		FromAddress:        cfg.FromAddress,
		AutoReplyWindow:    window,
		BreakerThreshold:   cfg.CircuitBreakerThreshold,
		BreakerTimeout:     breakerTimeout,
		BreakerMaxRequests: cfg.CircuitBreakerMaxRequests,
	}), nil
}

func (c *Composer) Name() string { return BrokerName }

// Publish consumes one outbox envelope.
func (c *Composer) Publish(ctx context.Context, eventType string, payload []byte) error {
	var env outbox.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return brokers.Permanent(BrokerName, fmt.Errorf("decode envelope: %w", err))
	}

	var err error
	switch eventType {
	case consts.EventComposeAutoReplyRequested:
		var req events.AutoReplyRequested
		if err := events.Decode(eventType, env.Payload, &req); err != nil {
			return brokers.Permanent(BrokerName, err)
		}
		err = c.RequestAutoReply(ctx, env.IdempotencyKey, req)
	case consts.EventMessageForwardRequested:
		var req events.ForwardRequested
		if err := events.Decode(eventType, env.Payload, &req); err != nil {
			return brokers.Permanent(BrokerName, err)
		}
		err = c.RequestForward(ctx, env.IdempotencyKey, req)
	default:
		return brokers.Permanent(BrokerName, fmt.Errorf("unsupported event type %q", eventType))
	}
	if err == nil {
		return nil
	}
	if IsPermanentError(err) || consts.ErrorKind(err) == consts.KindResourceNotFound {
		return brokers.Permanent(BrokerName, err)
	}
	return brokers.Temporary(BrokerName, err)
}

// RequestAutoReply answers the sender of the original message unless a reply
// to that sender was recorded within the suppression window. key identifies
// the request across redeliveries: a failed send leaves the row keyed by it,
// so the redelivered event sends again instead of being suppressed.
func (c *Composer) RequestAutoReply(ctx context.Context, key string, req events.AutoReplyRequested) error {
	kind := strings.ToLower(req.Kind)
	user, err := c.store.GetUser(ctx, req.UserID)
	if err != nil {
		return err
	}
	sender := helpers.NormalizeAddress(req.Sender)
	if skip := skipReason(sender, user.Email); skip != "" {
		logger.InfoContext(ctx, "Compose: auto-reply skipped", "user_id", req.UserID, "sender", sender, "reason", skip)
		metrics.ComposeSubmissions.WithLabelValues(c.transport.Name(), kind, "skipped").Inc()
		return nil
	}

	window := c.opts.AutoReplyWindow
	if req.IntervalDays > 0 {
		window = time.Duration(req.IntervalDays) * 24 * time.Hour
	}
	now := c.now().UTC()
	ok, err := c.store.TryRecordAutoReply(ctx, req.UserID, sender, key, now, window)
	if err != nil {
		return err
	}
	if !ok {
		logger.DebugContext(ctx, "Compose: auto-reply suppressed", "user_id", req.UserID, "sender", sender, "window", window)
		metrics.ComposeSubmissions.WithLabelValues(c.transport.Name(), kind, "suppressed").Inc()
		return nil
	}

	from := req.From
	if from == "" {
		from = user.Email
	}
	raw, err := buildAutoReply(replyDraft{
		From:        from,
		To:          sender,
		Subject:     req.Subject,
		Body:        req.Body,
		InReplyTo:   strings.Trim(req.MessageIDHeader, "<>"),
		MessageID:   c.messageID(key, "reply"),
		Date:        now,
		OrigSubject: req.OriginalSubject,
	})
	if err != nil {
		return &SubmitError{Err: err, Permanent: true}
	}
	return c.send(ctx, kind, from, []string{sender}, raw)
}

// RequestForward sends a forward of the message to every target.
func (c *Composer) RequestForward(ctx context.Context, key string, req events.ForwardRequested) error {
	msg, err := c.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		return err
	}
	from := c.opts.FromAddress
	if from == "" {
		user, err := c.store.GetUser(ctx, msg.UserID)
		if err != nil {
			return err
		}
		from = user.Email
	}
	raw, err := buildForward(forwardDraft{
		From:      from,
		To:        req.Targets,
		Original:  msg,
		MessageID: c.messageID(key, "fwd"),
		Date:      c.now().UTC(),
	})
	if err != nil {
		return &SubmitError{Err: err, Permanent: true}
	}
	return c.send(ctx, "forward", from, req.Targets, raw)
}

func (c *Composer) send(ctx context.Context, kind, from string, to []string, raw []byte) error {
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		return c.transport.Send(ctx, from, to, raw)
	})
	switch {
	case err == nil:
		metrics.ComposeSubmissions.WithLabelValues(c.transport.Name(), kind, "sent").Inc()
		logger.InfoContext(ctx, "Compose: message submitted", "kind", kind, "transport", c.transport.Name(), "recipients", len(to))
		return nil
	case circuitbreaker.IsOpen(err):
		metrics.ComposeSubmissions.WithLabelValues(c.transport.Name(), kind, "circuit_breaker_open").Inc()
		logger.WarnContext(ctx, "Compose: circuit breaker is OPEN - skipping submission", "transport", c.transport.Name())
		return fmt.Errorf("compose circuit breaker is open: %w", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		metrics.ComposeSubmissions.WithLabelValues(c.transport.Name(), kind, "failure").Inc()
		return err
	}
}

// messageID derives a stable Message-ID from the event key so that receivers
// can drop redelivered copies.
func (c *Composer) messageID(key, kind string) string {
	if key == "" {
		return fmt.Sprintf("%d.%s@%s", c.now().UnixNano(), kind, c.opts.Hostname)
	}
	if len(key) > 32 {
		key = key[:32]
	}
	return fmt.Sprintf("%s.%s@%s", key, kind, c.opts.Hostname)
}

var automatedLocalParts = []string{"mailer-daemon", "postmaster", "noreply", "no-reply", "do-not-reply", "donotreply"}

// skipReason returns why no auto-reply should go to sender, or "".
func skipReason(sender, owner string) string {
	if !helpers.ValidAddress(sender) {
		return "invalid sender"
	}
	if strings.EqualFold(sender, helpers.NormalizeAddress(owner)) {
		return "own address"
	}
	local, _ := helpers.SplitEmailAddress(sender)
	for _, p := range automatedLocalParts {
		if local == p || strings.HasPrefix(local, p+"+") {
			return "automated sender"
		}
	}
	return ""
}
