// Package engine runs a message through its owner's rule chain.
//
// Enabled rules are applied in (priority, id) order. Each matching rule is
// executed in its own atomic step together with its execution bookkeeping; a
// step that loses a concurrency race is retried from scratch. Cancellation is
// observed only between rules, so a step is never abandoned half way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/metrics"
	"github.com/migadu/ruled/pkg/retry"
	"github.com/migadu/ruled/rules"
	"github.com/migadu/ruled/server/actions"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/migadu/ruled/server/engine"

// Per-rule outcomes besides the failure kinds of consts.ErrorKind.
const (
	OutcomeExecuted = "executed"
	OutcomeSkipped  = "skipped"
)

// RuleOutcome is what happened to one rule of the chain.
type RuleOutcome struct {
	RuleID  int64
	Type    rules.Type
	Matched bool
	Outcome string
	Err     error
}

// Report summarizes one ApplyRules call.
type Report struct {
	MessageID int64
	Matched   []int64
	Executed  []int64
	Outcomes  []RuleOutcome
	// StoppedBy is the terminal rule that ended the chain, executed or
	// failed, or 0.
	StoppedBy int64
	Cancelled bool
}

// Failures returns the outcomes of rules that matched but did not execute.
func (r *Report) Failures() []RuleOutcome {
	var out []RuleOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

type Options struct {
	MaxStepAttempts  int
	StepRetryBackoff time.Duration
	Tracer           trace.Tracer
}

type Engine struct {
	store    db.Store
	executor *actions.Executor
	opts     Options
	tracer   trace.Tracer
	now      func() time.Time
}

func New(store db.Store, executor *actions.Executor, opts Options) *Engine {
	if opts.MaxStepAttempts <= 0 {
		opts.MaxStepAttempts = 3
	}
	if opts.StepRetryBackoff <= 0 {
		opts.StepRetryBackoff = 20 * time.Millisecond
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Engine{store: store, executor: executor, opts: opts, tracer: tracer, now: time.Now}
}

// ApplyRules runs messageID through the enabled rules of its owner. Rule
// failures are recorded in the report. A failed rule stops the chain only when
// its type is terminal; the returned error is set only when the chain could
// not start or was cancelled.
func (e *Engine) ApplyRules(ctx context.Context, messageID int64) (*Report, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.ApplyRules", trace.WithAttributes(attribute.Int64("message.id", messageID)))
	defer span.End()

	report := &Report{MessageID: messageID}
	result := "completed"
	defer func() {
		metrics.RuleChains.WithLabelValues(result).Inc()
		metrics.RuleChainDuration.Observe(time.Since(start).Seconds())
	}()

	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("load message %d: %w", messageID, err)
	}
	chain, err := e.store.GetEnabledRules(ctx, msg.UserID)
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("load rules for user %d: %w", msg.UserID, err)
	}
	sortRules(chain)

	for _, rule := range chain {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			result = "cancelled"
			span.SetStatus(codes.Error, "cancelled")
			return report, fmt.Errorf("apply rules to message %d: %w", messageID, err)
		}

		matched := rules.EvaluateCondition(rule.Condition, msg.Facts())
		if matched {
			metrics.RuleEvaluations.WithLabelValues("matched").Inc()
		} else {
			metrics.RuleEvaluations.WithLabelValues("unmatched").Inc()
		}
		if !matched {
			report.Outcomes = append(report.Outcomes, RuleOutcome{RuleID: rule.ID, Type: rule.Type, Outcome: OutcomeSkipped})
			continue
		}
		report.Matched = append(report.Matched, rule.ID)

		updated, err := e.runStep(ctx, rule, messageID)
		outcome := RuleOutcome{RuleID: rule.ID, Type: rule.Type, Matched: true, Outcome: OutcomeExecuted}
		if err != nil {
			ruleErr := consts.NewRuleError(rule.ID, err)
			outcome.Outcome, outcome.Err = ruleErr.Kind, ruleErr
			report.Outcomes = append(report.Outcomes, outcome)
			logger.WarnContext(ctx, "Engine: rule failed", "rule_id", rule.ID, "rule_type", rule.Type,
				"message_id", messageID, "kind", ruleErr.Kind, "error", err)
			if rule.Terminal() {
				report.StoppedBy = rule.ID
				result = "stopped"
				logger.DebugContext(ctx, "Engine: failed terminal rule ended chain", "rule_id", rule.ID, "message_id", messageID)
				break
			}
			if errors.Is(err, consts.ErrMessageNotFound) {
				// The message is gone; no later rule can apply.
				result = "stopped"
				break
			}
			continue
		}
		report.Outcomes = append(report.Outcomes, outcome)
		report.Executed = append(report.Executed, rule.ID)
		msg = updated

		if rule.Terminal() {
			report.StoppedBy = rule.ID
			result = "stopped"
			logger.DebugContext(ctx, "Engine: terminal rule ended chain", "rule_id", rule.ID, "message_id", messageID)
			break
		}
	}

	span.SetAttributes(
		attribute.Int("rules.matched", len(report.Matched)),
		attribute.Int("rules.executed", len(report.Executed)),
	)
	return report, nil
}

// ApplyRule applies one rule to one message regardless of the rule's enabled
// state. The condition is still evaluated; a non-matching rule is skipped.
func (e *Engine) ApplyRule(ctx context.Context, ruleID, messageID int64) (*RuleOutcome, error) {
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if rule.UserID != msg.UserID {
		return nil, fmt.Errorf("rule %d and message %d belong to different users: %w", ruleID, messageID, consts.ErrNotPermitted)
	}

	outcome := &RuleOutcome{RuleID: rule.ID, Type: rule.Type, Outcome: OutcomeSkipped}
	if !rules.EvaluateCondition(rule.Condition, msg.Facts()) {
		return outcome, nil
	}
	outcome.Matched = true
	if _, err := e.runStep(ctx, rule, messageID); err != nil {
		ruleErr := consts.NewRuleError(rule.ID, err)
		outcome.Outcome, outcome.Err = ruleErr.Kind, ruleErr
		return outcome, nil
	}
	outcome.Outcome = OutcomeExecuted
	return outcome, nil
}

// TestCondition validates cond and evaluates it against a stored message.
// Nothing is written.
func (e *Engine) TestCondition(ctx context.Context, cond *rules.Condition, messageID int64) (bool, error) {
	if cond == nil {
		return false, fmt.Errorf("%w: condition is required", consts.ErrInvalidRuleDefinition)
	}
	if err := cond.Validate(); err != nil {
		return false, err
	}
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	return rules.EvaluateCondition(cond, msg.Facts()), nil
}

// runStep executes rule against the current state of the message in one
// atomic step, retrying on concurrent modification. It returns the message as
// the step left it.
func (e *Engine) runStep(ctx context.Context, rule *db.Rule, messageID int64) (*db.Message, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.RuleStep", trace.WithAttributes(
		attribute.Int64("rule.id", rule.ID),
		attribute.String("rule.type", string(rule.Type)),
	))
	defer span.End()

	ruleType := string(rule.Type)
	cfg := retry.BackoffConfig{
		InitialInterval: e.opts.StepRetryBackoff,
		MaxInterval:     e.opts.StepRetryBackoff * 8,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      e.opts.MaxStepAttempts - 1,
		OnRetry: func(attempt int, err error) {
			metrics.RuleStepRetries.WithLabelValues(ruleType).Inc()
			logger.DebugContext(ctx, "Engine: retrying rule step", "rule_id", rule.ID, "attempt", attempt, "error", err)
		},
	}

	var result *db.Message
	err := retry.WithRetry(ctx, func() error {
		result = nil
		err := e.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
			msg, err := tx.GetMessageForUpdate(ctx, messageID)
			if err != nil {
				return err
			}
			if msg.UserID != rule.UserID {
				return fmt.Errorf("rule %d does not belong to the owner of message %d: %w", rule.ID, messageID, consts.ErrNotPermitted)
			}
			if err := e.executor.Execute(ctx, tx, rule, msg); err != nil {
				return err
			}
			if err := tx.SaveRuleExecutionMeta(ctx, rule.ID, e.now().UTC()); err != nil {
				return err
			}
			result = msg
			return nil
		})
		if err != nil && !errors.Is(err, consts.ErrConcurrentModification) {
			return retry.Stop(err)
		}
		return err
	}, cfg)

	metrics.RuleStepDuration.WithLabelValues(ruleType).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := consts.ErrorKind(err)
		metrics.RuleExecutions.WithLabelValues(ruleType, kind).Inc()
		span.SetAttributes(attribute.String("outcome", kind))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.RuleExecutions.WithLabelValues(ruleType, OutcomeExecuted).Inc()
	span.SetAttributes(attribute.String("outcome", OutcomeExecuted))
	return result, nil
}

// sortRules orders the chain by (priority, id).
func sortRules(chain []*db.Rule) {
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].Priority != chain[j].Priority {
			return chain[i].Priority < chain[j].Priority
		}
		return chain[i].ID < chain[j].ID
	})
}
