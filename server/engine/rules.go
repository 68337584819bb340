package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/rules"
)

const maxRuleNameLength = 255

// Draft is a rule as submitted by an operator or an import file. Condition
// and Action hold the JSON documents of the rule body.
type Draft struct {
	UserID      int64           `json:"userId" yaml:"-"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string          `json:"type" yaml:"type"`
	Condition   json.RawMessage `json:"condition" yaml:"-"`
	Action      json.RawMessage `json:"action,omitempty" yaml:"-"`
	Enabled     bool            `json:"enabled" yaml:"enabled"`
	Priority    int             `json:"priority" yaml:"priority"`
}

// Rule parses and validates d into a rule ready to be stored.
func (d *Draft) Rule() (*db.Rule, error) {
	def, err := rules.ParseDefinition(d.Type, d.Condition, d.Action)
	if err != nil {
		return nil, err
	}
	r := &db.Rule{
		UserID:      d.UserID,
		Name:        strings.TrimSpace(d.Name),
		Description: d.Description,
		Type:        def.Type,
		Condition:   def.Condition,
		Action:      def.Action,
		Enabled:     d.Enabled,
		Priority:    d.Priority,
	}
	if err := validateMeta(r); err != nil {
		return nil, err
	}
	return r, nil
}

func validateMeta(r *db.Rule) error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: name is required", consts.ErrInvalidRuleDefinition)
	case len(r.Name) > maxRuleNameLength:
		return fmt.Errorf("%w: name longer than %d bytes", consts.ErrInvalidRuleDefinition, maxRuleNameLength)
	case r.Priority < 0:
		return fmt.Errorf("%w: priority must not be negative", consts.ErrInvalidRuleDefinition)
	}
	return nil
}

// CreateRule validates rule and stores it for its user.
func (e *Engine) CreateRule(ctx context.Context, rule *db.Rule) (*db.Rule, error) {
	rule.Name = strings.TrimSpace(rule.Name)
	if err := validateMeta(rule); err != nil {
		return nil, err
	}
	if err := rule.Definition().Validate(); err != nil {
		return nil, err
	}
	if _, err := e.store.GetUser(ctx, rule.UserID); err != nil {
		return nil, err
	}
	if _, err := e.store.InsertRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule %q: %w", rule.Name, err)
	}
	logger.InfoContext(ctx, "Engine: rule created", "rule_id", rule.ID, "user_id", rule.UserID, "rule_type", rule.Type)
	return rule, nil
}

// UpdateRule writes rule when rule.Version still matches the stored version.
// A stale version fails with consts.ErrConcurrentModification; a rule owned
// by another user than rule.UserID fails with consts.ErrNotPermitted.
func (e *Engine) UpdateRule(ctx context.Context, rule *db.Rule) error {
	rule.Name = strings.TrimSpace(rule.Name)
	if err := validateMeta(rule); err != nil {
		return err
	}
	if err := rule.Definition().Validate(); err != nil {
		return err
	}
	if _, err := e.GetRule(ctx, rule.UserID, rule.ID); err != nil {
		return err
	}
	if err := e.store.UpdateRule(ctx, rule); err != nil {
		return err
	}
	logger.InfoContext(ctx, "Engine: rule updated", "rule_id", rule.ID, "version", rule.Version)
	return nil
}

func (e *Engine) EnableRule(ctx context.Context, userID, id int64) error {
	if _, err := e.GetRule(ctx, userID, id); err != nil {
		return err
	}
	return e.store.SetRuleEnabled(ctx, id, true)
}

func (e *Engine) DisableRule(ctx context.Context, userID, id int64) error {
	if _, err := e.GetRule(ctx, userID, id); err != nil {
		return err
	}
	return e.store.SetRuleEnabled(ctx, id, false)
}

func (e *Engine) DeleteRule(ctx context.Context, userID, id int64) error {
	if _, err := e.GetRule(ctx, userID, id); err != nil {
		return err
	}
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	logger.InfoContext(ctx, "Engine: rule deleted", "rule_id", id, "user_id", userID)
	return nil
}

// UpdatePriority moves a rule within its user's chain.
func (e *Engine) UpdatePriority(ctx context.Context, userID, id int64, priority int) error {
	if priority < 0 {
		return fmt.Errorf("%w: priority must not be negative", consts.ErrInvalidRuleDefinition)
	}
	if _, err := e.GetRule(ctx, userID, id); err != nil {
		return err
	}
	return e.store.SetRulePriority(ctx, id, priority)
}

// GetRule returns rule id when it belongs to userID.
func (e *Engine) GetRule(ctx context.Context, userID, id int64) (*db.Rule, error) {
	rule, err := e.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.UserID != userID {
		return nil, fmt.Errorf("rule %d does not belong to user %d: %w", id, userID, consts.ErrNotPermitted)
	}
	return rule, nil
}

// ListRules returns the rules matching filter in chain order.
func (e *Engine) ListRules(ctx context.Context, filter db.RuleFilter) ([]*db.Rule, error) {
	list, err := e.store.ListRules(ctx, filter)
	if err != nil {
		return nil, err
	}
	if filter.UserID != 0 {
		sortRules(list)
	}
	return list, nil
}
