package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/logger"
)

const ruleColumns = `id, user_id, name, description, type, condition_json, action_json, enabled,
	priority, execution_count, last_executed_at, version, created_at, updated_at`

func scanRule(row pgx.Row) (*Rule, error) {
	var r Rule
	var ruleType, condition, action string
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.Description, &ruleType, &condition, &action,
		&r.Enabled, &r.Priority, &r.ExecutionCount, &r.LastExecutedAt, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := DecodeRuleBody(&r, ruleType, condition, action); err != nil {
		return nil, fmt.Errorf("rule %d: %w", r.ID, err)
	}
	return &r, nil
}

func (db *Database) queryRules(ctx context.Context, operation, sql string, args ...any) ([]*Rule, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	rows, err := db.timedQuery(ctx, operation, sql, args...)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	var result []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			// A row that no longer parses cannot be evaluated; leave it out of
			// the chain instead of failing every message of the user.
			logger.Warn("Database: skipping unreadable rule", "error", err)
			continue
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetEnabledRules returns the user's enabled rules in chain order.
func (db *Database) GetEnabledRules(ctx context.Context, userID int64) ([]*Rule, error) {
	return db.queryRules(ctx, "get_enabled_rules",
		`SELECT `+ruleColumns+` FROM rules WHERE user_id = $1 AND enabled ORDER BY priority, id`, userID)
}

func (db *Database) ListRules(ctx context.Context, filter RuleFilter) ([]*Rule, error) {
	var where []string
	var args []any
	if filter.UserID != 0 {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.EnabledOnly {
		where = append(where, "enabled")
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	sql := `SELECT ` + ruleColumns + ` FROM rules`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY user_id, priority, id"
	return db.queryRules(ctx, "list_rules", sql, args...)
}

func (db *Database) GetRule(ctx context.Context, id int64) (*Rule, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	r, err := scanRule(db.timedQueryRow(ctx, "get_rule", `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrRuleNotFound, "rule %d", id)
	}
	return r, nil
}

// InsertRule validates and stores rule, filling in its id, version and
// timestamps.
func (db *Database) InsertRule(ctx context.Context, rule *Rule) (int64, error) {
	condition, action, err := EncodeRuleBody(rule)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	err = db.writeQueryRow(ctx, "insert_rule",
		`INSERT INTO rules (user_id, name, description, type, condition_json, action_json, enabled, priority, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 RETURNING id`,
		rule.UserID, rule.Name, rule.Description, string(rule.Type), condition, action, rule.Enabled, rule.Priority, now,
	).Scan(&rule.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", consts.ErrDBInsertFailed, classifyError(err))
	}
	rule.Version = 1
	rule.CreatedAt, rule.UpdatedAt = now, now
	return rule.ID, nil
}

func (db *Database) UpdateRule(ctx context.Context, rule *Rule) error {
	condition, action, err := EncodeRuleBody(rule)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	n, err := db.timedExec(ctx, "update_rule",
		`UPDATE rules SET name = $1, description = $2, type = $3, condition_json = $4, action_json = $5,
		        enabled = $6, priority = $7, updated_at = $8, version = version + 1
		 WHERE id = $9 AND version = $10`,
		rule.Name, rule.Description, string(rule.Type), condition, action, rule.Enabled, rule.Priority, now,
		rule.ID, rule.Version)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.versionConflict(ctx, "rules", rule.ID, consts.ErrRuleNotFound)
	}
	rule.Version++
	rule.UpdatedAt = now
	return nil
}

func (db *Database) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	return db.updateRuleField(ctx, "set_rule_enabled", id, "enabled", enabled)
}

func (db *Database) SetRulePriority(ctx context.Context, id int64, priority int) error {
	return db.updateRuleField(ctx, "set_rule_priority", id, "priority", priority)
}

func (db *Database) updateRuleField(ctx context.Context, operation string, id int64, column string, value any) error {
	n, err := db.timedExec(ctx, operation,
		`UPDATE rules SET `+column+` = $1, updated_at = now(), version = version + 1 WHERE id = $2`, value, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("rule %d: %w", id, consts.ErrRuleNotFound)
	}
	return nil
}

func (db *Database) DeleteRule(ctx context.Context, id int64) error {
	n, err := db.timedExec(ctx, "delete_rule", `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("rule %d: %w", id, consts.ErrRuleNotFound)
	}
	return nil
}

// versionConflict tells a stale version apart from a missing row after a
// CAS update matched nothing.
func (db *Database) versionConflict(ctx context.Context, table string, id int64, missing error) error {
	var exists bool
	if err := db.WritePool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classifyError(err)
	}
	if !exists {
		return fmt.Errorf("%s %d: %w", strings.TrimSuffix(table, "s"), id, missing)
	}
	return fmt.Errorf("%s %d: %w", strings.TrimSuffix(table, "s"), id, consts.ErrConcurrentModification)
}
