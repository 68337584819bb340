package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/logger"
)

const ruleColumns = `id, user_id, name, description, type, condition_json, action_json, enabled,
	priority, execution_count, last_executed_at, version, created_at, updated_at`

func scanRule(row rowScanner) (*db.Rule, error) {
	var r db.Rule
	var ruleType, condition, action string
	var lastExecuted sql.NullInt64
	var created, updated int64
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.Description, &ruleType, &condition, &action,
		&r.Enabled, &r.Priority, &r.ExecutionCount, &lastExecuted, &r.Version, &created, &updated); err != nil {
		return nil, err
	}
	r.LastExecutedAt = nullTime(lastExecuted)
	r.CreatedAt, r.UpdatedAt = fromNanos(created), fromNanos(updated)
	if err := db.DecodeRuleBody(&r, ruleType, condition, action); err != nil {
		return nil, fmt.Errorf("rule %d: %w", r.ID, err)
	}
	return &r, nil
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]*db.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	var result []*db.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			logger.Warn("Database: skipping unreadable rule", "error", err)
			continue
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) GetEnabledRules(ctx context.Context, userID int64) ([]*db.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE user_id = ? AND enabled = 1 ORDER BY priority, id`, userID)
}

func (s *Store) ListRules(ctx context.Context, filter db.RuleFilter) ([]*db.Rule, error) {
	var where []string
	var args []any
	if filter.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.EnabledOnly {
		where = append(where, "enabled = 1")
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	query := `SELECT ` + ruleColumns + ` FROM rules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return s.queryRules(ctx, query+" ORDER BY user_id, priority, id", args...)
}

func (s *Store) GetRule(ctx context.Context, id int64) (*db.Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, consts.ErrRuleNotFound, "rule %d", id)
	}
	return r, nil
}

func (s *Store) InsertRule(ctx context.Context, rule *db.Rule) (int64, error) {
	condition, action, err := db.EncodeRuleBody(rule)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO rules (user_id, name, description, type, condition_json, action_json, enabled, priority, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		rule.UserID, rule.Name, rule.Description, string(rule.Type), condition, action, rule.Enabled, rule.Priority,
		toNanos(now), toNanos(now),
	).Scan(&rule.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", consts.ErrDBInsertFailed, classifyError(err))
	}
	rule.Version = 1
	rule.CreatedAt, rule.UpdatedAt = now, now
	return rule.ID, nil
}

func (s *Store) UpdateRule(ctx context.Context, rule *db.Rule) error {
	condition, action, err := db.EncodeRuleBody(rule)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET name = ?, description = ?, type = ?, condition_json = ?, action_json = ?,
		        enabled = ?, priority = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		rule.Name, rule.Description, string(rule.Type), condition, action, rule.Enabled, rule.Priority, toNanos(now),
		rule.ID, rule.Version)
	if err != nil {
		return classifyError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return versionConflict(ctx, s.db, "rules", rule.ID, consts.ErrRuleNotFound)
	}
	rule.Version++
	rule.UpdatedAt = now
	return nil
}

func (s *Store) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.updateRuleField(ctx, id, "enabled", enabled)
}

func (s *Store) SetRulePriority(ctx context.Context, id int64, priority int) error {
	return s.updateRuleField(ctx, id, "priority", priority)
}

func (s *Store) updateRuleField(ctx context.Context, id int64, column string, value any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET `+column+` = ?, updated_at = ?, version = version + 1 WHERE id = ?`,
		value, toNanos(time.Now()), id)
	if err != nil {
		return classifyError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %d: %w", id, consts.ErrRuleNotFound)
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return classifyError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %d: %w", id, consts.ErrRuleNotFound)
	}
	return nil
}

func versionConflict(ctx context.Context, q queryer, table string, id int64, missing error) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = ?)`, id).Scan(&exists); err != nil {
		return classifyError(err)
	}
	name := strings.TrimSuffix(table, "s")
	if !exists {
		return fmt.Errorf("%s %d: %w", name, id, missing)
	}
	return fmt.Errorf("%s %d: %w", name, id, consts.ErrConcurrentModification)
}
