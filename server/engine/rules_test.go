package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/rules"
	"github.com/migadu/ruled/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labelDraft(userID int64) *Draft {
	return &Draft{
		UserID:    userID,
		Name:      "tag invoices",
		Type:      string(rules.TypeLabel),
		Condition: json.RawMessage(`{"field":"subject","operator":"contains","value":"invoice"}`),
		Action:    json.RawMessage(`{"label":"finance"}`),
		Enabled:   true,
	}
}

func enabledIDs(t *testing.T, store db.Store, userID int64) []int64 {
	t.Helper()
	list, err := store.GetEnabledRules(context.Background(), userID)
	require.NoError(t, err)
	ids := make([]int64, 0, len(list))
	for _, r := range list {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestRuleManagement(t *testing.T) {
	ctx := context.Background()

	t.Run("create rejections", func(t *testing.T) {
		acct, store := seed(t)
		eng := newEngine(store, false, Options{})

		tests := []struct {
			name   string
			mutate func(d *Draft)
			want   error
		}{
			{"empty name", func(d *Draft) { d.Name = "   " }, consts.ErrInvalidRuleDefinition},
			{"name too long", func(d *Draft) { d.Name = strings.Repeat("n", maxRuleNameLength+1) }, consts.ErrInvalidRuleDefinition},
			{"negative priority", func(d *Draft) { d.Priority = -1 }, consts.ErrInvalidRuleDefinition},
			{"malformed condition", func(d *Draft) { d.Condition = json.RawMessage(`{"field":`) }, consts.ErrInvalidRuleDefinition},
			{"unknown field", func(d *Draft) { d.Condition = json.RawMessage(`{"field":"colour","operator":"equals","value":"red"}`) }, consts.ErrInvalidRuleDefinition},
			{"missing label", func(d *Draft) { d.Action = json.RawMessage(`{}`) }, consts.ErrInvalidRuleDefinition},
			{"unknown user", func(d *Draft) { d.UserID = acct.User.ID + 1000 }, consts.ErrUserNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				d := labelDraft(acct.User.ID)
				tt.mutate(d)
				rule, err := d.Rule()
				if err == nil {
					_, err = eng.CreateRule(ctx, rule)
				}
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.want)
			})
		}
		assert.Empty(t, enabledIDs(t, store, acct.User.ID))
	})

	t.Run("create at name limit", func(t *testing.T) {
		acct, store := seed(t)
		d := labelDraft(acct.User.ID)
		d.Name = strings.Repeat("n", maxRuleNameLength)
		rule, err := d.Rule()
		require.NoError(t, err)
		created, err := newEngine(store, false, Options{}).CreateRule(ctx, rule)
		require.NoError(t, err)
		assert.NotZero(t, created.ID)
		assert.Equal(t, int64(1), created.Version)
	})

	t.Run("stale update", func(t *testing.T) {
		acct, store := seed(t)
		eng := newEngine(store, false, Options{})
		rule, err := labelDraft(acct.User.ID).Rule()
		require.NoError(t, err)
		_, err = eng.CreateRule(ctx, rule)
		require.NoError(t, err)

		first, err := eng.GetRule(ctx, acct.User.ID, rule.ID)
		require.NoError(t, err)
		second, err := eng.GetRule(ctx, acct.User.ID, rule.ID)
		require.NoError(t, err)

		first.Name = "renamed"
		require.NoError(t, eng.UpdateRule(ctx, first))
		assert.Equal(t, int64(2), first.Version)

		second.Name = "lost update"
		err = eng.UpdateRule(ctx, second)
		assert.ErrorIs(t, err, consts.ErrConcurrentModification)

		stored, err := store.GetRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", stored.Name)
		assert.Equal(t, int64(2), stored.Version)
	})

	t.Run("enable disable round trip", func(t *testing.T) {
		acct, store := seed(t)
		eng := newEngine(store, false, Options{})
		rule, err := labelDraft(acct.User.ID).Rule()
		require.NoError(t, err)
		_, err = eng.CreateRule(ctx, rule)
		require.NoError(t, err)
		assert.Equal(t, []int64{rule.ID}, enabledIDs(t, store, acct.User.ID))

		require.NoError(t, eng.DisableRule(ctx, acct.User.ID, rule.ID))
		assert.Empty(t, enabledIDs(t, store, acct.User.ID))

		require.NoError(t, eng.EnableRule(ctx, acct.User.ID, rule.ID))
		assert.Equal(t, []int64{rule.ID}, enabledIDs(t, store, acct.User.ID))
	})

	t.Run("priority and delete", func(t *testing.T) {
		acct, store := seed(t)
		eng := newEngine(store, false, Options{})
		a := addRule(t, store, acct.User.ID, 1, rules.TypeLabel, always(), &rules.Action{Label: "a"})
		b := addRule(t, store, acct.User.ID, 2, rules.TypeLabel, always(), &rules.Action{Label: "b"})

		err := eng.UpdatePriority(ctx, acct.User.ID, a.ID, -5)
		assert.ErrorIs(t, err, consts.ErrInvalidRuleDefinition)

		require.NoError(t, eng.UpdatePriority(ctx, acct.User.ID, a.ID, 3))
		assert.Equal(t, []int64{b.ID, a.ID}, enabledIDs(t, store, acct.User.ID))

		require.NoError(t, eng.DeleteRule(ctx, acct.User.ID, b.ID))
		assert.Equal(t, []int64{a.ID}, enabledIDs(t, store, acct.User.ID))
		_, err = eng.GetRule(ctx, acct.User.ID, b.ID)
		assert.ErrorIs(t, err, consts.ErrRuleNotFound)
	})

	t.Run("other user's rule", func(t *testing.T) {
		acct, store := seed(t)
		other := testutils.SeedAccount(t, store, "other@example.com", 1_000_000)
		eng := newEngine(store, false, Options{})
		rule := addRule(t, store, acct.User.ID, 1, rules.TypeLabel, always(), &rules.Action{Label: "a"})

		ops := []struct {
			name string
			call func() error
		}{
			{"get", func() error { _, err := eng.GetRule(ctx, other.User.ID, rule.ID); return err }},
			{"enable", func() error { return eng.EnableRule(ctx, other.User.ID, rule.ID) }},
			{"disable", func() error { return eng.DisableRule(ctx, other.User.ID, rule.ID) }},
			{"priority", func() error { return eng.UpdatePriority(ctx, other.User.ID, rule.ID, 9) }},
			{"delete", func() error { return eng.DeleteRule(ctx, other.User.ID, rule.ID) }},
			{"update", func() error {
				stolen := *rule
				stolen.UserID = other.User.ID
				stolen.Name = "mine now"
				return eng.UpdateRule(ctx, &stolen)
			}},
		}
		for _, op := range ops {
			t.Run(op.name, func(t *testing.T) {
				assert.ErrorIs(t, op.call(), consts.ErrNotPermitted)
			})
		}

		stored, err := store.GetRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, acct.User.ID, stored.UserID)
		assert.True(t, stored.Enabled)
		assert.Equal(t, 1, stored.Priority)
		assert.Equal(t, rule.Name, stored.Name)
	})
}
