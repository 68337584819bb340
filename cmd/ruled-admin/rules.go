package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/rules"
	"github.com/migadu/ruled/server/engine"
	"gopkg.in/yaml.v3"
)

func printRulesUsage(out io.Writer) {
	fmt.Fprint(out, `Rule Management

Usage:
  ruled-admin rules <subcommand> [options]

Subcommands:
  list       List a user's rules in chain order
  import     Create rules from a YAML file
  validate   Check a YAML rule file without storing anything
  enable     Enable a rule (--id)
  disable    Disable a rule (--id)
  priority   Move a rule within its chain (--id, --priority)
  delete     Delete a rule (--id)

Rule files look like:

  user: owner@example.com
  rules:
    - name: invoices
      type: MOVE_TO_FOLDER
      enabled: true
      priority: 10
      condition: {field: subject, operator: contains, value: invoice}
      action: {mailbox: Archive}

Examples:
  ruled-admin rules list --user owner@example.com
  ruled-admin rules import --file rules.yaml
  ruled-admin rules disable --id 42
`)
}

func handleRulesCommand(ctx context.Context, args []string, out io.Writer) error {
	sub, rest, err := subcommand(args, out, printRulesUsage)
	if err != nil {
		return err
	}
	switch sub {
	case "list":
		return handleRulesList(ctx, rest, out)
	case "import":
		return handleRulesImport(ctx, rest, out, false)
	case "validate":
		return handleRulesImport(ctx, rest, out, true)
	case "enable", "disable", "delete", "priority":
		return handleRuleUpdate(ctx, sub, rest, out)
	default:
		return unknownSubcommand(out, "rules", sub, printRulesUsage)
	}
}

func handleRulesList(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("rules list", out, `List a user's rules

Usage:
  ruled-admin rules list --user <email|id> [--enabled] [--type TYPE]
`)
	common := addCommonFlags(fs)
	user := fs.String("user", "", "User email address or numeric id (required)")
	enabledOnly := fs.Bool("enabled", false, "Only list enabled rules")
	ruleType := fs.String("type", "", "Only list rules of this type")
	if err := parse(fs, args, 0); err != nil {
		return err
	}
	if *user == "" {
		fs.Usage()
		return errUsage
	}

	svc, closeFn, err := common.openServices(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	u, err := resolveUser(ctx, svc.Store, *user)
	if err != nil {
		return err
	}
	filter := db.RuleFilter{UserID: u.ID, EnabledOnly: *enabledOnly}
	if *ruleType != "" {
		if filter.Type, err = rules.ParseType(*ruleType); err != nil {
			return err
		}
	}
	list, err := svc.Engine.ListRules(ctx, filter)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintf(out, "No rules for %s.\n", u.Email)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRIORITY\tTYPE\tENABLED\tEXECUTED\tNAME")
	for _, r := range list {
		fmt.Fprintf(w, "%d\t%d\t%s\t%t\t%d\t%s\n", r.ID, r.Priority, r.Type, r.Enabled, r.ExecutionCount, r.Name)
	}
	return w.Flush()
}

// ruleFile is the YAML layout accepted by import and validate.
type ruleFile struct {
	User  string      `yaml:"user"`
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	engine.Draft `yaml:",inline"`
	Condition    *rules.Condition `yaml:"condition"`
	Action       *rules.Action    `yaml:"action"`
}

// draft renders the entry's body as JSON so it goes through the same parser
// as rules submitted over the API.
func (e *ruleEntry) draft(userID int64) (*engine.Draft, error) {
	d := e.Draft
	d.UserID = userID
	if e.Condition == nil {
		return nil, fmt.Errorf("%w: condition is required", consts.ErrInvalidRuleDefinition)
	}
	cond, err := rules.MarshalCondition(e.Condition)
	if err != nil {
		return nil, err
	}
	d.Condition = cond
	if e.Action != nil {
		if d.Action, err = rules.MarshalAction(e.Action); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func readRuleFile(path string) (*ruleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("%s contains no rules", path)
	}
	return &f, nil
}

func handleRulesImport(ctx context.Context, args []string, out io.Writer, dryRun bool) error {
	name := "import"
	if dryRun {
		name = "validate"
	}
	fs := newFlagSet("rules "+name, out, fmt.Sprintf(`Create rules from a YAML file

Usage:
  ruled-admin rules %s --file rules.yaml [--user <email|id>]

The --user flag overrides the file's user key.
`, name))
	common := addCommonFlags(fs)
	file := fs.String("file", "", "YAML rule file (required)")
	user := fs.String("user", "", "User email address or numeric id")
	if err := parse(fs, args, 0); err != nil {
		return err
	}
	if *file == "" {
		fs.Usage()
		return errUsage
	}

	rf, err := readRuleFile(*file)
	if err != nil {
		return err
	}
	if *user != "" {
		rf.User = *user
	}

	if dryRun {
		var failed int
		for i := range rf.Rules {
			if _, err := validateEntry(&rf.Rules[i], 0); err != nil {
				failed++
				fmt.Fprintf(out, "rule %d (%s): %v\n", i+1, rf.Rules[i].Name, err)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d rules are invalid", failed, len(rf.Rules))
		}
		fmt.Fprintf(out, "%d rules are valid.\n", len(rf.Rules))
		return nil
	}

	if rf.User == "" {
		return fmt.Errorf("no user given in %s or with --user", *file)
	}
	svc, closeFn, err := common.openServices(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	u, err := resolveUser(ctx, svc.Store, rf.User)
	if err != nil {
		return err
	}

	// Validate everything first so a bad entry does not leave half a file imported.
	drafts := make([]*db.Rule, 0, len(rf.Rules))
	for i := range rf.Rules {
		r, err := validateEntry(&rf.Rules[i], u.ID)
		if err != nil {
			return fmt.Errorf("rule %d (%s): %w", i+1, rf.Rules[i].Name, err)
		}
		drafts = append(drafts, r)
	}
	for _, r := range drafts {
		created, err := svc.Engine.CreateRule(ctx, r)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Created rule %d: %s (%s)\n", created.ID, created.Name, created.Type)
	}
	return nil
}

func validateEntry(e *ruleEntry, userID int64) (*db.Rule, error) {
	d, err := e.draft(userID)
	if err != nil {
		return nil, err
	}
	return d.Rule()
}

func handleRuleUpdate(ctx context.Context, sub string, args []string, out io.Writer) error {
	usage := fmt.Sprintf("Usage:\n  ruled-admin rules %s --id <rule-id> [--user <email|id>]\n", sub)
	if sub == "priority" {
		usage = "Usage:\n  ruled-admin rules priority --id <rule-id> --priority N [--user <email|id>]\n"
	}
	fs := newFlagSet("rules "+sub, out, usage)
	common := addCommonFlags(fs)
	id := fs.Int64("id", 0, "Rule id (required)")
	priority := fs.Int("priority", -1, "New priority (priority only)")
	userRef := fs.String("user", "", "Owner of the rule; refuses rules of other users")
	if err := parse(fs, args, 0); err != nil {
		return err
	}
	if *id <= 0 || (sub == "priority" && *priority < 0) {
		fs.Usage()
		return errUsage
	}

	svc, closeFn, err := common.openServices(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	var ownerID int64
	if *userRef != "" {
		user, err := resolveUser(ctx, svc.Store, *userRef)
		if err != nil {
			return err
		}
		ownerID = user.ID
	} else {
		// Without --user the operator acts as the rule's owner.
		rule, err := svc.Store.GetRule(ctx, *id)
		if errors.Is(err, consts.ErrRuleNotFound) {
			return fmt.Errorf("rule %d not found", *id)
		}
		if err != nil {
			return err
		}
		ownerID = rule.UserID
	}

	switch sub {
	case "enable":
		err = svc.Engine.EnableRule(ctx, ownerID, *id)
	case "disable":
		err = svc.Engine.DisableRule(ctx, ownerID, *id)
	case "priority":
		err = svc.Engine.UpdatePriority(ctx, ownerID, *id, *priority)
	case "delete":
		err = svc.Engine.DeleteRule(ctx, ownerID, *id)
	}
	if errors.Is(err, consts.ErrRuleNotFound) {
		return fmt.Errorf("rule %d not found", *id)
	}
	if errors.Is(err, consts.ErrNotPermitted) {
		return fmt.Errorf("rule %d does not belong to %s", *id, *userRef)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Rule %d: %s done.\n", *id, sub)
	return nil
}

// resolveUser accepts an email address or a numeric user id.
func resolveUser(ctx context.Context, store db.Store, ref string) (*db.User, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return store.GetUser(ctx, id)
	}
	u, err := store.GetUserByEmail(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", ref, err)
	}
	return u, nil
}
