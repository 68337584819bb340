package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/migadu/ruled/db"
)

func printMailboxUsage(out io.Writer) {
	fmt.Fprint(out, `Mailbox Maintenance

Usage:
  ruled-admin mailbox <subcommand> [options]

Subcommands:
  recalc   Recompute total and unread counters from stored messages
  init     Create the default mailboxes a user is missing
  list     List a user's mailboxes with their counters

Examples:
  ruled-admin mailbox recalc --mailbox 17
  ruled-admin mailbox recalc --user owner@example.com
  ruled-admin mailbox init --user owner@example.com
`)
}

func handleMailboxCommand(ctx context.Context, args []string, out io.Writer) error {
	sub, rest, err := subcommand(args, out, printMailboxUsage)
	if err != nil {
		return err
	}
	switch sub {
	case "recalc", "init", "list":
	default:
		return unknownSubcommand(out, "mailbox", sub, printMailboxUsage)
	}

	fs := newFlagSet("mailbox "+sub, out, fmt.Sprintf(`Usage:
  ruled-admin mailbox %s --user <email|id>
  ruled-admin mailbox recalc --mailbox <id>
`, sub))
	common := addCommonFlags(fs)
	user := fs.String("user", "", "User email address or numeric id")
	mailboxID := fs.Int64("mailbox", 0, "Mailbox id (recalc only)")
	if err := parse(fs, rest, 0); err != nil {
		return err
	}
	if *user == "" && (sub != "recalc" || *mailboxID <= 0) {
		fs.Usage()
		return errUsage
	}

	svc, closeFn, err := common.openServices(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if sub == "recalc" && *mailboxID > 0 {
		mb, err := svc.Counters.RecalculateCounts(ctx, *mailboxID)
		if err != nil {
			return err
		}
		return printMailboxes(out, []*db.Mailbox{mb})
	}

	u, err := resolveUser(ctx, svc.Store, *user)
	if err != nil {
		return err
	}
	var mailboxes []*db.Mailbox
	switch sub {
	case "recalc":
		mailboxes, err = svc.Counters.RecalculateUser(ctx, u.ID)
	case "init":
		mailboxes, err = svc.Counters.CreateDefaultMailboxes(ctx, u.ID)
	case "list":
		mailboxes, err = svc.Store.ListMailboxes(ctx, u.ID)
	}
	if err != nil {
		return err
	}
	if sub == "init" && len(mailboxes) == 0 {
		fmt.Fprintf(out, "%s already has every default mailbox.\n", u.Email)
		return nil
	}
	return printMailboxes(out, mailboxes)
}

func printMailboxes(out io.Writer, mailboxes []*db.Mailbox) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tTOTAL\tUNREAD")
	for _, mb := range mailboxes {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n", mb.ID, mb.Type, mb.Name, mb.TotalCount, mb.UnreadCount)
	}
	return w.Flush()
}
