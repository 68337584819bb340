package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
)

func printOutboxUsage(out io.Writer) {
	fmt.Fprint(out, `Outbox Management

Usage:
  ruled-admin outbox <subcommand> [options]

Subcommands:
  stats      Count events per status
  list       List events with a given status (--status, --limit)
  failed     List FAILED events (--limit)
  requeue    Move a FAILED event back to PENDING (--id)
  dispatch   Publish due events now, or one event with --id

Examples:
  ruled-admin outbox stats
  ruled-admin outbox failed --limit 20
  ruled-admin outbox requeue --id 991
  ruled-admin outbox dispatch --id 991
`)
}

func handleOutboxCommand(ctx context.Context, args []string, out io.Writer) error {
	sub, rest, err := subcommand(args, out, printOutboxUsage)
	if err != nil {
		return err
	}
	switch sub {
	case "stats", "list", "failed", "requeue", "dispatch":
	default:
		return unknownSubcommand(out, "outbox", sub, printOutboxUsage)
	}

	fs := newFlagSet("outbox "+sub, out, "Usage:\n  ruled-admin outbox "+sub+" [options]\n")
	common := addCommonFlags(fs)
	id := fs.Int64("id", 0, "Outbox event id")
	status := fs.String("status", db.OutboxPending, "Event status (list only)")
	limit := fs.Int("limit", 50, "Maximum number of events to list")
	if err := parse(fs, rest, 0); err != nil {
		return err
	}
	if sub == "requeue" && *id <= 0 {
		fs.Usage()
		return errUsage
	}

	svc, closeFn, err := common.openServices(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	switch sub {
	case "stats":
		stats, err := svc.Store.OutboxStats(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "PENDING\t%d\n", stats.Pending)
		fmt.Fprintf(w, "PROCESSING\t%d\n", stats.Processing)
		fmt.Fprintf(w, "PUBLISHED\t%d\n", stats.Published)
		fmt.Fprintf(w, "FAILED\t%d\n", stats.Failed)
		if stats.OldestDueAt != nil {
			fmt.Fprintf(w, "OLDEST DUE\t%s\n", stats.OldestDueAt.Format(time.RFC3339))
		}
		return w.Flush()

	case "list", "failed":
		st := strings.ToUpper(*status)
		if sub == "failed" {
			st = db.OutboxFailed
		}
		events, err := svc.Store.ListOutboxEvents(ctx, st, *limit)
		if err != nil {
			return err
		}
		return printEvents(out, events)

	case "requeue":
		err := svc.Store.RequeueOutboxEvent(ctx, *id, time.Now())
		switch {
		case errors.Is(err, consts.ErrEventNotFound):
			return fmt.Errorf("outbox event %d not found", *id)
		case err != nil:
			return err
		}
		fmt.Fprintf(out, "Event %d requeued.\n", *id)
		return nil

	case "dispatch":
		if *id > 0 {
			published, err := svc.Dispatcher.DispatchEvent(ctx, *id)
			if err != nil {
				return err
			}
			e, err := svc.Store.GetOutboxEvent(ctx, *id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Event %d: published=%t status=%s retries=%d\n", e.ID, published, e.Status, e.RetryCount)
			if e.ErrorMessage != "" {
				fmt.Fprintf(out, "Last error: %s\n", e.ErrorMessage)
			}
			return nil
		}
		stats, err := svc.Dispatcher.DispatchOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Claimed %d, published %d, retried %d, failed %d, released %d\n",
			stats.Claimed, stats.Published, stats.Retried, stats.Failed, stats.Released)
		return nil
	}
	return nil
}

func printEvents(out io.Writer, events []*db.OutboxEvent) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "No events.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tAGGREGATE\tSTATUS\tRETRIES\tCREATED\tERROR")
	for _, e := range events {
		fmt.Fprintf(w, "%d\t%s\t%s/%s\t%s\t%d\t%s\t%s\n", e.ID, e.EventType, e.AggregateType, e.AggregateID,
			e.Status, e.RetryCount, e.CreatedAt.Format(time.RFC3339), truncate(e.ErrorMessage, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
