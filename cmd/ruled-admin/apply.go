package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/migadu/ruled/server/engine"
	"github.com/migadu/ruled/server/notify"
)

const applyUsage = `Run rules against one stored message

Usage:
  ruled-admin apply --message <id> [--rule <id>] [--dispatch]

Without --rule the owner's whole enabled chain runs, exactly as on delivery.
With --rule only that rule is evaluated and executed. --dispatch publishes the
resulting outbox events before returning instead of leaving them to the daemon.
`

func handleApply(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("apply", out, applyUsage)
	common := addCommonFlags(fs)
	messageID := fs.Int64("message", 0, "Message id (required)")
	ruleID := fs.Int64("rule", 0, "Apply only this rule")
	dispatch := fs.Bool("dispatch", false, "Publish resulting outbox events now")
	if err := parse(fs, args, 0); err != nil {
		return err
	}
	if *messageID <= 0 {
		fs.Usage()
		return errUsage
	}

	svc, closeFn, err := common.openServices(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	var (
		outcomes  []engine.RuleOutcome
		stoppedBy int64
	)
	if *ruleID > 0 {
		o, err := svc.Engine.ApplyRule(ctx, *ruleID, *messageID)
		if err != nil {
			return err
		}
		outcomes = append(outcomes, *o)
	} else {
		report, err := svc.Engine.ApplyRules(ctx, *messageID)
		if err != nil {
			return err
		}
		outcomes, stoppedBy = report.Outcomes, report.StoppedBy
	}

	if len(outcomes) == 0 {
		fmt.Fprintln(out, "No enabled rules.")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RULE\tTYPE\tMATCHED\tOUTCOME\tERROR")
		for _, o := range outcomes {
			errText := ""
			if o.Err != nil {
				errText = o.Err.Error()
			}
			fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\n", o.RuleID, o.Type, o.Matched, o.Outcome, errText)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if stoppedBy != 0 {
		fmt.Fprintf(out, "Chain stopped by terminal rule %d.\n", stoppedBy)
	}

	if *dispatch {
		stats, err := svc.Dispatcher.DispatchOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Outbox: published %d, retried %d, failed %d\n", stats.Published, stats.Retried, stats.Failed)
	}
	if bn, ok := svc.Notifier.(*notify.BrokerNotifier); ok {
		bn.Wait()
	}
	return nil
}
