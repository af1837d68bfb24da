package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/swarmstore/internal/review"
)

func reviewUsage() {
	fmt.Fprintln(os.Stderr, `usage: swarmstore review <action> [flags]

Actions:
  flag     -session <id> -group <name> -issue <id> [-desc <text>]
  resolve  -session <id> -group <name> -issue <id>
  accept   -session <id> -group <name> -issue <id> [-reason <text>]
  record   -session <id> -group <name> [-fixed <n>]

record closes one review pass; -fixed is the reviewer's own tally and is
advisory only, the blocking count is derived from the event log.`)
}

func runReviewCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		reviewUsage()
		return 2
	}

	action := strings.ToLower(strings.TrimSpace(args[0]))
	fs := newFlagSet("review " + action)
	sessionID := fs.String("session", "", "session ID")
	groupID := fs.String("group", "", "task group name")
	issueID := fs.String("issue", "", "issue ID")
	desc := fs.String("desc", "", "issue description")
	reason := fs.String("reason", "", "acceptance reason")
	fixed := fs.Int("fixed", 0, "reviewer-reported fixed count (advisory)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	rt, err := openRuntime()
	if err != nil {
		return fail(err)
	}
	defer rt.close()

	ctx, span := rt.startSpan(ctx, "review."+action)
	defer span.End()

	tracker := review.NewTracker(rt.store, rt.bus, rt.logger, rt.cfg.StallThreshold)

	switch action {
	case "flag":
		result, err := tracker.FlagIssue(ctx, *sessionID, *groupID, *issueID, *desc)
		if err != nil {
			return fail(err)
		}
		if result.AutoAccepted {
			fmt.Fprintf(os.Stderr, "issue %s was previously accepted; flag auto-accepted\n", *issueID)
		}
		printJSON(result)
		return 0
	case "resolve":
		result, err := tracker.ResolveIssue(ctx, *sessionID, *groupID, *issueID)
		if err != nil {
			return fail(err)
		}
		printJSON(result)
		return 0
	case "accept":
		result, err := tracker.AcceptIssue(ctx, *sessionID, *groupID, *issueID, *reason)
		if err != nil {
			return fail(err)
		}
		printJSON(result)
		return 0
	case "record":
		result, err := tracker.RecordReview(ctx, *sessionID, *groupID, *fixed)
		if err != nil {
			return fail(err)
		}
		if result.Escalate {
			fmt.Fprintf(os.Stderr, "group %s stalled for %d reviews; escalation signalled\n",
				*groupID, result.NoProgressCount)
		}
		printJSON(result)
		return 0
	default:
		reviewUsage()
		return 2
	}
}
