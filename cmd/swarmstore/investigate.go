package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/swarmstore/internal/investigation"
	"github.com/basket/swarmstore/internal/persistence"
)

func investigateUsage() {
	fmt.Fprintln(os.Stderr, `usage: swarmstore investigate <action> [flags]

Actions:
  start   -session <id> -group <name> -hypotheses <h1,h2,...>
  record  -session <id> -group <name> -hypothesis <id> -result <r>
          [-notes <text>] [-fix <text>] [-blocked-on <text>]
  show    -session <id> -group <name>

Results: confirmed, eliminated, inconclusive`)
}

func runInvestigateCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		investigateUsage()
		return 2
	}

	action := strings.ToLower(strings.TrimSpace(args[0]))
	fs := newFlagSet("investigate " + action)
	sessionID := fs.String("session", "", "session ID")
	groupID := fs.String("group", "", "task group name")
	hypotheses := fs.String("hypotheses", "", "comma-separated hypothesis descriptions")
	hypothesisID := fs.String("hypothesis", "", "hypothesis ID the iteration tested")
	result := fs.String("result", "", "iteration result: confirmed, eliminated, or inconclusive")
	notes := fs.String("notes", "", "iteration notes")
	fix := fs.String("fix", "", "proposed fix (with a confirmed result)")
	blockedOn := fs.String("blocked-on", "", "external dependency blocking further testing")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	rt, err := openRuntime()
	if err != nil {
		return fail(err)
	}
	defer rt.close()

	ctx, span := rt.startSpan(ctx, "investigate."+action)
	defer span.End()

	controller := investigation.NewController(rt.store, rt.bus, rt.logger, rt.cfg.InvestigationCap)

	switch action {
	case "start":
		var hs []investigation.Hypothesis
		for i, h := range strings.Split(*hypotheses, ",") {
			h = strings.TrimSpace(h)
			if h == "" {
				continue
			}
			hs = append(hs, investigation.Hypothesis{
				ID:          fmt.Sprintf("h%d", i+1),
				Description: h,
			})
		}
		doc, err := controller.Start(ctx, *sessionID, *groupID, hs)
		if err != nil {
			return fail(err)
		}
		printJSON(doc)
		return 0
	case "record":
		doc, err := controller.RecordIteration(ctx, *sessionID, *groupID, investigation.Outcome{
			HypothesisID: *hypothesisID,
			Result:       *result,
			Notes:        *notes,
			ProposedFix:  *fix,
			BlockedOn:    *blockedOn,
		})
		if err != nil {
			return fail(err)
		}
		if doc.Status.Terminal() {
			fmt.Fprintf(os.Stderr, "investigation for group %s is %s\n", *groupID, doc.Status)
		}
		printJSON(doc)
		return 0
	case "show":
		doc, err := controller.Resume(ctx, *sessionID, *groupID)
		if err != nil {
			if persistence.IsNotFound(err) {
				fmt.Fprintf(os.Stderr, "no investigation recorded for group %s\n", *groupID)
				return 3
			}
			return fail(err)
		}
		printJSON(doc)
		return 0
	default:
		investigateUsage()
		return 2
	}
}
