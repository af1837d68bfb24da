package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/swarmstore/internal/persistence"
)

func eventUsage() {
	fmt.Fprintln(os.Stderr, `usage: swarmstore event <action> [flags]

Actions:
  append  -session <id> -category <c> -key <k> [-scope <s>] [-payload <json>]
  list    -session <id> [-category <c>] [-scope <s>] [-limit <n>]
  count   -session <id> -category <c> -scope <s>

Categories: issue_raised, issue_resolved, issue_accepted, counter_adjustment,
            review_violation, review_completed, investigation_iteration`)
}

func runEventCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		eventUsage()
		return 2
	}

	action := strings.ToLower(strings.TrimSpace(args[0]))
	fs := newFlagSet("event " + action)
	sessionID := fs.String("session", "", "session ID")
	category := fs.String("category", "", "event category")
	scope := fs.String("scope", "", "event scope (global or a group name)")
	key := fs.String("key", "", "idempotency key")
	payload := fs.String("payload", "{}", "JSON payload")
	limit := fs.Int("limit", 0, "max events to list (0 = server default)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	rt, err := openRuntime()
	if err != nil {
		return fail(err)
	}
	defer rt.close()

	ctx, span := rt.startSpan(ctx, "event."+action)
	defer span.End()

	switch action {
	case "append":
		eventScope := *scope
		if eventScope == "" {
			eventScope = "global"
		}
		result, err := rt.store.SaveEvent(ctx, persistence.EventInput{
			SessionID:      *sessionID,
			Category:       *category,
			Scope:          eventScope,
			IdempotencyKey: *key,
			Payload:        *payload,
		})
		if err != nil {
			return fail(err)
		}
		if result.Idempotent {
			rt.logger.Info("event replayed",
				"session_id", *sessionID, "idempotency_key", *key)
		}
		printJSON(result)
		return 0
	case "list":
		events, err := rt.store.GetEvents(ctx, *sessionID, persistence.EventFilter{
			Category: *category,
			Scope:    *scope,
			Limit:    *limit,
		})
		if err != nil {
			return fail(err)
		}
		printJSON(events)
		return 0
	case "count":
		n, err := rt.store.CountEvents(ctx, *sessionID, *category, *scope)
		if err != nil {
			return fail(err)
		}
		fmt.Println(n)
		return 0
	default:
		eventUsage()
		return 2
	}
}
