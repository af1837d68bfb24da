package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/swarmstore/internal/persistence"
)

func sessionUsage() {
	fmt.Fprintln(os.Stderr, `usage: swarmstore session <action> [flags]

Actions:
  create    -checkpoint <name>         Create a session
  show      -session <id>              Show one session
  list      [-limit <n>]               List sessions, newest first
  complete  -session <id>              Mark a session completed
  fail      -session <id>              Mark a session failed
  purge     -session <id>              Delete a session and all its data`)
}

func runSessionCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		sessionUsage()
		return 2
	}

	action := strings.ToLower(strings.TrimSpace(args[0]))
	fs := newFlagSet("session " + action)
	checkpoint := fs.String("checkpoint", "", "starting checkpoint name")
	sessionID := fs.String("session", "", "session ID")
	limit := fs.Int("limit", 50, "max sessions to list")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	rt, err := openRuntime()
	if err != nil {
		return fail(err)
	}
	defer rt.close()

	ctx, span := rt.startSpan(ctx, "session."+action)
	defer span.End()

	switch action {
	case "create":
		sess, err := rt.store.CreateSession(ctx, *checkpoint)
		if err != nil {
			return fail(err)
		}
		rt.logger.Info("session created", "session_id", sess.ID)
		printJSON(sess)
		return 0
	case "show":
		sess, err := rt.store.GetSession(ctx, *sessionID)
		if err != nil {
			return fail(err)
		}
		printJSON(sess)
		return 0
	case "list":
		sessions, err := rt.store.ListSessions(ctx, *limit)
		if err != nil {
			return fail(err)
		}
		printJSON(sessions)
		return 0
	case "complete", "fail":
		status := persistence.SessionStatusCompleted
		if action == "fail" {
			status = persistence.SessionStatusFailed
		}
		if err := rt.store.UpdateSessionStatus(ctx, *sessionID, status); err != nil {
			return fail(err)
		}
		sess, err := rt.store.GetSession(ctx, *sessionID)
		if err != nil {
			return fail(err)
		}
		printJSON(sess)
		return 0
	case "purge":
		if err := rt.store.PurgeSession(ctx, *sessionID); err != nil {
			return fail(err)
		}
		rt.logger.Info("session purged", "session_id", *sessionID)
		fmt.Printf("purged %s\n", *sessionID)
		return 0
	default:
		sessionUsage()
		return 2
	}
}
