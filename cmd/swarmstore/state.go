package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

func stateUsage() {
	fmt.Fprintln(os.Stderr, `usage: swarmstore state <action> [flags]

Actions:
  save  -session <id> -type <t> [-scope <s>] [-payload <json>]
  get   -session <id> -type <t> [-scope <s>]
  list  -session <id> -type <t>

The scope defaults to "global". When -payload is omitted for save, the
payload is read from stdin.`)
}

func runStateCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		stateUsage()
		return 2
	}

	action := strings.ToLower(strings.TrimSpace(args[0]))
	fs := newFlagSet("state " + action)
	sessionID := fs.String("session", "", "session ID")
	stateType := fs.String("type", "", "state type (e.g. plan, investigation)")
	scope := fs.String("scope", "global", "state scope (global or a group name)")
	payload := fs.String("payload", "", "JSON payload; read from stdin when empty")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	rt, err := openRuntime()
	if err != nil {
		return fail(err)
	}
	defer rt.close()

	ctx, span := rt.startSpan(ctx, "state."+action)
	defer span.End()

	switch action {
	case "save":
		body := *payload
		if body == "" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fail(fmt.Errorf("read payload from stdin: %w", err))
			}
			body = string(data)
		}
		result, err := rt.store.SaveState(ctx, *sessionID, *stateType, *scope, body)
		if err != nil {
			return fail(err)
		}
		rt.logger.Info("state saved",
			"session_id", *sessionID, "state_type", *stateType,
			"scope", *scope, "created", result.Created)
		printJSON(result)
		return 0
	case "get":
		snapshot, err := rt.store.GetLatestState(ctx, *sessionID, *stateType, *scope)
		if err != nil {
			return fail(err)
		}
		printJSON(snapshot)
		return 0
	case "list":
		snapshots, err := rt.store.ListStates(ctx, *sessionID, *stateType)
		if err != nil {
			return fail(err)
		}
		printJSON(snapshots)
		return 0
	default:
		stateUsage()
		return 2
	}
}
