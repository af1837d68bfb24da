package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/swarmstore/internal/persistence"
)

func groupUsage() {
	fmt.Fprintln(os.Stderr, `usage: swarmstore group <action> [flags]

Actions:
  create  -session <id> -group <name> [-desc <text>] [-items <n>]
  show    -session <id> -group <name>
  list    -session <id>
  update  -session <id> -group <name> [-status <s>] [-items <n>] [-completed <n>] [-desc <text>]

Statuses: pending, planned, in_progress, completed, failed`)
}

func runGroupCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		groupUsage()
		return 2
	}

	action := strings.ToLower(strings.TrimSpace(args[0]))
	fs := newFlagSet("group " + action)
	sessionID := fs.String("session", "", "session ID")
	groupID := fs.String("group", "", "task group name")
	desc := fs.String("desc", "", "group description")
	items := fs.Int("items", -1, "total item count")
	completed := fs.Int("completed", -1, "completed item count")
	status := fs.String("status", "", "lifecycle status")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	rt, err := openRuntime()
	if err != nil {
		return fail(err)
	}
	defer rt.close()

	ctx, span := rt.startSpan(ctx, "group."+action)
	defer span.End()

	switch action {
	case "create":
		itemCount := *items
		if itemCount < 0 {
			itemCount = 0
		}
		group, err := rt.store.CreateTaskGroup(ctx, *sessionID, *groupID, *desc, itemCount)
		if err != nil {
			return fail(err)
		}
		printJSON(group)
		return 0
	case "show":
		group, err := rt.store.GetTaskGroup(ctx, *sessionID, *groupID)
		if err != nil {
			return fail(err)
		}
		printJSON(group)
		return 0
	case "list":
		groups, err := rt.store.ListTaskGroups(ctx, *sessionID)
		if err != nil {
			return fail(err)
		}
		printJSON(groups)
		return 0
	case "update":
		var update persistence.GroupUpdate
		if *desc != "" {
			update.Description = desc
		}
		if *items >= 0 {
			update.ItemCount = items
		}
		if *completed >= 0 {
			update.CompletedCount = completed
		}
		if *status != "" {
			gs := persistence.GroupStatus(*status)
			update.Status = &gs
		}
		group, err := rt.store.UpdateTaskGroup(ctx, *sessionID, *groupID, update)
		if err != nil {
			return fail(err)
		}
		printJSON(group)
		return 0
	default:
		groupUsage()
		return 2
	}
}
