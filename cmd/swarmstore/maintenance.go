package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/swarmstore/internal/cron"
)

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: swarmstore backup <dest>")
		return 2
	}

	rt, err := openRuntime()
	if err != nil {
		return fail(err)
	}
	defer rt.close()

	ctx, span := rt.startSpan(ctx, "backup")
	defer span.End()

	dest := args[0]
	if err := rt.store.Backup(ctx, dest); err != nil {
		return fail(err)
	}
	rt.logger.Info("backup written", "dest", dest)
	fmt.Printf("backup written to %s\n", dest)
	return 0
}

func runSweepCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: swarmstore sweep")
		return 2
	}

	rt, err := openRuntime()
	if err != nil {
		return fail(err)
	}
	defer rt.close()

	ctx, span := rt.startSpan(ctx, "sweep")
	defer span.End()

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:     rt.store,
		Retention: rt.cfg.Retention,
		Logger:    rt.logger,
	})
	if err != nil {
		return fail(err)
	}

	result, err := sweeper.Sweep(ctx)
	if err != nil {
		return fail(err)
	}
	rt.logger.Info("retention sweep completed",
		"purged_events", result.PurgedEvents,
		"purged_audit_logs", result.PurgedAuditLogs,
		"purged_sessions", result.PurgedSessions)
	printJSON(result)
	return 0
}
