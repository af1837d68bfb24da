package main

import (
	"context"
	"fmt"
	"os"
	"time"
)

func runWatchCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("watch")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: swarmstore watch [-session <id>] [-interval <dur>]

Tails the event log, printing new events as they are appended. When -session
is omitted, events from every session are printed.`)
		fs.PrintDefaults()
	}
	sessionID := fs.String("session", "", "limit to one session")
	interval := fs.Duration("interval", 2*time.Second, "poll interval")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rt, err := openRuntime()
	if err != nil {
		return fail(err)
	}
	defer rt.close()

	lastID, err := maxEventID(ctx, rt)
	if err != nil {
		return fail(err)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Fprintf(os.Stderr, "watching for new events (poll every %s)\n", *interval)
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
			rows, err := rt.store.DB().QueryContext(ctx, `
				SELECT event_id, session_id, category, scope, idempotency_key, payload, created_at
				FROM events
				WHERE event_id > ? AND (? = '' OR session_id = ?)
				ORDER BY event_id ASC;
			`, lastID, *sessionID, *sessionID)
			if err != nil {
				return fail(err)
			}
			for rows.Next() {
				var (
					id                               int64
					sess, category, scope, key, body string
					createdAt                        time.Time
				)
				if err := rows.Scan(&id, &sess, &category, &scope, &key, &body, &createdAt); err != nil {
					rows.Close()
					return fail(err)
				}
				lastID = id
				fmt.Printf("%s  %-24s %-12s %s  %s\n",
					createdAt.Format(time.RFC3339), category, scope, sess, body)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return fail(err)
			}
			rows.Close()
		}
	}
}

func maxEventID(ctx context.Context, rt *cliRuntime) (int64, error) {
	var id int64
	err := rt.store.DB().QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_id), 0) FROM events;`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("read max event id: %w", err)
	}
	return id, nil
}
