package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/basket/swarmstore/internal/audit"
	"github.com/basket/swarmstore/internal/bus"
	"github.com/basket/swarmstore/internal/config"
	"github.com/basket/swarmstore/internal/cron"
	otelPkg "github.com/basket/swarmstore/internal/otel"
	"github.com/basket/swarmstore/internal/persistence"
	"github.com/basket/swarmstore/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Run the store daemon (config watcher + retention sweeper)

SUBCOMMANDS:
  %s session <action>         Manage sessions
                              Actions: create, show, list, complete, fail, purge
  %s group <action>           Manage task groups
                              Actions: create, show, list, update
  %s state <action>           Manage state snapshots
                              Actions: save, get, list
  %s event <action>           Manage the event log
                              Actions: append, list, count
  %s review <action>          Review issue tracking
                              Actions: flag, resolve, accept, record
  %s investigate <action>     Investigation loops
                              Actions: start, record, show
  %s watch                    Tail new events as they are appended
  %s backup <dest>            Copy the database to <dest>
  %s sweep                    Run one retention pass now
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SWARMSTORE_HOME         Data directory (default: ~/.swarmstore)
  SWARMSTORE_DB_PATH      Database path override
  SWARMSTORE_LOG_LEVEL    Log level (debug, info, warn, error)

EXAMPLES:
  Create a session:       %s session create -checkpoint ckpt-001
  Create a group:         %s group create -session <id> -group auth -items 4
  Append an event:        %s event append -session <id> -category issue_raised -scope auth -key raise-i1 -payload '{"issue_id":"i1"}'
  Run the daemon:         %s -daemon
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	daemon := flag.Bool("daemon", false, "run the store daemon (logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 && !*daemon {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "session":
			os.Exit(runSessionCommand(ctx, args[1:]))
		case "group":
			os.Exit(runGroupCommand(ctx, args[1:]))
		case "state":
			os.Exit(runStateCommand(ctx, args[1:]))
		case "event":
			os.Exit(runEventCommand(ctx, args[1:]))
		case "review":
			os.Exit(runReviewCommand(ctx, args[1:]))
		case "investigate":
			os.Exit(runInvestigateCommand(ctx, args[1:]))
		case "watch":
			os.Exit(runWatchCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "sweep":
			os.Exit(runSweepCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}

	os.Exit(runDaemon(ctx))
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	exporter := "stdout"
	if cfg.OTel.Endpoint != "" {
		exporter = "otlp-http"
	}
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.OTel.Enabled,
		Exporter: exporter,
		Endpoint: cfg.OTel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	stats := store.Stats()
	logger.Info("startup phase", "phase", "schema_migrated",
		"from_version", stats.FromVersion,
		"to_version", stats.ToVersion,
		"duplicates_quarantined", stats.DuplicatesQuarantined)

	// Mirror bus traffic into the daemon log and metric instruments so
	// operators can follow coordination activity without querying the
	// database.
	busSub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(busSub)
	go func() {
		for ev := range busSub.Ch() {
			logger.Debug("bus event", "topic", ev.Topic)
			recordBusMetric(ctx, metrics, ev)
		}
	}()

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:     store,
		Retention: cfg.Retention,
		Logger:    logger,
		OnSweep: func(result persistence.RetentionResult) {
			metrics.RetentionPurged.Add(ctx,
				result.PurgedEvents+result.PurgedAuditLogs+result.PurgedSessions)
		},
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if newCfg.Fingerprint() == cfg.Fingerprint() {
				continue
			}
			// Retention windows and thresholds take effect on the next
			// sweep or command; the DB path change needs a restart.
			if newCfg.DBPath != cfg.DBPath {
				logger.Warn("db_path changed in config.yaml; restart required to take effect",
					"current", cfg.DBPath, "new", newCfg.DBPath)
			}
			cfg = newCfg
			logger.Info("config.yaml hot-reloaded", "fingerprint", cfg.Fingerprint())
		}
	}()

	logger.Info("startup phase", "phase", "daemon_ready", "db_path", cfg.DBPath)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = otelProvider.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return 0
}

// recordBusMetric maps bus traffic onto metric instruments.
func recordBusMetric(ctx context.Context, m *otelPkg.Metrics, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicEventAppended:
		m.EventAppends.Add(ctx, 1)
		if p, ok := ev.Payload.(bus.EventAppendedEvent); ok {
			if p.Idempotent {
				m.IdempotentReplays.Add(ctx, 1)
			}
			if p.Category == persistence.CategoryCounterAdjustment {
				m.CounterClamps.Add(ctx, 1)
			}
		}
	case bus.TopicStateSaved:
		m.StateUpserts.Add(ctx, 1)
	case bus.TopicReviewStalled:
		m.ReviewStalls.Add(ctx, 1)
	case bus.TopicInvestigationStarted:
		m.ActiveInvestigations.Add(ctx, 1)
	case bus.TopicInvestigationTerminal:
		m.ActiveInvestigations.Add(ctx, -1)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"store","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
