package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/swarmstore/internal/audit"
	"github.com/basket/swarmstore/internal/bus"
	"github.com/basket/swarmstore/internal/config"
	otelPkg "github.com/basket/swarmstore/internal/otel"
	"github.com/basket/swarmstore/internal/persistence"
	"github.com/basket/swarmstore/internal/telemetry"
)

// cliRuntime bundles what every subcommand needs: loaded config, an open
// store, and a file-only logger so command output stays clean on stdout.
type cliRuntime struct {
	cfg     config.Config
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics

	command string
	started time.Time
	closers []func()
}

func openRuntime() (*cliRuntime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	rt := &cliRuntime{cfg: cfg, started: time.Now()}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("audit init: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = audit.Close() })

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("logger init: %w", err)
	}
	rt.logger = logger
	rt.closers = append(rt.closers, func() { _ = closer.Close() })

	exporter := "stdout"
	if cfg.OTel.Endpoint != "" {
		exporter = "otlp-http"
	}
	provider, err := otelPkg.Init(context.Background(), otelPkg.Config{
		Enabled:  cfg.OTel.Enabled,
		Exporter: exporter,
		Endpoint: cfg.OTel.Endpoint,
	})
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("otel init: %w", err)
	}
	rt.tracer = provider.Tracer
	rt.closers = append(rt.closers, func() { _ = provider.Shutdown(context.Background()) })

	rt.metrics, err = otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("metric instruments: %w", err)
	}

	rt.bus = bus.New()
	store, err := persistence.Open(cfg.DBPath, rt.bus)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("store open: %w", err)
	}
	rt.store = store
	audit.SetDB(store.DB())
	rt.closers = append(rt.closers, func() { _ = store.Close() })

	return rt, nil
}

// startSpan opens a span covering one CLI command. The command name also
// labels the duration histogram recorded at close.
func (rt *cliRuntime) startSpan(ctx context.Context, command string) (context.Context, trace.Span) {
	rt.command = command
	return otelPkg.StartSpan(ctx, rt.tracer, "cli."+command, otelPkg.AttrCommand.String(command))
}

func (rt *cliRuntime) close() {
	if rt.metrics != nil && rt.command != "" {
		rt.metrics.CommandDuration.Record(context.Background(),
			time.Since(rt.started).Seconds(),
			metric.WithAttributes(otelPkg.AttrCommand.String(rt.command)))
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// printJSON writes v to stdout, indented when stdout is a terminal.
func printJSON(v interface{}) {
	var (
		data []byte
		err  error
	)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, err)
	switch {
	case persistence.IsValidation(err):
		return 2
	case persistence.IsNotFound(err):
		return 3
	case persistence.IsConflict(err):
		return 4
	default:
		return 1
	}
}
