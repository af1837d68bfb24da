package investigation

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/basket/swarmstore/internal/bus"
)

// Diagnostic is one capacity-limited instrumentation step (adding probes,
// rebuilding with tracing, bisecting). Steps run outside the controller's
// write path and report back through the event log.
type Diagnostic struct {
	SessionID string
	GroupID   string
	Name      string
	Run       func(ctx context.Context) error
}

// DiagnosticPool bounds how many diagnostics run at once. A submit that
// finds the pool at capacity is deferred, never blocked: the controller's
// loop must stay responsive while instrumentation grinds. Lifecycle phases
// are published on the diagnostic topic for subscribers tracking progress.
type DiagnosticPool struct {
	group  *errgroup.Group
	ctx    context.Context
	bus    *bus.Bus // may be nil
	logger *slog.Logger

	mu       sync.Mutex
	deferred []Diagnostic
}

// NewDiagnosticPool builds a pool running at most limit diagnostics
// concurrently. limit <= 0 selects 4.
func NewDiagnosticPool(ctx context.Context, eventBus *bus.Bus, logger *slog.Logger, limit int) *DiagnosticPool {
	if limit <= 0 {
		limit = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	return &DiagnosticPool{group: g, ctx: gctx, bus: eventBus, logger: logger.With("component", "diagnostics")}
}

// Submit schedules a diagnostic. Returns true if it started immediately,
// false if the pool was at capacity and the diagnostic was deferred.
func (p *DiagnosticPool) Submit(d Diagnostic) bool {
	started := p.group.TryGo(func() error {
		return p.run(d)
	})
	if started {
		return true
	}
	p.mu.Lock()
	p.deferred = append(p.deferred, d)
	p.mu.Unlock()
	p.logger.Debug("diagnostic deferred", "name", d.Name)
	p.publish(d, bus.DiagnosticDeferred)
	return false
}

// Drain runs all deferred diagnostics and waits for everything to finish.
// Diagnostics deferred while a pass runs are picked up on the next pass.
func (p *DiagnosticPool) Drain() error {
	for {
		p.mu.Lock()
		pending := p.deferred
		p.deferred = nil
		p.mu.Unlock()
		if len(pending) == 0 {
			return p.group.Wait()
		}
		for _, d := range pending {
			d := d
			p.group.Go(func() error {
				return p.run(d)
			})
		}
		if err := p.group.Wait(); err != nil {
			return err
		}
	}
}

func (p *DiagnosticPool) run(d Diagnostic) error {
	p.publish(d, bus.DiagnosticStarted)
	if err := d.Run(p.ctx); err != nil {
		p.publish(d, bus.DiagnosticFailed)
		return err
	}
	p.publish(d, bus.DiagnosticFinished)
	return nil
}

func (p *DiagnosticPool) publish(d Diagnostic, phase string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.TopicInvestigationDiagnostic, bus.DiagnosticSignal{
		SessionID: d.SessionID,
		GroupID:   d.GroupID,
		Name:      d.Name,
		Phase:     phase,
	})
}
