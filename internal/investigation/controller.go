package investigation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/swarmstore/internal/bus"
	"github.com/basket/swarmstore/internal/persistence"
)

// Controller drives one investigation loop per (session, task group). It is
// stateless between calls: every decision is made against the snapshot read
// back from the store, so any worker process can pick the loop up.
type Controller struct {
	store  *persistence.Store
	bus    *bus.Bus // may be nil
	logger *slog.Logger
	cap    int
}

// Outcome is the result of running one hypothesis test.
type Outcome struct {
	HypothesisID string
	Result       string // confirmed, eliminated, or inconclusive
	Notes        string
	ProposedFix  string // set with a confirmed result
	BlockedOn    string // non-empty means an external dependency blocks further testing
}

// NewController builds a controller. iterationCap <= 0 selects the default.
func NewController(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, iterationCap int) *Controller {
	if iterationCap <= 0 {
		iterationCap = DefaultIterationCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: store, bus: eventBus, logger: logger.With("component", "investigation"), cap: iterationCap}
}

// Start opens an investigation for a task group. An empty hypothesis set is
// rejected: the reviewer must go back and clarify hypotheses before a loop
// is allowed to burn iterations.
func (c *Controller) Start(ctx context.Context, sessionID, groupID string, hypotheses []Hypothesis) (*Document, error) {
	if len(hypotheses) == 0 {
		return nil, &persistence.ValidationError{Field: "hypotheses", Reason: "must not be empty; clarify hypotheses before starting"}
	}
	for i, h := range hypotheses {
		if h.ID == "" {
			return nil, &persistence.ValidationError{Field: "hypotheses", Reason: fmt.Sprintf("hypothesis %d has no id", i)}
		}
		if h.Outcome == "" {
			hypotheses[i].Outcome = HypothesisPending
		}
	}
	if _, err := c.store.GetTaskGroup(ctx, sessionID, groupID); err != nil {
		return nil, err
	}
	run := 1
	if existing, err := c.Resume(ctx, sessionID, groupID); err == nil {
		if !existing.Status.Terminal() {
			return nil, &persistence.ConflictError{Kind: "investigation", ID: groupID}
		}
		run = existing.Run + 1
	} else if !persistence.IsNotFound(err) {
		return nil, err
	}

	doc := &Document{
		GroupID:    groupID,
		Run:        run,
		Iteration:  0,
		Cap:        c.cap,
		Status:     StatusInProgress,
		Hypotheses: hypotheses,
	}
	if err := c.save(ctx, sessionID, doc, "start", fmt.Sprintf(`{"action":"start","run":%d}`, run)); err != nil {
		return nil, err
	}
	c.logger.Info("investigation started", "session_id", sessionID, "group_id", groupID, "hypotheses", len(hypotheses), "cap", c.cap)
	c.publish(bus.TopicInvestigationStarted, sessionID, doc)
	return doc, nil
}

// Resume re-reads the loop state after a process restart. The iteration
// counter is whatever was last persisted; it is never reset here, the cap
// is a safety bound against runaway loops, not a per-session budget.
func (c *Controller) Resume(ctx context.Context, sessionID, groupID string) (*Document, error) {
	snap, err := c.store.GetLatestState(ctx, sessionID, persistence.StateTypeInvestigation, groupID)
	if err != nil {
		return nil, err
	}
	return ParseDocument(snap.Payload)
}

// RecordIteration advances the loop by one hypothesis test. Terminal
// hypothesis outcomes win over the cap; an iteration that produces neither
// a confirmation, a block, nor full elimination trips to incomplete exactly
// when the counter exceeds the cap.
func (c *Controller) RecordIteration(ctx context.Context, sessionID, groupID string, outcome Outcome) (*Document, error) {
	doc, err := c.Resume(ctx, sessionID, groupID)
	if err != nil {
		return nil, err
	}
	if doc.Status.Terminal() {
		return nil, &persistence.ConflictError{Kind: "investigation", ID: groupID + " (already " + string(doc.Status) + ")"}
	}

	doc.Iteration++

	applied := false
	for i, h := range doc.Hypotheses {
		if h.ID != outcome.HypothesisID {
			continue
		}
		applied = true
		switch outcome.Result {
		case HypothesisConfirmed, HypothesisEliminated:
			doc.Hypotheses[i].Outcome = outcome.Result
		case "inconclusive", "":
			// Stays pending.
		default:
			return nil, &persistence.ValidationError{Field: "result", Reason: fmt.Sprintf("unknown result %q", outcome.Result)}
		}
		if outcome.Notes != "" {
			doc.Hypotheses[i].Notes = outcome.Notes
		}
	}
	if !applied {
		return nil, &persistence.NotFoundError{Kind: "hypothesis", ID: outcome.HypothesisID}
	}

	switch {
	case outcome.Result == HypothesisConfirmed:
		doc.Status = StatusRootCauseFound
		doc.RootCause = outcome.HypothesisID
		doc.ProposedFix = outcome.ProposedFix
	case outcome.BlockedOn != "":
		doc.Status = StatusBlocked
		doc.BlockedOn = outcome.BlockedOn
	case doc.pendingHypotheses() == 0:
		doc.Status = StatusExhausted
	case doc.Iteration > doc.Cap:
		doc.Status = StatusIncomplete
	}

	eventPayload := fmt.Sprintf(`{"run":%d,"iteration":%d,"hypothesis":%q,"result":%q,"status":%q}`,
		doc.Run, doc.Iteration, outcome.HypothesisID, outcome.Result, doc.Status)
	key := fmt.Sprintf("iteration-%d", doc.Iteration)
	if err := c.save(ctx, sessionID, doc, key, eventPayload); err != nil {
		return nil, err
	}

	c.logger.Info("investigation iteration recorded",
		"session_id", sessionID, "group_id", groupID,
		"iteration", doc.Iteration, "status", doc.Status)
	c.publish(bus.TopicInvestigationIteration, sessionID, doc)
	if doc.Status.Terminal() {
		c.publish(bus.TopicInvestigationTerminal, sessionID, doc)
	}
	return doc, nil
}

func (c *Controller) save(ctx context.Context, sessionID string, doc *Document, idempotencySuffix, eventPayload string) error {
	payload, err := doc.Encode()
	if err != nil {
		return err
	}
	_, _, err = c.store.SaveInvestigationIteration(ctx, sessionID, doc.GroupID, payload, persistence.EventInput{
		SessionID:      sessionID,
		Category:       persistence.CategoryInvestigationIteration,
		Scope:          doc.GroupID,
		IdempotencyKey: fmt.Sprintf("%s-run%d-%s", doc.GroupID, doc.Run, idempotencySuffix),
		Payload:        eventPayload,
	})
	return err
}

func (c *Controller) publish(topic, sessionID string, doc *Document) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(topic, bus.InvestigationSignal{
		SessionID: sessionID,
		GroupID:   doc.GroupID,
		Iteration: doc.Iteration,
		Status:    string(doc.Status),
	})
}
