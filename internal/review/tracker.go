package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/swarmstore/internal/audit"
	"github.com/basket/swarmstore/internal/bus"
	"github.com/basket/swarmstore/internal/persistence"
)

// DefaultStallThreshold is how many consecutive no-progress reviews signal
// escalation to a higher-capability worker tier.
const DefaultStallThreshold = 2

// Tracker drives the review feedback loop for task groups. It holds no
// state of its own: counters live on the task-group row, issue history in
// the event log.
type Tracker struct {
	store          *persistence.Store
	bus            *bus.Bus // may be nil
	logger         *slog.Logger
	stallThreshold int
}

// NewTracker builds a tracker. stallThreshold <= 0 selects the default.
func NewTracker(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, stallThreshold int) *Tracker {
	if stallThreshold <= 0 {
		stallThreshold = DefaultStallThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:          store,
		bus:            eventBus,
		logger:         logger.With("component", "review"),
		stallThreshold: stallThreshold,
	}
}

// FlagResult reports what happened to a reviewer's blocking-issue flag.
type FlagResult struct {
	Event        persistence.Event `json:"event"`
	AutoAccepted bool              `json:"auto_accepted"`
}

// FlagIssue records a blocking issue against a task group. An issue id that
// a prior iteration explicitly accepted as non-blocking may not be
// re-flagged: the flag is auto-accepted and a review_violation event is
// written instead of trusting the new flag.
func (t *Tracker) FlagIssue(ctx context.Context, sessionID, groupID, issueID, description string) (*FlagResult, error) {
	if issueID == "" {
		return nil, &persistence.ValidationError{Field: "issue_id", Reason: "must not be empty"}
	}
	accepted, err := t.issueWasAccepted(ctx, sessionID, groupID, issueID)
	if err != nil {
		return nil, err
	}
	if accepted {
		audit.Record("deny", "review.reflag",
			fmt.Sprintf("issue %s was accepted as non-blocking and may not be re-flagged", issueID),
			sessionID+"/"+groupID)
		violation, err := t.store.SaveEvent(ctx, persistence.EventInput{
			SessionID:      sessionID,
			Category:       persistence.CategoryReviewViolation,
			Scope:          groupID,
			IdempotencyKey: "reflag-" + issueID,
			Payload:        mustMarshal(IssuePayload{IssueID: issueID, Reason: "re-flag of accepted issue"}),
		})
		if err != nil {
			return nil, err
		}
		t.logger.Warn("re-flag of accepted issue rejected",
			"session_id", sessionID, "group_id", groupID, "issue_id", issueID)
		t.publish(bus.TopicReviewViolation, sessionID, groupID, 0, 0, 0)
		return &FlagResult{Event: violation.Event, AutoAccepted: true}, nil
	}

	result, err := t.store.SaveEvent(ctx, persistence.EventInput{
		SessionID:      sessionID,
		Category:       persistence.CategoryIssueRaised,
		Scope:          groupID,
		IdempotencyKey: "raise-" + issueID,
		Payload:        mustMarshal(IssuePayload{IssueID: issueID, Description: description}),
	})
	if err != nil {
		return nil, err
	}
	return &FlagResult{Event: result.Event}, nil
}

// ResolveIssue records that a blocking issue was fixed.
func (t *Tracker) ResolveIssue(ctx context.Context, sessionID, groupID, issueID string) (*persistence.EventResult, error) {
	if issueID == "" {
		return nil, &persistence.ValidationError{Field: "issue_id", Reason: "must not be empty"}
	}
	return t.store.SaveEvent(ctx, persistence.EventInput{
		SessionID:      sessionID,
		Category:       persistence.CategoryIssueResolved,
		Scope:          groupID,
		IdempotencyKey: "resolve-" + issueID,
		Payload:        mustMarshal(IssuePayload{IssueID: issueID}),
	})
}

// AcceptIssue records that a blocking issue is accepted as non-blocking.
// This decision is permanent for the task group: later re-flags of the same
// issue id are rejected by FlagIssue.
func (t *Tracker) AcceptIssue(ctx context.Context, sessionID, groupID, issueID, reason string) (*persistence.EventResult, error) {
	if issueID == "" {
		return nil, &persistence.ValidationError{Field: "issue_id", Reason: "must not be empty"}
	}
	return t.store.SaveEvent(ctx, persistence.EventInput{
		SessionID:      sessionID,
		Category:       persistence.CategoryIssueAccepted,
		Scope:          groupID,
		IdempotencyKey: "accept-" + issueID,
		Payload:        mustMarshal(IssuePayload{IssueID: issueID, Reason: reason}),
	})
}

// ReviewResult reports one completed review pass.
type ReviewResult struct {
	Iteration       int  `json:"iteration"`
	BlockingIssues  int  `json:"blocking_issues"`
	NoProgressCount int  `json:"no_progress_count"`
	Progress        bool `json:"progress"`
	Escalate        bool `json:"escalate"`
}

// RecordReview closes one review pass. The blocking count is derived by
// replaying issue events; the reviewer's own tally is advisory context and
// plays no part in the arithmetic. A derived count lower than the previous
// pass resets the stall counter, anything else increments it, and reaching
// the stall threshold raises the escalation signal. The signal is advisory:
// the group is never hard-failed on stall count alone.
func (t *Tracker) RecordReview(ctx context.Context, sessionID, groupID string, reportedFixed int) (*ReviewResult, error) {
	group, err := t.store.GetTaskGroup(ctx, sessionID, groupID)
	if err != nil {
		return nil, err
	}

	events, err := t.store.GetEvents(ctx, sessionID, persistence.EventFilter{Scope: groupID, Limit: 1000})
	if err != nil {
		return nil, err
	}
	derived := DeriveBlockingCount(events)

	previous := group.BlockingIssuesCount
	progress := derived < previous
	noProgress := group.NoProgressCount + 1
	if progress {
		noProgress = 0
	}
	// The stored counter already names the pass being closed (it starts at
	// 1); report it as-is and advance it for the next pass.
	iteration := group.ReviewIteration
	next := iteration + 1

	if _, err := t.store.UpdateTaskGroup(ctx, sessionID, groupID, persistence.GroupUpdate{
		ReviewIteration:     &next,
		NoProgressCount:     &noProgress,
		BlockingIssuesCount: &derived,
	}); err != nil {
		return nil, err
	}

	if _, err := t.store.SaveEvent(ctx, persistence.EventInput{
		SessionID:      sessionID,
		Category:       persistence.CategoryReviewCompleted,
		Scope:          groupID,
		IdempotencyKey: fmt.Sprintf("review-%d", iteration),
		Payload: fmt.Sprintf(`{"iteration":%d,"blocking":%d,"previous":%d,"reported_fixed":%d,"no_progress_count":%d}`,
			iteration, derived, previous, reportedFixed, noProgress),
	}); err != nil {
		return nil, err
	}

	result := &ReviewResult{
		Iteration:       iteration,
		BlockingIssues:  derived,
		NoProgressCount: noProgress,
		Progress:        progress,
		Escalate:        noProgress >= t.stallThreshold,
	}

	t.logger.Info("review recorded",
		"session_id", sessionID, "group_id", groupID,
		"iteration", iteration, "blocking", derived,
		"no_progress_count", noProgress, "escalate", result.Escalate)
	if progress {
		t.publish(bus.TopicReviewProgress, sessionID, groupID, iteration, derived, noProgress)
	} else {
		t.publish(bus.TopicReviewStalled, sessionID, groupID, iteration, derived, noProgress)
	}
	if result.Escalate {
		t.publish(bus.TopicReviewEscalation, sessionID, groupID, iteration, derived, noProgress)
	}
	return result, nil
}

func (t *Tracker) issueWasAccepted(ctx context.Context, sessionID, groupID, issueID string) (bool, error) {
	events, err := t.store.GetEvents(ctx, sessionID, persistence.EventFilter{
		Category: persistence.CategoryIssueAccepted,
		Scope:    groupID,
		Limit:    1000,
	})
	if err != nil {
		return false, err
	}
	for _, e := range events {
		var p IssuePayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			continue
		}
		if p.IssueID == issueID {
			return true, nil
		}
	}
	return false, nil
}

func (t *Tracker) publish(topic, sessionID, groupID string, iteration, blocking, noProgress int) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(topic, bus.ReviewSignal{
		SessionID:       sessionID,
		GroupID:         groupID,
		Iteration:       iteration,
		BlockingIssues:  blocking,
		NoProgressCount: noProgress,
	})
}

func mustMarshal(p IssuePayload) string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}
