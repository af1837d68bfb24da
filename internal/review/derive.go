// Package review implements the feedback-loop tracker for task-group
// reviews. Progress is computed from the event log, never taken from a
// worker's self-reported numbers, and stalls surface as escalation signals
// rather than hard failures.
package review

import (
	"encoding/json"
	"sort"

	"github.com/basket/swarmstore/internal/persistence"
)

// IssuePayload is the JSON body of issue_raised, issue_resolved and
// issue_accepted events.
type IssuePayload struct {
	IssueID     string `json:"issue_id"`
	Description string `json:"description,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// DeriveBlockingCount replays a task group's issue events in append order
// and returns the authoritative open blocking-issue count. An issue is open
// once raised and closed by a later resolution or accepted-as-non-blocking
// event for the same issue id; a close that precedes the raise does not
// count. Events with malformed payloads or blank issue ids are ignored.
func DeriveBlockingCount(events []persistence.Event) int {
	ordered := make([]persistence.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	open := map[string]bool{}
	for _, e := range ordered {
		var p IssuePayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil || p.IssueID == "" {
			continue
		}
		switch e.Category {
		case persistence.CategoryIssueRaised:
			open[p.IssueID] = true
		case persistence.CategoryIssueResolved, persistence.CategoryIssueAccepted:
			delete(open, p.IssueID)
		}
	}
	return len(open)
}
