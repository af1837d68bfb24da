package review_test

import (
	"testing"

	"github.com/basket/swarmstore/internal/persistence"
	"github.com/basket/swarmstore/internal/review"
)

func issueEvent(category, issueID string) persistence.Event {
	return persistence.Event{
		Category: category,
		Payload:  `{"issue_id":"` + issueID + `"}`,
	}
}

func TestDeriveBlockingCount(t *testing.T) {
	tests := []struct {
		name   string
		events []persistence.Event
		want   int
	}{
		{
			name: "no events",
			want: 0,
		},
		{
			name: "raised only",
			events: []persistence.Event{
				issueEvent(persistence.CategoryIssueRaised, "i1"),
				issueEvent(persistence.CategoryIssueRaised, "i2"),
			},
			want: 2,
		},
		{
			name: "resolved closes",
			events: []persistence.Event{
				issueEvent(persistence.CategoryIssueRaised, "i1"),
				issueEvent(persistence.CategoryIssueRaised, "i2"),
				issueEvent(persistence.CategoryIssueResolved, "i1"),
			},
			want: 1,
		},
		{
			name: "accepted closes too",
			events: []persistence.Event{
				issueEvent(persistence.CategoryIssueRaised, "i1"),
				issueEvent(persistence.CategoryIssueAccepted, "i1"),
			},
			want: 0,
		},
		{
			name: "resolution without a raise is ignored",
			events: []persistence.Event{
				issueEvent(persistence.CategoryIssueResolved, "ghost"),
			},
			want: 0,
		},
		{
			name: "malformed payloads are skipped",
			events: []persistence.Event{
				issueEvent(persistence.CategoryIssueRaised, "i1"),
				{Category: persistence.CategoryIssueRaised, Payload: `not json`},
				{Category: persistence.CategoryIssueRaised, Payload: `{}`},
			},
			want: 1,
		},
		{
			name: "re-raise after resolution reopens",
			events: []persistence.Event{
				{ID: 1, Category: persistence.CategoryIssueRaised, Payload: `{"issue_id":"i1"}`},
				{ID: 2, Category: persistence.CategoryIssueResolved, Payload: `{"issue_id":"i1"}`},
				{ID: 3, Category: persistence.CategoryIssueRaised, Payload: `{"issue_id":"i1"}`},
			},
			want: 1,
		},
		{
			name: "only a later close counts, newest-first input",
			events: []persistence.Event{
				{ID: 2, Category: persistence.CategoryIssueRaised, Payload: `{"issue_id":"i1"}`},
				{ID: 1, Category: persistence.CategoryIssueResolved, Payload: `{"issue_id":"i1"}`},
			},
			want: 1,
		},
		{
			name: "unrelated categories are ignored",
			events: []persistence.Event{
				issueEvent(persistence.CategoryIssueRaised, "i1"),
				{Category: persistence.CategoryReviewCompleted, Payload: `{"iteration":1}`},
				{Category: persistence.CategoryCounterAdjustment, Payload: `{"counter":"completed_count"}`},
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := review.DeriveBlockingCount(tt.events); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
