// Package investigation implements the bounded diagnostic loop that runs
// when a reviewer escalates a defect on a task group. It owns no storage of
// its own: the whole loop state is one investigation-type snapshot per
// (session, group), advanced atomically together with an event-log entry.
package investigation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Status is the investigation state-machine status. The four non-progress
// statuses are terminal.
type Status string

const (
	StatusInProgress     Status = "in_progress"
	StatusRootCauseFound Status = "root_cause_found"
	StatusBlocked        Status = "blocked"
	StatusExhausted      Status = "exhausted"
	StatusIncomplete     Status = "incomplete"
)

// Terminal reports whether the status ends the loop.
func (s Status) Terminal() bool {
	return s != StatusInProgress
}

// DefaultIterationCap bounds runaway diagnostic loops. The cap is a safety
// bound, not a budget: it survives process restarts.
const DefaultIterationCap = 5

// Hypothesis outcomes.
const (
	HypothesisPending    = "pending"
	HypothesisConfirmed  = "confirmed"
	HypothesisEliminated = "eliminated"
)

// Hypothesis is one candidate explanation for the defect under investigation.
type Hypothesis struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Outcome     string `json:"outcome"`
	Notes       string `json:"notes,omitempty"`
}

// Document is the full loop state as persisted in the investigation-type
// state snapshot.
type Document struct {
	GroupID string `json:"group_id"`
	// Run numbers the loop generation for the group, starting at 1. A fresh
	// investigation after a terminal one gets the next run, which keeps its
	// event idempotency keys distinct from the earlier loop's.
	Run         int          `json:"run"`
	Iteration   int          `json:"iteration"`
	Cap         int          `json:"cap"`
	Status      Status       `json:"status"`
	Hypotheses  []Hypothesis `json:"hypotheses"`
	RootCause   string       `json:"root_cause,omitempty"`
	ProposedFix string       `json:"proposed_fix,omitempty"`
	BlockedOn   string       `json:"blocked_on,omitempty"`
}

const documentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["group_id", "run", "iteration", "cap", "status", "hypotheses"],
	"properties": {
		"group_id": {"type": "string", "minLength": 1},
		"run": {"type": "integer", "minimum": 1},
		"iteration": {"type": "integer", "minimum": 0},
		"cap": {"type": "integer", "minimum": 1},
		"status": {"enum": ["in_progress", "root_cause_found", "blocked", "exhausted", "incomplete"]},
		"hypotheses": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "description", "outcome"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"outcome": {"enum": ["pending", "confirmed", "eliminated"]},
					"notes": {"type": "string"}
				}
			}
		},
		"root_cause": {"type": "string"},
		"proposed_fix": {"type": "string"},
		"blocked_on": {"type": "string"}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
	if err != nil {
		panic(fmt.Sprintf("unmarshal investigation schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("investigation.json", doc); err != nil {
		panic(fmt.Sprintf("add investigation schema resource: %v", err))
	}
	schema, err := c.Compile("investigation.json")
	if err != nil {
		panic(fmt.Sprintf("compile investigation schema: %v", err))
	}
	return schema
}

// ParseDocument decodes and schema-validates a persisted document. State
// snapshots are opaque to the store, so a hand-edited or corrupted payload
// is caught here rather than misdriving the state machine.
func ParseDocument(payload string) (*Document, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode investigation document: %w", err)
	}
	if err := compiledSchema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("invalid investigation document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("decode investigation document: %w", err)
	}
	return &doc, nil
}

// Encode serializes the document for storage, validating it on the way out
// so a controller bug cannot persist an unreadable state.
func (d *Document) Encode() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode investigation document: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return "", fmt.Errorf("encode investigation document: %w", err)
	}
	if err := compiledSchema.Validate(parsed); err != nil {
		return "", fmt.Errorf("invalid investigation document: %w", err)
	}
	return string(b), nil
}

// pendingHypotheses counts hypotheses not yet confirmed or eliminated.
func (d *Document) pendingHypotheses() int {
	n := 0
	for _, h := range d.Hypotheses {
		if h.Outcome == HypothesisPending {
			n++
		}
	}
	return n
}
