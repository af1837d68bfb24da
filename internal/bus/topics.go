package bus

// Store lifecycle topics. Published after the owning transaction commits, so
// subscribers never observe state that later rolled back.
const (
	TopicSessionCreated = "session.created"
	TopicSessionStatus  = "session.status_changed"
	TopicGroupCreated   = "group.created"
	TopicGroupUpdated   = "group.updated"
	TopicStateSaved     = "state.saved"
	TopicEventAppended  = "event.appended"
)

// Review feedback-loop topics.
const (
	TopicReviewProgress   = "review.progress"
	TopicReviewStalled    = "review.stalled"
	TopicReviewEscalation = "review.escalation"
	TopicReviewViolation  = "review.violation"
)

// Investigation loop topics.
const (
	TopicInvestigationStarted    = "investigation.started"
	TopicInvestigationIteration  = "investigation.iteration"
	TopicInvestigationTerminal   = "investigation.terminal"
	TopicInvestigationDiagnostic = "investigation.diagnostic"
)

// SessionEvent is published on session creation and status changes.
type SessionEvent struct {
	SessionID string // Session ID
	Status    string // active, completed, failed
}

// GroupEvent is published on task-group creation and updates.
type GroupEvent struct {
	SessionID string // Owning session
	GroupID   string // Task-group ID
	Status    string // Current lifecycle status
}

// StateSavedEvent is published after a state snapshot upsert.
type StateSavedEvent struct {
	SessionID string // Owning session
	StateType string // State-type tag (plan, orchestrator, investigation, ...)
	Scope     string // Task-group ID or "global"
	Created   bool   // True on first write for the triple
}

// EventAppendedEvent is published after an event-log append.
type EventAppendedEvent struct {
	SessionID  string // Owning session
	Category   string // Event category
	Scope      string // Task-group ID or "global"
	EventID    int64  // Stored row id
	Idempotent bool   // True when the append matched an existing row
}

// ReviewSignal is published by the feedback-loop tracker.
type ReviewSignal struct {
	SessionID       string // Owning session
	GroupID         string // Task-group ID
	Iteration       int    // Review iteration that produced the signal
	BlockingIssues  int    // Derived blocking-issue count
	NoProgressCount int    // Consecutive stalls
}

// Diagnostic lifecycle phases carried in DiagnosticSignal.
const (
	DiagnosticDeferred = "deferred"
	DiagnosticStarted  = "started"
	DiagnosticFinished = "finished"
	DiagnosticFailed   = "failed"
)

// DiagnosticSignal is published on the diagnostic topic as an
// instrumentation step moves through the pool.
type DiagnosticSignal struct {
	SessionID string // Owning session
	GroupID   string // Task-group ID
	Name      string // Diagnostic name
	Phase     string // deferred, started, finished, failed
}

// InvestigationSignal is published on investigation transitions.
type InvestigationSignal struct {
	SessionID string // Owning session
	GroupID   string // Task-group ID
	Iteration int    // Current iteration
	Status    string // in_progress or a terminal status
}
