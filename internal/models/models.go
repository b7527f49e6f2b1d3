// Package models defines the core domain types for Strata.
package models

import "time"

// RunState represents the overall state of a research run.
type RunState string

const (
	RunStatePending       RunState = "pending"
	RunStateInitializing  RunState = "initializing"
	RunStateRunning       RunState = "running"
	RunStateCompleted     RunState = "completed"
	RunStateFailed        RunState = "failed"
	RunStateAbortedBudget RunState = "aborted_budget"
	RunStateCancelled     RunState = "cancelled"
)

// Terminal reports whether the run state is final.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateAbortedBudget, RunStateCancelled:
		return true
	}
	return false
}

// PhaseState represents the state of a single pipeline phase.
type PhaseState string

const (
	PhaseStatePending   PhaseState = "pending"
	PhaseStateRunning   PhaseState = "running"
	PhaseStateCompleted PhaseState = "completed"
	PhaseStatePartial   PhaseState = "partial"
	PhaseStateFailed    PhaseState = "failed"
)

// Usable reports whether the phase produced output the next phase can consume.
func (s PhaseState) Usable() bool {
	return s == PhaseStateCompleted || s == PhaseStatePartial
}

// TaskState represents the state of one unit of fan-out work.
type TaskState string

const (
	TaskStateQueued          TaskState = "queued"
	TaskStateInFlight        TaskState = "in_flight"
	TaskStateSucceeded       TaskState = "succeeded"
	TaskStateFailedRetryable TaskState = "failed_retryable"
	TaskStateFailedTerminal  TaskState = "failed_terminal"
	// TaskStateRejected marks a task refused admission by the budget
	// controller. Rejected tasks never executed and are not failures.
	TaskStateRejected TaskState = "rejected"
)

// Terminal reports whether the task state is final.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailedTerminal, TaskStateRejected:
		return true
	}
	return false
}

// Run represents one pipeline execution.
type Run struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Entities []string `json:"entities"`
	// Positioning is free-form context about how the subject positions
	// itself, folded into every task query.
	Positioning    string     `json:"positioning,omitempty"`
	Phases         []string   `json:"phases"`
	CurrentPhase   int        `json:"current_phase"`
	State          RunState   `json:"state"`
	BudgetWarning  bool       `json:"budget_warning"`
	TotalCost      float64    `json:"total_cost"`
	TerminalReason string     `json:"terminal_reason,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Task represents one unit of fan-out work within a phase.
type Task struct {
	ID       string    `json:"id"`
	RunID    string    `json:"run_id"`
	Phase    string    `json:"phase"`
	Key      string    `json:"key"` // entity or dimension the task covers
	Query    string    `json:"query"`
	State    TaskState `json:"state"`
	Attempts int       `json:"attempts"`
	Cost     float64   `json:"cost"`
	Error    string    `json:"error,omitempty"`
}

// Citation is one source reference collected by a task.
type Citation struct {
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	SourceType string `json:"source_type,omitempty"` // academic, industry_report, news, blog, unknown
	TaskKey    string `json:"task_key,omitempty"`    // which task contributed it
}

// Finding is one structured fragment reported by a task: a named entity
// or dimension with a confidence score and supporting detail.
type Finding struct {
	Key        string  `json:"key"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// TaskOutput is the validated structured output of a succeeded task.
type TaskOutput struct {
	Phase     string     `json:"phase"`
	Key       string     `json:"key"`
	Findings  []Finding  `json:"findings"`
	Citations []Citation `json:"citations"`
}

// PhaseOutput is a phase's synthesized result: the merged top findings
// plus the union of all citations collected by the phase's tasks.
type PhaseOutput struct {
	Phase     string     `json:"phase"`
	Findings  []Finding  `json:"findings"`
	Citations []Citation `json:"citations"`
	Tasks     int        `json:"tasks"`     // admitted tasks
	Succeeded int        `json:"succeeded"` // tasks that produced output
}

// CostEvent is an immutable record of one billed provider call.
type CostEvent struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	TaskID       string    `json:"task_id,omitempty"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	CallType     string    `json:"call_type"` // phase name, or "system" for non-task costs
	Timestamp    time.Time `json:"timestamp"`
}
