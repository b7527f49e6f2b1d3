// Package events provides the non-blocking status stream for running
// pipelines: the engine publishes, observers subscribe.
package events

import "time"

// Kind enumerates published event types.
type Kind string

const (
	KindRunStateChanged   Kind = "run-state-changed"
	KindPhaseStateChanged Kind = "phase-state-changed"
	KindTaskCompleted     Kind = "task-completed"
	KindCostUpdated       Kind = "cost-updated"
	KindBudgetWarning     Kind = "budget-warning"
)

// Event is one state-change or cost notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Cost      float64   `json:"cost,omitempty"`
	RunCost   float64   `json:"run_cost,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
