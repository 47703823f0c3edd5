// Package executor drives a single agent task from pending to a terminal
// state through a bounded, persisted step loop.
package executor

import (
	"time"
)

// Status tracks task execution state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
// failed is not terminal: retry moves it back to pending.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Task is one bounded unit of agent work.
type Task struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input,omitempty"`
	Status      Status         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// Step is one atomic action+observation within a task. Append-only;
// numbers are 1-based and strictly increasing across retry attempts.
type Step struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Number      int       `json:"number"`
	Action      string    `json:"action"`
	Observation string    `json:"observation"`
	CreatedAt   time.Time `json:"created_at"`
}

// StepOutcome is what a StepRunner produced for one step.
type StepOutcome struct {
	Action      string
	Observation string
	Done        bool
	Result      map[string]any
	TokensUsed  int
}
