// Package project defines the organizational scope of agent executions:
// projects, tasks, and runs. These entities are created externally by agent
// tooling and are read-only to the hub; they exist here for the dashboard
// read surface and for scoping supervision work.
package project

import "time"

// Project is the top-level scope for agent executions.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of work within a project.
type Task struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStatus is the externally reported state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	// RunStatusTerminated is set when a terminate decision stops the run.
	RunStatusTerminated RunStatus = "terminated"
)

// Run is a single execution attempt of a task by an agent.
type Run struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Name      string    `json:"name,omitempty"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
