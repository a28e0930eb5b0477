package supervision

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a SupervisionRequest.
// Transitions are monotonic: pending -> assigned -> {completed|failed|timeout}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// CanTransition reports whether the move from s to next is allowed by the
// request state machine. Terminal states never transition further.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusAssigned || next == StatusFailed
	case StatusAssigned:
		return next == StatusCompleted || next == StatusFailed || next == StatusTimeout ||
			next == StatusPending // requeue after client disconnect
	}
	return false
}

// ToolRequest is one candidate tool call proposed by an agent.
type ToolRequest struct {
	ID        string          `json:"id"`
	ToolID    string          `json:"tool_id"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	TaskState json.RawMessage `json:"task_state,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RequestGroup is the set of candidate tool calls an agent proposes at one
// decision point. It is closed once a final decision is applied.
type RequestGroup struct {
	ID           string        `json:"id"`
	RunID        string        `json:"run_id"`
	ToolRequests []ToolRequest `json:"tool_requests"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ChainExecution is one traversal of a Chain for one RequestGroup.
type ChainExecution struct {
	ID             string    `json:"id"`
	ChainID        string    `json:"chain_id"`
	RequestGroupID string    `json:"request_group_id"`
	RunID          string    `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// SupervisionRequest is one chain step: one supervisor reviewing one chain
// execution. Requests are immutable once created; only their status moves.
type SupervisionRequest struct {
	ID               string         `json:"id"`
	ChainExecutionID string         `json:"chain_execution_id"`
	SupervisorID     string         `json:"supervisor_id"`
	SupervisorType   SupervisorType `json:"supervisor_type"`
	PositionInChain  int            `json:"position_in_chain"`
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
}
