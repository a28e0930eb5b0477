// Package supervision defines the domain types for tool-call supervision:
// supervisors, chains, chain executions, and the requests and results that
// flow between the hub and reviewer clients.
package supervision

import "time"

// SupervisorType identifies how a supervisor renders decisions.
type SupervisorType string

const (
	// SupervisorHuman is a human reviewer connected over the live channel.
	SupervisorHuman SupervisorType = "human"
	// SupervisorClient is an automated reviewer (LLM-backed).
	SupervisorClient SupervisorType = "client"
	// SupervisorNone is a pass-through position that auto-approves.
	SupervisorNone SupervisorType = "none"
)

// Valid reports whether t is a known supervisor type.
func (t SupervisorType) Valid() bool {
	switch t {
	case SupervisorHuman, SupervisorClient, SupervisorNone:
		return true
	}
	return false
}

// Supervisor is a reviewer definition. Supervisors are configured externally
// and referenced, never mutated, by the hub.
type Supervisor struct {
	ID          string         `json:"id"`
	Type        SupervisorType `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Chain is an ordered list of supervisors configured for a tool. Position is
// fixed at configuration time; chains are immutable at runtime.
type Chain struct {
	ID          string       `json:"chain_id"`
	ToolID      string       `json:"tool_id,omitempty"`
	Supervisors []Supervisor `json:"supervisors"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Len returns the number of positions in the chain.
func (c *Chain) Len() int { return len(c.Supervisors) }

// At returns the supervisor at the given 1-based position.
// ok is false when the position is past the end of the chain.
func (c *Chain) At(position int) (Supervisor, bool) {
	if position < 1 || position > len(c.Supervisors) {
		return Supervisor{}, false
	}
	return c.Supervisors[position-1], true
}
