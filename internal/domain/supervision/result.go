package supervision

import (
	"fmt"
	"time"

	"github.com/wardenhq/warden/internal/domain"
)

// Decision is the outcome a supervisor renders for one chain step.
type Decision string

const (
	DecisionApprove   Decision = "approve"
	DecisionModify    Decision = "modify"
	DecisionReject    Decision = "reject"
	DecisionEscalate  Decision = "escalate"
	DecisionTerminate Decision = "terminate"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionModify, DecisionReject, DecisionEscalate, DecisionTerminate:
		return true
	}
	return false
}

// SupervisionResult is the outcome of one SupervisionRequest. At most one
// result is ever accepted per request.
type SupervisionResult struct {
	ID                   string    `json:"id"`
	SupervisionRequestID string    `json:"supervision_request_id"`
	Decision             Decision  `json:"decision"`
	Reasoning            string    `json:"reasoning,omitempty"`
	ChosenToolRequestID  string    `json:"chosen_toolrequest_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Validate checks that the result carries its identifying fields and a known
// decision. A result failing validation must be rejected without mutating
// hub state.
func (r *SupervisionResult) Validate() error {
	if r.SupervisionRequestID == "" {
		return fmt.Errorf("%w: supervision_request_id is required", domain.ErrValidation)
	}
	if !r.Decision.Valid() {
		return fmt.Errorf("%w: unknown decision %q", domain.ErrValidation, r.Decision)
	}
	if r.Decision == DecisionModify && r.ChosenToolRequestID == "" {
		return fmt.Errorf("%w: modify requires chosen_toolrequest_id", domain.ErrValidation)
	}
	return nil
}

// Outcome is the final, run-visible resolution of a chain execution. Only
// the final outcome is surfaced to the submitting agent; intermediate step
// results never leak.
type Outcome struct {
	RequestGroupID      string    `json:"request_group_id"`
	ChainExecutionID    string    `json:"chain_execution_id"`
	RunID               string    `json:"run_id"`
	Decision            Decision  `json:"decision"` // approve, reject, or terminate
	ChosenToolRequestID string    `json:"chosen_toolrequest_id,omitempty"`
	Feedback            string    `json:"feedback,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}
