package hub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/domain/supervision"
)

// Apply interprets an incoming supervision result, mutates the owning
// request and chain execution, and advances the chain. It is idempotent:
// the second result for a request is rejected with ErrDuplicateResult, never
// overwritten. Rejected results leave hub state untouched.
func (h *Hub) Apply(ctx context.Context, result supervision.SupervisionResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	h.mu.Lock()
	rs, ok := h.requests[result.SupervisionRequestID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("apply result: %w: %s", supervision.ErrUnknownRequest, result.SupervisionRequestID)
	}
	if rs.result != nil {
		h.mu.Unlock()
		return fmt.Errorf("apply result: %w: %s", supervision.ErrDuplicateResult, result.SupervisionRequestID)
	}
	if rs.req.Status.Terminal() {
		// Timed out or force-failed: no result exists, but the request can
		// no longer accept one.
		h.mu.Unlock()
		return fmt.Errorf("apply result: %w: request %s is %s",
			supervision.ErrUnknownRequest, result.SupervisionRequestID, rs.req.Status)
	}

	fx := h.resolveLocked(ctx, rs, result)
	h.mu.Unlock()

	h.runEffects(fx)
	h.broadcastStats(ctx)
	return nil
}

// resolveLocked writes the result, completes the request, frees the client,
// dispatches the chain-advancement rule for the decision, and runs the
// scheduler so the freed client can pick up queued work.
func (h *Hub) resolveLocked(ctx context.Context, rs *requestState, result supervision.SupervisionResult) []func() {
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}

	// A result may arrive for a request that was never assigned; its
	// queue entry must go with it.
	if rs.req.Status == supervision.StatusPending {
		h.queue.remove(rs.req.SupervisorType, rs.req.ID)
	}

	rs.result = &result
	rs.req.Status = supervision.StatusCompleted
	h.completed++

	if rs.clientID != "" {
		h.clients.markFree(rs.clientID)
		rs.clientID = ""
	}

	req := rs.req
	fx := []func(){func() {
		h.audit(ctx, func(a Audit) error { return a.CreateSupervisionResult(ctx, result) })
		h.audit(ctx, func(a Audit) error {
			return a.UpdateSupervisionRequestStatus(ctx, req.ID, supervision.StatusCompleted)
		})
		if h.deps.Metrics != nil {
			h.deps.Metrics.ReviewsCompleted.Add(ctx, 1)
		}
		slog.Info("supervision result applied",
			"request_id", req.ID,
			"decision", result.Decision,
			"position", req.PositionInChain,
		)
	}}

	ex, ok := h.executions[req.ChainExecutionID]
	if !ok {
		return append(fx, h.scheduleLocked(ctx)...)
	}

	switch result.Decision {
	case supervision.DecisionApprove:
		fx = append(fx, h.advanceLocked(ctx, ex, req.PositionInChain+1)...)

	case supervision.DecisionModify:
		// Same advancement as approve; the agent receives the modified call.
		ex.chosenID = result.ChosenToolRequestID
		fx = append(fx, h.advanceLocked(ctx, ex, req.PositionInChain+1)...)

	case supervision.DecisionReject:
		fx = append(fx, h.finalizeLocked(ctx, ex, supervision.Outcome{
			RequestGroupID:   ex.group.ID,
			ChainExecutionID: ex.exec.ID,
			RunID:            ex.group.RunID,
			Decision:         supervision.DecisionReject,
			Feedback:         result.Reasoning,
			CreatedAt:        time.Now().UTC(),
		})...)

	case supervision.DecisionEscalate:
		// Escalation jumps to the next position unconditionally. Past the
		// last supervisor it degrades to a reject.
		if req.PositionInChain >= ex.chain.Len() {
			fx = append(fx, func() {
				slog.Warn("escalate past last chain position",
					"request_id", req.ID,
					"execution_id", ex.exec.ID,
					"reason", supervision.ErrNoEligibleSupervisor,
				)
			})
			fx = append(fx, h.finalizeLocked(ctx, ex, supervision.Outcome{
				RequestGroupID:   ex.group.ID,
				ChainExecutionID: ex.exec.ID,
				RunID:            ex.group.RunID,
				Decision:         supervision.DecisionReject,
				Feedback:         "escalated with no further supervisor: " + result.Reasoning,
				CreatedAt:        time.Now().UTC(),
			})...)
		} else {
			fx = append(fx, h.advanceLocked(ctx, ex, req.PositionInChain+1)...)
		}

	case supervision.DecisionTerminate:
		fx = append(fx, h.finalizeLocked(ctx, ex, supervision.Outcome{
			RequestGroupID:   ex.group.ID,
			ChainExecutionID: ex.exec.ID,
			RunID:            ex.group.RunID,
			Decision:         supervision.DecisionTerminate,
			Feedback:         result.Reasoning,
			CreatedAt:        time.Now().UTC(),
		})...)
	}

	// The resolving client is free again; pair it with queued work from
	// other executions.
	return append(fx, h.scheduleLocked(ctx)...)
}
