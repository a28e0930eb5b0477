package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/domain/supervision"
)

// advanceLocked moves a chain execution to the given 1-based position.
// Requests are created strictly in ascending position order: position n+1 is
// never created before position n reaches a terminal status. Returns deferred
// side effects; caller holds h.mu.
func (h *Hub) advanceLocked(ctx context.Context, ex *execution, position int) []func() {
	if ex.finalized {
		return nil
	}

	if position > ex.chain.Len() {
		// Chain exhausted: the agent proceeds with the chosen tool call.
		return h.finalizeLocked(ctx, ex, supervision.Outcome{
			RequestGroupID:      ex.group.ID,
			ChainExecutionID:    ex.exec.ID,
			RunID:               ex.group.RunID,
			Decision:            supervision.DecisionApprove,
			ChosenToolRequestID: ex.chosenToolRequestID(),
			CreatedAt:           time.Now().UTC(),
		})
	}

	sup, _ := ex.chain.At(position)
	req := supervision.SupervisionRequest{
		ID:               uuid.NewString(),
		ChainExecutionID: ex.exec.ID,
		SupervisorID:     sup.ID,
		SupervisorType:   sup.Type,
		PositionInChain:  position,
		Status:           supervision.StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	rs := &requestState{req: req}
	h.requests[req.ID] = rs
	ex.currentID = req.ID

	fx := []func(){func() {
		h.audit(ctx, func(a Audit) error { return a.CreateSupervisionRequest(ctx, req) })
	}}

	if sup.Type == supervision.SupervisorNone {
		// Pass-through position: auto-approve and keep moving. The request
		// is still recorded so positions stay contiguous.
		result := supervision.SupervisionResult{
			ID:                   uuid.NewString(),
			SupervisionRequestID: req.ID,
			Decision:             supervision.DecisionApprove,
			Reasoning:            "pass-through supervisor",
			CreatedAt:            time.Now().UTC(),
		}
		rs.req.Status = supervision.StatusCompleted
		rs.result = &result
		h.completed++
		fx = append(fx, func() {
			h.audit(ctx, func(a Audit) error { return a.CreateSupervisionResult(ctx, result) })
			h.audit(ctx, func(a Audit) error {
				return a.UpdateSupervisionRequestStatus(ctx, req.ID, supervision.StatusCompleted)
			})
		})
		return append(fx, h.advanceLocked(ctx, ex, position+1)...)
	}

	h.queue.enqueue(sup.Type, req.ID)
	if h.deps.Metrics != nil {
		fx = append(fx, func() { h.deps.Metrics.ReviewsQueued.Add(ctx, 1) })
	}
	fx = append(fx, func() {
		slog.Debug("supervision request queued",
			"request_id", req.ID,
			"execution_id", ex.exec.ID,
			"position", position,
			"supervisor_type", sup.Type,
		)
	})
	return append(fx, h.scheduleLocked(ctx)...)
}

// finalizeLocked terminates a chain execution and delivers its outcome.
// A terminate outcome supersedes all sibling chains of the owning run.
func (h *Hub) finalizeLocked(ctx context.Context, ex *execution, out supervision.Outcome) []func() {
	if ex.finalized {
		return nil
	}
	ex.finalized = true
	ex.currentID = ""

	fx := []func(){func() {
		select {
		case ex.outcome <- out:
		default:
		}
		h.audit(ctx, func(a Audit) error { return a.RecordOutcome(ctx, out) })
		if h.deps.OnOutcome != nil {
			h.deps.OnOutcome(ctx, out)
		}
		slog.Info("chain execution finalized",
			"execution_id", out.ChainExecutionID,
			"run_id", out.RunID,
			"decision", out.Decision,
		)
	}}

	if out.Decision == supervision.DecisionTerminate {
		fx = append(fx, h.terminateRunLocked(ctx, ex)...)
	}
	return fx
}

// terminateRunLocked stops every sibling chain execution of the run that
// produced a terminate decision, then signals the agent runtime.
func (h *Hub) terminateRunLocked(ctx context.Context, source *execution) []func() {
	var fx []func()
	runID := source.group.RunID

	for _, sibling := range h.byRun[runID] {
		if sibling == source || sibling.finalized {
			continue
		}
		if rs, ok := h.requests[sibling.currentID]; ok && !rs.req.Status.Terminal() {
			fx = append(fx, h.failRequestLocked(ctx, rs)...)
		}
		fx = append(fx, h.finalizeLocked(ctx, sibling, supervision.Outcome{
			RequestGroupID:   sibling.group.ID,
			ChainExecutionID: sibling.exec.ID,
			RunID:            runID,
			Decision:         supervision.DecisionTerminate,
			Feedback:         "superseded by terminate decision on run",
			CreatedAt:        time.Now().UTC(),
		})...)
	}

	if h.deps.OnTerminate != nil {
		fx = append(fx, func() { h.deps.OnTerminate(ctx, runID) })
	}
	return fx
}

// failRequestLocked force-terminates a non-terminal request, removing it
// from the queue or vacating its client as needed.
func (h *Hub) failRequestLocked(ctx context.Context, rs *requestState) []func() {
	var fx []func()

	switch rs.req.Status {
	case supervision.StatusPending:
		h.queue.remove(rs.req.SupervisorType, rs.req.ID)
	case supervision.StatusAssigned:
		if rs.timer != nil {
			rs.timer.Stop()
			rs.timer = nil
		}
		if rs.clientID != "" {
			h.clients.markFree(rs.clientID)
			rs.clientID = ""
		}
	default:
		return nil
	}

	rs.req.Status = supervision.StatusFailed
	h.completed++
	id := rs.req.ID
	fx = append(fx, func() {
		h.audit(ctx, func(a Audit) error {
			return a.UpdateSupervisionRequestStatus(ctx, id, supervision.StatusFailed)
		})
	})
	return fx
}

// chosenToolRequestID returns the tool request the agent should proceed
// with: the last modify decision's choice, or the first proposed call.
func (ex *execution) chosenToolRequestID() string {
	if ex.chosenID != "" {
		return ex.chosenID
	}
	if len(ex.group.ToolRequests) > 0 {
		return ex.group.ToolRequests[0].ID
	}
	return ""
}
