package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/internal/domain/supervision"
)

// assignableTypes are the supervisor types that route through the queue.
// Pass-through positions never reach the scheduler.
var assignableTypes = []supervision.SupervisorType{
	supervision.SupervisorHuman,
	supervision.SupervisorClient,
}

// scheduleLocked pairs queue heads with free clients until one side runs
// out. Strict FIFO per supervisor type, no client affinity. Runs on both
// scheduler triggers: a new request enqueued, or a client becoming free.
// Caller holds h.mu.
func (h *Hub) scheduleLocked(ctx context.Context) []func() {
	var fx []func()

	for _, t := range assignableTypes {
		for {
			id, ok := h.queue.peek(t)
			if !ok {
				break
			}
			entry, ok := h.clients.firstFree(t)
			if !ok {
				break
			}
			h.queue.dequeue(t)

			rs, ok := h.requests[id]
			if !ok || rs.req.Status != supervision.StatusPending {
				continue // stale queue entry
			}
			ex, ok := h.executions[rs.req.ChainExecutionID]
			if !ok {
				continue
			}

			fx = append(fx, h.assignLocked(ctx, rs, ex, entry)...)
		}
	}
	return fx
}

// assignLocked transitions a pending request to assigned on the given free
// client, arms the timeout, and schedules delivery of the payload.
func (h *Hub) assignLocked(ctx context.Context, rs *requestState, ex *execution, entry *registryEntry) []func() {
	clientID := entry.conn.ID()
	requestID := rs.req.ID

	rs.req.Status = supervision.StatusAssigned
	rs.clientID = clientID
	h.clients.markBusy(clientID, requestID)

	// Detach the timer from the request lifecycle of the triggering call.
	expireCtx := context.WithoutCancel(ctx)
	rs.timer = time.AfterFunc(h.reviewTimeout, func() {
		h.expireRequest(expireCtx, requestID)
	})

	assignment := Assignment{
		Request: rs.req,
		Group:   ex.group,
		Chain: ChainState{
			ChainExecutionID: ex.exec.ID,
			ChainID:          ex.chain.ID,
			Position:         rs.req.PositionInChain,
			ChainLength:      ex.chain.Len(),
		},
	}
	conn := entry.conn

	return []func(){func() {
		h.audit(ctx, func(a Audit) error {
			return a.UpdateSupervisionRequestStatus(ctx, requestID, supervision.StatusAssigned)
		})
		if h.deps.Metrics != nil {
			h.deps.Metrics.ReviewsAssigned.Add(ctx, 1)
		}
		slog.Info("supervision request assigned",
			"request_id", requestID,
			"client_id", clientID,
			"position", assignment.Chain.Position,
		)
		go h.deliver(ctx, conn, assignment)
	}}
}

// deliver pushes an assignment to a client. A failed push is treated as a
// disconnect: the connection is unregistered, which requeues the request at
// the head and re-triggers the scheduler.
func (h *Hub) deliver(ctx context.Context, conn ClientConn, a Assignment) {
	if err := conn.Push(ctx, a); err != nil {
		slog.Warn("assignment push failed, dropping client",
			"client_id", conn.ID(),
			"request_id", a.Request.ID,
			"error", err,
		)
		h.UnregisterClient(ctx, conn.ID())
	}
}

// expireRequest transitions an assigned request to timeout when its deadline
// passes: the vacated client returns to the registry as free and the chain
// advances as reject-equivalent. Timeout is a status, not a decision; it is
// recorded distinctly for observability.
func (h *Hub) expireRequest(ctx context.Context, requestID string) {
	h.mu.Lock()
	rs, ok := h.requests[requestID]
	if !ok || rs.req.Status != supervision.StatusAssigned {
		h.mu.Unlock()
		return
	}
	rs.timer = nil
	rs.req.Status = supervision.StatusTimeout
	h.completed++

	if rs.clientID != "" {
		h.clients.markFree(rs.clientID)
		rs.clientID = ""
	}

	fx := []func(){func() {
		h.audit(ctx, func(a Audit) error {
			return a.UpdateSupervisionRequestStatus(ctx, requestID, supervision.StatusTimeout)
		})
		if h.deps.Metrics != nil {
			h.deps.Metrics.ReviewsTimedOut.Add(ctx, 1)
		}
		slog.Warn("supervision request timed out",
			"request_id", requestID,
			"position", rs.req.PositionInChain,
		)
	}}

	if ex, ok := h.executions[rs.req.ChainExecutionID]; ok {
		fx = append(fx, h.finalizeLocked(ctx, ex, supervision.Outcome{
			RequestGroupID:   ex.group.ID,
			ChainExecutionID: ex.exec.ID,
			RunID:            ex.group.RunID,
			Decision:         supervision.DecisionReject,
			Feedback:         "supervision request timed out",
			CreatedAt:        time.Now().UTC(),
		})...)
	}

	// The vacated client may pick up queued work immediately.
	fx = append(fx, h.scheduleLocked(ctx)...)
	h.mu.Unlock()

	h.runEffects(fx)
	h.broadcastStats(ctx)
}
