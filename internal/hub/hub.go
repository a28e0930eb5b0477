// Package hub implements the supervision broker: it queues pending reviews,
// assigns each to exactly one available reviewer connection, advances
// multi-step supervisor chains, and reconciles concurrent decisions and
// disconnects. All queue and registry mutations are linearized behind a
// single mutex; side effects (pushes, audit writes, outcome delivery) run
// after the lock is released.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/adapter/otel"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain/supervision"
	"github.com/wardenhq/warden/internal/port/broadcast"
)

// Event types pushed to dashboard clients.
const (
	EventStats    = "hub.stats"
	EventSync     = "hub.sync"
	EventAssigned = "supervision.request"
	EventError    = "error"
)

// ClientConn is the hub-side handle of a reviewer connection. Implementations
// must be safe for concurrent Push calls.
type ClientConn interface {
	// ID uniquely identifies the connection.
	ID() string
	// Serves returns the supervisor type this client can review.
	Serves() supervision.SupervisorType
	// Push delivers an assignment to the client.
	Push(ctx context.Context, a Assignment) error
}

// Assignment is the payload pushed to a reviewer when a request is assigned.
type Assignment struct {
	Request supervision.SupervisionRequest `json:"supervision_request"`
	Group   supervision.RequestGroup       `json:"request_group"`
	Chain   ChainState                     `json:"chain_state"`
}

// ChainState describes where in its chain an assignment sits.
type ChainState struct {
	ChainExecutionID string `json:"chain_execution_id"`
	ChainID          string `json:"chain_id"`
	Position         int    `json:"position"`
	ChainLength      int    `json:"chain_length"`
}

// Audit persists supervision state transitions for the dashboard read model.
// Failures are logged, never allowed to block resolution.
type Audit interface {
	CreateChainExecution(ctx context.Context, ex supervision.ChainExecution) error
	CreateSupervisionRequest(ctx context.Context, req supervision.SupervisionRequest) error
	UpdateSupervisionRequestStatus(ctx context.Context, id string, status supervision.Status) error
	CreateSupervisionResult(ctx context.Context, res supervision.SupervisionResult) error
	RecordOutcome(ctx context.Context, out supervision.Outcome) error
}

// Deps carries the hub's optional collaborators. Any field may be nil.
type Deps struct {
	Audit       Audit
	Broadcaster broadcast.Broadcaster
	Metrics     *otel.Metrics
	// OnOutcome is invoked once per chain execution with its final outcome.
	OnOutcome func(ctx context.Context, out supervision.Outcome)
	// OnTerminate is invoked when a terminate decision stops a run.
	OnTerminate func(ctx context.Context, runID string)
}

// execution tracks one in-flight chain traversal.
type execution struct {
	exec      supervision.ChainExecution
	chain     supervision.Chain
	group     supervision.RequestGroup
	currentID string // current non-terminal request, empty once finalized
	chosenID  string // last modify decision's chosen tool request
	finalized bool
	outcome   chan supervision.Outcome // buffered 1
}

// requestState tracks one supervision request and its resolution.
type requestState struct {
	req      supervision.SupervisionRequest
	result   *supervision.SupervisionResult
	timer    *time.Timer
	clientID string // assigned client, empty while pending
}

// Hub is the single authority over queue and registry state.
type Hub struct {
	deps          Deps
	reviewTimeout time.Duration
	statsInterval time.Duration

	mu         sync.Mutex
	clients    *clientRegistry
	queue      *reviewQueue
	executions map[string]*execution
	byRun      map[string][]*execution
	requests   map[string]*requestState
	completed  int // terminal resolutions since process start
}

// New creates a Hub from config and collaborators.
func New(cfg config.Hub, deps Deps) *Hub {
	return &Hub{
		deps:          deps,
		reviewTimeout: cfg.ReviewTimeout,
		statsInterval: cfg.StatsInterval,
		clients:       newClientRegistry(),
		queue:         newReviewQueue(),
		executions:    make(map[string]*execution),
		byRun:         make(map[string][]*execution),
		requests:      make(map[string]*requestState),
	}
}

// Run broadcasts stats snapshots at the configured interval until ctx is
// cancelled. Stats are also recomputed and broadcast on every state change.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcastStats(ctx)
		}
	}
}

// StartExecution creates a chain execution for the group, creates the first
// supervision request, and returns a channel that yields the final outcome.
func (h *Hub) StartExecution(ctx context.Context, group supervision.RequestGroup, chain supervision.Chain) (*supervision.ChainExecution, <-chan supervision.Outcome, error) {
	if len(group.ToolRequests) == 0 {
		return nil, nil, fmt.Errorf("request group %s has no tool requests", group.ID)
	}
	if chain.Len() == 0 {
		return nil, nil, fmt.Errorf("chain %s has no supervisors", chain.ID)
	}

	ex := &execution{
		exec: supervision.ChainExecution{
			ID:             uuid.NewString(),
			ChainID:        chain.ID,
			RequestGroupID: group.ID,
			RunID:          group.RunID,
			CreatedAt:      time.Now().UTC(),
		},
		chain:   chain,
		group:   group,
		outcome: make(chan supervision.Outcome, 1),
	}

	h.mu.Lock()
	h.executions[ex.exec.ID] = ex
	h.byRun[group.RunID] = append(h.byRun[group.RunID], ex)
	fx := h.advanceLocked(ctx, ex, 1)
	h.mu.Unlock()

	h.audit(ctx, func(a Audit) error { return a.CreateChainExecution(ctx, ex.exec) })
	h.runEffects(fx)
	h.broadcastStats(ctx)

	slog.Info("chain execution started",
		"execution_id", ex.exec.ID,
		"chain_id", chain.ID,
		"run_id", group.RunID,
		"group_id", group.ID,
	)
	return &ex.exec, ex.outcome, nil
}

// RegisterClient adds a reviewer connection to the registry as free and
// triggers assignment. The client receives a sync message so a reconnecting
// dashboard knows nothing is silently dropped.
func (h *Hub) RegisterClient(ctx context.Context, conn ClientConn) error {
	if conn.ID() == "" {
		return fmt.Errorf("client connection has no id")
	}

	h.mu.Lock()
	if err := h.clients.add(conn); err != nil {
		h.mu.Unlock()
		return err
	}
	fx := h.scheduleLocked(ctx)
	h.mu.Unlock()

	h.runEffects(fx)
	h.broadcastStats(ctx)
	slog.Info("reviewer client registered", "client_id", conn.ID(), "serves", conn.Serves())
	return nil
}

// UnregisterClient removes a reviewer connection. If the client was busy,
// its in-flight request is reverted to pending and requeued at the head.
func (h *Hub) UnregisterClient(ctx context.Context, clientID string) {
	h.mu.Lock()
	entry, ok := h.clients.remove(clientID)
	if !ok {
		h.mu.Unlock()
		return
	}

	var fx []func()
	if entry.assignedRequestID != "" {
		if rs, ok := h.requests[entry.assignedRequestID]; ok && rs.req.Status == supervision.StatusAssigned {
			h.revertToPendingLocked(rs)
			slog.Warn("in-flight request requeued at head",
				"request_id", rs.req.ID,
				"client_id", clientID,
				"reason", supervision.ErrClientDisconnected,
			)
		}
	}
	fx = append(fx, h.scheduleLocked(ctx)...)
	h.mu.Unlock()

	h.runEffects(fx)
	h.broadcastStats(ctx)
	slog.Info("reviewer client unregistered", "client_id", clientID)
}

// ClientCount returns the number of registered reviewer connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients.size()
}

// revertToPendingLocked moves an assigned request back to the queue head.
func (h *Hub) revertToPendingLocked(rs *requestState) {
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
	rs.req.Status = supervision.StatusPending
	rs.clientID = ""
	h.queue.enqueueHead(rs.req.SupervisorType, rs.req.ID)
}

// audit runs fn against the audit store, logging failure.
func (h *Hub) audit(ctx context.Context, fn func(Audit) error) {
	if h.deps.Audit == nil {
		return
	}
	if err := fn(h.deps.Audit); err != nil {
		slog.Error("audit write failed", "error", err)
	}
}

// runEffects executes deferred side effects outside the hub lock.
func (h *Hub) runEffects(fx []func()) {
	for _, f := range fx {
		f()
	}
}
