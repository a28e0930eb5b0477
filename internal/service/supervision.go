// Package service wires the hub to its external collaborators: agent
// runtimes (NATS and in-process), the audit store, and the LLM proxy.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenhq/warden/internal/adapter/otel"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/domain/project"
	"github.com/wardenhq/warden/internal/domain/supervision"
	"github.com/wardenhq/warden/internal/hub"
	"github.com/wardenhq/warden/internal/port/broadcast"
	"github.com/wardenhq/warden/internal/port/database"
	"github.com/wardenhq/warden/internal/port/messagequeue"
)

// SupervisionService is the agent-facing entry point: it accepts submitted
// request groups, resolves the chains configured for the tool, runs them
// through the hub, and reports outcomes back over NATS.
type SupervisionService struct {
	store database.Store
	queue messagequeue.Queue
	hub   *hub.Hub
}

// NewSupervisionService creates the service and the hub it fronts. Outcome
// and terminate propagation back to agent runtimes is wired here.
func NewSupervisionService(
	cfg config.Hub,
	store database.Store,
	queue messagequeue.Queue,
	broadcaster broadcast.Broadcaster,
	metrics *otel.Metrics,
) *SupervisionService {
	s := &SupervisionService{
		store: store,
		queue: queue,
	}
	s.hub = hub.New(cfg, hub.Deps{
		Audit:       store,
		Broadcaster: broadcaster,
		Metrics:     metrics,
		OnOutcome:   s.publishOutcome,
		OnTerminate: s.propagateTerminate,
	})
	return s
}

// Hub exposes the supervision hub for the transport adapters.
func (s *SupervisionService) Hub() *hub.Hub {
	return s.hub
}

// Run starts the hub's stats loop and the NATS submission subscriber, and
// blocks until ctx is cancelled.
func (s *SupervisionService) Run(ctx context.Context) error {
	cancel, err := s.queue.Subscribe(ctx, messagequeue.SubjectSubmitted, s.handleSubmitted)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectSubmitted, err)
	}
	defer cancel()

	s.hub.Run(ctx)
	return nil
}

// SubmitAndWait runs the submitted group through every chain configured for
// its tool and blocks until the aggregate outcome. The agent's tool call is
// suspended for the duration.
func (s *SupervisionService) SubmitAndWait(ctx context.Context, group supervision.RequestGroup) (supervision.Outcome, error) {
	if err := validateGroup(&group); err != nil {
		return supervision.Outcome{}, err
	}

	if err := s.store.CreateRequestGroup(ctx, group); err != nil {
		// The hub stays authoritative; a failed audit write must not
		// block supervision.
		slog.Error("persist request group failed", "group_id", group.ID, "error", err)
	}

	chains, err := s.chainsFor(ctx, group)
	if err != nil {
		return supervision.Outcome{}, err
	}

	outcomes := make([]<-chan supervision.Outcome, 0, len(chains))
	spans := make([]trace.Span, 0, len(chains))
	for _, chain := range chains {
		exec, ch, err := s.hub.StartExecution(ctx, group, chain)
		if err != nil {
			for _, span := range spans {
				otel.EndSpan(span, "error")
			}
			return supervision.Outcome{}, fmt.Errorf("start chain %s: %w", chain.ID, err)
		}
		_, span := otel.StartExecutionSpan(ctx, exec.ID, chain.ID, group.RunID)
		outcomes = append(outcomes, ch)
		spans = append(spans, span)
	}

	collected := make([]supervision.Outcome, 0, len(outcomes))
	for i, ch := range outcomes {
		select {
		case out := <-ch:
			otel.EndSpan(spans[i], string(out.Decision))
			collected = append(collected, out)
		case <-ctx.Done():
			for _, span := range spans[i:] {
				otel.EndSpan(span, "cancelled")
			}
			return supervision.Outcome{}, ctx.Err()
		}
	}
	return aggregateOutcomes(collected), nil
}

// chainsFor resolves the chains configured for the group's tool. Tools with
// no configured chain pass through a single auto-approving position.
func (s *SupervisionService) chainsFor(ctx context.Context, group supervision.RequestGroup) ([]supervision.Chain, error) {
	toolID := group.ToolRequests[0].ToolID
	chains, err := s.store.ListChainsForTool(ctx, toolID)
	if err != nil {
		return nil, fmt.Errorf("resolve chains for tool %s: %w", toolID, err)
	}
	if len(chains) == 0 {
		return []supervision.Chain{passThroughChain(toolID)}, nil
	}
	return chains, nil
}

// handleSubmitted bridges NATS submissions into the hub. Supervision can take
// minutes, so the wait happens off the consumer callback.
func (s *SupervisionService) handleSubmitted(ctx context.Context, _ string, data []byte) error {
	var group supervision.RequestGroup
	if err := json.Unmarshal(data, &group); err != nil {
		return fmt.Errorf("%w: %s", supervision.ErrMalformedMessage, err)
	}

	go func() {
		if _, err := s.SubmitAndWait(ctx, group); err != nil {
			slog.Error("supervision of submitted group failed",
				"group_id", group.ID,
				"run_id", group.RunID,
				"error", err,
			)
		}
	}()
	return nil
}

// publishOutcome reports a final chain outcome to the owning run's subject.
func (s *SupervisionService) publishOutcome(ctx context.Context, out supervision.Outcome) {
	data, err := json.Marshal(out)
	if err != nil {
		slog.Error("marshal outcome", "execution_id", out.ChainExecutionID, "error", err)
		return
	}
	subject := messagequeue.SubjectOutcome + "." + out.RunID
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		slog.Error("publish outcome", "subject", subject, "error", err)
	}
}

// propagateTerminate marks the run terminated and notifies its runtime.
func (s *SupervisionService) propagateTerminate(ctx context.Context, runID string) {
	if err := s.store.UpdateRunStatus(ctx, runID, project.RunStatusTerminated); err != nil {
		slog.Error("mark run terminated", "run_id", runID, "error", err)
	}

	data, _ := json.Marshal(map[string]string{"run_id": runID})
	if err := s.queue.Publish(ctx, messagequeue.SubjectTerminate, data); err != nil {
		slog.Error("publish terminate", "run_id", runID, "error", err)
	}
}

func validateGroup(group *supervision.RequestGroup) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	if group.RunID == "" {
		return fmt.Errorf("%w: run_id is required", domain.ErrValidation)
	}
	if len(group.ToolRequests) == 0 {
		return fmt.Errorf("%w: at least one tool request is required", domain.ErrValidation)
	}
	for i := range group.ToolRequests {
		tr := &group.ToolRequests[i]
		if tr.ID == "" {
			tr.ID = uuid.NewString()
		}
		if tr.ToolID == "" {
			return fmt.Errorf("%w: tool request %s has no tool_id", domain.ErrValidation, tr.ID)
		}
	}
	if group.CreatedAt.IsZero() {
		group.CreatedAt = time.Now().UTC()
	}
	return nil
}

// passThroughChain is used for tools with no configured supervision.
func passThroughChain(toolID string) supervision.Chain {
	return supervision.Chain{
		ID:     uuid.NewString(),
		ToolID: toolID,
		Supervisors: []supervision.Supervisor{
			{
				ID:   uuid.NewString(),
				Type: supervision.SupervisorNone,
				Name: "pass-through",
			},
		},
	}
}

// aggregateOutcomes folds sibling chain outcomes into one run-visible
// decision: any terminate wins, then any reject, otherwise approve with the
// first chain's chosen tool request.
func aggregateOutcomes(outcomes []supervision.Outcome) supervision.Outcome {
	if len(outcomes) == 1 {
		return outcomes[0]
	}

	final := outcomes[0]
	for _, out := range outcomes[1:] {
		switch {
		case out.Decision == supervision.DecisionTerminate:
			return out
		case out.Decision == supervision.DecisionReject && final.Decision != supervision.DecisionTerminate:
			final = out
		}
	}
	return final
}
