package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/wardenhq/warden/internal/adapter/llm"
	"github.com/wardenhq/warden/internal/adapter/otel"
	"github.com/wardenhq/warden/internal/domain/supervision"
	"github.com/wardenhq/warden/internal/hub"
	"github.com/wardenhq/warden/internal/port/database"
)

// defaultReviewerPrompt is used until an operator stores an override.
const defaultReviewerPrompt = `You are a security reviewer for autonomous agent tool calls.
Review the proposed tool call and decide whether it is safe to execute.
Respond with a single JSON object: {"decision": "approve"|"reject"|"escalate", "reasoning": "..."}.
Reject anything destructive, irreversible, or outside the task's apparent scope.
Escalate when you are unsure.`

// Completer is the slice of the LLM client the reviewer needs.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// ReviewerService is the automated supervisor: it registers with the hub as
// a reviewer client for supervisor type "client" and renders decisions by
// calling the LLM proxy.
type ReviewerService struct {
	id    string
	store database.Store
	llm   Completer
	hub   ReviewHub

	// Bounds concurrent LLM evaluations.
	sem *semaphore.Weighted
}

// NewReviewerService creates the automated reviewer. maxEvaluations bounds
// in-flight LLM calls.
func NewReviewerService(store database.Store, llm Completer, reviewHub ReviewHub, maxEvaluations int64) *ReviewerService {
	if maxEvaluations < 1 {
		maxEvaluations = 1
	}
	return &ReviewerService{
		id:    "llm-reviewer-" + uuid.NewString(),
		store: store,
		llm:   llm,
		hub:   reviewHub,
		sem:   semaphore.NewWeighted(maxEvaluations),
	}
}

// ReviewHub is the slice of the supervision hub the reviewer needs.
type ReviewHub interface {
	RegisterClient(ctx context.Context, conn hub.ClientConn) error
	UnregisterClient(ctx context.Context, clientID string)
	Apply(ctx context.Context, result supervision.SupervisionResult) error
}

// Start registers the reviewer with the hub. It stays registered until Stop.
func (s *ReviewerService) Start(ctx context.Context) error {
	if err := s.hub.RegisterClient(ctx, s); err != nil {
		return fmt.Errorf("register llm reviewer: %w", err)
	}
	slog.Info("llm reviewer registered", "client_id", s.id)
	return nil
}

// Stop removes the reviewer from the hub.
func (s *ReviewerService) Stop(ctx context.Context) {
	s.hub.UnregisterClient(ctx, s.id)
}

// ID implements hub.ClientConn.
func (s *ReviewerService) ID() string { return s.id }

// Serves implements hub.ClientConn.
func (s *ReviewerService) Serves() supervision.SupervisorType { return supervision.SupervisorClient }

// Push implements hub.ClientConn: it accepts an assignment and evaluates it
// asynchronously so the hub is never blocked on the LLM.
func (s *ReviewerService) Push(ctx context.Context, a hub.Assignment) error {
	bg := context.WithoutCancel(ctx)
	go s.evaluate(bg, a)
	return nil
}

// evaluate calls the LLM and applies the resulting decision. On any failure
// the assignment is rejected with the failure as reasoning; the hub's
// timeout remains the backstop if even that cannot be applied.
func (s *ReviewerService) evaluate(ctx context.Context, a hub.Assignment) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	ctx, span := otel.StartReviewSpan(ctx, a.Request.ID, a.Chain.Position)

	result := supervision.SupervisionResult{
		ID:                   uuid.NewString(),
		SupervisionRequestID: a.Request.ID,
		CreatedAt:            time.Now().UTC(),
	}

	decision, reasoning, err := s.render(ctx, a)
	if err != nil {
		slog.Error("llm evaluation failed", "request_id", a.Request.ID, "error", err)
		result.Decision = supervision.DecisionReject
		result.Reasoning = "automated review unavailable: " + err.Error()
	} else {
		result.Decision = decision
		result.Reasoning = reasoning
	}

	if err := s.hub.Apply(ctx, result); err != nil {
		// Timed out or requeued while we were thinking.
		slog.Warn("llm decision not applied", "request_id", a.Request.ID, "error", err)
	}
	otel.EndSpan(span, string(result.Decision))
}

// render produces a decision for the assignment from the LLM.
func (s *ReviewerService) render(ctx context.Context, a hub.Assignment) (supervision.Decision, string, error) {
	prompt, err := s.GetPrompt(ctx)
	if err != nil {
		return "", "", err
	}

	payload, err := json.Marshal(a.Group)
	if err != nil {
		return "", "", fmt.Errorf("marshal request group: %w", err)
	}

	raw, err := s.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: string(payload)},
	})
	if err != nil {
		return "", "", err
	}
	return parseDecision(raw)
}

// GetPrompt returns the stored reviewer prompt, falling back to the default.
func (s *ReviewerService) GetPrompt(ctx context.Context) (string, error) {
	prompt, err := s.store.GetReviewerPrompt(ctx)
	if err != nil {
		return "", fmt.Errorf("load reviewer prompt: %w", err)
	}
	if prompt == "" {
		return defaultReviewerPrompt, nil
	}
	return prompt, nil
}

// SetPrompt stores a reviewer prompt override.
func (s *ReviewerService) SetPrompt(ctx context.Context, prompt string) error {
	return s.store.SetReviewerPrompt(ctx, prompt)
}

// ListResults returns past automated-reviewer results, newest first.
func (s *ReviewerService) ListResults(ctx context.Context, limit int) ([]supervision.SupervisionResult, error) {
	return s.store.ListResultsBySupervisorType(ctx, supervision.SupervisorClient, limit)
}

// parseDecision extracts the decision JSON from an LLM response, tolerating
// surrounding prose and markdown fences.
func parseDecision(raw string) (supervision.Decision, string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", "", fmt.Errorf("no JSON object in llm response")
	}

	var parsed struct {
		Decision  string `json:"decision"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return "", "", fmt.Errorf("parse llm decision: %w", err)
	}

	d := supervision.Decision(strings.ToLower(strings.TrimSpace(parsed.Decision)))
	if !d.Valid() || d == supervision.DecisionModify || d == supervision.DecisionTerminate {
		// The automated reviewer is limited to approve/reject/escalate.
		return "", "", fmt.Errorf("llm returned unsupported decision %q", parsed.Decision)
	}
	return d, parsed.Reasoning, nil
}
