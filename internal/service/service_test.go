package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/adapter/llm"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/domain/project"
	"github.com/wardenhq/warden/internal/domain/supervision"
	"github.com/wardenhq/warden/internal/hub"
	"github.com/wardenhq/warden/internal/port/database"
	"github.com/wardenhq/warden/internal/port/messagequeue"
)

// fakeStore implements the slice of database.Store the services touch.
type fakeStore struct {
	database.Store

	mu           sync.Mutex
	chains       map[string][]supervision.Chain // by tool id
	prompt       string
	groups       []supervision.RequestGroup
	runStatuses  map[string]project.RunStatus
	typedResults []supervision.SupervisionResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chains:      make(map[string][]supervision.Chain),
		runStatuses: make(map[string]project.RunStatus),
	}
}

func (f *fakeStore) ListChainsForTool(_ context.Context, toolID string) ([]supervision.Chain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chains[toolID], nil
}

func (f *fakeStore) CreateRequestGroup(_ context.Context, g supervision.RequestGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, g)
	return nil
}

func (f *fakeStore) UpdateRunStatus(_ context.Context, id string, status project.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runStatuses[id] = status
	return nil
}

func (f *fakeStore) GetReviewerPrompt(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompt, nil
}

func (f *fakeStore) SetReviewerPrompt(_ context.Context, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompt = prompt
	return nil
}

func (f *fakeStore) ListResultsBySupervisorType(context.Context, supervision.SupervisorType, int) ([]supervision.SupervisionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typedResults, nil
}

// Audit writes from the hub are no-ops here.
func (f *fakeStore) CreateChainExecution(context.Context, supervision.ChainExecution) error {
	return nil
}
func (f *fakeStore) CreateSupervisionRequest(context.Context, supervision.SupervisionRequest) error {
	return nil
}
func (f *fakeStore) UpdateSupervisionRequestStatus(context.Context, string, supervision.Status) error {
	return nil
}
func (f *fakeStore) CreateSupervisionResult(context.Context, supervision.SupervisionResult) error {
	return nil
}
func (f *fakeStore) RecordOutcome(context.Context, supervision.Outcome) error { return nil }

// fakeQueue records published messages.
type fakeQueue struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]messagequeue.Handler
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		published: make(map[string][][]byte),
		handlers:  make(map[string]messagequeue.Handler),
	}
}

func (f *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeQueue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = handler
	return func() {}, nil
}

func (f *fakeQueue) Drain() error      { return nil }
func (f *fakeQueue) Close() error      { return nil }
func (f *fakeQueue) IsConnected() bool { return true }

func (f *fakeQueue) messages(subject string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[subject]
}

// fakeCompleter returns canned responses.
type fakeCompleter struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (f *fakeCompleter) Complete(_ context.Context, _ []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.response, f.err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeCache is a plain map-backed cache.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[string][]byte)} }

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	return v, ok, nil
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = value
	return nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func testGroup(toolID string) supervision.RequestGroup {
	return supervision.RequestGroup{
		RunID: "run-1",
		ToolRequests: []supervision.ToolRequest{
			{ToolID: toolID, Name: toolID},
		},
	}
}

// --- SupervisionService ---

func TestSubmitAndWaitPassThrough(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	svc := NewSupervisionService(config.Hub{ReviewTimeout: time.Minute, StatsInterval: time.Second},
		store, queue, nil, nil)

	out, err := svc.SubmitAndWait(context.Background(), testGroup("ls"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision != supervision.DecisionApprove {
		t.Fatalf("expected pass-through approve, got %s", out.Decision)
	}
	if out.ChosenToolRequestID == "" {
		t.Fatal("expected chosen tool request id")
	}

	// The final outcome reaches the run's subject.
	subject := messagequeue.SubjectOutcome + ".run-1"
	if got := len(queue.messages(subject)); got != 1 {
		t.Fatalf("expected 1 outcome on %s, got %d", subject, got)
	}
}

func TestSubmitAndWaitRequiresRunID(t *testing.T) {
	svc := NewSupervisionService(config.Hub{ReviewTimeout: time.Minute, StatsInterval: time.Second},
		newFakeStore(), newFakeQueue(), nil, nil)

	group := testGroup("ls")
	group.RunID = ""
	_, err := svc.SubmitAndWait(context.Background(), group)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTerminatePropagation(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	store.chains["bash"] = []supervision.Chain{{
		ID:     "chain-1",
		ToolID: "bash",
		Supervisors: []supervision.Supervisor{
			{ID: "sup-1", Type: supervision.SupervisorHuman},
		},
	}}

	svc := NewSupervisionService(config.Hub{ReviewTimeout: time.Minute, StatsInterval: time.Second},
		store, queue, nil, nil)

	// A human reviewer that terminates everything it sees.
	reviewer := &scriptedReviewer{hub: svc.Hub(), decision: supervision.DecisionTerminate}
	if err := svc.Hub().RegisterClient(context.Background(), reviewer); err != nil {
		t.Fatal(err)
	}

	out, err := svc.SubmitAndWait(context.Background(), testGroup("bash"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision != supervision.DecisionTerminate {
		t.Fatalf("expected terminate, got %s", out.Decision)
	}

	// Terminate propagation runs after outcome delivery; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		status := store.runStatuses["run-1"]
		store.mu.Unlock()
		if len(queue.messages(messagequeue.SubjectTerminate)) == 1 && status == project.RunStatusTerminated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("terminate not propagated: signals=%d status=%q",
				len(queue.messages(messagequeue.SubjectTerminate)), status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// scriptedReviewer is a hub client that replies with a fixed decision.
type scriptedReviewer struct {
	hub      ReviewHub
	decision supervision.Decision
}

func (r *scriptedReviewer) ID() string                         { return "scripted" }
func (r *scriptedReviewer) Serves() supervision.SupervisorType { return supervision.SupervisorHuman }

func (r *scriptedReviewer) Push(ctx context.Context, a hub.Assignment) error {
	go func() {
		_ = r.hub.Apply(context.WithoutCancel(ctx), supervision.SupervisionResult{
			SupervisionRequestID: a.Request.ID,
			Decision:             r.decision,
		})
	}()
	return nil
}

func TestAggregateOutcomes(t *testing.T) {
	approve := supervision.Outcome{Decision: supervision.DecisionApprove}
	reject := supervision.Outcome{Decision: supervision.DecisionReject}
	terminate := supervision.Outcome{Decision: supervision.DecisionTerminate}

	tests := []struct {
		name     string
		outcomes []supervision.Outcome
		want     supervision.Decision
	}{
		{"single approve", []supervision.Outcome{approve}, supervision.DecisionApprove},
		{"all approve", []supervision.Outcome{approve, approve}, supervision.DecisionApprove},
		{"reject wins over approve", []supervision.Outcome{approve, reject}, supervision.DecisionReject},
		{"terminate wins over reject", []supervision.Outcome{reject, terminate}, supervision.DecisionTerminate},
		{"terminate first", []supervision.Outcome{terminate, approve}, supervision.DecisionTerminate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := aggregateOutcomes(tt.outcomes); got.Decision != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got.Decision)
			}
		})
	}
}

// --- ReviewerService ---

// captureHub records applied results.
type captureHub struct {
	mu       sync.Mutex
	applied  chan supervision.SupervisionResult
	applyErr error
}

func newCaptureHub() *captureHub {
	return &captureHub{applied: make(chan supervision.SupervisionResult, 1)}
}

func (c *captureHub) RegisterClient(context.Context, hub.ClientConn) error { return nil }
func (c *captureHub) UnregisterClient(context.Context, string)             {}

func (c *captureHub) Apply(_ context.Context, result supervision.SupervisionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applyErr != nil {
		return c.applyErr
	}
	c.applied <- result
	return nil
}

func waitApplied(t *testing.T, c *captureHub) supervision.SupervisionResult {
	t.Helper()
	select {
	case r := <-c.applied:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result applied")
		return supervision.SupervisionResult{}
	}
}

func TestReviewerApprovesFromLLM(t *testing.T) {
	capture := newCaptureHub()
	completer := &fakeCompleter{response: `{"decision": "Approve", "reasoning": "read-only command"}`}
	svc := NewReviewerService(newFakeStore(), completer, capture, 2)

	err := svc.Push(context.Background(), hub.Assignment{
		Request: supervision.SupervisionRequest{ID: "req-1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	result := waitApplied(t, capture)
	if result.Decision != supervision.DecisionApprove {
		t.Fatalf("expected approve, got %s", result.Decision)
	}
	if result.SupervisionRequestID != "req-1" {
		t.Fatalf("expected req-1, got %s", result.SupervisionRequestID)
	}
	if result.Reasoning != "read-only command" {
		t.Fatalf("unexpected reasoning %q", result.Reasoning)
	}
}

func TestReviewerRejectsOnLLMFailure(t *testing.T) {
	capture := newCaptureHub()
	completer := &fakeCompleter{err: errors.New("proxy down")}
	svc := NewReviewerService(newFakeStore(), completer, capture, 2)

	_ = svc.Push(context.Background(), hub.Assignment{
		Request: supervision.SupervisionRequest{ID: "req-1"},
	})

	result := waitApplied(t, capture)
	if result.Decision != supervision.DecisionReject {
		t.Fatalf("expected reject fallback, got %s", result.Decision)
	}
	if !strings.Contains(result.Reasoning, "automated review unavailable") {
		t.Fatalf("unexpected reasoning %q", result.Reasoning)
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    supervision.Decision
		wantErr bool
	}{
		{"plain", `{"decision":"approve","reasoning":"ok"}`, supervision.DecisionApprove, false},
		{"fenced", "```json\n{\"decision\":\"reject\",\"reasoning\":\"rm -rf\"}\n```", supervision.DecisionReject, false},
		{"prose around", `Sure! {"decision":"escalate","reasoning":"unsure"} Hope that helps.`, supervision.DecisionEscalate, false},
		{"no json", "I think it is fine", "", true},
		{"unknown decision", `{"decision":"maybe"}`, "", true},
		{"terminate not allowed", `{"decision":"terminate"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := parseDecision(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestReviewerPromptFallback(t *testing.T) {
	svc := NewReviewerService(newFakeStore(), &fakeCompleter{}, newCaptureHub(), 1)

	prompt, err := svc.GetPrompt(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if prompt != defaultReviewerPrompt {
		t.Fatal("expected default prompt when none stored")
	}

	if err := svc.SetPrompt(context.Background(), "custom"); err != nil {
		t.Fatal(err)
	}
	prompt, err = svc.GetPrompt(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if prompt != "custom" {
		t.Fatalf("expected stored prompt, got %q", prompt)
	}
}

// --- ExplainService ---

func TestExplainCachesByContent(t *testing.T) {
	completer := &fakeCompleter{response: `{"explanation":"lists files","score":0.1}`}
	svc := NewExplainService(completer, newFakeCache(), time.Hour)

	for range 2 {
		exp, err := svc.Explain(context.Background(), "ls -la")
		if err != nil {
			t.Fatal(err)
		}
		if exp.Explanation != "lists files" || exp.Score != 0.1 {
			t.Fatalf("unexpected explanation %+v", exp)
		}
	}
	if completer.callCount() != 1 {
		t.Fatalf("expected 1 llm call, got %d", completer.callCount())
	}
}

func TestExplainScoreClamped(t *testing.T) {
	completer := &fakeCompleter{response: `{"explanation":"nukes the disk","score":3.5}`}
	svc := NewExplainService(completer, newFakeCache(), time.Hour)

	exp, err := svc.Explain(context.Background(), "rm -rf /")
	if err != nil {
		t.Fatal(err)
	}
	if exp.Score != 1 {
		t.Fatalf("expected clamped score 1, got %v", exp.Score)
	}
}

func TestExplainRejectsEmptyText(t *testing.T) {
	svc := NewExplainService(&fakeCompleter{}, newFakeCache(), time.Hour)

	_, err := svc.Explain(context.Background(), "   ")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
