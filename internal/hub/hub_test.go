package hub_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/domain/supervision"
	"github.com/wardenhq/warden/internal/hub"
)

// fakeClient is an in-memory ClientConn that records pushed assignments.
type fakeClient struct {
	id     string
	serves supervision.SupervisorType

	mu       sync.Mutex
	failPush bool
	pushes   chan hub.Assignment
}

func newFakeClient(id string, serves supervision.SupervisorType) *fakeClient {
	return &fakeClient{id: id, serves: serves, pushes: make(chan hub.Assignment, 16)}
}

func (c *fakeClient) ID() string                         { return c.id }
func (c *fakeClient) Serves() supervision.SupervisorType { return c.serves }
func (c *fakeClient) Push(_ context.Context, a hub.Assignment) error {
	c.mu.Lock()
	fail := c.failPush
	c.mu.Unlock()
	if fail {
		return errors.New("connection closed")
	}
	c.pushes <- a
	return nil
}

func testConfig() config.Hub {
	return config.Hub{
		ReviewTimeout: time.Minute,
		StatsInterval: time.Second,
	}
}

func humanChain(n int) supervision.Chain {
	chain := supervision.Chain{ID: "chain-1", CreatedAt: time.Now()}
	for i := 1; i <= n; i++ {
		chain.Supervisors = append(chain.Supervisors, supervision.Supervisor{
			ID:   fmt.Sprintf("sup-%d", i),
			Type: supervision.SupervisorHuman,
			Name: fmt.Sprintf("reviewer %d", i),
		})
	}
	return chain
}

func group(id, runID string) supervision.RequestGroup {
	return supervision.RequestGroup{
		ID:    id,
		RunID: runID,
		ToolRequests: []supervision.ToolRequest{
			{ID: id + "-tr-1", ToolID: "bash", Name: "bash"},
			{ID: id + "-tr-2", ToolID: "bash", Name: "bash"},
		},
		CreatedAt: time.Now(),
	}
}

func waitAssignment(t *testing.T, c *fakeClient) hub.Assignment {
	t.Helper()
	select {
	case a := <-c.pushes:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for assignment")
		return hub.Assignment{}
	}
}

func waitOutcome(t *testing.T, ch <-chan supervision.Outcome) supervision.Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return supervision.Outcome{}
	}
}

func result(requestID string, d supervision.Decision) supervision.SupervisionResult {
	return supervision.SupervisionResult{
		SupervisionRequestID: requestID,
		Decision:             d,
		Reasoning:            "test",
	}
}

// Scenario A: chain with 2 supervisors, approve at both steps. Positions are
// strictly increasing and contiguous; the agent proceeds with the original
// tool call.
func TestTwoStepApproval(t *testing.T) {
	ctx := context.Background()
	h := hub.New(testConfig(), hub.Deps{})

	client := newFakeClient("c1", supervision.SupervisorHuman)
	if err := h.RegisterClient(ctx, client); err != nil {
		t.Fatal(err)
	}

	g := group("g1", "run-1")
	_, outcomeCh, err := h.StartExecution(ctx, g, humanChain(2))
	if err != nil {
		t.Fatal(err)
	}

	a1 := waitAssignment(t, client)
	if a1.Request.PositionInChain != 1 {
		t.Fatalf("expected position 1, got %d", a1.Request.PositionInChain)
	}
	if err := h.Apply(ctx, result(a1.Request.ID, supervision.DecisionApprove)); err != nil {
		t.Fatal(err)
	}

	a2 := waitAssignment(t, client)
	if a2.Request.PositionInChain != 2 {
		t.Fatalf("expected position 2, got %d", a2.Request.PositionInChain)
	}
	if a2.Request.ChainExecutionID != a1.Request.ChainExecutionID {
		t.Fatal("expected same chain execution")
	}
	if err := h.Apply(ctx, result(a2.Request.ID, supervision.DecisionApprove)); err != nil {
		t.Fatal(err)
	}

	out := waitOutcome(t, outcomeCh)
	if out.Decision != supervision.DecisionApprove {
		t.Fatalf("expected approve outcome, got %s", out.Decision)
	}
	if out.ChosenToolRequestID != "g1-tr-1" {
		t.Fatalf("expected original tool request, got %s", out.ChosenToolRequestID)
	}
}

// Scenario B: escalate at step 1 creates step 2; escalate at the last step
// has no successor and degrades to reject.
func TestEscalatePastLastSupervisor(t *testing.T) {
	ctx := context.Background()
	h := hub.New(testConfig(), hub.Deps{})

	client := newFakeClient("c1", supervision.SupervisorHuman)
	if err := h.RegisterClient(ctx, client); err != nil {
		t.Fatal(err)
	}

	_, outcomeCh, err := h.StartExecution(ctx, group("g1", "run-1"), humanChain(2))
	if err != nil {
		t.Fatal(err)
	}

	a1 := waitAssignment(t, client)
	if err := h.Apply(ctx, result(a1.Request.ID, supervision.DecisionEscalate)); err != nil {
		t.Fatal(err)
	}

	a2 := waitAssignment(t, client)
	if a2.Request.PositionInChain != 2 {
		t.Fatalf("expected escalation to position 2, got %d", a2.Request.PositionInChain)
	}
	if err := h.Apply(ctx, result(a2.Request.ID, supervision.DecisionEscalate)); err != nil {
		t.Fatal(err)
	}

	out := waitOutcome(t, outcomeCh)
	if out.Decision != supervision.DecisionReject {
		t.Fatalf("expected escalate to degrade to reject, got %s", out.Decision)
	}
}

// Round-trip: a request enqueued with no free clients, then a client
// connecting, results in exactly one assignment.
func TestQueuedThenClientConnects(t *testing.T) {
	ctx := context.Background()
	h := hub.New(testConfig(), hub.Deps{})

	_, _, err := h.StartExecution(ctx, group("g1", "run-1"), humanChain(1))
	if err != nil {
		t.Fatal(err)
	}

	stats := h.Stats()
	if stats.QueuedReviews != 1 {
		t.Fatalf("expected 1 queued review, got %d", stats.QueuedReviews)
	}

	client := newFakeClient("c1", supervision.SupervisorHuman)
	if err := h.RegisterClient(ctx, client); err != nil {
		t.Fatal(err)
	}

	waitAssignment(t, client)

	// No duplicate delivery.
	select {
	case a := <-client.pushes:
		t.Fatalf("unexpected second assignment: %s", a.Request.ID)
	case <-time.After(100 * time.Millisecond):
	}

	stats = h.Stats()
	if stats.QueuedReviews != 0 || stats.StoredReviews != 1 {
		t.Fatalf("expected 0 queued / 1 stored, got %d / %d", stats.QueuedReviews, stats.StoredReviews)
	}
}

// Scenario C: the assigned client disconnects before responding. The request
// reverts to pending at the queue head and is the next one assigned.
func TestDisconnectRequeuesAtHead(t *testing.T) {
	ctx := context.Background()
	h := hub.New(testConfig(), hub.Deps{})

	client1 := newFakeClient("c1", supervision.SupervisorHuman)
	if err := h.RegisterClient(ctx, client1); err != nil {
		t.Fatal(err)
	}

	// First execution gets assigned; second waits in the queue behind it.
	_, _, err := h.StartExecution(ctx, group("g1", "run-1"), humanChain(1))
	if err != nil {
		t.Fatal(err)
	}
	a1 := waitAssignment(t, client1)

	_, _, err = h.StartExecution(ctx, group("g2", "run-2"), humanChain(1))
	if err != nil {
		t.Fatal(err)
	}

	h.UnregisterClient(ctx, client1.id)

	stats := h.Stats()
	if stats.QueuedReviews != 2 {
		t.Fatalf("expected 2 queued after disconnect, got %d", stats.QueuedReviews)
	}

	client2 := newFakeClient("c2", supervision.SupervisorHuman)
	if err := h.RegisterClient(ctx, client2); err != nil {
		t.Fatal(err)
	}

	a2 := waitAssignment(t, client2)
	if a2.Request.ID != a1.Request.ID {
		t.Fatalf("expected requeued request %s at head, got %s", a1.Request.ID, a2.Request.ID)
	}
}

// Scenario D: a second result for a resolved request is rejected with
// DuplicateResult and the completed counter does not increment twice.
func TestDuplicateResultRejected(t *testing.T) {
	ctx := context.Background()
	h := hub.New(testConfig(), hub.Deps{})

	client := newFakeClient("c1", supervision.SupervisorHuman)
	if err := h.RegisterClient(ctx, client); err != nil {
		t.Fatal(err)
	}
	_, outcomeCh, err := h.StartExecution(ctx, group("g1", "run-1"), humanChain(1))
	if err != nil {
		t.Fatal(err)
	}

	a := waitAssignment(t, client)
	if err := h.Apply(ctx, result(a.Request.ID, supervision.DecisionApprove)); err != nil {
		t.Fatal(err)
	}
	waitOutcome(t, outcomeCh)

	completed := h.Stats().CompletedReviews

	err = h.Apply(ctx, result(a.Request.ID, supervision.DecisionReject))
	if !errors.Is(err, supervision.ErrDuplicateResult) {
		t.Fatalf("expected ErrDuplicateResult, got %v", err)
	}
	if got := h.Stats().CompletedReviews; got != completed {
		t.Fatalf("completed counter moved on duplicate: %d -> %d", completed, got)
	}
}

func TestUnknownRequestRejected(t *testing.T) {
	ctx := context.Background()
	h := hub.New(testConfig(), hub.Deps{})

	err := h.Apply(ctx, result("no-such-request", supervision.DecisionApprove))
	if !errors.Is(err, supervision.ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestMalformedResultRejected(t *testing.T) {
	ctx := context.Background()
	h := hub.New(testConfig(), hub.Deps{})

	err := h.Apply(ctx, supervision.SupervisionResult{Decision: supervision.DecisionApprove})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// A modify decision advances like approve but the agent receives the
// modified tool call.
func TestModifyPropagatesChosenToolRequest(t *testing.T) {
	ctx := context.Background()
	h := hub.New(testConfig(), hub.Deps{})

	client := newFakeClient("c1", supervision.SupervisorHuman)
	if err := h.RegisterClient(ctx, client); err != nil {
		t.Fatal(err)
	}
	_, outcomeCh, err := h.StartExecution(ctx, group("g1", "run-1"), humanChain(1))
	if err != nil {
		t.Fatal(err)
	}

	a := waitAssignment(t, client)
	res := result(a.Request.ID, supervision.DecisionModify)
	res.ChosenToolRequestID = "g1-tr-2"
	if err := h.Apply(ctx, res); err != nil {
		t.Fatal(err)
	}

	out := waitOutcome(t, outcomeCh)
	if out.Decision != supervision.DecisionApprove {
		t.Fatalf("expected approve outcome, got %s", out.Decision)
	}
	if out.ChosenToolRequestID != "g1-tr-2" {
		t.Fatalf("expected modified tool request, got %s", out.ChosenToolRequestID)
	}
}

// An assigned request that is never resolved transitions to timeout, frees
// the client, and advances as reject-equivalent.
func TestAssignedRequestTimesOut(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ReviewTimeout = 50 * time.Millisecond
	h := hub.New(cfg, hub.Deps{})

	client := newFakeClient("c1", supervision.SupervisorHuman)
	if err := h.RegisterClient(ctx, client); err != nil {
		t.Fatal(err)
	}
	_, outcomeCh, err := h.StartExecution(ctx, group("g1", "run-1"), humanChain(1))
	if err != nil {
		t.Fatal(err)
	}
	a := waitAssignment(t, client)

	out := waitOutcome(t, outcomeCh)
	if out.Decision != supervision.DecisionReject {
		t.Fatalf("expected reject-equivalent outcome, got %s", out.Decision)
	}

	// The vacated client is free again.
	stats := h.Stats()
	if stats.FreeClients != 1 || stats.BusyClients != 0 {
		t.Fatalf("expected client freed after timeout, got free=%d busy=%d", stats.FreeClients, stats.BusyClients)
	}

	// A late result for the timed-out request is an unknown request.
	err = h.Apply(ctx, result(a.Request.ID, supervision.DecisionApprove))
	if !errors.Is(err, supervision.ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest after timeout, got %v", err)
	}
}

// Pass-through positions auto-approve without queueing; the following human
// position is still created at the next contiguous position.
func TestPassThroughSupervisorAutoApproves(t *testing.T) {
	ctx := context.Background()
	h := hub.New(testConfig(), hub.Deps{})

	client := newFakeClient("c1", supervision.SupervisorHuman)
	if err := h.RegisterClient(ctx, client); err != nil {
		t.Fatal(err)
	}

	chain := supervision.Chain{
		ID: "chain-1",
		Supervisors: []supervision.Supervisor{
			{ID: "sup-1", Type: supervision.SupervisorNone},
			{ID: "sup-2", Type: supervision.SupervisorHuman},
		},
	}
	_, outcomeCh, err := h.StartExecution(ctx, group("g1", "run-1"), chain)
	if err != nil {
		t.Fatal(err)
	}

	a := waitAssignment(t, client)
	if a.Request.PositionInChain != 2 {
		t.Fatalf("expected human review at position 2, got %d", a.Request.PositionInChain)
	}
	if err := h.Apply(ctx, result(a.Request.ID, supervision.DecisionApprove)); err != nil {
		t.Fatal(err)
	}
	out := waitOutcome(t, outcomeCh)
	if out.Decision != supervision.DecisionApprove {
		t.Fatalf("expected approve, got %s", out.Decision)
	}
}

// A terminate decision supersedes all sibling chain executions of the run
// and signals the agent runtime.
func TestTerminateSupersedesSiblingChains(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var terminated []string
	h := hub.New(testConfig(), hub.Deps{
		OnTerminate: func(_ context.Context, runID string) {
			mu.Lock()
			terminated = append(terminated, runID)
			mu.Unlock()
		},
	})

	client := newFakeClient("c1", supervision.SupervisorHuman)
	if err := h.RegisterClient(ctx, client); err != nil {
		t.Fatal(err)
	}

	_, out1, err := h.StartExecution(ctx, group("g1", "run-1"), humanChain(1))
	if err != nil {
		t.Fatal(err)
	}
	a1 := waitAssignment(t, client)

	// Sibling chain for the same run stays queued.
	_, out2, err := h.StartExecution(ctx, group("g2", "run-1"), humanChain(1))
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Apply(ctx, result(a1.Request.ID, supervision.DecisionTerminate)); err != nil {
		t.Fatal(err)
	}

	if out := waitOutcome(t, out1); out.Decision != supervision.DecisionTerminate {
		t.Fatalf("expected terminate outcome, got %s", out.Decision)
	}
	if out := waitOutcome(t, out2); out.Decision != supervision.DecisionTerminate {
		t.Fatalf("expected sibling terminate outcome, got %s", out.Decision)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(terminated) != 1 || terminated[0] != "run-1" {
		t.Fatalf("expected run-1 terminated once, got %v", terminated)
	}

	stats := h.Stats()
	if stats.QueuedReviews != 0 {
		t.Fatalf("expected sibling request removed from queue, got %d queued", stats.QueuedReviews)
	}
}

// connected_clients == free_clients + busy_clients, and queued + stored
// equals the number of non-terminal requests.
func TestStatsInvariants(t *testing.T) {
	ctx := context.Background()
	h := hub.New(testConfig(), hub.Deps{})

	for i := range 3 {
		c := newFakeClient(fmt.Sprintf("c%d", i), supervision.SupervisorHuman)
		if err := h.RegisterClient(ctx, c); err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			go func() {
				for range c.pushes {
					// hold assignments un-resolved
				}
			}()
		}
	}

	for i := range 5 {
		_, _, err := h.StartExecution(ctx, group(fmt.Sprintf("g%d", i), fmt.Sprintf("run-%d", i)), humanChain(1))
		if err != nil {
			t.Fatal(err)
		}
	}

	// Allow async deliveries to settle.
	time.Sleep(100 * time.Millisecond)

	stats := h.Stats()
	if stats.ConnectedClients != stats.FreeClients+stats.BusyClients {
		t.Fatalf("connected %d != free %d + busy %d",
			stats.ConnectedClients, stats.FreeClients, stats.BusyClients)
	}
	if stats.ConnectedClients != 3 {
		t.Fatalf("expected 3 connected clients, got %d", stats.ConnectedClients)
	}
	if got := stats.QueuedReviews + stats.StoredReviews; got != 5 {
		t.Fatalf("expected 5 non-terminal requests, got %d (queued=%d stored=%d)",
			got, stats.QueuedReviews, stats.StoredReviews)
	}
	for id, n := range stats.AssignedReviews {
		if n < 0 || n > 1 {
			t.Fatalf("client %s holds %d assignments", id, n)
		}
	}
	total := 0
	for n, clients := range stats.ReviewDistribution {
		total += clients
		if n != 0 && n != 1 {
			t.Fatalf("unexpected distribution bucket %d", n)
		}
	}
	if total != 3 {
		t.Fatalf("distribution covers %d clients, want 3", total)
	}
}

// A failing push is treated as a disconnect: the request is requeued and a
// healthy client receives it.
func TestFailedPushRequeues(t *testing.T) {
	ctx := context.Background()
	h := hub.New(testConfig(), hub.Deps{})

	bad := newFakeClient("bad", supervision.SupervisorHuman)
	bad.failPush = true
	if err := h.RegisterClient(ctx, bad); err != nil {
		t.Fatal(err)
	}

	_, _, err := h.StartExecution(ctx, group("g1", "run-1"), humanChain(1))
	if err != nil {
		t.Fatal(err)
	}

	// The bad client is dropped asynchronously; a healthy client picks up
	// the requeued request.
	good := newFakeClient("good", supervision.SupervisorHuman)
	if err := h.RegisterClient(ctx, good); err != nil {
		t.Fatal(err)
	}

	a := waitAssignment(t, good)
	if a.Request.PositionInChain != 1 {
		t.Fatalf("expected position 1, got %d", a.Request.PositionInChain)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected failing client dropped, %d clients registered", h.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// recordingAudit captures supervision requests as the hub persists them.
type recordingAudit struct {
	mu       sync.Mutex
	requests []supervision.SupervisionRequest
}

func (a *recordingAudit) CreateChainExecution(context.Context, supervision.ChainExecution) error {
	return nil
}

func (a *recordingAudit) CreateSupervisionRequest(_ context.Context, req supervision.SupervisionRequest) error {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	return nil
}

func (a *recordingAudit) UpdateSupervisionRequestStatus(context.Context, string, supervision.Status) error {
	return nil
}

func (a *recordingAudit) CreateSupervisionResult(context.Context, supervision.SupervisionResult) error {
	return nil
}

func (a *recordingAudit) RecordOutcome(context.Context, supervision.Outcome) error { return nil }

func (a *recordingAudit) waitRequest(t *testing.T) supervision.SupervisionRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		if len(a.requests) > 0 {
			req := a.requests[0]
			a.mu.Unlock()
			return req
		}
		a.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a supervision request to be persisted")
	return supervision.SupervisionRequest{}
}

// A terminal decision frees the reviewer, and the freed reviewer is paired
// with work queued by other executions right away, not on the next
// unrelated trigger.
func TestTerminalDecisionSchedulesQueuedWork(t *testing.T) {
	ctx := context.Background()
	h := hub.New(testConfig(), hub.Deps{})

	client := newFakeClient("c1", supervision.SupervisorHuman)
	if err := h.RegisterClient(ctx, client); err != nil {
		t.Fatal(err)
	}

	_, outA, err := h.StartExecution(ctx, group("g1", "run-1"), humanChain(1))
	if err != nil {
		t.Fatal(err)
	}
	first := waitAssignment(t, client)

	// The second execution queues behind the held assignment.
	chainB := humanChain(1)
	chainB.ID = "chain-2"
	_, outB, err := h.StartExecution(ctx, group("g2", "run-2"), chainB)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Apply(ctx, result(first.Request.ID, supervision.DecisionReject)); err != nil {
		t.Fatal(err)
	}
	if out := waitOutcome(t, outA); out.Decision != supervision.DecisionReject {
		t.Fatalf("expected reject, got %s", out.Decision)
	}

	second := waitAssignment(t, client)
	if second.Request.ChainExecutionID == first.Request.ChainExecutionID {
		t.Fatal("second assignment belongs to the finished execution")
	}

	if err := h.Apply(ctx, result(second.Request.ID, supervision.DecisionApprove)); err != nil {
		t.Fatal(err)
	}
	if out := waitOutcome(t, outB); out.Decision != supervision.DecisionApprove {
		t.Fatalf("expected approve, got %s", out.Decision)
	}
}

// A result may be applied to a request that is still pending. The queue
// entry must go with it, or stats overcount queued reviews.
func TestResultForPendingRequestClearsQueue(t *testing.T) {
	ctx := context.Background()
	audit := &recordingAudit{}
	h := hub.New(testConfig(), hub.Deps{Audit: audit})

	// No clients registered: the request stays pending in the queue.
	_, outcomeCh, err := h.StartExecution(ctx, group("g1", "run-1"), humanChain(1))
	if err != nil {
		t.Fatal(err)
	}
	req := audit.waitRequest(t)

	if err := h.Apply(ctx, result(req.ID, supervision.DecisionApprove)); err != nil {
		t.Fatal(err)
	}
	if out := waitOutcome(t, outcomeCh); out.Decision != supervision.DecisionApprove {
		t.Fatalf("expected approve, got %s", out.Decision)
	}

	stats := h.Stats()
	if stats.QueuedReviews != 0 || stats.StoredReviews != 0 {
		t.Fatalf("no non-terminal requests remain, yet queued=%d stored=%d",
			stats.QueuedReviews, stats.StoredReviews)
	}
}
