//go:build load

package load

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain/supervision"
	"github.com/wardenhq/warden/internal/hub"
)

// approvingClient approves everything pushed to it as fast as it can.
type approvingClient struct {
	id  string
	hub *hub.Hub
}

func (c *approvingClient) ID() string                         { return c.id }
func (c *approvingClient) Serves() supervision.SupervisorType { return supervision.SupervisorHuman }

func (c *approvingClient) Push(ctx context.Context, a hub.Assignment) error {
	go func() {
		_ = c.hub.Apply(context.WithoutCancel(ctx), supervision.SupervisionResult{
			SupervisionRequestID: a.Request.ID,
			Decision:             supervision.DecisionApprove,
			Reasoning:            "load test",
		})
	}()
	return nil
}

// TestHubThroughput drives many concurrent chain executions through a small
// pool of reviewers and checks that every execution resolves.
func TestHubThroughput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.New(config.Hub{
		ReviewTimeout: 30 * time.Second,
		StatsInterval: time.Second,
	}, hub.Deps{})
	go h.Run(ctx)

	const reviewers = 8
	const executions = 200

	for i := range reviewers {
		c := &approvingClient{id: fmt.Sprintf("reviewer-%d", i), hub: h}
		if err := h.RegisterClient(ctx, c); err != nil {
			t.Fatalf("register reviewer %d: %v", i, err)
		}
	}

	chain := supervision.Chain{ID: "chain-load", CreatedAt: time.Now()}
	for i := 1; i <= 3; i++ {
		chain.Supervisors = append(chain.Supervisors, supervision.Supervisor{
			ID:   fmt.Sprintf("sup-%d", i),
			Type: supervision.SupervisorHuman,
			Name: fmt.Sprintf("reviewer %d", i),
		})
	}

	var wg sync.WaitGroup
	wg.Add(executions)
	outcomes := make(chan supervision.Outcome, executions)

	start := time.Now()
	for i := range executions {
		go func() {
			defer wg.Done()
			g := supervision.RequestGroup{
				ID:    fmt.Sprintf("group-%d", i),
				RunID: fmt.Sprintf("run-%d", i),
				ToolRequests: []supervision.ToolRequest{
					{ID: fmt.Sprintf("tr-%d", i), ToolID: "bash", Name: "bash"},
				},
				CreatedAt: time.Now(),
			}
			_, ch, err := h.StartExecution(ctx, g, chain)
			if err != nil {
				t.Errorf("start execution %d: %v", i, err)
				return
			}
			select {
			case out := <-ch:
				outcomes <- out
			case <-time.After(30 * time.Second):
				t.Errorf("execution %d did not resolve", i)
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	resolved := 0
	for out := range outcomes {
		if out.Decision != supervision.DecisionApprove {
			t.Errorf("expected approve, got %s", out.Decision)
		}
		resolved++
	}
	t.Logf("resolved %d executions in %s", resolved, time.Since(start))

	if resolved != executions {
		t.Fatalf("expected %d resolved executions, got %d", executions, resolved)
	}

	// All reviewers idle again once the queue drains.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s := h.Stats()
		if s.FreeClients == reviewers && s.QueuedReviews == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	s := h.Stats()
	t.Fatalf("hub did not settle: free=%d queued=%d", s.FreeClients, s.QueuedReviews)
}
