package hub

import (
	"context"

	"github.com/wardenhq/warden/internal/domain/supervision"
)

// Stats is a point-in-time snapshot of hub state. The field set is a
// bit-exact contract with the dashboard. review_distribution keys are ints;
// encoding/json stringifies integer map keys in transport.
type Stats struct {
	ConnectedClients   int            `json:"connected_clients"`
	QueuedReviews      int            `json:"queued_reviews"`
	StoredReviews      int            `json:"stored_reviews"`
	FreeClients        int            `json:"free_clients"`
	BusyClients        int            `json:"busy_clients"`
	CompletedReviews   int            `json:"completed_reviews"`
	AssignedReviews    map[string]int `json:"assigned_reviews"`
	ReviewDistribution map[int]int    `json:"review_distribution"`
}

// Stats derives a consistent snapshot from the registry and queue.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statsLocked()
}

func (h *Hub) statsLocked() Stats {
	free, busy := h.clients.partition()
	assigned := h.clients.assignedCounts()

	stored := 0
	for _, rs := range h.requests {
		if rs.req.Status == supervision.StatusAssigned {
			stored++
		}
	}

	distribution := make(map[int]int)
	for _, n := range assigned {
		distribution[n]++
	}

	return Stats{
		ConnectedClients:   h.clients.size(),
		QueuedReviews:      h.queue.size(),
		StoredReviews:      stored,
		FreeClients:        free,
		BusyClients:        busy,
		CompletedReviews:   h.completed,
		AssignedReviews:    assigned,
		ReviewDistribution: distribution,
	}
}

// broadcastStats pushes a fresh snapshot to dashboard clients. Stats are a
// derived read-only view; sub-second staleness is acceptable.
func (h *Hub) broadcastStats(ctx context.Context) {
	if h.deps.Broadcaster == nil {
		return
	}
	h.deps.Broadcaster.BroadcastEvent(ctx, EventStats, h.Stats())
}
