package hub

import (
	"fmt"

	"github.com/wardenhq/warden/internal/domain/supervision"
)

// registryEntry is one live reviewer connection and its assignment state.
type registryEntry struct {
	conn              ClientConn
	busy              bool
	assignedRequestID string
}

// clientRegistry tracks reviewer connections that can accept assigned work.
// Not safe for concurrent use; the hub mutex guards it.
type clientRegistry struct {
	entries map[string]*registryEntry
	order   []string // registration order, for deterministic assignment
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{entries: make(map[string]*registryEntry)}
}

// add registers a connection as free.
func (r *clientRegistry) add(conn ClientConn) error {
	id := conn.ID()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("client %s already registered", id)
	}
	r.entries[id] = &registryEntry{conn: conn}
	r.order = append(r.order, id)
	return nil
}

// remove deletes a connection and returns its entry.
func (r *clientRegistry) remove(id string) (*registryEntry, bool) {
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return entry, true
}

// firstFree returns the first free connection that serves the given
// supervisor type, in registration order. No client affinity.
func (r *clientRegistry) firstFree(t supervision.SupervisorType) (*registryEntry, bool) {
	for _, id := range r.order {
		entry := r.entries[id]
		if !entry.busy && entry.conn.Serves() == t {
			return entry, true
		}
	}
	return nil, false
}

// markBusy transitions an entry to busy with the given request.
func (r *clientRegistry) markBusy(id, requestID string) {
	if entry, ok := r.entries[id]; ok {
		entry.busy = true
		entry.assignedRequestID = requestID
	}
}

// markFree returns an entry to the free pool.
func (r *clientRegistry) markFree(id string) {
	if entry, ok := r.entries[id]; ok {
		entry.busy = false
		entry.assignedRequestID = ""
	}
}

func (r *clientRegistry) size() int { return len(r.entries) }

// partition returns the free/busy split of the registry.
func (r *clientRegistry) partition() (free, busy int) {
	for _, entry := range r.entries {
		if entry.busy {
			busy++
		} else {
			free++
		}
	}
	return free, busy
}

// assignedCounts returns a map of client ID to the number of requests
// currently assigned to it. Always 0 or 1 under the single-assignment
// invariant, but expressed as a map to support future multi-assignment.
func (r *clientRegistry) assignedCounts() map[string]int {
	counts := make(map[string]int, len(r.entries))
	for id, entry := range r.entries {
		n := 0
		if entry.assignedRequestID != "" {
			n = 1
		}
		counts[id] = n
	}
	return counts
}
