package hub

import "github.com/wardenhq/warden/internal/domain/supervision"

// reviewQueue holds the IDs of pending supervision requests, partitioned by
// supervisor type. FIFO: insertion order is submission order, no priority
// reordering. Queue membership is exactly the set of requests with status
// pending. Not safe for concurrent use; the hub mutex guards it.
type reviewQueue struct {
	byType map[supervision.SupervisorType][]string
}

func newReviewQueue() *reviewQueue {
	return &reviewQueue{byType: make(map[supervision.SupervisorType][]string)}
}

// enqueue appends a request ID to the tail of its type's queue.
func (q *reviewQueue) enqueue(t supervision.SupervisorType, id string) {
	q.byType[t] = append(q.byType[t], id)
}

// enqueueHead inserts a request ID at the head of its type's queue. Used
// when an assigned request is reverted after a client disconnect, so agents
// already waiting are not pushed to the back.
func (q *reviewQueue) enqueueHead(t supervision.SupervisorType, id string) {
	q.byType[t] = append([]string{id}, q.byType[t]...)
}

// dequeue removes and returns the head of the given type's queue.
func (q *reviewQueue) dequeue(t supervision.SupervisorType) (string, bool) {
	ids := q.byType[t]
	if len(ids) == 0 {
		return "", false
	}
	q.byType[t] = ids[1:]
	return ids[0], true
}

// peek returns the head without removing it.
func (q *reviewQueue) peek(t supervision.SupervisorType) (string, bool) {
	ids := q.byType[t]
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// remove deletes a request ID from its type's queue, wherever it sits.
// Used when a sibling chain is superseded by a terminate decision.
func (q *reviewQueue) remove(t supervision.SupervisorType, id string) bool {
	ids := q.byType[t]
	for i, v := range ids {
		if v == id {
			q.byType[t] = append(ids[:i:i], ids[i+1:]...)
			return true
		}
	}
	return false
}

// size returns the total number of queued request IDs across all types.
func (q *reviewQueue) size() int {
	n := 0
	for _, ids := range q.byType {
		n += len(ids)
	}
	return n
}
