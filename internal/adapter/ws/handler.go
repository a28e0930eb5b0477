// Package ws implements the WebSocket adapter for reviewer connections and
// dashboard broadcasts. Every connection receives stats broadcasts; each is
// also registered with the supervision hub as a reviewer and may send
// decisions back.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/domain/supervision"
	"github.com/wardenhq/warden/internal/hub"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ReviewHub is the slice of the supervision hub the adapter needs.
type ReviewHub interface {
	RegisterClient(ctx context.Context, conn hub.ClientConn) error
	UnregisterClient(ctx context.Context, clientID string)
	Apply(ctx context.Context, result supervision.SupervisionResult) error
	Stats() hub.Stats
}

// Hub manages active WebSocket connections: it fans broadcasts out to all of
// them and bridges each to the supervision hub as a reviewer client.
type Hub struct {
	review ReviewHub

	mu    sync.RWMutex
	conns map[*client]struct{}
}

// NewHub creates a new WebSocket hub bridging to the given supervision hub.
func NewHub(review ReviewHub) *Hub {
	return &Hub{
		review: review,
		conns:  make(map[*client]struct{}),
	}
}

// HandleWS upgrades the connection, registers it as a reviewer, and runs its
// read loop until disconnect. The optional ?type= query selects the
// supervisor type the connection reviews (default human).
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	serves := supervision.SupervisorHuman
	if t := supervision.SupervisorType(r.URL.Query().Get("type")); t != "" {
		if !t.Valid() || t == supervision.SupervisorNone {
			http.Error(w, "invalid supervisor type", http.StatusBadRequest)
			return
		}
		serves = t
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	// The connection outlives the upgrade request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &client{
		id:     uuid.NewString(),
		serves: serves,
		ws:     ws,
		cancel: cancel,
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	if err := h.review.RegisterClient(ctx, c); err != nil {
		h.remove(ctx, c)
		_ = ws.Close(websocket.StatusInternalError, "registration failed")
		return
	}

	slog.Info("reviewer connected", "client_id", c.id, "serves", serves, "remote", r.RemoteAddr)

	// A reconnecting dashboard resynchronizes from this snapshot; anything
	// it missed while away is re-assigned through normal scheduling.
	c.send(ctx, hub.EventSync, h.review.Stats())

	go h.readLoop(ctx, c)
}

// readLoop consumes inbound messages until the connection drops.
func (h *Hub) readLoop(ctx context.Context, c *client) {
	defer func() {
		h.remove(ctx, c)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		h.handleMessage(ctx, c, data)
	}
}

// handleMessage dispatches one inbound message. Malformed messages and
// rejected results produce an error message on the same connection; they
// never mutate hub state.
func (h *Hub) handleMessage(ctx context.Context, c *client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(ctx, supervision.ErrMalformedMessage.Error())
		return
	}

	switch msg.Type {
	case EventResult:
		var result supervision.SupervisionResult
		if err := json.Unmarshal(msg.Payload, &result); err != nil {
			c.sendError(ctx, supervision.ErrMalformedMessage.Error())
			return
		}
		if err := h.review.Apply(ctx, result); err != nil {
			slog.Warn("supervision result rejected",
				"client_id", c.id,
				"request_id", result.SupervisionRequestID,
				"error", err,
			)
			c.sendError(ctx, err.Error())
		}
	case EventPing:
		c.send(ctx, EventPong, nil)
	default:
		c.sendError(ctx, "unknown message type: "+msg.Type)
	}
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if err := c.write(ctx, data); err != nil {
			slog.Debug("websocket write failed", "client_id", c.id, "error", err)
			go h.remove(context.WithoutCancel(ctx), c)
		}
	}
}

// BroadcastEvent marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(ctx context.Context, c *client) {
	h.mu.Lock()
	_, ok := h.conns[c]
	if ok {
		c.cancel()
		delete(h.conns, c)
	}
	h.mu.Unlock()

	if ok {
		h.review.UnregisterClient(ctx, c.id)
		slog.Info("reviewer disconnected", "client_id", c.id)
	}
}
