package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/wardenhq/warden/internal/domain/supervision"
	"github.com/wardenhq/warden/internal/hub"
)

// Inbound and connection-scoped message types. Broadcast event types live in
// the hub package.
const (
	EventResult = "supervision.result"
	EventPing   = "ping"
	EventPong   = "pong"
)

// client is one WebSocket connection registered with the supervision hub.
// Writes are serialized; coder/websocket allows only one writer at a time.
type client struct {
	id     string
	serves supervision.SupervisorType
	ws     *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex
}

// ID implements hub.ClientConn.
func (c *client) ID() string { return c.id }

// Serves implements hub.ClientConn.
func (c *client) Serves() supervision.SupervisorType { return c.serves }

// Push implements hub.ClientConn: it delivers an assignment to the reviewer.
func (c *client) Push(ctx context.Context, a hub.Assignment) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}
	data, err := json.Marshal(Message{Type: hub.EventAssigned, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal assignment envelope: %w", err)
	}
	if err := c.write(ctx, data); err != nil {
		return fmt.Errorf("push assignment to %s: %w", c.id, err)
	}
	return nil
}

// send writes a typed message, logging failures instead of surfacing them.
func (c *client) send(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws payload", "type", eventType, "error", err)
		return
	}
	msg, err := json.Marshal(Message{Type: eventType, Payload: data})
	if err != nil {
		slog.Error("marshal ws envelope", "type", eventType, "error", err)
		return
	}
	if err := c.write(ctx, msg); err != nil {
		slog.Debug("ws send failed", "client_id", c.id, "type", eventType, "error", err)
	}
}

func (c *client) sendError(ctx context.Context, message string) {
	c.send(ctx, hub.EventError, map[string]string{"error": message})
}

func (c *client) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
