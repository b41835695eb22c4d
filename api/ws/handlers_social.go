package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tomonet/server/notify"
	"github.com/tomonet/server/presence"
	"github.com/tomonet/server/realtime"
)

// RegisterSocialHandlers wires the presence and social message types onto
// the router.
func RegisterSocialHandlers(r *Router, engine *presence.Engine, guard notify.Guard, registry *realtime.Registry) {
	h := &socialHandlers{engine: engine, guard: guard, registry: registry}
	r.On("ping", h.Ping)
	r.On("status_set", h.StatusSet)
	r.On("typing_start", h.typingRelay("typing_start"))
	r.On("typing_stop", h.typingRelay("typing_stop"))
	r.On("notification_ack", h.NotificationAck)
}

type socialHandlers struct {
	engine   *presence.Engine
	guard    notify.Guard
	registry *realtime.Registry
}

// Ping answers the application-level heartbeat.
func (h *socialHandlers) Ping(_ context.Context, c *realtime.Conn, _ json.RawMessage) error {
	payload, _ := json.Marshal(map[string]int64{"ts": time.Now().Unix()})
	c.Send(&realtime.Packet{Type: "pong", Payload: payload})
	return nil
}

type statusSetPayload struct {
	Status          string `json:"status"`
	ActivityMessage string `json:"activity_message"`
}

// StatusSet applies an explicit presence change from the client.
func (h *socialHandlers) StatusSet(ctx context.Context, c *realtime.Conn, payload json.RawMessage) error {
	var req statusSetPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.SendError("bad_payload", "invalid status_set payload")
		return nil
	}

	row, _, err := h.engine.SetStatus(ctx, c.UserID, req.Status, req.ActivityMessage)
	if err != nil {
		if errors.Is(err, presence.ErrInvalidStatus) {
			c.SendError("invalid_status", "invalid status")
			return nil
		}
		if errors.Is(err, presence.ErrActivityTooLong) {
			c.SendError("activity_too_long", "activity message too long")
			return nil
		}
		return err
	}

	resp, err := json.Marshal(row)
	if err != nil {
		return err
	}
	c.Send(&realtime.Packet{Type: "status_ok", Payload: resp})
	return nil
}

type typingPayload struct {
	TargetID int64 `json:"target_id"`
}

// typingRelay forwards a typing indicator to the target's connections. The
// relay is ephemeral: nothing is persisted, and blocked pairs drop silently
// so a blocker's existence leaks nothing.
func (h *socialHandlers) typingRelay(event string) HandlerFunc {
	return func(ctx context.Context, c *realtime.Conn, payload json.RawMessage) error {
		var req typingPayload
		if err := json.Unmarshal(payload, &req); err != nil || req.TargetID == 0 {
			c.SendError("bad_payload", "invalid typing payload")
			return nil
		}
		if req.TargetID == c.UserID {
			return nil
		}
		if h.guard != nil && !h.guard.CanInteract(ctx, c.UserID, req.TargetID) {
			return nil
		}

		out, err := json.Marshal(map[string]int64{"user_id": c.UserID})
		if err != nil {
			return err
		}
		pkt := &realtime.Packet{Type: event, Payload: out}
		for _, target := range h.registry.ConnectionsFor(req.TargetID) {
			target.Send(pkt)
		}
		return nil
	}
}

type ackPayload struct {
	AckID string `json:"ack_id"`
}

// NotificationAck resolves a pending delivery acknowledgement carried in the
// payload. Acks carried on the envelope are resolved by the router directly.
func (h *socialHandlers) NotificationAck(_ context.Context, c *realtime.Conn, payload json.RawMessage) error {
	var req ackPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.AckID == "" {
		return nil
	}
	c.ResolveAck(req.AckID)
	return nil
}
