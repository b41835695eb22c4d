package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tomonet/server/realtime"
	"go.uber.org/zap"
)

// HandlerFunc processes a decoded WS message payload.
type HandlerFunc func(ctx context.Context, conn *realtime.Conn, payload json.RawMessage) error

// Router dispatches incoming WS packets to registered handlers.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

// NewRouter creates a new Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// On registers a HandlerFunc for the given message type.
func (r *Router) On(msgType string, fn HandlerFunc) {
	r.handlers[msgType] = fn
}

// Dispatch decodes raw bytes and invokes the appropriate handler. An ack_id
// on the incoming packet resolves a pending delivery acknowledgement.
func (r *Router) Dispatch(c *realtime.Conn, raw []byte) {
	var pkt realtime.Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		r.logger.Warn("malformed packet",
			zap.Int64("user_id", c.UserID),
			zap.String("conn_id", c.ID),
			zap.Error(err))
		c.SendError("bad_packet", "malformed packet")
		return
	}

	if pkt.AckID != "" {
		c.ResolveAck(pkt.AckID)
		if pkt.Type == "" || pkt.Type == "notification_ack" {
			return
		}
	}

	// Assign a trace ID for this message dispatch.
	ctx := context.WithValue(context.Background(), ctxKeyTraceID{}, uuid.NewString())

	fn, ok := r.handlers[pkt.Type]
	if !ok {
		r.logger.Debug("unhandled message type",
			zap.String("type", pkt.Type),
			zap.Int64("user_id", c.UserID))
		c.SendError("unknown_type", "unknown message type")
		return
	}

	if err := fn(ctx, c, pkt.Payload); err != nil {
		r.logger.Error("handler error",
			zap.String("type", pkt.Type),
			zap.Int64("user_id", c.UserID),
			zap.String("trace_id", TraceIDFromCtx(ctx)),
			zap.Error(err))
		c.SendError("internal", "internal error")
	}
}

type ctxKeyTraceID struct{}

// TraceIDFromCtx extracts the trace ID from a handler context.
func TraceIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTraceID{}).(string); ok {
		return v
	}
	return ""
}
