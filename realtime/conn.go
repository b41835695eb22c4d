package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	readDeadlineS = 60 * time.Second
	pingInterval  = 30 * time.Second // server-side WS ping
)

// Packet is the unified WS message envelope.
type Packet struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckID   string          `json:"ack_id,omitempty"`
}

// Conn represents one live transport connection for a user. A user may hold
// several at once (multi-device); the Registry owns the bookkeeping.
type Conn struct {
	ID          string
	UserID      int64
	IP          string
	UserAgent   string
	ConnectedAt time.Time

	WS       *websocket.Conn
	SendChan chan []byte
	Done     chan struct{}

	mu         sync.Mutex
	lastActive time.Time
	acks       map[string]chan struct{}

	logger *zap.Logger
}

// NewConn creates a Conn and, when a live WebSocket is attached, starts its
// write goroutine. A nil ws is permitted for tests.
func NewConn(id string, userID int64, ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		ID:          id,
		UserID:      userID,
		ConnectedAt: time.Now(),
		WS:          ws,
		SendChan:    make(chan []byte, sendChanBuf),
		Done:        make(chan struct{}),
		lastActive:  time.Now(),
		acks:        make(map[string]chan struct{}),
		logger:      logger,
	}
	if ws != nil {
		go c.writePump()
	}
	return c
}

// writePump drains SendChan and writes to the WebSocket connection.
// Also sends periodic WebSocket pings to detect dead connections quickly.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.WS.Close()
	for {
		select {
		case data, ok := <-c.SendChan:
			if !ok {
				return
			}
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.WS.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("ws write error",
					zap.Int64("user_id", c.UserID),
					zap.String("conn_id", c.ID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Done:
			_ = c.WS.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send encodes pkt and sends it non-blocking. Drops if channel full or closed.
func (c *Conn) Send(pkt *Packet) {
	if c.IsClosed() {
		return
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	c.SendRaw(data)
}

// SendRaw sends raw bytes non-blocking. Drops if channel full or closed.
func (c *Conn) SendRaw(data []byte) {
	if c.IsClosed() {
		return
	}
	select {
	case c.SendChan <- data:
	case <-c.Done:
	default:
		if !c.IsClosed() {
			c.logger.Warn("send channel full, dropping packet",
				zap.Int64("user_id", c.UserID),
				zap.String("conn_id", c.ID))
		}
	}
}

// SendError emits a typed error event with a machine-readable code.
func (c *Conn) SendError(code, message string) {
	payload, _ := json.Marshal(map[string]string{"code": code, "message": message})
	c.Send(&Packet{Type: "error", Payload: payload})
}

// Close signals the writePump to shut down.
func (c *Conn) Close() {
	select {
	case <-c.Done:
	default:
		close(c.Done)
	}
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.Done:
		return true
	default:
		return false
	}
}

// Touch updates the last-activity timestamp.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// LastActive returns the last-activity timestamp.
func (c *Conn) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// PrepareAck registers an acknowledgement waiter for the given ack id and
// returns the channel that is closed when the client acks.
func (c *Conn) PrepareAck(ackID string) <-chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.acks[ackID] = ch
	c.mu.Unlock()
	return ch
}

// ResolveAck completes a pending acknowledgement. Unknown ids are ignored.
func (c *Conn) ResolveAck(ackID string) {
	c.mu.Lock()
	ch, ok := c.acks[ackID]
	if ok {
		delete(c.acks, ackID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// DropAck discards a pending acknowledgement waiter without completing it.
func (c *Conn) DropAck(ackID string) {
	c.mu.Lock()
	delete(c.acks, ackID)
	c.mu.Unlock()
}

// SetReadDeadline resets the WebSocket read deadline.
func (c *Conn) SetReadDeadline() {
	if c.WS != nil {
		_ = c.WS.SetReadDeadline(time.Now().Add(readDeadlineS))
	}
}
