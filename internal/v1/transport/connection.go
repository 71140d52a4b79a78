// Package transport implements the coordinator's full-duplex per-client
// WebSocket endpoint: handshake, heartbeat, frame dispatch, and the
// two-lane send queue that keeps one slow socket from stalling the rest
// of a session.
package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/logging"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/metrics"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/session"
	"go.uber.org/zap"
)

const (
	writeWait         = 10 * time.Second
	lossyQueueSize    = 8
	priorityQueueSize = session.ChatRingSize + 4
)

type frame struct {
	typ     string
	payload any
}

// Connection is a session.Sink backed by a live WebSocket. Every
// outbound frame is enqueued, never written synchronously from the
// caller's goroutine: writePump is the only goroutine that touches the
// underlying socket.
type Connection struct {
	clientID string
	code     string
	conn     *websocket.Conn

	priorityCh chan frame // chat, webrtc_signal, session_closed, pong: never dropped
	lossyCh    chan frame // remote_input: dropped under backpressure

	roomStateMu   sync.Mutex
	pendingState  *session.RoomStatePayload
	roomStateWake chan struct{}

	heartbeat time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection wraps a just-upgraded socket. Call Run to start its
// read/write pumps; it blocks until the socket closes.
func NewConnection(conn *websocket.Conn, code, clientID string, heartbeat time.Duration) *Connection {
	return &Connection{
		clientID:      clientID,
		code:          code,
		conn:          conn,
		priorityCh:    make(chan frame, priorityQueueSize),
		lossyCh:       make(chan frame, lossyQueueSize),
		roomStateWake: make(chan struct{}, 1),
		heartbeat:     heartbeat,
		done:          make(chan struct{}),
	}
}

func (c *Connection) ClientID() string { return c.clientID }

// Deliver implements session.Sink. Each frame type routes to a lane with
// its own backpressure policy. room_state and remote_input never block
// the caller; any other frame waits up to 500ms for room on a full
// priority lane, then closes the connection with 4500.
func (c *Connection) Deliver(frameType string, payload any) {
	switch frameType {
	case session.TypeRoomState:
		rs, ok := payload.(session.RoomStatePayload)
		if !ok {
			// Frames relayed from another replica arrive as raw JSON.
			raw, isRaw := payload.(json.RawMessage)
			if !isRaw || json.Unmarshal(raw, &rs) != nil {
				return
			}
		}
		c.roomStateMu.Lock()
		c.pendingState = &rs
		c.roomStateMu.Unlock()
		select {
		case c.roomStateWake <- struct{}{}:
		default:
		}
	case session.TypeRemoteInput:
		select {
		case c.lossyCh <- frame{typ: frameType, payload: payload}:
		default:
			metrics.WsEvents.WithLabelValues(frameType, "dropped").Inc()
		}
	default:
		select {
		case c.priorityCh <- frame{typ: frameType, payload: payload}:
		default:
			select {
			case c.priorityCh <- frame{typ: frameType, payload: payload}:
			case <-time.After(500 * time.Millisecond):
				metrics.WsEvents.WithLabelValues(frameType, "dropped").Inc()
				c.Close(4500, "slow consumer")
			case <-c.done:
			}
		}
	}
}

// Close implements session.Sink: it tears the socket down with a
// WebSocket close frame carrying code, and unblocks the read/write
// pumps. Safe to call more than once.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
}

// writePump is the sole writer of the underlying socket.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.write(session.TypePing, nil)
		case f := <-c.priorityCh:
			c.write(f.typ, f.payload)
		case <-c.roomStateWake:
			c.roomStateMu.Lock()
			rs := c.pendingState
			c.pendingState = nil
			c.roomStateMu.Unlock()
			if rs != nil {
				c.write(session.TypeRoomState, *rs)
			}
		case f := <-c.lossyCh:
			c.write(f.typ, f.payload)
		}
	}
}

func (c *Connection) write(frameType string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			logging.Error(nil, "failed to marshal outbound frame", zap.String("type", frameType), zap.Error(err))
			return
		}
		raw = b
	}
	msg := session.Message{Type: frameType, Payload: raw}
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(nil, "failed to marshal outbound envelope", zap.Error(err))
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		metrics.WsEvents.WithLabelValues(frameType, "write_error").Inc()
		c.Close(4500, "write failed")
		return
	}
	metrics.WsEvents.WithLabelValues(frameType, "sent").Inc()
}
