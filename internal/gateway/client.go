package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Largest inbound frame accepted.
	maxFrameSize = 32 * 1024
)

// client is one realtime connection of an authenticated subject.
type client struct {
	id        string
	subjectID string
	gw        *Gateway
	logger    *slog.Logger

	conn  *websocket.Conn
	codec codec
	send  chan []byte

	mu    sync.Mutex
	state State

	// registered is guarded by the gateway lock; send is open while it
	// is true.
	registered bool

	closeOnce sync.Once
}

func newClient(gw *Gateway) *client {
	id := uuid.NewString()
	return &client{
		id:     id,
		gw:     gw,
		logger: gw.logger.With("conn_id", id),
		state:  StateConnecting,
	}
}

// setState moves the connection through its lifecycle. Invalid
// transitions are ignored and reported as false.
func (c *client) setState(next State) bool {
	c.mu.Lock()
	prev := c.state
	if !validTransition(prev, next) {
		c.mu.Unlock()
		return false
	}
	c.state = next
	c.mu.Unlock()

	c.logger.Debug("connection state", "from", prev, "to", next, "subject_id", c.subjectID)
	if c.gw.onStateChange != nil {
		c.gw.onStateChange(c.id, c.subjectID, next)
	}
	return true
}

func (c *client) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// attach binds the upgraded connection and the negotiated codec.
func (c *client) attach(conn *websocket.Conn, sendBuffer int) {
	c.conn = conn
	c.codec = codecForSubprotocol(conn.Subprotocol())
	c.send = make(chan []byte, sendBuffer)
}

// closeConn closes the underlying connection, which ends both pumps.
func (c *client) closeConn() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// enqueue hands a frame to the write pump without blocking. A
// connection whose buffer is full is dropped. Callers hold the gateway
// read lock, which keeps send open.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("send buffer full, dropping connection", "subject_id", c.subjectID)
		c.closeConn()
	}
}

// reply encodes ev for this connection only.
func (c *client) reply(ev Event) {
	frame, err := c.codec.marshal(ev)
	if err != nil {
		c.logger.Error("failed to encode reply", "event", ev.Name, "error", err)
		return
	}
	c.gw.mu.RLock()
	defer c.gw.mu.RUnlock()
	if c.registered {
		c.enqueue(frame)
	}
}

// readPump reads inbound events until the peer goes away. It runs on
// the handler goroutine.
func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Info("connection read error", "subject_id", c.subjectID, "error", err)
			} else {
				c.logger.Debug("connection closed", "subject_id", c.subjectID, "error", err)
			}
			return
		}

		var in inbound
		if err := codecForFrame(messageType).unmarshal(data, &in); err != nil {
			c.logger.Debug("undecodable frame", "subject_id", c.subjectID, "error", err)
			c.reply(Event{Name: EventError, Data: ErrorPayload{Code: "validation", Message: "malformed frame"}})
			continue
		}
		c.gw.handleInbound(ctx, c, &in)
	}
}

// writePump writes queued frames and keeps the connection alive with
// pings. It exits when send is closed or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(c.codec.frameType(), frame); err != nil {
				c.logger.Debug("connection write error", "subject_id", c.subjectID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("connection ping error", "subject_id", c.subjectID, "error", err)
				return
			}
		}
	}
}
