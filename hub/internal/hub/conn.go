package hub

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/hub/internal/registry"
)

const (
	// wsPingInterval is how often the hub sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
)

// ConnState is the lifecycle state of a hub connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateAdmitted
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAdmitted:
		return "admitted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errConnClosed = errors.New("connection closed")

// wsConn is an admitted WebSocket connection. Outbound frames go through a
// bounded queue drained by a single writer goroutine, so Send never blocks
// and one stalled peer cannot hold up anybody else.
type wsConn struct {
	id       string
	orgID    string
	role     string
	deviceID string

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	state  atomic.Int32
	logger *slog.Logger
}

var _ registry.Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn, id, orgID, role, deviceID string, queueSize int, logger *slog.Logger) *wsConn {
	c := &wsConn{
		id:       id,
		orgID:    orgID,
		role:     role,
		deviceID: deviceID,
		ws:       ws,
		send:     make(chan []byte, queueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	c.state.Store(int32(StateAdmitted))
	return c
}

func (c *wsConn) ID() string       { return c.id }
func (c *wsConn) DeviceID() string { return c.deviceID }

func (c *wsConn) State() ConnState { return ConnState(c.state.Load()) }

// Send enqueues msg without blocking.
func (c *wsConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.logger.Debug("send queue full, dropping frame", "conn_id", c.id)
		return registry.ErrSendQueueFull
	}
}

// Close tears the connection down. It is safe to call from any goroutine
// and more than once; the read loop notices and runs the Closed transition.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// writePump drains the send queue and keeps the peer alive with pings.
func (c *wsConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", "conn_id", c.id, "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// startReadDeadline arms the pong-driven read deadline.
func (c *wsConn) startReadDeadline(pongWait time.Duration) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}
