// ABOUTME: Represents a single connected agent and manages its websocket channel.
// ABOUTME: Runs the read/write pumps and hands inbound frames to a handler.

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection timing defaults. Overridable per-conn via ConnParams.
const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
	maxMessageSize   = 1 << 20 // 1MB
	sendBufferSize   = 64
)

// ErrSendBufferFull indicates the agent is not draining its socket fast
// enough and the outbound frame was dropped.
var ErrSendBufferFull = errors.New("send buffer full")

// ErrConnClosed indicates the connection has been torn down.
var ErrConnClosed = errors.New("connection closed")

// Socket is the subset of *websocket.Conn the connection uses.
// Narrowed to an interface so tests can run without a network.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn represents one live agent connection. It is the ConnectionHandle the
// registry owns: created at admission, destroyed on disconnect.
type Conn struct {
	ID          string
	Hostname    string
	RemoteAddr  string
	ConnectedAt time.Time

	ws     Socket
	send   chan []byte
	done   chan struct{}
	closed sync.Once
	logger *slog.Logger

	writeWait time.Duration
	pongWait  time.Duration
}

// ConnParams bundles the arguments for NewConn.
type ConnParams struct {
	ID         string
	Hostname   string
	RemoteAddr string
	Socket     Socket
	Logger     *slog.Logger

	// Optional timing overrides; zero values use the defaults.
	WriteWait time.Duration
	PongWait  time.Duration
}

// NewConn creates a Conn around an upgraded websocket and starts its write pump.
func NewConn(p ConnParams) *Conn {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.WriteWait == 0 {
		p.WriteWait = defaultWriteWait
	}
	if p.PongWait == 0 {
		p.PongWait = defaultPongWait
	}

	c := &Conn{
		ID:          p.ID,
		Hostname:    p.Hostname,
		RemoteAddr:  p.RemoteAddr,
		ConnectedAt: time.Now(),
		ws:          p.Socket,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		logger:      p.Logger.With("component", "session", "client_id", p.ID),
		writeWait:   p.WriteWait,
		pongWait:    p.PongWait,
	}

	go c.writePump()
	return c
}

// Send marshals v as JSON and queues it for delivery to the agent.
// Non-blocking: if the send buffer is full the frame is dropped and
// ErrSendBufferFull is returned.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping frame")
		return ErrSendBufferFull
	}
}

// writePump drains the send channel onto the socket and emits pings.
// Runs until Close or a write failure.
func (c *Conn) writePump() {
	pingPeriod := (c.pongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// ReadLoop reads frames from the socket and passes each payload to handler.
// It blocks until the connection drops, then calls onClose exactly once.
// The caller runs this as the connection's worker goroutine.
func (c *Conn) ReadLoop(handler func(data []byte), onClose func()) {
	defer func() {
		c.Close()
		if onClose != nil {
			onClose()
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		handler(data)
	}
}

// Close tears down the connection. Safe to call multiple times.
func (c *Conn) Close() {
	c.closed.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Done returns a channel closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
