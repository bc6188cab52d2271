package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 512
)

var connSeq atomic.Uint64

// Conn is one client socket joined to one room. sid is chosen by the client and
// is only used to keep a client's own updates from being echoed back to it.
type Conn struct {
	registry *Registry
	ws       *websocket.Conn
	logger   *slog.Logger

	id   uint64 // unique per process, assigned at creation
	sid  string
	room string
	send chan []byte

	closeOnce sync.Once
	done      chan struct{} // closed once the connection is shutting down
	stopped   chan struct{} // closed when the write pump has exited
	closeCode int
	closeText string
}

func NewConn(registry *Registry, ws *websocket.Conn, sid, room string, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	id := connSeq.Add(1)
	return &Conn{
		registry:  registry,
		ws:        ws,
		logger:    logger.With("conn", id, "sid", sid, "room", room),
		id:        id,
		sid:       sid,
		room:      room,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Send queues data for the write pump. It reports false when the connection is
// closed or its queue is full; the frame is dropped for this client only.
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send buffer full, dropping frame")
		return false
	}
}

// Close asks the write pump to send a close frame with code and text and then
// drop the socket. Only the first call has any effect.
func (c *Conn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the write pump has exited or ctx is done.
func (c *Conn) Wait(ctx context.Context) error {
	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadPump reads frames until the socket fails and hands every text frame to
// onText in arrival order. The connection is always unregistered on return.
func (c *Conn) ReadPump(onText func(data []byte)) {
	defer func() {
		c.registry.Unregister(c)
		c.Close(websocket.CloseNormalClosure, "")
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		if msgType != websocket.TextMessage {
			c.logger.Warn("ignoring non-text frame", "type", msgType, "size", len(message))
			continue
		}
		onText(message)
	}
}

// WritePump is the only writer on the socket, so frames reach the client in
// the order they were queued.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.stopped)
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		}
	}
}
