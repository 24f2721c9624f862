package hub

import (
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	sendChSize     = 1024
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
)

// Class separates device clients from debug clients.
type Class int

const (
	ClassDevice Class = iota
	ClassDebug
)

func (c Class) String() string {
	if c == ClassDebug {
		return "debug"
	}
	return "device"
}

// connection owns one WebSocket with a single write goroutine.
type connection struct {
	id     string
	class  Class
	conn   *ws.Conn
	sendCh chan []byte

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	logger *slog.Logger
}

func newConnection(id string, class Class, conn *ws.Conn, logger *slog.Logger) *connection {
	return &connection{
		id:     id,
		class:  class,
		conn:   conn,
		sendCh: make(chan []byte, sendChSize),
		done:   make(chan struct{}),
		logger: logger.With("conn", id, "class", class.String()),
	}
}

// writeLoop drains sendCh and keeps the peer alive with pings. It returns on
// write error or shutdown.
func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("websocket set write deadline failed", "error", err)
				c.close()
				return
			}
			if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.logger.Warn("websocket write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(ws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("websocket ping failed", "error", err)
				c.close()
				return
			}
		}
	}
}

// readLoop hands every text message to fn until the peer goes away.
func (c *connection) readLoop(fn func(c *connection, data []byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		fn(c, data)
	}
}

// send pushes data to the write loop. Non-blocking; drops if the channel is full.
func (c *connection) send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- data:
		return true
	default:
		c.logger.Warn("websocket send channel full, dropping message")
		return false
	}
}

// close sends a close frame and stops the write loop. Safe to call twice.
func (c *connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	_ = c.conn.WriteControl(
		ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	_ = c.conn.Close()
}
