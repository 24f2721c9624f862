// Package hub serves the WebSocket endpoints of device and debug clients. It
// turns every inbound envelope into a dispatcher event and delivers outbound
// messages by connection id.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/pkg/streaming"
)

// ErrUnknownConnection is returned by Send for ids that are not connected.
var ErrUnknownConnection = errors.New("unknown connection")

// Router dispatches inbound events.
type Router interface {
	Dispatch(e dispatcher.Event) (any, error)
}

// Hub tracks open connections. It is safe for concurrent use.
type Hub struct {
	routes   map[Class]Router
	upgrader ws.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	conns   map[string]*connection
	onClose []func(connID string, class Class)
	closed  bool
	wg      sync.WaitGroup
}

// New creates a hub routing device events to devices and debug events to debug.
func New(devices, debug Router, logger *slog.Logger) *Hub {
	return &Hub{
		routes: map[Class]Router{ClassDevice: devices, ClassDebug: debug},
		upgrader: ws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[string]*connection),
	}
}

// OnClose registers fn to run after a connection went away. It runs on the
// read goroutine of that connection.
func (h *Hub) OnClose(fn func(connID string, class Class)) {
	h.mu.Lock()
	h.onClose = append(h.onClose, fn)
	h.mu.Unlock()
}

// Register mounts /ws/device and /ws/debug on mux.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws/device", h.serve(ClassDevice))
	mux.HandleFunc("/ws/debug", h.serve(ClassDebug))
}

func (h *Hub) serve(class Class) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		c := newConnection(uuid.NewString(), class, conn, h.logger)
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			c.close()
			return
		}
		h.conns[c.id] = c
		h.wg.Add(1)
		h.mu.Unlock()
		c.logger.Info("client connected", "remote", r.RemoteAddr)

		go c.writeLoop()
		c.readLoop(h.receive)
		h.drop(c)
	}
}

// receive turns one frame into a dispatcher event.
func (h *Hub) receive(c *connection, data []byte) {
	var env streaming.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		c.logger.Debug("ignoring malformed message", "raw", string(data))
		return
	}

	var sender struct {
		From string `json:"from"`
	}
	_ = json.Unmarshal(env.Payload, &sender)

	e := dispatcher.Event{
		Command:   env.Type,
		ConnID:    c.id,
		From:      sender.From,
		Payload:   env.Payload,
		Timestamp: time.Now(),
	}
	if _, err := h.routes[c.class].Dispatch(e); err != nil {
		if errors.Is(err, dispatcher.ErrUnknownCommand) {
			c.logger.Debug("ignoring unknown command", "command", e.Command)
			return
		}
		c.logger.Warn("dispatch failed", "command", e.Command, "error", err)
	}
}

func (h *Hub) drop(c *connection) {
	c.close()

	h.mu.Lock()
	delete(h.conns, c.id)
	hooks := append([]func(string, Class){}, h.onClose...)
	h.mu.Unlock()

	c.logger.Info("client disconnected")
	for _, fn := range hooks {
		fn(c.id, c.class)
	}
	h.wg.Done()
}

// Send delivers one message to a connection.
func (h *Hub) Send(connID, msgType string, payload any) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	c.send(data)
	return nil
}

// Broadcast delivers one message to every connection of class.
func (h *Hub) Broadcast(class Class, msgType string, payload any) error {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if c.class == class {
			c.send(data)
		}
	}
	return nil
}

// Len returns the number of open connections of class.
func (h *Hub) Len(class Class) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.conns {
		if c.class == class {
			n++
		}
	}
	return n
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	env, err := streaming.NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}
