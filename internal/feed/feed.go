// Package feed reads rigid body samples from the OSC tracking bridge.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hypebeast/go-osc/osc"

	"github.com/vistiles/server/pkg/core"
)

// DefaultAddress is the OSC address of rigid body messages.
const DefaultAddress = "/tracking/optitrack/rigidbodies"

// ErrMalformed is returned for messages whose arguments do not describe a
// rigid body.
var ErrMalformed = errors.New("malformed rigid body message")

// Sink receives decoded samples. It runs on the reader goroutine and
// returns false when the sample was dropped.
type Sink func(rb core.RigidBody) bool

// Config holds listener settings.
type Config struct {
	Listen  string // host:port
	Address string // OSC address pattern, DefaultAddress when empty
}

// Listener reads OSC packets from a UDP socket.
type Listener struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	received atomic.Int64
	dropped  atomic.Int64
	conn     atomic.Pointer[net.UDPConn]
}

// NewListener creates a listener delivering samples to sink.
func NewListener(cfg Config, sink Sink, logger *slog.Logger) *Listener {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	return &Listener{cfg: cfg, sink: sink, logger: logger, now: time.Now}
}

// Start listens until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()
	l.conn.Store(conn)

	l.logger.Info("tracking feed listening", "addr", conn.LocalAddr().String(), "address", l.cfg.Address)

	buffer := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// The deadline lets the loop notice cancellation.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("UDP read error", "error", err)
			continue
		}
		if err := l.HandlePacket(buffer[:n]); err != nil {
			l.logger.Debug("dropped OSC packet", "error", err)
		}
	}
}

// LocalAddr returns the bound socket address once Start is listening.
func (l *Listener) LocalAddr() net.Addr {
	if c := l.conn.Load(); c != nil {
		return c.LocalAddr()
	}
	return nil
}

// Stats returns the number of delivered and dropped samples.
func (l *Listener) Stats() (received, dropped int64) {
	return l.received.Load(), l.dropped.Load()
}

// HandlePacket decodes one datagram. Bundles carry the sample time in their
// time tag; bare messages are stamped on arrival.
func (l *Listener) HandlePacket(data []byte) error {
	packet, err := osc.ParsePacket(string(data))
	if err != nil {
		return fmt.Errorf("parsing OSC packet: %w", err)
	}

	switch p := packet.(type) {
	case *osc.Bundle:
		if len(p.Messages) == 0 {
			return nil
		}
		// The bridge sends one rigid body per bundle.
		return l.handleMessage(p.Messages[0], p.Timetag.Time())
	case *osc.Message:
		return l.handleMessage(p, l.now())
	}
	return nil
}

func (l *Listener) handleMessage(msg *osc.Message, at time.Time) error {
	if msg.Address != l.cfg.Address {
		return nil
	}
	rb, err := Decode(msg, at)
	if err != nil {
		return err
	}
	if l.sink(rb) {
		l.received.Add(1)
	} else {
		l.dropped.Add(1)
	}
	return nil
}

// Decode maps message arguments to a rigid body: the marker id, three
// position values, three unused values, the orientation quaternion (x, y,
// z, w) and the marker name.
func Decode(msg *osc.Message, at time.Time) (core.RigidBody, error) {
	args := msg.Arguments
	if len(args) < 12 {
		return core.RigidBody{}, fmt.Errorf("%w: %d arguments", ErrMalformed, len(args))
	}

	rb := core.RigidBody{Timestamp: at.UnixMilli()}
	var ok bool
	if rb.ID, ok = str(args[0]); !ok {
		return core.RigidBody{}, fmt.Errorf("%w: id %T", ErrMalformed, args[0])
	}
	for i := range rb.Position {
		if rb.Position[i], ok = float(args[1+i]); !ok {
			return core.RigidBody{}, fmt.Errorf("%w: position %T", ErrMalformed, args[1+i])
		}
	}
	for i := range rb.Orientation {
		if rb.Orientation[i], ok = float(args[7+i]); !ok {
			return core.RigidBody{}, fmt.Errorf("%w: orientation %T", ErrMalformed, args[7+i])
		}
	}
	rb.Name, _ = str(args[11])
	return rb, nil
}

func str(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

func float(v any) (float64, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
