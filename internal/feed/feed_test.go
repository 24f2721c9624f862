package feed

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistiles/server/pkg/core"
)

type collector struct {
	mu      sync.Mutex
	samples []core.RigidBody
	accept  bool
}

func (c *collector) sink(rb core.RigidBody) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, rb)
	return c.accept
}

func (c *collector) all() []core.RigidBody {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.RigidBody(nil), c.samples...)
}

func rigidBodyMessage(address string, id any) *osc.Message {
	return osc.NewMessage(address,
		id,
		float32(0.5), float32(0.25), float32(-0.75),
		float32(0), float32(0), float32(0),
		float32(0), float32(0), float32(0), float32(1),
		"tablet",
	)
}

func newListener(c *collector) *Listener {
	return NewListener(Config{Listen: "127.0.0.1:0"}, c.sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDecode(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	rb, err := Decode(rigidBodyMessage(DefaultAddress, "7"), at)
	require.NoError(t, err)

	assert.Equal(t, core.RigidBody{
		ID:          "7",
		Name:        "tablet",
		Position:    [3]float64{0.5, 0.25, -0.75},
		Orientation: [4]float64{0, 0, 0, 1},
		Timestamp:   1700000000123,
	}, rb)
}

func TestDecode_IntegerID(t *testing.T) {
	rb, err := Decode(rigidBodyMessage(DefaultAddress, int32(12)), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "12", rb.ID)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode(osc.NewMessage(DefaultAddress, "1", float32(0)), time.Now())
	assert.ErrorIs(t, err, ErrMalformed)

	msg := rigidBodyMessage(DefaultAddress, "1")
	msg.Arguments[2] = "not a number"
	_, err = Decode(msg, time.Now())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHandlePacket_Bundle(t *testing.T) {
	c := &collector{accept: true}
	l := newListener(c)

	at := time.Now().Add(-time.Minute)
	bundle := osc.NewBundle(at)
	require.NoError(t, bundle.Append(rigidBodyMessage(DefaultAddress, "3")))
	data, err := bundle.MarshalBinary()
	require.NoError(t, err)

	require.NoError(t, l.HandlePacket(data))

	samples := c.all()
	require.Len(t, samples, 1)
	assert.Equal(t, "3", samples[0].ID)
	assert.InDelta(t, at.UnixMilli(), samples[0].Timestamp, 2)
}

func TestHandlePacket_MessageStampedOnArrival(t *testing.T) {
	c := &collector{accept: true}
	l := newListener(c)
	l.now = func() time.Time { return time.UnixMilli(42) }

	data, err := rigidBodyMessage(DefaultAddress, "3").MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, l.HandlePacket(data))

	require.Len(t, c.all(), 1)
	assert.Equal(t, int64(42), c.all()[0].Timestamp)
}

func TestHandlePacket_IgnoresOtherAddresses(t *testing.T) {
	c := &collector{accept: true}
	l := newListener(c)

	data, err := rigidBodyMessage("/tracking/other", "3").MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, l.HandlePacket(data))
	assert.Empty(t, c.all())
}

func TestHandlePacket_CountsDrops(t *testing.T) {
	c := &collector{accept: false}
	l := newListener(c)

	data, err := rigidBodyMessage(DefaultAddress, "3").MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, l.HandlePacket(data))

	received, dropped := l.Stats()
	assert.Zero(t, received)
	assert.Equal(t, int64(1), dropped)
}

func TestHandlePacket_Garbage(t *testing.T) {
	l := newListener(&collector{})
	assert.Error(t, l.HandlePacket([]byte{0x01, 0x02}))
}

func TestStart_ReceivesOverUDP(t *testing.T) {
	c := &collector{accept: true}
	l := newListener(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	require.Eventually(t, func() bool { return l.LocalAddr() != nil }, 2*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("udp", l.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	data, err := rigidBodyMessage(DefaultAddress, "5").MarshalBinary()
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "5", c.all()[0].ID)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
