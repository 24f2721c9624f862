package coupling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/internal/dispatcher/dispatchertest"
	"github.com/vistiles/server/internal/pairing"
	"github.com/vistiles/server/internal/proximity"
	"github.com/vistiles/server/internal/registry"
	"github.com/vistiles/server/internal/tracking"
	"github.com/vistiles/server/pkg/core"
	"github.com/vistiles/server/pkg/streaming"
)

type message struct {
	conn    string
	typ     string
	payload any
}

type recorder struct {
	sent []message
}

func (r *recorder) Send(connID, msgType string, payload any) error {
	r.sent = append(r.sent, message{conn: connID, typ: msgType, payload: payload})
	return nil
}

func (r *recorder) to(conn string) []message {
	var out []message
	for _, m := range r.sent {
		if m.conn == conn {
			out = append(out, m)
		}
	}
	return out
}

type memStore struct {
	mu    sync.Mutex
	saved []core.MarkerLink
}

func (m *memStore) SaveLink(_ context.Context, l core.MarkerLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, l)
	return nil
}

func (m *memStore) links() []core.MarkerLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.saved)
}

type fixture struct {
	c       *Controller
	reg     *registry.Registry
	tracker *tracking.Controller
	sched   *dispatchertest.Scheduler
	out     *recorder
	store   *memStore
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := dispatchertest.New()
	store := &memStore{}

	reg := registry.New(registry.Config{
		Thresholds:   proximity.Thresholds{NearLower: 0.1, NearUpper: 0.15},
		DeviceColors: [][]string{{"red", "pink"}},
	}, sched, store, logger)
	t.Cleanup(reg.Close)

	tracker := tracking.New(tracking.Config{Jitter: 0.005}, reg, logger)
	reg.Subscribe(tracker)

	pc, err := pairing.New(pairing.Config{Threshold: 0.05}, tracker, sched, logger)
	require.NoError(t, err)

	out := &recorder{}
	c := New(Dependencies{
		Registry: reg,
		Tracker:  tracker,
		Pairing:  pc,
		Sched:    sched,
		Sender:   out,
		Logger:   logger,
	})
	return &fixture{c: c, reg: reg, tracker: tracker, sched: sched, out: out, store: store}
}

func body(id string, x, z float64) core.RigidBody {
	return core.RigidBody{ID: id, Position: [3]float64{x, 0, z}, Orientation: [4]float64{0, 0, 0, 1}}
}

func info(id string) core.DeviceInfo {
	return core.DeviceInfo{ID: id, Name: "Tile " + id, Size: core.Size{Width: 20, Height: 12}, DPI: 160}
}

func types(msgs []message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.typ)
	}
	return out
}

func TestPairingRequest_Success(t *testing.T) {
	f := setup(t)
	f.tracker.HandleSample(body("1", 0, 1))

	f.c.PairingRequest("conn-a", info("a"))
	assert.Equal(t, []string{streaming.TypePairingStarted}, types(f.out.to("conn-a")))

	f.sched.Advance(time.Second)
	f.tracker.HandleSample(body("1", 0.2, 1))
	f.sched.Advance(time.Second)

	msgs := f.out.to("conn-a")
	require.Len(t, msgs, 2)
	assert.Equal(t, streaming.TypePairingResult, msgs[1].typ)
	assert.Equal(t, streaming.PairingResult{Successful: true}, msgs[1].payload)

	d, ok := f.reg.Device("a")
	require.True(t, ok)
	assert.Equal(t, "conn-a", d.ConnID)
	assert.Equal(t, core.KindTracked, d.Kind)
	assert.InDelta(t, -1.0, d.RigidBody.Position[2], 1e-12, "linked marker uses the live depth convention")

	f.reg.Close()
	saved := f.store.links()
	require.Len(t, saved, 1)
	assert.Equal(t, "1", saved[0].MarkerID)
	assert.Equal(t, "a", saved[0].DeviceID)
}

func TestPairingRequest_RepairOnNewMarker(t *testing.T) {
	f := setup(t)
	pair := func(marker string, x float64) {
		f.tracker.HandleSample(body(marker, x, 1))
		f.c.PairingRequest("conn-a", info("a"))
		f.sched.Advance(time.Second)
		f.tracker.HandleSample(body(marker, x+0.2, 1))
		f.sched.Advance(time.Second)
	}

	pair("1", 0)
	d, ok := f.reg.Device("a")
	require.True(t, ok)
	require.Equal(t, "1", d.RigidBody.ID)

	pair("2", 1)
	msgs := f.out.to("conn-a")
	require.Len(t, msgs, 4)
	assert.Equal(t, streaming.PairingResult{Successful: true}, msgs[3].payload)

	assert.Equal(t, "2", d.RigidBody.ID)
	assert.InDelta(t, 1.2, d.RigidBody.Position[0], 1e-12)
	assert.InDelta(t, -1.0, d.RigidBody.Position[2], 1e-12)
	got, ok := f.reg.DeviceByMarker("2")
	require.True(t, ok)
	assert.Same(t, d, got)
	_, unlinked := f.tracker.UnlinkedBody("2")
	assert.False(t, unlinked, "the new marker is linked")

	f.tracker.HandleSample(body("1", 0.2, 1))
	_, unlinked = f.tracker.UnlinkedBody("1")
	assert.True(t, unlinked, "the old marker is free again")

	_, ok = f.reg.Link("1")
	assert.False(t, ok)
	f.reg.Close()
	saved := f.store.links()
	require.Len(t, saved, 2)
	assert.Equal(t, core.MarkerLink{MarkerID: "2", DeviceID: "a", DeviceName: "Tile a", RigidBody: d.RigidBody}, saved[1])
}

func TestPairingRequest_Timeout(t *testing.T) {
	f := setup(t)
	f.tracker.HandleSample(body("1", 0, 1))

	f.c.PairingRequest("conn-a", info("a"))
	f.sched.Advance(10 * time.Second)

	msgs := f.out.to("conn-a")
	require.Len(t, msgs, 2)
	assert.Equal(t, streaming.PairingResult{Successful: false}, msgs[1].payload)
	_, ok := f.reg.Device("a")
	assert.False(t, ok)
}

func TestPairingRequest_QueuedWhileBusy(t *testing.T) {
	f := setup(t)

	f.c.PairingRequest("conn-a", info("a"))
	f.c.PairingRequest("conn-b", info("b"))
	assert.Equal(t, 1, f.c.Queued())
	assert.Empty(t, f.out.to("conn-b"))

	f.sched.Advance(8 * time.Second)
	assert.Empty(t, f.out.to("conn-b"), "retries while the first pairing runs")

	f.sched.Advance(2 * time.Second)
	assert.Equal(t, []string{streaming.TypePairingResult}, types(f.out.to("conn-a"))[1:])
	assert.Equal(t, []string{streaming.TypePairingStarted}, types(f.out.to("conn-b")))
	assert.Zero(t, f.c.Queued())
}

func TestConnectionClosed_DropsQueuedRequests(t *testing.T) {
	f := setup(t)

	f.c.PairingRequest("conn-a", info("a"))
	f.c.PairingRequest("conn-b", info("b"))
	f.c.PairingRequest("conn-c", info("c"))

	f.c.ConnectionClosed("conn-b")
	assert.Equal(t, 1, f.c.Queued())

	f.c.ConnectionClosed("conn-a")
	assert.Equal(t, []string{streaming.TypePairingStarted}, types(f.out.to("conn-c")),
		"closing the pairing connection hands over to the next request")
	assert.Zero(t, f.c.Queued())
}

func TestConnectionRequest_KnownDevice(t *testing.T) {
	f := setup(t)
	d, ok := f.reg.AddDevice(info("a"), body("1", 0, 0), core.KindTracked, "old")
	require.True(t, ok)

	f.c.ConnectionRequest("new", info("a"))
	assert.Equal(t, "new", d.ConnID)
	msgs := f.out.to("new")
	require.Len(t, msgs, 1)
	assert.Equal(t, streaming.ConnectionResponse{Paired: true, Color: []string{"red", "pink"}}, msgs[0].payload)
}

func TestConnectionRequest_PersistedMarker(t *testing.T) {
	f := setup(t)
	f.reg.LoadLinks([]core.MarkerLink{{MarkerID: "7", DeviceID: "a", DeviceName: "Tile a"}})
	f.tracker.HandleSample(body("7", 0.5, 0.5))

	f.c.ConnectionRequest("conn-a", info("a"))

	d, ok := f.reg.Device("a")
	require.True(t, ok)
	assert.Equal(t, "7", d.RigidBody.ID)
	msgs := f.out.to("conn-a")
	require.Len(t, msgs, 1)
	assert.Equal(t, streaming.ConnectionResponse{Paired: true, Color: []string{"red", "pink"}}, msgs[0].payload)

	_, unlinked := f.tracker.UnlinkedBody("7")
	assert.False(t, unlinked)
}

func TestConnectionRequest_Unknown(t *testing.T) {
	f := setup(t)
	f.tracker.HandleSample(body("7", 0.5, 0.5))

	f.c.ConnectionRequest("conn-a", info("a"))
	msgs := f.out.to("conn-a")
	require.Len(t, msgs, 1)
	assert.Equal(t, streaming.ConnectionResponse{Paired: false}, msgs[0].payload)
}

func TestVirtualPairing(t *testing.T) {
	f := setup(t)

	d, added := f.c.VirtualPairing("", info("tablet"))
	require.True(t, added)
	assert.Equal(t, core.KindVirtual, d.Kind)
	assert.Equal(t, "V-tab", d.RigidBody.ID)
	assert.Empty(t, d.ConnID)
	f.reg.Close()
	assert.Empty(t, f.store.links(), "virtual links are not persisted")

	again, added := f.c.VirtualPairing("conn-t", info("tablet"))
	assert.False(t, added)
	assert.Same(t, d, again)
	assert.Equal(t, "conn-t", d.ConnID)
}

func TestRegisterHandlers(t *testing.T) {
	f := setup(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	l, err := dispatcher.NewLoop(16, logger)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	d, err := dispatcher.New(logger)
	require.NoError(t, err)
	f.c.RegisterHandlers(d, l)

	for _, cmd := range []string{streaming.TypeConnectionRequest, streaming.TypePairingRequest, streaming.TypeVirtualPairing} {
		assert.True(t, d.HasHandler(cmd), cmd)
	}

	payload, err := json.Marshal(info("a"))
	require.NoError(t, err)
	_, err = d.Dispatch(dispatcher.Event{Command: streaming.TypeConnectionRequest, ConnID: "conn-a", Payload: payload})
	require.NoError(t, err)

	var msgs []message
	require.NoError(t, l.Call(ctx, func() { msgs = f.out.to("conn-a") }))
	require.Len(t, msgs, 1)
	assert.Equal(t, streaming.TypeConnectionResponse, msgs[0].typ)
}
