package workspace

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistiles/server/internal/combination"
	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/internal/dispatcher/dispatchertest"
	"github.com/vistiles/server/internal/geometry"
	"github.com/vistiles/server/internal/proximity"
	"github.com/vistiles/server/internal/registry"
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

func (r *recorder) ofType(conn, typ string) []message {
	var out []message
	for _, m := range r.to(conn) {
		if m.typ == typ {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) reset() { r.sent = nil }

type nopStore struct{}

func (nopStore) SaveLink(context.Context, core.MarkerLink) error { return nil }

var catalog = combination.Catalog{
	"barChart":        {Type: combination.TypeVis, Characteristics: []string{"hasAxis"}},
	"lineChart":       {Type: combination.TypeVis, Characteristics: []string{"hasAxis"}},
	"scatterplot":     {Type: combination.TypeVis, Characteristics: []string{"hasAxis"}},
	"visSettingsMenu": {Type: combination.TypeMenu},
}

type fixture struct {
	c     *Controller
	reg   *registry.Registry
	sched *dispatchertest.Scheduler
	out   *recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := dispatchertest.New()
	reg := registry.New(registry.Config{
		Thresholds:      proximity.Thresholds{NearLower: 0.10, NearUpper: 0.15},
		Interval:        500 * time.Millisecond,
		WorkspaceColors: []string{"#000", "#111", "#222"},
		DeviceColors:    [][]string{{"red", "pink"}},
	}, sched, nopStore{}, logger)
	t.Cleanup(reg.Close)

	out := &recorder{}
	c, err := New(Config{
		Catalog: catalog,
		Menu: map[string]combination.MenuEntry{
			"lineChartBarChartCombination": {Label: "Line + Bar", Icon: "icon-line-bar"},
		},
	}, reg, sched, out, logger)
	require.NoError(t, err)
	reg.Subscribe(c)
	return &fixture{c: c, reg: reg, sched: sched, out: out}
}

// add registers a device at (x, 0) and initializes its client.
func (f *fixture) add(t *testing.T, id string, x float64, view string, objects ...string) *registry.Device {
	t.Helper()
	rb := core.RigidBody{ID: "m-" + id, Position: [3]float64{x, 0, 0}, Orientation: [4]float64{0, 0, 0, 1}}
	info := core.DeviceInfo{ID: id, Name: id, Size: core.Size{Width: 20, Height: 10}, DPI: 100}
	d, ok := f.reg.AddDevice(info, rb, core.KindTracked, "c-"+id)
	require.True(t, ok)
	f.c.DeviceInitialized(d)
	if view != "" {
		f.c.ViewLoaded(d, streaming.ViewLoaded{View: view, Objects: objects, DataAttr: map[string]any{"year": 2020}})
	}
	return d
}

func (f *fixture) move(t *testing.T, d *registry.Device, x float64) {
	t.Helper()
	rb := d.RigidBody
	rb.Position[0] = x
	require.True(t, f.reg.UpdateRigidBody(d.ID, rb))
	f.sched.Advance(500 * time.Millisecond)
}

func types(msgs []message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.typ)
	}
	return out
}

func TestDeviceInitialized_JoinsMaster(t *testing.T) {
	f := setup(t)
	d := f.add(t, "a", 0, "")

	assert.Equal(t, registry.MasterWorkspaceID, d.WorkspaceID)
	assert.Equal(t, []string{
		streaming.TypeWorkspaceJoined,
		streaming.TypeSelectionState,
		streaming.TypeWorkspaceJoinedSilent,
	}, types(f.out.to("c-a")))

	master, ok := f.reg.Workspace(registry.MasterWorkspaceID)
	require.True(t, ok)
	assert.True(t, master.Has("a"))
}

func TestCreateAndJoinWorkspace(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "")
	b := f.add(t, "b", 5, "")
	f.out.reset()

	w := f.c.CreateWorkspace(a)
	assert.Equal(t, w.ID, a.WorkspaceID)
	assert.Equal(t, []string{streaming.TypeWorkspaceLeft, streaming.TypeWorkspaceCreated}, types(f.out.to("c-a")))

	require.NoError(t, f.c.JoinWorkspace(b, w.ID))
	assert.Equal(t, w.ID, b.WorkspaceID)
	assert.ElementsMatch(t, []string{"a", "b"}, f.c.Workspaces()[w.ID].Devices)

	err := f.c.JoinWorkspace(b, "workspace-99")
	assert.ErrorIs(t, err, registry.ErrUnknown)
	assert.Equal(t, w.ID, b.WorkspaceID, "failed join keeps the workspace")
}

func TestSelection_BroadcastToWorkspace(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "")
	f.add(t, "b", 5, "")
	f.out.reset()

	f.c.SelectionAdded(a, []string{"x", "y"})
	f.c.SelectionRemoved(a, []string{"x"})

	for _, conn := range []string{"c-a", "c-b"} {
		msgs := f.out.ofType(conn, streaming.TypeSelectionState)
		require.Len(t, msgs, 2, conn)
		assert.Equal(t, []string{"y"}, msgs[1].payload, conn)
	}
}

func TestCoupling_OffersMenu(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "barChart")
	b := f.add(t, "b", 5, "lineChart")
	f.out.reset()

	f.move(t, b, 0.25)

	assert.Equal(t, geometry.SideRight, a.PairedSide)
	assert.Equal(t, geometry.SideLeft, b.PairedSide)

	want := []combination.Kind{combination.VisualizationAlignment, combination.LineChartBarChart}
	assert.Equal(t, want, a.Combinations.Kinds())
	assert.Equal(t, want, b.Combinations.Kinds())
	for _, k := range want {
		assert.Equal(t, "b", a.Combinations[k].Target)
		assert.Equal(t, "a", b.Combinations[k].Target)
	}
	assert.Equal(t, "Line + Bar", a.Combinations[combination.LineChartBarChart].Label)

	msgs := f.out.ofType("c-a", streaming.TypeCombinationMenuTrigger)
	require.Len(t, msgs, 1)
	menu := msgs[0].payload.(streaming.CombinationMenuTrigger)
	assert.Equal(t, "right", menu.Position)
	assert.Equal(t, []string{"a", "b"}, menu.Devices)
	assert.Equal(t, []string{"visualizationAlignment", "lineChartBarChartCombination"}, menu.Combinations)
	assert.Len(t, f.out.ofType("c-b", streaming.TypeCombinationMenuTrigger), 1)
}

func TestCoupling_NotPossibleAcrossWorkspaces(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "barChart")
	b := f.add(t, "b", 5, "lineChart")
	f.c.CreateWorkspace(a)
	f.out.reset()

	f.move(t, b, 0.25)
	assert.Empty(t, f.out.sent)
	assert.Empty(t, a.Combinations)
}

func TestCoupling_NoOffers(t *testing.T) {
	f := setup(t)
	f.add(t, "a", 0, "visSettingsMenu")
	b := f.add(t, "b", 5, "visSettingsMenu")
	f.out.reset()

	f.move(t, b, 0.25)
	assert.Len(t, f.out.ofType("c-a", streaming.TypeSubGroupNotPossible), 1)
	assert.Len(t, f.out.ofType("c-b", streaming.TypeSubGroupNotPossible), 1)
}

func TestTrigger_RequiresMutualConsent(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "barChart")
	b := f.add(t, "b", 5, "lineChart")
	c := f.add(t, "c", -5, "lineChart")
	f.move(t, b, 0.25)
	f.out.reset()

	assert.False(t, f.c.Trigger(combination.LineChartBarChart, a, c), "c holds no offer")
	assert.False(t, f.c.Trigger(combination.CloneView, a, b), "kind not offered")

	b.Combinations[combination.LineChartBarChart].Target = "c"
	assert.False(t, f.c.Trigger(combination.LineChartBarChart, a, b), "target mismatch")

	assert.Empty(t, a.SubGroupID)
	assert.Empty(t, f.out.sent)
	assert.False(t, a.Combinations[combination.LineChartBarChart].Triggered)
}

func TestTrigger_GroupsAndExecutes(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "barChart")
	b := f.add(t, "b", 5, "lineChart")
	f.move(t, b, 0.25)
	f.out.reset()

	require.True(t, f.c.Trigger(combination.LineChartBarChart, a, b))

	require.NotEmpty(t, a.SubGroupID)
	assert.Equal(t, a.SubGroupID, b.SubGroupID)
	s, ok := f.reg.SubGroup(a.SubGroupID)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a", "b"}, s.Devices)

	assert.True(t, a.Combinations[combination.LineChartBarChart].Triggered)
	assert.True(t, b.Combinations[combination.LineChartBarChart].Triggered)

	state := f.out.ofType("c-b", streaming.TypeSettingsAttributesState)
	require.Len(t, state, 1, "line chart receives the bar chart")
	assert.Equal(t, "a", state[0].payload.(registry.Device).ID)
	assert.Empty(t, f.out.ofType("c-a", streaming.TypeSettingsAttributesState))

	triggered := f.out.ofType("c-a", streaming.TypeCombinationTriggered)
	require.Len(t, triggered, 1)
	got := triggered[0].payload.(streaming.CombinationTriggered)
	assert.Equal(t, "lineChartBarChartCombination", got.Method)
	assert.Equal(t, "a", got.Source)
	assert.Equal(t, "b", got.Target)
	assert.Len(t, f.out.ofType("c-b", streaming.TypeCombinationTriggered), 1)

	f.out.reset()
	assert.False(t, f.c.Trigger(combination.LineChartBarChart, a, b), "already triggered")
	assert.Empty(t, f.out.sent)
}

func TestTrigger_DisplayExtensionSplitsObjects(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "barChart", "1", "2", "3", "4", "5")
	b := f.add(t, "b", 5, "")
	f.move(t, b, 0.25)
	f.out.reset()

	require.True(t, f.c.Trigger(combination.BarChartDisplayExtension, a, b))

	assert.Equal(t, []string{"1", "2", "3"}, b.FilteredObjects)
	assert.Equal(t, []string{"4", "5"}, a.FilteredObjects)

	load := f.out.ofType("c-b", streaming.TypeViewForceLoad)
	require.Len(t, load, 1, "empty device loads the bar chart")
	assert.Equal(t, "barChart", load[0].payload.(streaming.ForceLoad).View)

	ext := f.out.ofType("c-a", streaming.TypeFilterDisplayExtension)
	require.Len(t, ext, 1)
	assert.Equal(t, []string{"4", "5"}, ext[0].payload)
}

func TestTrigger_CloneView(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "barChart", "1", "2")
	b := f.add(t, "b", 5, "")
	f.move(t, b, 0.25)
	f.out.reset()

	require.True(t, f.c.Trigger(combination.CloneView, b, a))
	assert.Equal(t, a.SubGroupID, b.SubGroupID)

	load := f.out.ofType("c-b", streaming.TypeViewForceLoad)
	require.Len(t, load, 1)
	fl := load[0].payload.(streaming.ForceLoad)
	assert.Equal(t, "barChart", fl.View)
	assert.Equal(t, []string{"1", "2"}, fl.Objects)
	require.NotNil(t, fl.Devices)
	assert.Equal(t, "a", fl.Devices.Source.(registry.Device).ID)
}

func TestDecouple_DissolvesSubGroupAndRollsBack(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "barChart")
	b := f.add(t, "b", 5, "lineChart")
	f.move(t, b, 0.25)
	require.True(t, f.c.Trigger(combination.LineChartBarChart, a, b))
	subGroupID := a.SubGroupID
	f.out.reset()

	f.move(t, b, 1)

	assert.Empty(t, a.SubGroupID)
	assert.Empty(t, b.SubGroupID)
	_, ok := f.reg.SubGroup(subGroupID)
	assert.False(t, ok, "empty subgroup is deleted")
	assert.Empty(t, a.Combinations)
	assert.Empty(t, b.Combinations)

	for _, conn := range []string{"c-a", "c-b"} {
		assert.Len(t, f.out.ofType(conn, streaming.TypeSubGroupLeft), 1, conn)
		assert.Len(t, f.out.ofType(conn, streaming.TypeCombinationMenuRemove), 1, conn)
		aligned := f.out.ofType(conn, streaming.TypeViewAligned)
		require.Len(t, aligned, 1, conn)
		assert.Nil(t, aligned[0].payload, "alignment reset")
	}
}

func TestAutoJoin(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "barChart")
	b := f.add(t, "b", 5, "lineChart")
	c := f.add(t, "c", -5, "scatterplot")
	f.move(t, b, 0.25)
	require.True(t, f.c.Trigger(combination.LineChartBarChart, a, b))
	f.out.reset()

	f.move(t, c, 0.5)

	require.Equal(t, a.SubGroupID, c.SubGroupID)
	s, _ := f.reg.SubGroup(a.SubGroupID)
	assert.Len(t, s.Devices, 3)
	assert.Len(t, f.out.ofType("c-c", streaming.TypeSubGroupJoined), 1)
	assert.Empty(t, f.out.ofType("c-c", streaming.TypeCombinationMenuTrigger), "no menu on auto join")

	offer, ok := c.Combinations[combination.ScatterPlotChart]
	require.True(t, ok)
	assert.True(t, offer.Triggered)
	assert.NotEmpty(t, f.out.ofType("c-c", streaming.TypeViewAlign), "alignment starts on auto join")
	assert.NotEmpty(t, f.out.ofType("c-b", streaming.TypeSettingsAttributesState), "scatter plot pushed to line chart")
}

func TestAutoJoin_RefusedWithFilteredObjects(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "barChart")
	b := f.add(t, "b", 5, "lineChart")
	c := f.add(t, "c", -5, "scatterplot")
	f.move(t, b, 0.25)
	require.True(t, f.c.Trigger(combination.LineChartBarChart, a, b))
	b.FilteredObjects = []string{"x"}
	f.out.reset()

	f.move(t, c, 0.5)

	assert.Empty(t, c.SubGroupID)
	assert.Len(t, f.out.ofType("c-c", streaming.TypeSubGroupNotPossible), 1)
}

func TestSubGroupCardinality(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "barChart")
	b := f.add(t, "b", 5, "lineChart")
	f.move(t, b, 0.25)
	require.True(t, f.c.Trigger(combination.LineChartBarChart, a, b))
	subGroupID := a.SubGroupID

	f.c.Disconnect("c-b")

	assert.Empty(t, b.ConnID)
	assert.Empty(t, b.WorkspaceID)
	assert.Empty(t, a.SubGroupID, "a single member does not keep a subgroup")
	_, ok := f.reg.SubGroup(subGroupID)
	assert.False(t, ok)
}

func TestFilterViewportState_RelaysToSubGroup(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "barChart")
	b := f.add(t, "b", 5, "lineChart")
	f.move(t, b, 0.25)
	require.True(t, f.c.Trigger(combination.LineChartBarChart, a, b))
	f.out.reset()

	f.c.FilterViewportState(a, []string{"x", "x", "y"})

	msgs := f.out.ofType("c-b", streaming.TypeFilterViewportState)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"x", "y"}, msgs[0].payload)
	assert.Empty(t, f.out.to("c-a"))
}

func TestAttributesUpdate_MergesIntoSubGroup(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "barChart")
	b := f.add(t, "b", 5, "lineChart")
	f.move(t, b, 0.25)
	require.True(t, f.c.Trigger(combination.LineChartBarChart, a, b))
	f.out.reset()

	f.c.AttributesUpdate(a, streaming.AttributesUpdate{DataAttr: map[string]any{"year": 2021, "unknown": true}})

	year, _ := b.DataAttributes.Get("year")
	assert.Equal(t, 2021, year)
	_, ok := b.DataAttributes.Get("unknown")
	assert.False(t, ok, "only existing keys are merged")
	assert.Len(t, f.out.ofType("c-b", streaming.TypeSettingsAttributesUpdate), 1)
}

func alignmentPair(t *testing.T, f *fixture, sideA, sideB geometry.Side) (*registry.Device, *registry.Device) {
	t.Helper()
	a := f.add(t, "a", 0, "")
	b := f.add(t, "b", 5, "")
	a.PairedSide, b.PairedSide = sideA, sideB
	f.c.newToken = func() string { return "T" }
	f.out.reset()
	return a, b
}

func TestAlignment_Scenario(t *testing.T) {
	f := setup(t)
	a, b := alignmentPair(t, f, geometry.SideBottom, geometry.SideTop)

	f.c.StartAlignment(a, b)
	assert.Equal(t, []message{{conn: "c-a", typ: streaming.TypeViewAlign, payload: streaming.AlignRequest{Identifier: "T"}}}, f.out.to("c-a"))
	assert.Len(t, f.out.to("c-b"), 1)
	f.out.reset()
	timers := f.sched.Pending()

	f.c.AlignReply(a, streaming.AlignReply{Identifier: "T", Size: core.Size{Width: 800, Height: 600}})
	assert.Empty(t, f.out.sent)
	assert.Equal(t, 1, f.c.PendingAlignments())
	assert.Equal(t, timers+1, f.sched.Pending())

	f.c.AlignReply(b, streaming.AlignReply{Identifier: "T", Size: core.Size{Width: 600, Height: 600}})
	require.Len(t, f.out.sent, 1)
	assert.Equal(t, "c-b", f.out.sent[0].conn)
	assert.Equal(t, streaming.TypeViewAligned, f.out.sent[0].typ)
	assert.Equal(t, streaming.Aligned{
		Size:   core.Size{Width: 800, Height: 600},
		Offset: streaming.Offset{Left: 200},
	}, f.out.sent[0].payload)
	assert.Zero(t, f.c.PendingAlignments())
	assert.Equal(t, timers, f.sched.Pending(), "expiry timer cancelled")
}

func TestAlignment_HorizontalWithRotation(t *testing.T) {
	f := setup(t)
	// a is turned by 270 degrees, so its top edge faces right.
	a, b := alignmentPair(t, f, geometry.SideTop, geometry.SideLeft)

	f.c.AlignReply(a, streaming.AlignReply{Identifier: "T", Size: core.Size{Width: 500, Height: 400}, Angle: 270})
	f.c.AlignReply(b, streaming.AlignReply{Identifier: "T", Size: core.Size{Width: 300, Height: 600}})

	require.Len(t, f.out.sent, 1)
	assert.Equal(t, "c-a", f.out.sent[0].conn)
	assert.Equal(t, streaming.Aligned{
		Size:   core.Size{Width: 500, Height: 600},
		Offset: streaming.Offset{Top: 200},
	}, f.out.sent[0].payload)
}

func TestAlignment_EqualSizes(t *testing.T) {
	f := setup(t)
	a, b := alignmentPair(t, f, geometry.SideRight, geometry.SideLeft)

	f.c.AlignReply(a, streaming.AlignReply{Identifier: "T", Size: core.Size{Width: 800, Height: 600}})
	f.c.AlignReply(b, streaming.AlignReply{Identifier: "T", Size: core.Size{Width: 400, Height: 600}})
	assert.Empty(t, f.out.sent)
	assert.Zero(t, f.c.PendingAlignments())
}

func TestAlignment_NotAdjacent(t *testing.T) {
	f := setup(t)
	a, b := alignmentPair(t, f, geometry.SideRight, geometry.SideTop)

	f.c.AlignReply(a, streaming.AlignReply{Identifier: "T", Size: core.Size{Width: 800, Height: 600}})
	f.c.AlignReply(b, streaming.AlignReply{Identifier: "T", Size: core.Size{Width: 400, Height: 300}})
	assert.Empty(t, f.out.sent)
}

func TestAlignment_Expires(t *testing.T) {
	f := setup(t)
	a, b := alignmentPair(t, f, geometry.SideBottom, geometry.SideTop)

	f.c.AlignReply(a, streaming.AlignReply{Identifier: "T", Size: core.Size{Width: 800, Height: 600}})
	f.c.AlignReply(a, streaming.AlignReply{Identifier: "T", Size: core.Size{Width: 100, Height: 100}})
	assert.Equal(t, 1, f.c.PendingAlignments(), "duplicate reply ignored")

	f.sched.Advance(30 * time.Second)
	assert.Zero(t, f.c.PendingAlignments())

	f.c.AlignReply(b, streaming.AlignReply{Identifier: "T", Size: core.Size{Width: 600, Height: 600}})
	assert.Empty(t, f.out.sent, "late reply starts a new entry")
	assert.Equal(t, 1, f.c.PendingAlignments())
}

func TestRegisterHandlers(t *testing.T) {
	f := setup(t)
	a := f.add(t, "a", 0, "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	l, err := dispatcher.NewLoop(16, logger)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	d, err := dispatcher.New(logger)
	require.NoError(t, err)
	f.c.RegisterHandlers(d, l)
	assert.True(t, d.HasHandler(streaming.TypeCombinationTrigger))
	assert.True(t, d.HasHandler(streaming.TypeViewAlign))

	payload, err := json.Marshal(map[string]any{
		"values": map[string]any{"view": "barChart", "objects": []string{"1"}},
	})
	require.NoError(t, err)
	_, err = d.Dispatch(dispatcher.Event{Command: streaming.TypeViewLoaded, ConnID: "c-a", Payload: payload})
	require.NoError(t, err)

	var view string
	var objects []string
	require.NoError(t, l.Call(ctx, func() { view, objects = a.View, a.Objects }))
	assert.Equal(t, "barChart", view)
	assert.Equal(t, []string{"1"}, objects)
}
