package workspace

import (
	"context"
	"math"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vistiles/server/internal/combination"
	"github.com/vistiles/server/internal/proximity"
	"github.com/vistiles/server/internal/registry"
	"github.com/vistiles/server/pkg/streaming"
)

// ProximityChanged couples devices entering near range and decouples them
// when they leave it. Devices of different workspaces are ignored.
func (c *Controller) ProximityChanged(p *proximity.Proximity) {
	aID, bID := p.Pair()
	a, okA := c.reg.Device(aID)
	b, okB := c.reg.Device(bID)
	if !okA || !okB || a.WorkspaceID == "" || a.WorkspaceID != b.WorkspaceID {
		return
	}

	switch {
	case p.State() == proximity.Near:
		c.couple(p, a, b)
	case p.Previous() == proximity.Near:
		c.decouple(a, b)
	}
}

func (c *Controller) couple(p *proximity.Proximity, a, b *registry.Device) {
	a.PairedSide = p.Anchor(a.ID)
	b.PairedSide = p.Anchor(b.ID)

	groupedA, groupedB := a.SubGroupID != "", b.SubGroupID != ""
	switch {
	case !groupedA && !groupedB:
		kinds := c.offer(a, b)
		if menu := p.Menu(); menu == nil || !menu.Visible {
			c.notPossible(a, b)
			return
		}
		c.sendMenu(a, b, kinds)

	case groupedA != groupedB:
		in, out := a, b
		if groupedB {
			in, out = b, a
		}
		c.autoJoin(in, out)

	default:
		c.notPossible(a, b)
	}
}

// autoJoin lets out join the subgroup of in and activates every auto-joinable
// combination between out and the existing members.
func (c *Controller) autoJoin(in, out *registry.Device) {
	if !out.HasView() {
		c.notPossible(in, out)
		return
	}
	s, ok := c.reg.SubGroupOf(in)
	if !ok {
		return
	}
	members := c.reg.Members(s)
	for _, m := range members {
		if len(m.FilteredObjects) > 0 {
			c.logger.Debug("subgroup has filtered objects, not joining", "subGroup", s.ID, "device", out.ID)
			c.notPossible(in, out)
			return
		}
	}
	if err := c.joinSubGroup(out, s); err != nil {
		c.logger.Warn("auto join failed", "subGroup", s.ID, "device", out.ID, "error", err)
		return
	}

	for _, m := range members {
		for _, k := range combination.Kinds() {
			b := behaviors[k]
			if !b.autoJoin || !k.Applies(c.cfg.Catalog, m.Subject(), out.Subject()) {
				continue
			}
			c.record(k, m, out)
			if b.trigger != nil {
				b.trigger(c, m, out)
			}
			c.count(k, "autoJoin")
		}
	}
}

// record stores a triggered offer on both devices.
func (c *Controller) record(k combination.Kind, a, b *registry.Device) {
	oa := combination.NewOffer(b.ID, k, c.cfg.Menu)
	ob := combination.NewOffer(a.ID, k, c.cfg.Menu)
	oa.Triggered, ob.Triggered = true, true
	a.Combinations[k] = oa
	b.Combinations[k] = ob
}

func (c *Controller) decouple(a, b *registry.Device) {
	if a.SubGroupID != "" && a.SubGroupID == b.SubGroupID {
		if c.reg.NearCount(a.ID) == 0 {
			c.leaveSubGroup(a)
		}
		if c.reg.NearCount(b.ID) == 0 {
			c.leaveSubGroup(b)
		}
	}
	c.send(a, streaming.TypeCombinationMenuRemove, nil)
	c.send(b, streaming.TypeCombinationMenuRemove, nil)

	kinds := combination.Match(c.cfg.Catalog, a.Subject(), b.Subject())
	for _, k := range a.Combinations.Kinds() {
		if o := a.Combinations[k]; o.Triggered && o.Target == b.ID && !slices.Contains(kinds, k) {
			kinds = append(kinds, k)
		}
	}
	a.Combinations = make(combination.Offers)
	b.Combinations = make(combination.Offers)

	r := &rollback{filtered: make(map[string]bool)}
	for _, k := range kinds {
		if fn := behaviors[k].rollback; fn != nil {
			fn(a, b, r)
		}
	}
	c.applyRollback(a, b, r)
}

// offer replaces the offers of both devices with the kinds matching now.
func (c *Controller) offer(a, b *registry.Device) []combination.Kind {
	kinds := combination.Match(c.cfg.Catalog, a.Subject(), b.Subject())
	a.Combinations = make(combination.Offers, len(kinds))
	b.Combinations = make(combination.Offers, len(kinds))
	for _, k := range kinds {
		a.Combinations[k] = combination.NewOffer(b.ID, k, c.cfg.Menu)
		b.Combinations[k] = combination.NewOffer(a.ID, k, c.cfg.Menu)
	}
	return kinds
}

// sendMenu shows the combination menu on both devices, or tells them no
// combination is possible.
func (c *Controller) sendMenu(a, b *registry.Device, kinds []combination.Kind) {
	if len(kinds) == 0 {
		c.notPossible(a, b)
		return
	}
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.String())
	}
	sa, sb := a.Snapshot(), b.Snapshot()
	c.send(a, streaming.TypeCombinationMenuTrigger, streaming.CombinationMenuTrigger{
		Position:     a.PairedSide.String(),
		Device:       streaming.DevicePair{Source: sb, Target: sa},
		Devices:      []string{a.ID, b.ID},
		Combinations: names,
	})
	c.send(b, streaming.TypeCombinationMenuTrigger, streaming.CombinationMenuTrigger{
		Position:     b.PairedSide.String(),
		Device:       streaming.DevicePair{Source: sa, Target: sb},
		Devices:      []string{b.ID, a.ID},
		Combinations: names,
	})
}

func (c *Controller) notPossible(a, b *registry.Device) {
	c.send(a, streaming.TypeSubGroupNotPossible, nil)
	c.send(b, streaming.TypeSubGroupNotPossible, nil)
}

// Trigger executes kind k between source and target after both devices
// confirmed a matching offer. It reports whether the combination ran.
func (c *Controller) Trigger(k combination.Kind, source, target *registry.Device) bool {
	oa, okA := source.Combinations[k]
	ob, okB := target.Combinations[k]
	if !okA || !okB {
		c.logger.Debug("combination not offered to both devices", "kind", k, "source", source.ID, "target", target.ID)
		return false
	}
	if oa.Target != target.ID || ob.Target != source.ID {
		c.logger.Debug("combination targets do not match", "kind", k, "source", source.ID, "target", target.ID)
		return false
	}
	if oa.Triggered || ob.Triggered {
		c.logger.Debug("combination already triggered", "kind", k, "source", source.ID, "target", target.ID)
		return false
	}

	groupedA, groupedB := source.SubGroupID != "", target.SubGroupID != ""
	switch {
	case !groupedA && !groupedB:
		if _, err := c.createSubGroup(source, target); err != nil {
			c.logger.Warn("could not group devices", "kind", k, "error", err)
			return false
		}
	case groupedA != groupedB:
		in, out := source, target
		if groupedB {
			in, out = target, source
		}
		s, _ := c.reg.SubGroupOf(in)
		if err := c.joinSubGroup(out, s); err != nil {
			c.logger.Warn("could not join subgroup", "kind", k, "error", err)
			return false
		}
	case source.SubGroupID != target.SubGroupID:
		c.logger.Info("devices belong to different subgroups, trigger ignored", "kind", k, "source", source.ID, "target", target.ID)
		return false
	}

	oa.Triggered, ob.Triggered = true, true
	c.execute(k, source, target)
	return true
}

// execute runs the side effect of k and confirms it to both devices.
func (c *Controller) execute(k combination.Kind, a, b *registry.Device) {
	if fn := behaviors[k].trigger; fn != nil {
		fn(c, a, b)
	}
	c.count(k, "handshake")
	c.logger.Info("combination triggered", "kind", k, "source", a.ID, "target", b.ID)

	c.send(a, streaming.TypeCombinationTriggered, streaming.CombinationTriggered{
		Method:       k.String(),
		Source:       a.ID,
		Target:       b.ID,
		Combinations: a.Combinations.Clone(),
	})
	c.send(b, streaming.TypeCombinationTriggered, streaming.CombinationTriggered{
		Method:       k.String(),
		Source:       b.ID,
		Target:       a.ID,
		Combinations: b.Combinations.Clone(),
	})
}

func (c *Controller) count(k combination.Kind, via string) {
	c.triggered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", k.String()),
		attribute.String("via", via),
	))
}

// behavior is the side effect and rollback of one kind.
type behavior struct {
	trigger  func(c *Controller, a, b *registry.Device)
	rollback func(a, b *registry.Device, r *rollback)
	// autoJoin kinds are activated without a menu when a device joins an
	// existing subgroup.
	autoJoin bool
}

var behaviors = map[combination.Kind]behavior{
	combination.VisualizationAlignment: {
		trigger:  (*Controller).StartAlignment,
		rollback: resetAlignment,
		autoJoin: true,
	},
	combination.BarChartDisplayExtension: {
		trigger:  (*Controller).displayExtension,
		rollback: resetDisplayExtension,
	},
	combination.ScatterPlotChart: {
		trigger:  (*Controller).scatterPlotChart,
		rollback: resetFilteredViews,
		autoJoin: true,
	},
	combination.TableChart: {
		trigger:  (*Controller).tableChart,
		rollback: resetFilteredViews,
		autoJoin: true,
	},
	combination.LineChartBarChart: {
		trigger:  (*Controller).lineChartBarChart,
		autoJoin: true,
	},
	combination.SettingsMenuForVis: {
		trigger:  (*Controller).settingsMenuForVis,
		autoJoin: true,
	},
	combination.ParallelCoordinatesChart: {
		trigger:  (*Controller).parallelCoordinatesChart,
		rollback: resetFilteredViews,
		autoJoin: true,
	},
	combination.ParallelCoordinatesStreamgraph: {
		trigger:  (*Controller).parallelCoordinatesStreamgraph,
		rollback: resetFilteredViews,
		autoJoin: true,
	},
	combination.StreamgraphBarChart: {
		trigger:  (*Controller).streamgraphBarChart,
		rollback: resetFilteredViews,
		autoJoin: true,
	},
	combination.CloneView: {
		trigger: (*Controller).cloneView,
	},
	combination.LineChartStreamgraph: {
		trigger:  (*Controller).lineChartStreamgraph,
		rollback: resetFilteredViews,
	},
}

// pick returns the device showing view first.
func pick(view string, a, b *registry.Device) (with, without *registry.Device) {
	if a.View == view {
		return a, b
	}
	return b, a
}

func (c *Controller) viewportObjects(d *registry.Device) []string {
	if s, ok := c.reg.SubGroupOf(d); ok {
		return slices.Clone(s.FilteredObjects)
	}
	return []string{}
}

// displayExtension splits the objects of one bar chart across both devices.
func (c *Controller) displayExtension(a, b *registry.Device) {
	objects := slices.Clone(a.Objects)
	if len(objects) == 0 {
		objects = slices.Clone(b.Objects)
	}
	half := int(math.Round(float64(len(objects)) / 2))
	first, second := objects[:half], objects[half:]

	extend := func(d, other *registry.Device, part []string) {
		d.FilteredObjects = slices.Clone(part)
		if !d.HasView() {
			c.send(d, streaming.TypeViewForceLoad, streaming.ForceLoad{
				View:     other.View,
				DataAttr: other.DataAttributes.Clone(),
				Objects:  slices.Clone(other.Objects),
			})
			return
		}
		c.send(d, streaming.TypeFilterDisplayExtension, slices.Clone(part))
	}
	extend(b, a, first)
	extend(a, b, second)
}

// cloneView loads the view of one device onto the empty one.
func (c *Controller) cloneView(a, b *registry.Device) {
	empty, full := b, a
	if b.HasView() {
		empty, full = a, b
	}
	empty.FilteredObjects = slices.Clone(full.FilteredObjects)
	c.send(empty, streaming.TypeViewForceLoad, streaming.ForceLoad{
		View:     full.View,
		DataAttr: full.DataAttributes.Clone(),
		Objects:  slices.Clone(full.Objects),
		Devices:  &streaming.DevicePair{Source: full.Snapshot(), Target: empty.Snapshot()},
	})
}

func (c *Controller) scatterPlotChart(a, b *registry.Device) {
	scatter, other := pick("scatterplot", a, b)
	c.send(other, streaming.TypeFilterViewportState, c.viewportObjects(other))
	c.send(other, streaming.TypeSettingsAttributesState, scatter.Snapshot())
}

func (c *Controller) tableChart(a, b *registry.Device) {
	table, other := pick("table", a, b)
	c.send(other, streaming.TypeFilterViewportState, c.viewportObjects(other))
	c.send(other, streaming.TypeSettingsAttributesState, table.Snapshot())
}

func (c *Controller) lineChartBarChart(a, b *registry.Device) {
	line, bar := pick("lineChart", a, b)
	c.send(line, streaming.TypeSettingsAttributesState, bar.Snapshot())
}

func (c *Controller) lineChartStreamgraph(a, b *registry.Device) {
	line, _ := pick("lineChart", a, b)
	c.send(line, streaming.TypeFilterViewportState, c.viewportObjects(line))
}

func (c *Controller) parallelCoordinatesChart(a, b *registry.Device) {
	pc, other := pick("parallelCoordinates", a, b)
	c.send(other, streaming.TypeFilterViewportState, c.viewportObjects(pc))
	c.send(other, streaming.TypeSettingsAttributesState, pc.Snapshot())
}

func (c *Controller) parallelCoordinatesStreamgraph(a, b *registry.Device) {
	pc, _ := pick("parallelCoordinates", a, b)
	c.send(pc, streaming.TypeFilterViewportState, c.viewportObjects(pc))
}

func (c *Controller) streamgraphBarChart(a, b *registry.Device) {
	stream, bar := pick("streamgraph", a, b)
	c.send(stream, streaming.TypeSettingsAttributesState, bar.Snapshot())
}

// settingsMenuForVis loads the settings menu onto an empty partner of a
// visualization, or pushes the visualization state to an open menu.
func (c *Controller) settingsMenuForVis(a, b *registry.Device) {
	vis, other := a, b
	if c.cfg.Catalog.TypeOf(a.View) != combination.TypeVis {
		vis, other = b, a
	}
	s, grouped := c.reg.SubGroupOf(vis)
	if !other.HasView() && grouped && len(s.Devices) == 2 {
		c.send(other, streaming.TypeViewForceLoad, streaming.ForceLoad{View: combination.SettingsMenuView})
		return
	}
	c.send(other, streaming.TypeSettingsAttributesState, vis.Snapshot())
}

// rollback collects the resets of a decoupled pair so that each one is sent once.
type rollback struct {
	aligned          bool
	displayExtension bool
	filtered         map[string]bool
}

func resetAlignment(_, _ *registry.Device, r *rollback) {
	r.aligned = true
}

func resetDisplayExtension(a, b *registry.Device, r *rollback) {
	if a.View == "barChart" && b.View == "barChart" && len(a.FilteredObjects) > 0 && len(b.FilteredObjects) > 0 {
		r.displayExtension = true
	}
}

// resetFilteredViews clears filters pushed into parallel coordinates and
// streamgraph views.
func resetFilteredViews(a, b *registry.Device, r *rollback) {
	for _, d := range []*registry.Device{a, b} {
		if d.View == "parallelCoordinates" || d.View == "streamgraph" {
			r.filtered[d.ID] = true
		}
	}
}

func (c *Controller) applyRollback(a, b *registry.Device, r *rollback) {
	if r.aligned {
		c.send(a, streaming.TypeViewAligned, nil)
		c.send(b, streaming.TypeViewAligned, nil)
	}
	if r.displayExtension {
		a.FilteredObjects, b.FilteredObjects = []string{}, []string{}
		c.send(a, streaming.TypeFilterDisplayExtension, []string{})
		c.send(b, streaming.TypeFilterDisplayExtension, []string{})
	}
	for _, d := range []*registry.Device{a, b} {
		if r.filtered[d.ID] {
			d.FilteredObjects = []string{}
			c.send(d, streaming.TypeFilterViewportState, []string{})
		}
	}
}
