// Package workspace runs the collaboration layer on top of the registry:
// workspaces, subgroups, combination offers and their trigger handshake, and
// the alignment protocol. Everything here runs on the event loop.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/vistiles/server/internal/combination"
	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/internal/registry"
	"github.com/vistiles/server/pkg/streaming"
)

// ErrUnknownDevice is returned when an event names a device that is not registered.
var ErrUnknownDevice = errors.New("unknown device")

// Sender delivers a message to one connection.
type Sender interface {
	Send(connID, msgType string, payload any) error
}

// Config holds controller settings.
type Config struct {
	Catalog combination.Catalog
	Menu    map[string]combination.MenuEntry
	// AlignmentTimeout bounds how long the first alignment reply waits for the second.
	AlignmentTimeout time.Duration
}

// Controller implements registry.Observer to react to proximity transitions.
type Controller struct {
	registry.NopObserver

	cfg    Config
	reg    *registry.Registry
	sched  dispatcher.Scheduler
	out    Sender
	logger *slog.Logger

	alignments map[string]*alignment
	newToken   func() string

	triggered metric.Int64Counter
}

// New creates a controller. Subscribe it to the registry to receive proximity events.
func New(cfg Config, reg *registry.Registry, sched dispatcher.Scheduler, out Sender, logger *slog.Logger) (*Controller, error) {
	if cfg.AlignmentTimeout <= 0 {
		cfg.AlignmentTimeout = 30 * time.Second
	}
	triggered, err := otel.Meter("github.com/vistiles/server/internal/workspace").Int64Counter(
		"combinations.triggered",
		metric.WithDescription("Executed combinations by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating triggered counter: %w", err)
	}
	return &Controller{
		cfg:        cfg,
		reg:        reg,
		sched:      sched,
		out:        out,
		logger:     logger,
		alignments: make(map[string]*alignment),
		newToken:   uuid.NewString,
		triggered:  triggered,
	}, nil
}

func (c *Controller) send(d *registry.Device, msgType string, payload any) {
	if !d.Connected() {
		return
	}
	if err := c.out.Send(d.ConnID, msgType, payload); err != nil {
		c.logger.Warn("send failed", "device", d.ID, "type", msgType, "error", err)
	}
}

func (c *Controller) sendOthers(members []*registry.Device, except string, msgType string, payload any) {
	for _, m := range members {
		if m.ID != except {
			c.send(m, msgType, payload)
		}
	}
}

func (c *Controller) device(id string) (*registry.Device, error) {
	d, ok := c.reg.Device(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	return d, nil
}

// DeviceInitialized resets the view of a freshly loaded client and puts it
// into the master workspace.
func (c *Controller) DeviceInitialized(d *registry.Device) {
	d.View = ""
	master, _ := c.reg.Workspace(registry.MasterWorkspaceID)
	c.joinWorkspace(d, master)
	c.send(d, streaming.TypeWorkspaceJoinedSilent, streaming.WorkspaceInfo{Color: master.Color})
}

// CreateWorkspace moves d into a new workspace of its own.
func (c *Controller) CreateWorkspace(d *registry.Device) *registry.Workspace {
	c.leaveWorkspace(d)
	w := c.reg.NewWorkspace()
	c.reg.AttachWorkspace(d, w)
	c.logger.Info("workspace created", "workspace", w.ID, "device", d.ID)
	c.send(d, streaming.TypeWorkspaceCreated, streaming.WorkspaceInfo{Color: w.Color, ID: w.ID})
	return w
}

// JoinWorkspace moves d into an existing workspace.
func (c *Controller) JoinWorkspace(d *registry.Device, workspaceID string) error {
	w, ok := c.reg.Workspace(workspaceID)
	if !ok {
		return fmt.Errorf("%w: workspace %s", registry.ErrUnknown, workspaceID)
	}
	c.leaveWorkspace(d)
	c.joinWorkspace(d, w)
	return nil
}

func (c *Controller) joinWorkspace(d *registry.Device, w *registry.Workspace) {
	if d.WorkspaceID != "" && d.WorkspaceID != w.ID {
		c.leaveSubGroup(d)
		c.reg.DetachWorkspace(d)
	}
	c.reg.AttachWorkspace(d, w)
	c.send(d, streaming.TypeWorkspaceJoined, streaming.WorkspaceInfo{Color: w.Color, ID: w.ID})
	c.sendSelection(d, false)
}

func (c *Controller) leaveWorkspace(d *registry.Device) {
	if d.WorkspaceID == "" {
		return
	}
	c.leaveSubGroup(d)
	c.reg.DetachWorkspace(d)
	c.send(d, streaming.TypeWorkspaceLeft, nil)
}

// WorkspaceView is the client representation of a workspace.
type WorkspaceView struct {
	ID              string                       `json:"id"`
	Color           string                       `json:"color"`
	Devices         []string                     `json:"devices"`
	SelectedObjects []string                     `json:"selectedObjects"`
	SubGroups       map[string]registry.SubGroup `json:"subGroups"`
}

// WorkspacesPayload answers workspace:getAll.
type WorkspacesPayload struct {
	Workspaces map[string]WorkspaceView `json:"workspaces"`
	Device     registry.Device          `json:"device"`
}

// Workspaces returns a copy of every workspace keyed by id.
func (c *Controller) Workspaces() map[string]WorkspaceView {
	out := make(map[string]WorkspaceView)
	for _, w := range c.reg.Workspaces() {
		v := WorkspaceView{
			ID:              w.ID,
			Color:           w.Color,
			Devices:         slices.Clone(w.Devices),
			SelectedObjects: w.Selection(),
			SubGroups:       make(map[string]registry.SubGroup, len(w.SubGroups)),
		}
		for _, id := range w.SubGroups {
			if s, ok := c.reg.SubGroup(id); ok {
				cp := *s
				cp.Devices = slices.Clone(s.Devices)
				cp.FilteredObjects = slices.Clone(s.FilteredObjects)
				v.SubGroups[id] = cp
			}
		}
		out[w.ID] = v
	}
	return out
}

// GetAllWorkspaces sends the workspace list to d.
func (c *Controller) GetAllWorkspaces(d *registry.Device) {
	c.send(d, streaming.TypeWorkspaceGetAll, WorkspacesPayload{Workspaces: c.Workspaces(), Device: d.Snapshot()})
}

// createSubGroup groups two ungrouped devices of the same workspace.
func (c *Controller) createSubGroup(a, b *registry.Device) (*registry.SubGroup, error) {
	if a.WorkspaceID == "" || a.WorkspaceID != b.WorkspaceID {
		return nil, fmt.Errorf("devices %s and %s are not in the same workspace", a.ID, b.ID)
	}
	if a.SubGroupID != "" || b.SubGroupID != "" {
		return nil, fmt.Errorf("devices %s and %s are already grouped", a.ID, b.ID)
	}
	s, err := c.reg.NewSubGroup(a.WorkspaceID)
	if err != nil {
		return nil, err
	}
	for _, d := range []*registry.Device{a, b} {
		if err := c.joinSubGroup(d, s); err != nil {
			return nil, err
		}
	}
	c.logger.Info("subgroup created", "subGroup", s.ID, "devices", s.Devices)
	return s, nil
}

func (c *Controller) joinSubGroup(d *registry.Device, s *registry.SubGroup) error {
	if err := c.reg.JoinSubGroup(d, s); err != nil {
		return err
	}
	c.send(d, streaming.TypeSubGroupJoined, nil)
	return nil
}

// leaveSubGroup removes d from its subgroup. A subgroup left with a single
// member is dissolved, an empty one is deleted.
func (c *Controller) leaveSubGroup(d *registry.Device) {
	s, ok := c.reg.DetachSubGroup(d)
	if !ok {
		return
	}
	remaining := c.reg.Members(s)
	c.sendOthers(remaining, d.ID, streaming.TypeSubGroupHasLeft, d.Snapshot())
	c.send(d, streaming.TypeSubGroupLeft, nil)

	switch len(remaining) {
	case 0:
		c.reg.DeleteSubGroup(s.ID)
		c.logger.Info("subgroup deleted", "subGroup", s.ID)
	case 1:
		c.leaveSubGroup(remaining[0])
	}
}

func (c *Controller) sendSelection(d *registry.Device, toWorkspace bool) {
	w, ok := c.reg.WorkspaceOf(d)
	if !ok {
		return
	}
	selection := w.Selection()
	c.send(d, streaming.TypeSelectionState, selection)
	if toWorkspace {
		c.sendOthers(c.reg.WorkspaceMembers(w), d.ID, streaming.TypeSelectionState, selection)
	}
}

// SelectionAdded adds objects to the workspace selection of d.
func (c *Controller) SelectionAdded(d *registry.Device, ids []string) {
	w, ok := c.reg.WorkspaceOf(d)
	if !ok {
		return
	}
	w.Select(ids...)
	c.sendSelection(d, true)
}

// SelectionRemoved removes objects from the workspace selection of d.
func (c *Controller) SelectionRemoved(d *registry.Device, ids []string) {
	w, ok := c.reg.WorkspaceOf(d)
	if !ok {
		return
	}
	w.Deselect(ids...)
	c.sendSelection(d, true)
}

// FilterViewportState stores the viewport filter of the subgroup of d and
// relays it to the other members.
func (c *Controller) FilterViewportState(d *registry.Device, ids []string) {
	s, ok := c.reg.SubGroupOf(d)
	if !ok {
		return
	}
	s.FilteredObjects = unique(ids)
	c.sendOthers(c.reg.Members(s), d.ID, streaming.TypeFilterViewportState, slices.Clone(s.FilteredObjects))
}

// OverlayChanged relays a spatial overlay domain to the subgroup of d.
func (c *Controller) OverlayChanged(d *registry.Device, change streaming.OverlayChange) {
	if change.Type != "spatialOverlayChange" {
		return
	}
	s, ok := c.reg.SubGroupOf(d)
	if !ok {
		return
	}
	c.sendOthers(c.reg.Members(s), d.ID, streaming.TypeSpatialRemoteDomain, streaming.RemoteDomainChange{
		From:   change.From,
		To:     change.To,
		Domain: change.Domain,
	})
}

// RemoteOverlayChange relays the raw event to the subgroup of d.
func (c *Controller) RemoteOverlayChange(d *registry.Device, in streaming.Inbound) {
	s, ok := c.reg.SubGroupOf(d)
	if !ok {
		return
	}
	c.sendOthers(c.reg.Members(s), d.ID, streaming.TypeSpatialRemoteOverlay, in)
}

// ViewLoaded records the view shown by d and refreshes the offers it had
// while it was still empty.
func (c *Controller) ViewLoaded(d *registry.Device, v streaming.ViewLoaded) {
	d.View = v.View
	if c.cfg.Catalog.TypeOf(d.View) == combination.TypeVis {
		d.DataAttributes = v.DataAttr
		d.Objects = nonNil(v.Objects)
		d.ViewportSize = v.Size
	} else {
		d.DataAttributes = nil
		d.Objects = []string{}
	}

	c.sendSelection(d, false)
	c.send(d, streaming.TypeFilterDisplayExtension, slices.Clone(d.FilteredObjects))

	var targetID string
	for _, k := range d.Combinations.Kinds() {
		targetID = d.Combinations[k].Target
	}
	target, ok := c.reg.Device(targetID)
	if !ok {
		return
	}

	kinds := c.offer(d, target)
	c.sendMenu(d, target, kinds)

	if v.ForceLoaded {
		c.execute(combination.SettingsMenuForVis, d, target)
		c.send(d, streaming.TypeCombinationMenuRemove, nil)
		c.send(target, streaming.TypeCombinationMenuRemove, nil)
	}
}

// AttributesUpdate merges changed data attributes into the visualizations
// of the subgroup of d, or into the device named in the update when d is not
// grouped.
func (c *Controller) AttributesUpdate(d *registry.Device, u streaming.AttributesUpdate) {
	if s, ok := c.reg.SubGroupOf(d); ok {
		for _, m := range c.reg.Members(s) {
			if m.ID == d.ID || c.cfg.Catalog.TypeOf(m.View) != combination.TypeVis {
				continue
			}
			if m.DataAttributes != nil {
				m.DataAttributes.Merge(u.DataAttr)
			}
			c.send(m, streaming.TypeSettingsAttributesUpdate, u.DataAttr)
		}
		return
	}

	receiver, ok := c.reg.Device(u.DeviceID)
	if !ok {
		c.logger.Debug("attributes update for unknown device", "device", u.DeviceID)
		return
	}
	if receiver.DataAttributes != nil {
		receiver.DataAttributes.Merge(u.DataAttr)
	}
	c.send(receiver, streaming.TypeSettingsAttributesUpdate, u.DataAttr)
}

// AttributesState replaces the data attributes of d and pushes the device to
// every menu view of its subgroup.
func (c *Controller) AttributesState(d *registry.Device, attrs map[string]any) {
	d.DataAttributes = attrs
	s, ok := c.reg.SubGroupOf(d)
	if !ok {
		return
	}
	snapshot := d.Snapshot()
	for _, m := range c.reg.Members(s) {
		if c.cfg.Catalog.TypeOf(m.View) == combination.TypeMenu {
			c.send(m, streaming.TypeSettingsAttributesState, snapshot)
		}
	}
}

// RemoveMenu asks target to close its combination menu.
func (c *Controller) RemoveMenu(target *registry.Device) {
	c.send(target, streaming.TypeCombinationMenuRemove, nil)
}

// ToggleMenu toggles the combination menu on every offer target of d.
func (c *Controller) ToggleMenu(d *registry.Device) {
	var targets []string
	for _, k := range d.Combinations.Kinds() {
		if t := d.Combinations[k].Target; !slices.Contains(targets, t) {
			targets = append(targets, t)
		}
	}
	for _, id := range targets {
		if t, ok := c.reg.Device(id); ok {
			c.send(t, streaming.TypeCombinationMenuToggle, nil)
		}
	}
}

// Disconnect detaches the device bound to connID from its workspace.
func (c *Controller) Disconnect(connID string) {
	d, ok := c.reg.DeviceByConn(connID)
	if !ok {
		return
	}
	d.ConnID = ""
	c.leaveWorkspace(d)
	c.logger.Info("device disconnected", "device", d.ID)
}

func unique(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
