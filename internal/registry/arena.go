package registry

import (
	"fmt"
	"slices"
)

// MasterWorkspaceID is the workspace every device joins when initialized.
const MasterWorkspaceID = "workspace-0"

// Workspace is a collaborative context. Members are referenced by device id.
type Workspace struct {
	ID        string   `json:"id"`
	Color     string   `json:"color"`
	Devices   []string `json:"devices"`
	SubGroups []string `json:"subGroups"`
	selected  map[string]struct{}
}

// Selection returns the selected object ids in sorted order.
func (w *Workspace) Selection() []string {
	out := make([]string, 0, len(w.selected))
	for id := range w.selected {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Select adds object ids to the selection.
func (w *Workspace) Select(ids ...string) {
	for _, id := range ids {
		w.selected[id] = struct{}{}
	}
}

// Deselect removes object ids from the selection.
func (w *Workspace) Deselect(ids ...string) {
	for _, id := range ids {
		delete(w.selected, id)
	}
}

// Has reports membership of a device.
func (w *Workspace) Has(deviceID string) bool { return slices.Contains(w.Devices, deviceID) }

func (w *Workspace) add(deviceID string) {
	if !w.Has(deviceID) {
		w.Devices = append(w.Devices, deviceID)
	}
}

func (w *Workspace) remove(deviceID string) {
	w.Devices = slices.DeleteFunc(w.Devices, func(id string) bool { return id == deviceID })
}

// SubGroup is a set of at least two devices inside one workspace sharing an
// active combination.
type SubGroup struct {
	ID              string   `json:"id"`
	WorkspaceID     string   `json:"workspaceId"`
	Devices         []string `json:"devices"`
	FilteredObjects []string `json:"filteredViewportObjects"`
}

// Has reports membership of a device.
func (s *SubGroup) Has(deviceID string) bool { return slices.Contains(s.Devices, deviceID) }

// NewWorkspace creates workspace-N with the palette color for N.
func (r *Registry) NewWorkspace() *Workspace {
	n := r.nextWorkspace
	r.nextWorkspace++

	w := &Workspace{
		ID:       fmt.Sprintf("workspace-%d", n),
		Devices:  []string{},
		selected: make(map[string]struct{}),
	}
	if len(r.cfg.WorkspaceColors) > 0 {
		w.Color = r.cfg.WorkspaceColors[n%len(r.cfg.WorkspaceColors)]
	}
	r.workspaces[w.ID] = w
	r.workspaceOrder = append(r.workspaceOrder, w.ID)
	return w
}

// Workspace looks up a workspace by id.
func (r *Registry) Workspace(id string) (*Workspace, bool) {
	w, ok := r.workspaces[id]
	return w, ok
}

// Workspaces returns all workspaces in creation order.
func (r *Registry) Workspaces() []*Workspace {
	out := make([]*Workspace, 0, len(r.workspaceOrder))
	for _, id := range r.workspaceOrder {
		out = append(out, r.workspaces[id])
	}
	return out
}

// NewSubGroup creates subGroup-N inside workspaceID. Members are added by
// JoinSubGroup.
func (r *Registry) NewSubGroup(workspaceID string) (*SubGroup, error) {
	w, ok := r.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: workspace %s", ErrUnknown, workspaceID)
	}
	s := &SubGroup{
		ID:              fmt.Sprintf("subGroup-%d", r.nextSubGroup),
		WorkspaceID:     workspaceID,
		Devices:         []string{},
		FilteredObjects: []string{},
	}
	r.nextSubGroup++
	r.subGroups[s.ID] = s
	w.SubGroups = append(w.SubGroups, s.ID)
	return s, nil
}

// SubGroup looks up a subgroup by id.
func (r *Registry) SubGroup(id string) (*SubGroup, bool) {
	s, ok := r.subGroups[id]
	return s, ok
}

// SubGroupOf returns the subgroup of a device.
func (r *Registry) SubGroupOf(d *Device) (*SubGroup, bool) {
	if d.SubGroupID == "" {
		return nil, false
	}
	return r.SubGroup(d.SubGroupID)
}

// WorkspaceOf returns the workspace of a device.
func (r *Registry) WorkspaceOf(d *Device) (*Workspace, bool) {
	if d.WorkspaceID == "" {
		return nil, false
	}
	return r.Workspace(d.WorkspaceID)
}

// AttachWorkspace records d as a member of w. The caller must detach it from
// any previous workspace first.
func (r *Registry) AttachWorkspace(d *Device, w *Workspace) {
	w.add(d.ID)
	d.WorkspaceID = w.ID
}

// DetachWorkspace removes d from its workspace.
func (r *Registry) DetachWorkspace(d *Device) {
	if w, ok := r.WorkspaceOf(d); ok {
		w.remove(d.ID)
	}
	d.WorkspaceID = ""
}

// JoinSubGroup adds d to s. It fails unless d is in the subgroup's workspace
// and has no subgroup yet.
func (r *Registry) JoinSubGroup(d *Device, s *SubGroup) error {
	if d.SubGroupID != "" {
		return fmt.Errorf("device %s already in %s", d.ID, d.SubGroupID)
	}
	if d.WorkspaceID != s.WorkspaceID {
		return fmt.Errorf("device %s not in workspace %s", d.ID, s.WorkspaceID)
	}
	s.Devices = append(s.Devices, d.ID)
	d.SubGroupID = s.ID
	return nil
}

// DetachSubGroup removes d from its subgroup and returns the subgroup.
// The subgroup itself is left in place even when it empties.
func (r *Registry) DetachSubGroup(d *Device) (*SubGroup, bool) {
	s, ok := r.SubGroupOf(d)
	d.SubGroupID = ""
	if !ok {
		return nil, false
	}
	s.Devices = slices.DeleteFunc(s.Devices, func(id string) bool { return id == d.ID })
	return s, true
}

// DeleteSubGroup removes an empty subgroup from the arena.
func (r *Registry) DeleteSubGroup(id string) {
	s, ok := r.subGroups[id]
	if !ok {
		return
	}
	if w, ok := r.workspaces[s.WorkspaceID]; ok {
		w.SubGroups = slices.DeleteFunc(w.SubGroups, func(sid string) bool { return sid == id })
	}
	delete(r.subGroups, id)
}

// Members resolves the device ids of a subgroup.
func (r *Registry) Members(s *SubGroup) []*Device {
	out := make([]*Device, 0, len(s.Devices))
	for _, id := range s.Devices {
		if d, ok := r.devices[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// WorkspaceMembers resolves the device ids of a workspace.
func (r *Registry) WorkspaceMembers(w *Workspace) []*Device {
	out := make([]*Device, 0, len(w.Devices))
	for _, id := range w.Devices {
		if d, ok := r.devices[id]; ok {
			out = append(out, d)
		}
	}
	return out
}
