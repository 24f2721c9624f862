package registry

import (
	"slices"

	"github.com/vistiles/server/internal/combination"
	"github.com/vistiles/server/internal/geometry"
	"github.com/vistiles/server/internal/proximity"
	"github.com/vistiles/server/pkg/core"
)

// Device is a paired display. It is never removed from the registry; a
// disconnect only clears ConnID and its workspace membership.
type Device struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Size      core.Size       `json:"size"`
	DPI       float64         `json:"dpi"`
	Borders   core.Borders    `json:"borders"`
	Kind      core.DeviceKind `json:"type"`
	RigidBody core.RigidBody  `json:"rb"`
	ConnID    string          `json:"socketId"`
	Color     []string        `json:"color"`

	WorkspaceID string `json:"workspaceId,omitempty"`
	SubGroupID  string `json:"subGroupId,omitempty"`

	View            string              `json:"view,omitempty"`
	ViewportSize    core.Size           `json:"viewPortSize"`
	DataAttributes  core.DataAttributes `json:"dataAttr,omitempty"`
	PairedSide      geometry.Side       `json:"pairedDeviceLocation"`
	Objects         []string            `json:"objects"`
	FilteredObjects []string            `json:"filteredObjects"`

	Combinations combination.Offers `json:"combinations"`
}

// Virtual reports whether the device is driven by the debug UI.
func (d *Device) Virtual() bool { return d.Kind == core.KindVirtual }

// Connected reports whether the device currently has a live connection.
func (d *Device) Connected() bool { return d.ConnID != "" }

// Rotation is the yaw of the linked rigid body in radians.
func (d *Device) Rotation() float64 { return d.RigidBody.Yaw() }

// Footprint is the device rectangle on the table in meters.
func (d *Device) Footprint() geometry.Rect {
	return geometry.RectCorners(
		d.RigidBody.Position2D(),
		d.Size.Width/100,
		d.Size.Height/100,
		d.Rotation(),
	)
}

// Sample returns the proximity input for the device.
func (d *Device) Sample() proximity.Sample {
	return proximity.Sample{
		ID:       d.ID,
		Position: d.RigidBody.Position2D(),
		Rect:     d.Footprint(),
	}
}

// Subject returns the fields combination predicates look at.
func (d *Device) Subject() combination.Subject {
	return combination.Subject{
		View:            d.View,
		DataAttributes:  d.DataAttributes,
		FilteredObjects: d.FilteredObjects,
	}
}

// HasView reports whether the device shows anything.
func (d *Device) HasView() bool { return d.View != "" }

// Snapshot copies the device for use outside the event loop.
func (d *Device) Snapshot() Device {
	c := *d
	c.Color = slices.Clone(d.Color)
	c.Objects = slices.Clone(d.Objects)
	c.FilteredObjects = slices.Clone(d.FilteredObjects)
	c.DataAttributes = d.DataAttributes.Clone()
	c.Combinations = d.Combinations.Clone()
	return c
}
