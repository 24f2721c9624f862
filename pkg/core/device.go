// pkg/core/device.go
package core

// DeviceKind distinguishes tracked hardware from simulated devices.
type DeviceKind string

const (
	KindTracked DeviceKind = "tracked"
	KindVirtual DeviceKind = "virtual"
)

// Size is a physical or pixel extent.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Borders are the display bezels in centimeters.
type Borders struct {
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

// Inset is an offset in device pixels applied to the content area.
type Inset struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Bottom float64 `json:"bottom"`
	Right  float64 `json:"right"`
}

// DeviceInfo is what a client announces about itself when pairing or reconnecting.
type DeviceInfo struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Size    Size    `json:"size"`
	DPI     float64 `json:"dpi"`
	Borders Borders `json:"borders"`
}

// MarkerLink binds a tracking marker to the device that was paired with it.
type MarkerLink struct {
	MarkerID   string    `json:"markerId"`
	DeviceID   string    `json:"id"`
	DeviceName string    `json:"name"`
	RigidBody  RigidBody `json:"rb"`
}
