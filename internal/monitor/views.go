package monitor

import (
	"github.com/vistiles/server/internal/proximity"
	"github.com/vistiles/server/internal/registry"
)

// DeviceView is a device as shown to debug clients, with its table
// footprint as WKT.
type DeviceView struct {
	registry.Device
	Footprint string `json:"footprint"`
}

// NewDeviceView snapshots d.
func NewDeviceView(d *registry.Device) DeviceView {
	return DeviceView{Device: d.Snapshot(), Footprint: d.Footprint().WKT()}
}

// ProximityView is the debug rendering of a device pair.
type ProximityView struct {
	Devices     [2]string            `json:"devices"`
	State       proximity.State      `json:"state"`
	Previous    proximity.State      `json:"previousState"`
	Distance    float64              `json:"distance"`
	MovedDevice string               `json:"movedDevice"`
	Thresholds  proximity.Thresholds `json:"thresholds"`
	Menu        *proximity.Menu      `json:"menu,omitempty"`
}

// NewProximityView captures the current state of p.
func NewProximityView(p *proximity.Proximity) ProximityView {
	a, b := p.Pair()
	return ProximityView{
		Devices:     [2]string{a, b},
		State:       p.State(),
		Previous:    p.Previous(),
		Distance:    p.Distance(),
		MovedDevice: p.MovedDevice(),
		Thresholds:  p.Thresholds(),
		Menu:        p.Menu(),
	}
}
