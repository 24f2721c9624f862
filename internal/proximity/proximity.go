// Package proximity classifies the distance between two devices into a
// near/mid state with hysteresis and derives the combination-menu geometry
// when a pair comes close.
package proximity

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/vistiles/server/internal/geometry"
)

// State is the hysteresis-gated distance class of a device pair.
type State int

const (
	Mid State = iota
	Near
)

func (s State) String() string {
	if s == Near {
		return "near"
	}
	return "mid"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "near":
		*s = Near
	case "mid":
		*s = Mid
	default:
		return fmt.Errorf("unknown proximity state %q", b)
	}
	return nil
}

// Thresholds are the near-state hysteresis bounds in meters.
type Thresholds struct {
	NearLower float64 `json:"nearLower"`
	NearUpper float64 `json:"nearUpper"`
}

// Next returns the state following current for the given distance.
// Distances inside the band keep the current state.
func (t Thresholds) Next(current State, distance float64) State {
	switch current {
	case Mid:
		if distance < t.NearLower {
			return Near
		}
	case Near:
		if distance > t.NearUpper {
			return Mid
		}
	}
	return current
}

// Sample is a device footprint at evaluation time.
type Sample struct {
	ID       string
	Position r2.Vec
	Rect     geometry.Rect
}

// Proximity tracks one unordered device pair.
type Proximity struct {
	a, b       string
	thresholds Thresholds

	state    State
	previous State
	distance float64
	moved    string
	lastA    r2.Vec
	lastB    r2.Vec
	menu     *Menu
}

// New creates a pair in the mid state. The initial samples seed the
// moved-device tracking.
func New(a, b Sample, t Thresholds) *Proximity {
	return &Proximity{
		a:          a.ID,
		b:          b.ID,
		thresholds: t,
		moved:      b.ID,
		lastA:      a.Position,
		lastB:      b.Position,
	}
}

// Pair returns the device ids in creation order.
func (p *Proximity) Pair() (string, string) { return p.a, p.b }

// Involves reports whether id is one of the pair.
func (p *Proximity) Involves(id string) bool { return p.a == id || p.b == id }

// Other returns the counterpart of id, or "" if id is not in the pair.
func (p *Proximity) Other(id string) string {
	switch id {
	case p.a:
		return p.b
	case p.b:
		return p.a
	}
	return ""
}

func (p *Proximity) State() State { return p.state }
func (p *Proximity) Previous() State { return p.previous }
func (p *Proximity) Distance() float64 { return p.distance }
func (p *Proximity) MovedDevice() string { return p.moved }
func (p *Proximity) Thresholds() Thresholds { return p.thresholds }

// Menu returns the combination-menu geometry, or nil when the pair is not near.
func (p *Proximity) Menu() *Menu { return p.menu }

// Anchor returns the menu edge for device id. SideNone when no menu is shown.
func (p *Proximity) Anchor(id string) geometry.Side {
	if p.menu == nil || !p.menu.Visible {
		return geometry.SideNone
	}
	switch id {
	case p.menu.A.Device:
		return p.menu.A.Anchor
	case p.menu.B.Device:
		return p.menu.B.Anchor
	}
	return geometry.SideNone
}

// Evaluate recomputes the pair from fresh samples and reports whether the
// state changed.
func (p *Proximity) Evaluate(sa, sb Sample) bool {
	if sa.ID != p.a {
		sa, sb = sb, sa
	}

	p.trackMovement(sa.Position, sb.Position)
	p.distance = geometry.RectToRectDistance(sa.Rect, sb.Rect)

	next := p.thresholds.Next(p.state, p.distance)
	if next == p.state {
		return false
	}

	p.previous = p.state
	p.state = next
	if next == Near {
		p.menu = buildMenu(sa, sb)
	} else {
		p.menu = nil
	}
	return true
}

func (p *Proximity) trackMovement(posA, posB r2.Vec) {
	dA := r2.Norm(r2.Sub(posA, p.lastA))
	dB := r2.Norm(r2.Sub(posB, p.lastB))
	switch {
	case dA > dB:
		p.moved = p.a
	case dB > dA:
		p.moved = p.b
	}
	p.lastA = posA
	p.lastB = posB
}

// Snapshot is the serializable view of a pair.
type Snapshot struct {
	A           string  `json:"deviceA"`
	B           string  `json:"deviceB"`
	State       State   `json:"state"`
	Previous    State   `json:"previousState"`
	Distance    float64 `json:"distance"`
	MovedDevice string  `json:"movedDevice"`
	Menu        *Menu   `json:"combinationMenu,omitempty"`
}

func (p *Proximity) Snapshot() Snapshot {
	return Snapshot{
		A:           p.a,
		B:           p.b,
		State:       p.state,
		Previous:    p.previous,
		Distance:    p.distance,
		MovedDevice: p.moved,
		Menu:        p.menu,
	}
}
