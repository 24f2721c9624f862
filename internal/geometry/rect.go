package geometry

import (
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"
	"gonum.org/v1/gonum/spatial/r2"
)

// Side names an edge of a device rectangle in screen terms.
type Side int

const (
	SideNone Side = iota
	SideTop
	SideRight
	SideBottom
	SideLeft
)

var sideNames = [...]string{"", "top", "right", "bottom", "left"}

func (s Side) String() string {
	if s < 0 || int(s) >= len(sideNames) {
		return ""
	}
	return sideNames[s]
}

// MarshalText encodes the side as its name; SideNone encodes as "".
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a side name.
func (s *Side) UnmarshalText(b []byte) error {
	p, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = p
	return nil
}

// ParseSide parses "top", "right", "bottom", "left" or "".
func ParseSide(name string) (Side, error) {
	for i, n := range sideNames {
		if n == name {
			return Side(i), nil
		}
	}
	return SideNone, fmt.Errorf("unknown side %q", name)
}

// Rotate turns a side by a counter-clockwise screen angle that is a multiple
// of 90 degrees. Any other angle yields SideNone.
func (s Side) Rotate(angleDeg int) Side {
	if s == SideNone {
		return SideNone
	}
	angle := ((angleDeg % 360) + 360) % 360
	if angle%90 != 0 {
		return SideNone
	}
	// counter-clockwise order as seen on screen
	order := [...]Side{SideTop, SideLeft, SideBottom, SideRight}
	idx := 0
	for i, o := range order {
		if o == s {
			idx = i
		}
	}
	return order[(idx+angle/90)%4]
}

// Horizontal reports whether the side is left or right.
func (s Side) Horizontal() bool {
	return s == SideLeft || s == SideRight
}

// Opposite returns the facing side.
func (s Side) Opposite() Side {
	switch s {
	case SideTop:
		return SideBottom
	case SideBottom:
		return SideTop
	case SideLeft:
		return SideRight
	case SideRight:
		return SideLeft
	}
	return SideNone
}

// Edge is one side of a rectangle.
type Edge struct {
	Side    Side    `json:"side"`
	Segment Segment `json:"segment"`
}

// Rect is a rotated rectangle given by its corners.
type Rect struct {
	TopLeft     r2.Vec `json:"topLeft"`
	TopRight    r2.Vec `json:"topRight"`
	BottomRight r2.Vec `json:"bottomRight"`
	BottomLeft  r2.Vec `json:"bottomLeft"`
}

// RectCorners places a width x height rectangle at center, rotated by angleRad.
// The top edge lies on the positive local y axis.
func RectCorners(center r2.Vec, width, height, angleRad float64) Rect {
	hw, hh := width/2, height/2
	place := func(x, y float64) r2.Vec {
		return r2.Add(r2.Rotate(r2.Vec{X: x, Y: y}, angleRad, r2.Vec{}), center)
	}
	return Rect{
		TopLeft:     place(-hw, hh),
		TopRight:    place(hw, hh),
		BottomRight: place(hw, -hh),
		BottomLeft:  place(-hw, -hh),
	}
}

// Corners returns the corners clockwise starting at the top left.
func (r Rect) Corners() [4]r2.Vec {
	return [4]r2.Vec{r.TopLeft, r.TopRight, r.BottomRight, r.BottomLeft}
}

// Edges returns the four edges in top, right, bottom, left order.
func (r Rect) Edges() [4]Edge {
	return [4]Edge{
		{Side: SideTop, Segment: Segment{A: r.TopLeft, B: r.TopRight}},
		{Side: SideRight, Segment: Segment{A: r.TopRight, B: r.BottomRight}},
		{Side: SideBottom, Segment: Segment{A: r.BottomRight, B: r.BottomLeft}},
		{Side: SideLeft, Segment: Segment{A: r.BottomLeft, B: r.TopLeft}},
	}
}

// Diagonals returns top-left to bottom-right and top-right to bottom-left.
func (r Rect) Diagonals() (Segment, Segment) {
	return Segment{A: r.TopLeft, B: r.BottomRight}, Segment{A: r.TopRight, B: r.BottomLeft}
}

// Center is the intersection of the diagonals. ok is false for a degenerate rectangle.
func (r Rect) Center() (r2.Vec, bool) {
	d1, d2 := r.Diagonals()
	hit, ok := LineIntersection(d1, d2)
	if !ok {
		return r2.Vec{}, false
	}
	return hit.Point, true
}

// CrossingSide returns the edge that line crosses strictly inside both the
// edge and line. SideNone means no edge qualifies.
func (r Rect) CrossingSide(line Segment) Side {
	side := SideNone
	for _, e := range r.Edges() {
		hit, ok := LineIntersection(e.Segment, line)
		if ok && hit.OnFirst && hit.OnSecond {
			side = e.Side
		}
	}
	return side
}

// Polygon returns the rectangle as a closed simple-features polygon.
func (r Rect) Polygon() geom.Polygon {
	c := r.Corners()
	coords := make([]float64, 0, 10)
	for _, p := range c {
		coords = append(coords, p.X, p.Y)
	}
	coords = append(coords, c[0].X, c[0].Y)
	ring := geom.NewLineString(geom.NewSequence(coords, geom.DimXY))
	return geom.NewPolygon([]geom.LineString{ring})
}

// WKT renders the rectangle as well-known text.
func (r Rect) WKT() string {
	return r.Polygon().AsText()
}
