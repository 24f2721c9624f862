package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Segment is a line segment between two points.
type Segment struct {
	A r2.Vec `json:"a"`
	B r2.Vec `json:"b"`
}

// Intersection is where two infinite lines cross. OnFirst and OnSecond report
// whether the point lies strictly inside the respective input segment.
type Intersection struct {
	Point    r2.Vec `json:"point"`
	OnFirst  bool   `json:"onFirst"`
	OnSecond bool   `json:"onSecond"`
}

// RotatePoint rotates p counter-clockwise by angleDeg degrees around pivot.
func RotatePoint(p r2.Vec, angleDeg float64, pivot r2.Vec) r2.Vec {
	return r2.Rotate(p, angleDeg*math.Pi/180, pivot)
}

// LineIntersection intersects the infinite lines through s1 and s2.
// ok is false when the lines are parallel.
func LineIntersection(s1, s2 Segment) (Intersection, bool) {
	d1 := r2.Sub(s1.B, s1.A)
	d2 := r2.Sub(s2.B, s2.A)

	denominator := d2.Y*d1.X - d2.X*d1.Y
	if denominator == 0 {
		return Intersection{}, false
	}

	dy := s1.A.Y - s2.A.Y
	dx := s1.A.X - s2.A.X
	a := (d2.X*dy - d2.Y*dx) / denominator
	b := (d1.X*dy - d1.Y*dx) / denominator

	return Intersection{
		Point:    r2.Add(s1.A, r2.Scale(a, d1)),
		OnFirst:  a > 0 && a < 1,
		OnSecond: b > 0 && b < 1,
	}, true
}

// PointToSegmentDistance returns the perpendicular distance from p to s when
// the foot of the perpendicular lies inside s, otherwise the distance to the
// nearer endpoint.
func PointToSegmentDistance(p r2.Vec, s Segment) float64 {
	dir := r2.Sub(s.B, s.A)
	perp := r2.Vec{X: dir.Y, Y: -dir.X}

	hit, ok := LineIntersection(s, Segment{A: p, B: r2.Add(p, perp)})
	if ok && hit.OnFirst {
		return r2.Norm(r2.Sub(p, hit.Point))
	}
	return math.Min(r2.Norm(r2.Sub(p, s.A)), r2.Norm(r2.Sub(p, s.B)))
}

// RectToRectDistance approximates the gap between two rectangles by testing
// every corner of each against every edge of the other.
func RectToRectDistance(a, b Rect) float64 {
	return math.Min(cornersToEdges(a, b), cornersToEdges(b, a))
}

func cornersToEdges(edgesOf, cornersOf Rect) float64 {
	result := math.MaxFloat64
	for _, corner := range cornersOf.Corners() {
		for _, edge := range edgesOf.Edges() {
			if d := PointToSegmentDistance(corner, edge.Segment); d < result {
				result = d
			}
		}
	}
	return result
}
