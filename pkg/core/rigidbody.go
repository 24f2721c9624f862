// pkg/core/rigidbody.go
package core

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r2"
)

// VirtualPrefix marks rigid bodies that are driven by the server instead of a tracker.
const VirtualPrefix = "V-"

// IsVirtualID reports whether a marker id belongs to a virtual rigid body.
func IsVirtualID(id string) bool {
	return strings.HasPrefix(id, VirtualPrefix)
}

// VirtualID derives the virtual marker id for a device id.
func VirtualID(deviceID string) string {
	short := deviceID
	if len(short) > 3 {
		short = short[:3]
	}
	return VirtualPrefix + short
}

// RigidBody is a single pose sample of a tracked marker.
// Position is in meters, Orientation is a quaternion ordered x, y, z, w.
type RigidBody struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Position    [3]float64 `json:"pos"`
	Orientation [4]float64 `json:"orientation"`
	Timestamp   int64      `json:"timeStamp"`
}

// Virtual reports whether the body is server driven.
func (rb RigidBody) Virtual() bool {
	return IsVirtualID(rb.ID)
}

// Quaternion returns the orientation as a normalized gonum quaternion.
// A zero quaternion is returned unchanged.
func (rb RigidBody) Quaternion() quat.Number {
	q := quat.Number{
		Real: rb.Orientation[3],
		Imag: rb.Orientation[0],
		Jmag: rb.Orientation[1],
		Kmag: rb.Orientation[2],
	}
	n := quat.Abs(q)
	if n == 0 {
		return q
	}
	return quat.Scale(1/n, q)
}

// Yaw returns the rotation around the vertical axis in radians.
func (rb RigidBody) Yaw() float64 {
	q := rb.Quaternion()
	x, y, z, w := q.Imag, q.Jmag, q.Kmag, q.Real
	return math.Atan2(2*(y*w-x*z), 1-2*(y*y+z*z))
}

// Position2D projects the position onto the table plane.
func (rb RigidBody) Position2D() r2.Vec {
	return r2.Vec{X: rb.Position[0], Y: rb.Position[2]}
}

// DistanceTo returns the euclidean 3D distance between two samples.
func (rb RigidBody) DistanceTo(other RigidBody) float64 {
	var sum float64
	for i := range rb.Position {
		d := rb.Position[i] - other.Position[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// InvertZ flips the depth axis so tracker and screen coordinates agree.
func (rb RigidBody) InvertZ() RigidBody {
	rb.Position[2] *= -1
	return rb
}
