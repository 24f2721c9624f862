package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVirtualID(t *testing.T) {
	assert.Equal(t, "V-tab", VirtualID("tablet-7"))
	assert.Equal(t, "V-ab", VirtualID("ab"))
	assert.True(t, IsVirtualID("V-tab"))
	assert.False(t, IsVirtualID("12"))
}

func TestYaw_Identity(t *testing.T) {
	rb := RigidBody{Orientation: [4]float64{0, 0, 0, -1}}
	assert.InDelta(t, 0, rb.Yaw(), 1e-9)
}

func TestYaw_QuarterTurnAroundVerticalAxis(t *testing.T) {
	// 90 degrees around y
	s := math.Sin(math.Pi / 4)
	rb := RigidBody{Orientation: [4]float64{0, s, 0, s}}
	assert.InDelta(t, math.Pi/2, rb.Yaw(), 1e-9)
}

func TestYaw_UnnormalizedQuaternion(t *testing.T) {
	s := math.Sin(math.Pi / 4)
	unit := RigidBody{Orientation: [4]float64{0, s, 0, s}}
	scaled := RigidBody{Orientation: [4]float64{0, 3 * s, 0, 3 * s}}
	assert.InDelta(t, unit.Yaw(), scaled.Yaw(), 1e-9)
}

func TestYaw_ZeroQuaternion(t *testing.T) {
	assert.InDelta(t, 0, RigidBody{}.Yaw(), 1e-9)
}

func TestPosition2D(t *testing.T) {
	rb := RigidBody{Position: [3]float64{1, 2, 3}}
	p := rb.Position2D()
	assert.Equal(t, 1.0, p.X)
	assert.Equal(t, 3.0, p.Y)
}

func TestDistanceTo(t *testing.T) {
	a := RigidBody{Position: [3]float64{0, 0, 0}}
	b := RigidBody{Position: [3]float64{3, 0, 4}}
	assert.InDelta(t, 5, a.DistanceTo(b), 1e-9)
}

func TestInvertZ_DoesNotMutateReceiver(t *testing.T) {
	rb := RigidBody{Position: [3]float64{1, 2, 3}}
	inv := rb.InvertZ()
	assert.Equal(t, -3.0, inv.Position[2])
	assert.Equal(t, 3.0, rb.Position[2])
}
