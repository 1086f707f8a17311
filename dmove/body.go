package dmove

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Body is the physics backend of one synchronized component.
type Body[V any] interface {
	// Sample reads the component's current value.
	Sample() V

	// Apply moves the component to v.
	Apply(v V)

	// BeginExtrapolation is called once when playback runs past
	// the newest state, with the rate estimated from the last two states.
	BeginExtrapolation(rate Rate[V])

	// Extrapolate is called on each extrapolating tick,
	// including the one that began extrapolation.
	Extrapolate(rate Rate[V], dt float64)

	// EndExtrapolation is called once when extrapolation stops,
	// whether it ran out or a newer state arrived.
	EndExtrapolation()
}

// Transform is a kinematic scene node.
type Transform interface {
	Position() mgl64.Vec3
	SetPosition(mgl64.Vec3)
	Rotation() mgl64.Quat
	SetRotation(mgl64.Quat)
}

// RigidBody is a simulated 3D body.
type RigidBody interface {
	Position() mgl64.Vec3
	MovePosition(mgl64.Vec3)
	Velocity() mgl64.Vec3
	SetVelocity(mgl64.Vec3)

	Rotation() mgl64.Quat
	MoveRotation(mgl64.Quat)
	AngularVelocity() mgl64.Vec3
	SetAngularVelocity(mgl64.Vec3)
}

// RigidBody2D is a simulated body constrained to the XY plane.
// Rotation is in degrees around Z.
type RigidBody2D interface {
	Position() mgl64.Vec2
	MovePosition(mgl64.Vec2)
	Velocity() mgl64.Vec2
	SetVelocity(mgl64.Vec2)

	Rotation() float64
	MoveRotation(float64)
	AngularVelocity() float64
	SetAngularVelocity(float64)
}

// TransformPosition synchronizes a transform's position.
// Without a physics engine it advances the position itself while extrapolating.
type TransformPosition struct{ T Transform }

func (b TransformPosition) Sample() mgl64.Vec3 { return b.T.Position() }
func (b TransformPosition) Apply(v mgl64.Vec3) { b.T.SetPosition(v) }

func (TransformPosition) BeginExtrapolation(Rate[mgl64.Vec3]) {}

func (b TransformPosition) Extrapolate(rate Rate[mgl64.Vec3], dt float64) {
	b.T.SetPosition(b.T.Position().Add(rate.Step(Vec3Ops{}, dt)))
}

func (TransformPosition) EndExtrapolation() {}

// TransformRotation synchronizes a transform's rotation.
type TransformRotation struct{ T Transform }

func (b TransformRotation) Sample() mgl64.Quat { return b.T.Rotation() }
func (b TransformRotation) Apply(v mgl64.Quat) { b.T.SetRotation(v) }

func (TransformRotation) BeginExtrapolation(Rate[mgl64.Quat]) {}

func (b TransformRotation) Extrapolate(rate Rate[mgl64.Quat], dt float64) {
	var ops QuatOps
	b.T.SetRotation(ops.Add(b.T.Rotation(), rate.Step(ops, dt)))
}

func (TransformRotation) EndExtrapolation() {}

// RigidBodyPosition synchronizes a rigid body's position.
// Extrapolation hands the estimated velocity to the physics engine
// and lets it integrate; the velocity is zeroed when extrapolation ends.
type RigidBodyPosition struct{ B RigidBody }

func (b RigidBodyPosition) Sample() mgl64.Vec3 { return b.B.Position() }
func (b RigidBodyPosition) Apply(v mgl64.Vec3) { b.B.MovePosition(v) }

func (b RigidBodyPosition) BeginExtrapolation(rate Rate[mgl64.Vec3]) {
	b.B.SetVelocity(ToVelocity(rate))
}

func (RigidBodyPosition) Extrapolate(Rate[mgl64.Vec3], float64) {}

func (b RigidBodyPosition) EndExtrapolation() { b.B.SetVelocity(mgl64.Vec3{}) }

// RigidBodyRotation synchronizes a rigid body's rotation.
type RigidBodyRotation struct{ B RigidBody }

func (b RigidBodyRotation) Sample() mgl64.Quat { return b.B.Rotation() }
func (b RigidBodyRotation) Apply(v mgl64.Quat) { b.B.MoveRotation(v) }

func (b RigidBodyRotation) BeginExtrapolation(rate Rate[mgl64.Quat]) {
	b.B.SetAngularVelocity(ToAngularVelocity(rate))
}

func (RigidBodyRotation) Extrapolate(Rate[mgl64.Quat], float64) {}

func (b RigidBodyRotation) EndExtrapolation() { b.B.SetAngularVelocity(mgl64.Vec3{}) }

// RigidBody2DPosition synchronizes a 2D body's position.
// Samples carry the position in X and Y with Z always zero.
type RigidBody2DPosition struct{ B RigidBody2D }

func (b RigidBody2DPosition) Sample() mgl64.Vec3 { return b.B.Position().Vec3(0) }

func (b RigidBody2DPosition) Apply(v mgl64.Vec3) { b.B.MovePosition(v.Vec2()) }

func (b RigidBody2DPosition) BeginExtrapolation(rate Rate[mgl64.Vec3]) {
	b.B.SetVelocity(ToVelocity(rate).Vec2())
}

func (RigidBody2DPosition) Extrapolate(Rate[mgl64.Vec3], float64) {}

func (b RigidBody2DPosition) EndExtrapolation() { b.B.SetVelocity(mgl64.Vec2{}) }

// RigidBody2DRotation synchronizes a 2D body's rotation
// as a quaternion around the Z axis.
type RigidBody2DRotation struct{ B RigidBody2D }

func (b RigidBody2DRotation) Sample() mgl64.Quat {
	return mgl64.QuatRotate(mgl64.DegToRad(b.B.Rotation()), mgl64.Vec3{0, 0, 1})
}

func (b RigidBody2DRotation) Apply(v mgl64.Quat) { b.B.MoveRotation(zAngle(v)) }

func (b RigidBody2DRotation) BeginExtrapolation(rate Rate[mgl64.Quat]) {
	b.B.SetAngularVelocity(mgl64.RadToDeg(ToAngularVelocity(rate).Z()))
}

func (RigidBody2DRotation) Extrapolate(Rate[mgl64.Quat], float64) {}

func (b RigidBody2DRotation) EndExtrapolation() { b.B.SetAngularVelocity(0) }

// zAngle returns the rotation of q around Z in degrees.
func zAngle(q mgl64.Quat) float64 {
	q = q.Normalize()
	return mgl64.RadToDeg(math.Atan2(
		2*(q.W*q.V.Z()+q.V.X()*q.V.Y()),
		1-2*(q.V.Y()*q.V.Y()+q.V.Z()*q.V.Z()),
	))
}
