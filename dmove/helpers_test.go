package dmove_test

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/gordian-engine/drift/dcodec"
	"github.com/gordian-engine/drift/dmove"
)

// fakeTransform is a kinematic scene node.
type fakeTransform struct {
	pos mgl64.Vec3
	rot mgl64.Quat
}

func newFakeTransform() *fakeTransform {
	return &fakeTransform{rot: mgl64.QuatIdent()}
}

func (f *fakeTransform) Position() mgl64.Vec3     { return f.pos }
func (f *fakeTransform) SetPosition(v mgl64.Vec3) { f.pos = v }
func (f *fakeTransform) Rotation() mgl64.Quat     { return f.rot }
func (f *fakeTransform) SetRotation(q mgl64.Quat) { f.rot = q }

// fakeRigidBody records what the synchronizer asked the physics engine to do.
type fakeRigidBody struct {
	pos, vel, angVel mgl64.Vec3
	rot              mgl64.Quat
}

func (b *fakeRigidBody) Position() mgl64.Vec3            { return b.pos }
func (b *fakeRigidBody) MovePosition(v mgl64.Vec3)       { b.pos = v }
func (b *fakeRigidBody) Velocity() mgl64.Vec3            { return b.vel }
func (b *fakeRigidBody) SetVelocity(v mgl64.Vec3)        { b.vel = v }
func (b *fakeRigidBody) Rotation() mgl64.Quat            { return b.rot }
func (b *fakeRigidBody) MoveRotation(q mgl64.Quat)       { b.rot = q }
func (b *fakeRigidBody) AngularVelocity() mgl64.Vec3     { return b.angVel }
func (b *fakeRigidBody) SetAngularVelocity(v mgl64.Vec3) { b.angVel = v }

type fakeRigidBody2D struct {
	pos, vel    mgl64.Vec2
	rot, angVel float64
}

func (b *fakeRigidBody2D) Position() mgl64.Vec2         { return b.pos }
func (b *fakeRigidBody2D) MovePosition(v mgl64.Vec2)    { b.pos = v }
func (b *fakeRigidBody2D) Velocity() mgl64.Vec2         { return b.vel }
func (b *fakeRigidBody2D) SetVelocity(v mgl64.Vec2)     { b.vel = v }
func (b *fakeRigidBody2D) Rotation() float64            { return b.rot }
func (b *fakeRigidBody2D) MoveRotation(d float64)       { b.rot = d }
func (b *fakeRigidBody2D) AngularVelocity() float64     { return b.angVel }
func (b *fakeRigidBody2D) SetAngularVelocity(d float64) { b.angVel = d }

var (
	_ dmove.Transform   = (*fakeTransform)(nil)
	_ dmove.RigidBody   = (*fakeRigidBody)(nil)
	_ dmove.RigidBody2D = (*fakeRigidBody2D)(nil)
)

func newPositionSync(cfg dmove.SyncConfig, tr *fakeTransform) *dmove.Synchronizer[mgl64.Vec3] {
	return dmove.NewSynchronizer[mgl64.Vec3](
		cfg, dmove.TransformPosition{T: tr}, dmove.Vec3Ops{}, dmove.Vec3Codec{},
	)
}

func addX(s *dmove.Synchronizer[mgl64.Vec3], t, x float64) {
	s.AddState(dmove.State[mgl64.Vec3]{Time: t, Value: mgl64.Vec3{x, 0, 0}})
}

func newWriter() *dcodec.Writer { return dcodec.NewWriter(64) }
