package dmove_test

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gordian-engine/drift/dmove"
	"github.com/stretchr/testify/require"
)

var zAxis = mgl64.Vec3{0, 0, 1}

func requireVec3(t *testing.T, want, got mgl64.Vec3) {
	t.Helper()
	require.Truef(t, want.ApproxEqualThreshold(got, 1e-6), "want %v, got %v", want, got)
}

func requireQuat(t *testing.T, want, got mgl64.Quat) {
	t.Helper()
	// q and -q are the same rotation.
	require.Truef(t, math.Abs(want.Normalize().Dot(got.Normalize())) > 1-1e-9, "want %v, got %v", want, got)
}

func TestVec3Ops(t *testing.T) {
	t.Parallel()

	var ops dmove.Vec3Ops
	a, b := mgl64.Vec3{0, 0, 0}, mgl64.Vec3{2, 4, -6}

	requireVec3(t, mgl64.Vec3{1, 2, -3}, ops.Lerp(a, b, 0.5))
	require.Equal(t, 56.0, ops.Dist2(a, b))
	requireVec3(t, b, ops.Add(a, ops.Sub(b, a)))
	requireVec3(t, mgl64.Vec3{1, 2, -3}, ops.Scale(b, 0.5))

	p0, p1, p2, p3 := mgl64.Vec3{-1, 5, 0}, mgl64.Vec3{0, 0, 0}, mgl64.Vec3{1, 1, 1}, mgl64.Vec3{7, 2, 0}
	requireVec3(t, p1, ops.CatmullRom(p0, p1, p2, p3, 0))
	requireVec3(t, p2, ops.CatmullRom(p0, p1, p2, p3, 1))
}

func TestQuatOps(t *testing.T) {
	t.Parallel()

	var ops dmove.QuatOps
	a := mgl64.QuatIdent()
	b := mgl64.QuatRotate(mgl64.DegToRad(90), zAxis)

	requireQuat(t, mgl64.QuatRotate(mgl64.DegToRad(45), zAxis), ops.Lerp(a, b, 0.5))

	// Interpolation takes the short way even when b is in the other hemisphere.
	requireQuat(t, mgl64.QuatRotate(mgl64.DegToRad(45), zAxis), ops.Lerp(a, b.Scale(-1), 0.5))

	require.InDelta(t, 90*90, ops.Dist2(a, b), 1e-6)

	d := ops.Sub(b, a)
	requireQuat(t, b, ops.Add(a, d))

	requireQuat(t, mgl64.QuatRotate(mgl64.DegToRad(180), zAxis), ops.Scale(d, 2))
	requireQuat(t, mgl64.QuatIdent(), ops.Scale(ops.Zero(), 5))

	p0 := mgl64.QuatRotate(mgl64.DegToRad(-30), zAxis)
	p3 := mgl64.QuatRotate(mgl64.DegToRad(120), zAxis)
	requireQuat(t, a, ops.CatmullRom(p0, a, b, p3, 0))
	requireQuat(t, b, ops.CatmullRom(p0, a, b, p3, 1))
}

func TestToAngularVelocity(t *testing.T) {
	t.Parallel()

	rate := dmove.Rate[mgl64.Quat]{Delta: mgl64.QuatRotate(math.Pi/2, zAxis), Span: 1}
	requireVec3(t, mgl64.Vec3{0, 0, math.Pi / 2}, dmove.ToAngularVelocity(rate))
	requireVec3(t, mgl64.Vec3{}, dmove.ToAngularVelocity(dmove.Rate[mgl64.Quat]{Delta: mgl64.QuatIdent(), Span: 1}))

	// A quarter turn in a quarter second is a full turn per second.
	fast := dmove.Rate[mgl64.Quat]{Delta: mgl64.QuatRotate(math.Pi/2, zAxis), Span: 0.25}
	requireVec3(t, mgl64.Vec3{0, 0, 2 * math.Pi}, dmove.ToAngularVelocity(fast))

	requireVec3(t, mgl64.Vec3{}, dmove.ToAngularVelocity(dmove.Rate[mgl64.Quat]{Delta: mgl64.QuatRotate(1, zAxis)}))
}

func TestRate_step(t *testing.T) {
	t.Parallel()

	r := dmove.Rate[mgl64.Vec3]{Delta: mgl64.Vec3{2, 0, -4}, Span: 0.5}
	requireVec3(t, mgl64.Vec3{0.4, 0, -0.8}, r.Step(dmove.Vec3Ops{}, 0.1))
	requireVec3(t, mgl64.Vec3{4, 0, -8}, dmove.ToVelocity(r))

	var zero dmove.Rate[mgl64.Vec3]
	requireVec3(t, mgl64.Vec3{}, zero.Step(dmove.Vec3Ops{}, 0.1))
	requireVec3(t, mgl64.Vec3{}, dmove.ToVelocity(zero))

	// Stepping a rotation scales the sampled turn, not a per-second one.
	q := dmove.Rate[mgl64.Quat]{Delta: mgl64.QuatRotate(mgl64.DegToRad(150), zAxis), Span: 0.1}
	requireQuat(t, mgl64.QuatRotate(mgl64.DegToRad(30), zAxis), q.Step(dmove.QuatOps{}, 0.02))
}
