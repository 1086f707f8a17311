package dmove

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Ops is the blend arithmetic for one sample type.
//
// Deltas are values of the same type describing a difference:
// Sub(a, b) is the delta taking b to a, and Add(b, Sub(a, b)) is a.
type Ops[V any] interface {
	Lerp(a, b V, t float64) V

	// CatmullRom evaluates the spline through p1 and p2
	// with p0 and p3 as the outer control points.
	CatmullRom(p0, p1, p2, p3 V, t float64) V

	// Dist2 is the squared distance used for thresholds.
	Dist2(a, b V) float64

	Sub(a, b V) V
	Add(v, delta V) V
	Scale(delta V, s float64) V
	Zero() V
}

// Rate is the change Delta observed over Span seconds.
// A zero Span is no motion.
type Rate[V any] struct {
	Delta V
	Span  float64
}

// Step returns the change r predicts over dt seconds.
func (r Rate[V]) Step(ops Ops[V], dt float64) V {
	if r.Span <= 0 {
		return ops.Zero()
	}
	return ops.Scale(r.Delta, dt/r.Span)
}

// Vec3Ops blends positions.
type Vec3Ops struct{}

var _ Ops[mgl64.Vec3] = Vec3Ops{}

func (Vec3Ops) Lerp(a, b mgl64.Vec3, t float64) mgl64.Vec3 {
	return a.Add(b.Sub(a).Mul(t))
}

func (Vec3Ops) CatmullRom(p0, p1, p2, p3 mgl64.Vec3, t float64) mgl64.Vec3 {
	var out mgl64.Vec3
	for i := range out {
		out[i] = catmullRom(p0[i], p1[i], p2[i], p3[i], t)
	}
	return out
}

func (Vec3Ops) Dist2(a, b mgl64.Vec3) float64 { return a.Sub(b).LenSqr() }

func (Vec3Ops) Sub(a, b mgl64.Vec3) mgl64.Vec3 { return a.Sub(b) }

func (Vec3Ops) Add(v, d mgl64.Vec3) mgl64.Vec3 { return v.Add(d) }

func (Vec3Ops) Scale(d mgl64.Vec3, s float64) mgl64.Vec3 { return d.Mul(s) }

func (Vec3Ops) Zero() mgl64.Vec3 { return mgl64.Vec3{} }

func catmullRom(p0, p1, p2, p3, t float64) float64 {
	t2 := t * t
	t3 := t2 * t
	return 0.5 * ((2 * p1) +
		(-p0+p2)*t +
		(2*p0-5*p1+4*p2-p3)*t2 +
		(-p0+3*p1-3*p2+p3)*t3)
}

// QuatOps blends rotations.
// Distances are in degrees, so Dist2 is a squared angle.
type QuatOps struct{}

var _ Ops[mgl64.Quat] = QuatOps{}

func (QuatOps) Lerp(a, b mgl64.Quat, t float64) mgl64.Quat {
	return mgl64.QuatSlerp(a, sameHemisphere(a, b), t)
}

// CatmullRom blends quaternion components and renormalizes.
// All control points are first moved to p1's hemisphere.
func (QuatOps) CatmullRom(p0, p1, p2, p3 mgl64.Quat, t float64) mgl64.Quat {
	p0 = sameHemisphere(p1, p0)
	p2 = sameHemisphere(p1, p2)
	p3 = sameHemisphere(p2, p3)

	out := mgl64.Quat{W: catmullRom(p0.W, p1.W, p2.W, p3.W, t)}
	for i := range out.V {
		out.V[i] = catmullRom(p0.V[i], p1.V[i], p2.V[i], p3.V[i], t)
	}
	return out.Normalize()
}

func (QuatOps) Dist2(a, b mgl64.Quat) float64 {
	d := angleBetween(a, b)
	return d * d
}

func (QuatOps) Sub(a, b mgl64.Quat) mgl64.Quat {
	return a.Mul(b.Inverse()).Normalize()
}

func (QuatOps) Add(v, d mgl64.Quat) mgl64.Quat {
	return d.Mul(v).Normalize()
}

// Scale multiplies the angle of the rotation d by s, keeping its axis.
func (QuatOps) Scale(d mgl64.Quat, s float64) mgl64.Quat {
	angle, axis := axisAngle(d)
	if angle == 0 {
		return mgl64.QuatIdent()
	}
	return mgl64.QuatRotate(angle*s, axis)
}

func (QuatOps) Zero() mgl64.Quat { return mgl64.QuatIdent() }

func sameHemisphere(ref, q mgl64.Quat) mgl64.Quat {
	if ref.Dot(q) < 0 {
		return q.Scale(-1)
	}
	return q
}

// angleBetween returns the smallest rotation angle from a to b, in degrees.
func angleBetween(a, b mgl64.Quat) float64 {
	d := math.Abs(a.Normalize().Dot(b.Normalize()))
	d = min(d, 1)
	return mgl64.RadToDeg(2 * math.Acos(d))
}

// axisAngle returns q's rotation angle in radians, in [0, π],
// and its unit axis.
func axisAngle(q mgl64.Quat) (float64, mgl64.Vec3) {
	q = q.Normalize()
	if q.W < 0 {
		q = q.Scale(-1)
	}
	s := q.V.Len()
	if s < 1e-12 {
		return 0, mgl64.Vec3{1, 0, 0}
	}
	return 2 * math.Atan2(s, q.W), q.V.Mul(1 / s)
}

// ToVelocity converts a position rate to units per second.
func ToVelocity(rate Rate[mgl64.Vec3]) mgl64.Vec3 {
	if rate.Span <= 0 {
		return mgl64.Vec3{}
	}
	return rate.Delta.Mul(1 / rate.Span)
}

// ToAngularVelocity converts a rotation rate
// to an angular velocity vector in radians per second.
// The delta itself must turn less than half a revolution.
func ToAngularVelocity(rate Rate[mgl64.Quat]) mgl64.Vec3 {
	if rate.Span <= 0 {
		return mgl64.Vec3{}
	}
	angle, axis := axisAngle(rate.Delta)
	return axis.Mul(angle / rate.Span)
}
