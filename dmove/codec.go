package dmove

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gordian-engine/drift/dcodec"
)

// AxisMode controls how one axis of a component travels on the wire.
type AxisMode uint8

const (
	// AxisSync transmits the axis.
	AxisSync AxisMode = iota

	// AxisNone does not transmit the axis;
	// the receiver keeps the axis value of its previous state.
	AxisNone

	// AxisCalcul does not transmit the axis;
	// the receiver continues it from the delta of its last two states.
	AxisCalcul
)

func (m AxisMode) String() string {
	switch m {
	case AxisSync:
		return "sync"
	case AxisNone:
		return "none"
	case AxisCalcul:
		return "calcul"
	default:
		return fmt.Sprintf("AxisMode(%d)", uint8(m))
	}
}

// Compression selects the encoding of transmitted axes.
type Compression uint8

const (
	// CompressionNone sends each axis as a float32.
	CompressionNone Compression = iota

	// CompressionQuantize16 maps each axis from [Min, Max] to a uint16.
	CompressionQuantize16
)

// Codec writes and reads the transmitted axes of a component value.
type Codec[V any] interface {
	Encode(w *dcodec.Writer, v V)

	// Decode reads a value.
	// Axes that are not transmitted are filled from hist,
	// which holds up to the two newest buffered states, newest first.
	Decode(r *dcodec.Reader, t float64, hist []State[V]) V
}

// AxisCodec encodes up to three float axes.
type AxisCodec struct {
	Axes        [3]AxisMode
	Compression Compression

	// Range for CompressionQuantize16.
	Min, Max float64
}

// Validate reports a misconfigured codec.
func (c AxisCodec) Validate() error {
	for i, m := range c.Axes {
		if m > AxisCalcul {
			return fmt.Errorf("axis %d: invalid mode %v", i, m)
		}
	}
	switch c.Compression {
	case CompressionNone:
	case CompressionQuantize16:
		if !(c.Max > c.Min) {
			return fmt.Errorf("quantize range must satisfy min < max (got [%v, %v])", c.Min, c.Max)
		}
	default:
		return fmt.Errorf("invalid compression %d", c.Compression)
	}
	return nil
}

func (c AxisCodec) encode(w *dcodec.Writer, v [3]float64) {
	for i, m := range c.Axes {
		if m != AxisSync {
			continue
		}
		if c.Compression == CompressionQuantize16 {
			w.WriteUint16(quantize16(v[i], c.Min, c.Max))
		} else {
			w.WriteFloat32(float32(v[i]))
		}
	}
}

// decode reads the transmitted axes.
// prev and prev2 are the two newest earlier values at times pt and pt2;
// n is how many of them are valid.
func (c AxisCodec) decode(
	r *dcodec.Reader, t float64,
	prev, prev2 [3]float64, pt, pt2 float64, n int,
) [3]float64 {
	var out [3]float64
	for i, m := range c.Axes {
		switch m {
		case AxisSync:
			if c.Compression == CompressionQuantize16 {
				out[i] = dequantize16(r.ReadUint16(), c.Min, c.Max)
			} else {
				out[i] = float64(r.ReadFloat32())
			}
		case AxisNone:
			if n > 0 {
				out[i] = prev[i]
			}
		case AxisCalcul:
			switch {
			case n >= 2 && pt > pt2:
				out[i] = prev[i] + (prev[i]-prev2[i])*(t-pt)/(pt-pt2)
			case n >= 1:
				out[i] = prev[i]
			}
		}
	}
	return out
}

func quantize16(v, lo, hi float64) uint16 {
	f := clamp01((v - lo) / (hi - lo))
	return uint16(math.Round(f * math.MaxUint16))
}

func dequantize16(q uint16, lo, hi float64) float64 {
	return lo + float64(q)/math.MaxUint16*(hi-lo)
}

// Vec3Codec encodes positions.
type Vec3Codec struct{ AxisCodec }

var _ Codec[mgl64.Vec3] = Vec3Codec{}

func (c Vec3Codec) Encode(w *dcodec.Writer, v mgl64.Vec3) {
	c.encode(w, v)
}

func (c Vec3Codec) Decode(r *dcodec.Reader, t float64, hist []State[mgl64.Vec3]) mgl64.Vec3 {
	var prev, prev2 mgl64.Vec3
	var pt, pt2 float64
	if len(hist) > 0 {
		prev, pt = hist[0].Value, hist[0].Time
	}
	if len(hist) > 1 {
		prev2, pt2 = hist[1].Value, hist[1].Time
	}
	return c.decode(r, t, prev, prev2, pt, pt2, len(hist))
}

// QuatCodec encodes rotations as Euler angles in degrees.
// With CompressionQuantize16 a zero range means [0, 360].
type QuatCodec struct{ AxisCodec }

var _ Codec[mgl64.Quat] = QuatCodec{}

func (c QuatCodec) withRange() AxisCodec {
	a := c.AxisCodec
	if a.Compression == CompressionQuantize16 && a.Min == 0 && a.Max == 0 {
		a.Max = 360
	}
	return a
}

func (c QuatCodec) Encode(w *dcodec.Writer, q mgl64.Quat) {
	c.withRange().encode(w, QuatToEuler(q))
}

func (c QuatCodec) Decode(r *dcodec.Reader, t float64, hist []State[mgl64.Quat]) mgl64.Quat {
	var prev, prev2 [3]float64
	var pt, pt2 float64
	if len(hist) > 0 {
		prev, pt = QuatToEuler(hist[0].Value), hist[0].Time
	}
	if len(hist) > 1 {
		prev2, pt2 = QuatToEuler(hist[1].Value), hist[1].Time
		prev2 = unwrapNear(prev2, prev)
	}
	return EulerToQuat(c.withRange().decode(r, t, prev, prev2, pt, pt2, len(hist)))
}

// unwrapNear shifts each angle of a by whole turns to be within 180° of ref.
func unwrapNear(a, ref [3]float64) [3]float64 {
	for i := range a {
		for a[i]-ref[i] > 180 {
			a[i] -= 360
		}
		for ref[i]-a[i] > 180 {
			a[i] += 360
		}
	}
	return a
}

// QuatToEuler returns q's roll (X), pitch (Y) and yaw (Z) in degrees,
// each in [0, 360).
// The rotation is yaw, then pitch, then roll about the rotated axes.
func QuatToEuler(q mgl64.Quat) [3]float64 {
	q = q.Normalize()
	w, x, y, z := q.W, q.V[0], q.V[1], q.V[2]

	roll := math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))

	var pitch float64
	if sp := 2 * (w*y - z*x); math.Abs(sp) >= 1 {
		pitch = math.Copysign(math.Pi/2, sp)
	} else {
		pitch = math.Asin(sp)
	}

	yaw := math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))

	return [3]float64{
		wrapDegrees(mgl64.RadToDeg(roll)),
		wrapDegrees(mgl64.RadToDeg(pitch)),
		wrapDegrees(mgl64.RadToDeg(yaw)),
	}
}

// EulerToQuat is the inverse of [QuatToEuler].
func EulerToQuat(e [3]float64) mgl64.Quat {
	cr, sr := math.Cos(mgl64.DegToRad(e[0])/2), math.Sin(mgl64.DegToRad(e[0])/2)
	cp, sp := math.Cos(mgl64.DegToRad(e[1])/2), math.Sin(mgl64.DegToRad(e[1])/2)
	cy, sy := math.Cos(mgl64.DegToRad(e[2])/2), math.Sin(mgl64.DegToRad(e[2])/2)

	return mgl64.Quat{
		W: cr*cp*cy + sr*sp*sy,
		V: mgl64.Vec3{
			sr*cp*cy - cr*sp*sy,
			cr*sp*cy + sr*cp*sy,
			cr*cp*sy - sr*sp*cy,
		},
	}
}

func wrapDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}
