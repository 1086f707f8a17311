package dmove_test

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gordian-engine/drift/dcodec"
	"github.com/gordian-engine/drift/dmove"
	"github.com/stretchr/testify/require"
)

func TestEuler_roundTrip(t *testing.T) {
	t.Parallel()

	for _, e := range [][3]float64{
		{0, 0, 0},
		{10, 20, 30},
		{350, 45, 180},
		{90, 300, 270},
	} {
		q := dmove.EulerToQuat(e)
		got := dmove.QuatToEuler(q)
		requireQuat(t, q, dmove.EulerToQuat(got))
		for i := range e {
			require.InDelta(t, e[i], got[i], 1e-6, "euler %v", e)
		}
	}

	// Pure yaw is a rotation about Z.
	requireQuat(t,
		mgl64.QuatRotate(mgl64.DegToRad(30), zAxis),
		dmove.EulerToQuat([3]float64{0, 0, 30}),
	)
}

func TestVec3Codec(t *testing.T) {
	t.Parallel()

	t.Run("float axes", func(t *testing.T) {
		t.Parallel()

		c := dmove.Vec3Codec{}
		require.NoError(t, c.Validate())

		w := dcodec.NewWriter(16)
		c.Encode(w, mgl64.Vec3{1.5, -2, 3})
		require.Equal(t, 12, w.Len())

		got := c.Decode(dcodec.NewReader(w.Bytes()), 0, nil)
		require.Equal(t, mgl64.Vec3{1.5, -2, 3}, got)
	})

	t.Run("quantized", func(t *testing.T) {
		t.Parallel()

		c := dmove.Vec3Codec{AxisCodec: dmove.AxisCodec{
			Compression: dmove.CompressionQuantize16,
			Min:         -100,
			Max:         100,
		}}
		require.NoError(t, c.Validate())

		w := dcodec.NewWriter(8)
		c.Encode(w, mgl64.Vec3{12.34, -99.9, 500})
		require.Equal(t, 6, w.Len())

		got := c.Decode(dcodec.NewReader(w.Bytes()), 0, nil)
		step := 200.0 / 65535
		require.InDelta(t, 12.34, got[0], step)
		require.InDelta(t, -99.9, got[1], step)
		// Out of range values clamp.
		require.Equal(t, 100.0, got[2])
	})

	t.Run("skipped axes", func(t *testing.T) {
		t.Parallel()

		c := dmove.Vec3Codec{AxisCodec: dmove.AxisCodec{
			Axes: [3]dmove.AxisMode{dmove.AxisSync, dmove.AxisNone, dmove.AxisCalcul},
		}}

		w := dcodec.NewWriter(8)
		c.Encode(w, mgl64.Vec3{7, 8, 9})
		require.Equal(t, 4, w.Len())

		hist := []dmove.State[mgl64.Vec3]{
			{Time: 1, Value: mgl64.Vec3{0, 5, 4}},
			{Time: 0.5, Value: mgl64.Vec3{0, 3, 2}},
		}
		got := c.Decode(dcodec.NewReader(w.Bytes()), 1.5, hist)
		require.Equal(t, 7.0, got[0])
		require.Equal(t, 5.0, got[1])
		// Continues the delta of the previous two states.
		require.InDelta(t, 6.0, got[2], 1e-9)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()

		require.Error(t, dmove.AxisCodec{Compression: dmove.CompressionQuantize16}.Validate())
		require.Error(t, dmove.AxisCodec{Axes: [3]dmove.AxisMode{9}}.Validate())
	})
}

func TestQuatCodec(t *testing.T) {
	t.Parallel()

	q := dmove.EulerToQuat([3]float64{15, 30, 200})

	w := dcodec.NewWriter(16)
	dmove.QuatCodec{}.Encode(w, q)
	requireQuat(t, q, dmove.QuatCodec{}.Decode(dcodec.NewReader(w.Bytes()), 0, nil))

	qc := dmove.QuatCodec{AxisCodec: dmove.AxisCodec{Compression: dmove.CompressionQuantize16}}
	w.Reset()
	qc.Encode(w, q)
	require.Equal(t, 6, w.Len())

	got := qc.Decode(dcodec.NewReader(w.Bytes()), 0, nil)
	require.Less(t, dmove.QuatOps{}.Dist2(q, got), 0.1*0.1)
}
