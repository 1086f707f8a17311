package dcodec_test

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gordian-engine/drift/dcodec"
	"github.com/stretchr/testify/require"
)

func TestPrimitives_sequence(t *testing.T) {
	t.Parallel()

	w := dcodec.NewWriter(0)
	w.WriteInt8(-5)
	w.WriteInt16(-1234)
	w.WriteBool(true)
	w.WriteBool(false)
	w.WriteVec2(mgl64.Vec2{1.5, -2.25})
	// Every component is exact in float32.
	w.WriteQuat(mgl64.Quat{W: 0.5, V: mgl64.Vec3{0.5, -0.5, 0.5}})
	w.WriteInt64(-1 << 40)

	// 1 + 2 + 1 + 1 + 8 + 16 + 8
	require.Equal(t, 37, w.Len())

	r := dcodec.NewReader(w.Bytes())
	require.Equal(t, int8(-5), r.ReadInt8())
	require.Equal(t, int16(-1234), r.ReadInt16())
	require.True(t, r.ReadBool())
	require.False(t, r.ReadBool())
	require.Equal(t, mgl64.Vec2{1.5, -2.25}, r.ReadVec2())
	require.Equal(t, mgl64.Quat{W: 0.5, V: mgl64.Vec3{0.5, -0.5, 0.5}}, r.ReadQuat())
	require.Equal(t, int64(-1<<40), r.ReadInt64())

	require.NoError(t, r.Err())
	require.Zero(t, r.Len())
}

func TestQuat_componentOrder(t *testing.T) {
	t.Parallel()

	w := dcodec.NewWriter(0)
	w.WriteQuat(mgl64.Quat{W: 4, V: mgl64.Vec3{1, 2, 3}})

	// x, y, z, then w.
	r := dcodec.NewReader(w.Bytes())
	require.Equal(t, float32(1), r.ReadFloat32())
	require.Equal(t, float32(2), r.ReadFloat32())
	require.Equal(t, float32(3), r.ReadFloat32())
	require.Equal(t, float32(4), r.ReadFloat32())
}

func TestReadVec2_short(t *testing.T) {
	t.Parallel()

	r := dcodec.NewReader([]byte{0, 0, 0, 0, 0})
	require.Equal(t, mgl64.Vec2{}, r.ReadVec2())
	require.ErrorIs(t, r.Err(), dcodec.ErrShortBuffer)
}
