package dmove

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/drift/dcodec"
	"github.com/stretchr/testify/require"
)

func TestMask_widths(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		n, width int
	}{
		{1, 1}, {4, 1}, {5, 2}, {8, 2}, {9, 4}, {32, 4},
	} {
		var m bitset.BitSet
		m.Set(0)
		m.Set(uint(tc.n - 1))

		w := dcodec.NewWriter(4)
		writeMask(w, &m, tc.n)
		require.Equal(t, tc.width, w.Len(), "components=%d", tc.n)

		got := readMask(dcodec.NewReader(w.Bytes()), tc.n)
		require.True(t, got.Test(0))
		require.True(t, got.Test(uint(tc.n-1)))
		require.Equal(t, m.Count(), got.Count())
	}
}

func TestObject_updateRecords(t *testing.T) {
	t.Parallel()

	pos := &stubComponent{needs: true}
	rot := &stubComponent{}
	o := NewObject(3, true, pos, rot)
	w := dcodec.NewWriter(32)

	wrote, reliable := o.appendUpdate(w, 100)
	require.True(t, wrote)
	require.False(t, reliable)
	require.Equal(t, 1, pos.encoded)
	require.Equal(t, 0, rot.encoded)

	r := dcodec.NewReader(w.Bytes())
	require.Equal(t, uint32(3), r.ReadPackedUint32())
	require.Equal(t, int32(100), r.ReadInt32())
	require.Equal(t, uint8(0), r.ReadUint8())
	require.Equal(t, uint8(0b01), r.ReadUint8())

	// Movement stopped: one reliable record with every component.
	pos.needs = false
	w.Reset()
	wrote, reliable = o.appendUpdate(w, 120)
	require.True(t, wrote)
	require.True(t, reliable)
	require.Equal(t, 2, pos.encoded)
	require.Equal(t, 1, rot.encoded)

	r = dcodec.NewReader(w.Bytes())
	r.ReadPackedUint32()
	r.ReadInt32()
	require.Equal(t, flagLast, r.ReadUint8())
	require.Equal(t, uint8(0b11), r.ReadUint8())

	// Still at rest.
	w.Reset()
	wrote, _ = o.appendUpdate(w, 140)
	require.False(t, wrote)
	require.Zero(t, w.Len())

	o.Teleport()
	wrote, reliable = o.appendUpdate(w, 160)
	require.True(t, wrote)
	require.True(t, reliable)

	r = dcodec.NewReader(w.Bytes())
	r.ReadPackedUint32()
	r.ReadInt32()
	require.Equal(t, flagTeleport, r.ReadUint8())
}

func TestObject_applyTeleportLocks(t *testing.T) {
	t.Parallel()

	c := &stubComponent{}
	o := NewObject(1, false, c)

	w := dcodec.NewWriter(8)
	w.WriteUint8(flagTeleport)
	w.WriteUint8(1)

	require.NoError(t, o.applyUpdate(dcodec.NewReader(w.Bytes()), 2.5, 2500))
	require.Equal(t, 1, c.resets)
	require.Equal(t, 2.5, c.lock)
	require.Equal(t, 1, c.decoded)
}

func TestObject_maskOutOfRange(t *testing.T) {
	t.Parallel()

	o := NewObject(1, false, &stubComponent{})

	w := dcodec.NewWriter(8)
	w.WriteUint8(0)
	w.WriteUint8(0b10)

	require.ErrorIs(t, o.applyUpdate(dcodec.NewReader(w.Bytes()), 0, 0), errMaskOutOfRange)
}

func TestNewObject_componentBounds(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() { NewObject(1, true) })

	comps := make([]Component, MaxComponents+1)
	for i := range comps {
		comps[i] = &stubComponent{}
	}
	require.Panics(t, func() { NewObject(1, true, comps...) })
	require.NotPanics(t, func() { NewObject(1, true, comps[:MaxComponents]...) })
}

type stubComponent struct {
	needs bool

	encoded, decoded, resets int
	lock                     float64
}

func (c *stubComponent) NeedsUpdate() bool { return c.needs }

func (c *stubComponent) EncodeCurrent(*dcodec.Writer) { c.encoded++ }

func (c *stubComponent) DecodeState(*dcodec.Reader, float64, int32, bool) int {
	c.decoded++
	return 0
}

func (c *stubComponent) Update(float64, float64, float64) TickReport {
	return TickReport{}
}

func (c *stubComponent) Reset()         { c.resets++ }
func (c *stubComponent) Lock(t float64) { c.lock = t }
