package dmove

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/drift/dcodec"
)

// MaxComponents is the most synchronizers one [Object] can hold.
const MaxComponents = 32

const (
	flagLast     uint8 = 1 << 0
	flagTeleport uint8 = 1 << 1
)

var errMaskOutOfRange = errors.New("changed mask names a component the object does not have")

// Object is one networked entity and its synchronized components.
//
// On the authoritative side the object's components are sampled and sent;
// everywhere else received states are played back into them.
type Object struct {
	id        uint32
	authority bool
	comps     []Component

	moving   bool
	teleport bool

	reports []TickReport
}

// NewObject returns an object with the given components.
// It panics if there are none or more than [MaxComponents].
func NewObject(id uint32, authority bool, comps ...Component) *Object {
	if len(comps) == 0 || len(comps) > MaxComponents {
		panic(fmt.Errorf(
			"BUG: NewObject requires between 1 and %d components (got %d)",
			MaxComponents, len(comps),
		))
	}
	return &Object{
		id:        id,
		authority: authority,
		comps:     comps,
		reports:   make([]TickReport, len(comps)),
	}
}

func (o *Object) ID() uint32 { return o.id }

// Authority reports whether the local side sends this object's movement.
func (o *Object) Authority() bool { return o.authority }

func (o *Object) Components() []Component { return o.comps }

// Reports returns each component's most recent [TickReport].
// The slice is reused on the next tick.
func (o *Object) Reports() []TickReport { return o.reports }

// Teleport makes the next update a reliable teleport
// carrying every component.
func (o *Object) Teleport() { o.teleport = true }

func (o *Object) update(now, dt, backTime float64) {
	for i, c := range o.comps {
		o.reports[i] = c.Update(now, dt, backTime)
	}
}

func (o *Object) reset() {
	for _, c := range o.comps {
		c.Reset()
	}
	o.moving = false
	o.teleport = false
	clear(o.reports)
}

// appendUpdate writes one update record for the object, if one is due,
// and reports whether it must travel reliably.
//
// A record is written when any component moved past its threshold,
// once more with the last-state flag after movement stops,
// and for a pending teleport.
func (o *Object) appendUpdate(w *dcodec.Writer, netTime int32) (wrote, reliable bool) {
	var mask bitset.BitSet
	var flags uint8

	if o.teleport {
		flags |= flagTeleport
		o.teleport = false
		o.moving = false
		setAll(&mask, len(o.comps))
		reliable = true
	} else {
		for i, c := range o.comps {
			if c.NeedsUpdate() {
				mask.Set(uint(i))
			}
		}

		switch {
		case mask.Any():
			o.moving = true
		case o.moving:
			flags |= flagLast
			o.moving = false
			setAll(&mask, len(o.comps))
			reliable = true
		default:
			return false, false
		}
	}

	w.WritePackedUint32(o.id)
	w.WriteInt32(netTime)
	w.WriteUint8(flags)
	writeMask(w, &mask, len(o.comps))
	for i, c := range o.comps {
		if mask.Test(uint(i)) {
			c.EncodeCurrent(w)
		}
	}
	return true, reliable
}

// applyUpdate reads the remainder of an update record,
// after the id and timestamp, and buffers its states at local time t.
func (o *Object) applyUpdate(r *dcodec.Reader, t float64, netTime int32) error {
	flags := r.ReadUint8()
	mask := readMask(r, len(o.comps))
	if err := r.Err(); err != nil {
		return err
	}

	if flags&flagTeleport != 0 {
		for _, c := range o.comps {
			c.Reset()
			c.Lock(t)
		}
	}

	isLast := flags&flagLast != 0
	for i, ok := mask.NextSet(0); ok; i, ok = mask.NextSet(i + 1) {
		if int(i) >= len(o.comps) {
			return errMaskOutOfRange
		}
		o.comps[i].DecodeState(r, t, netTime, isLast)
	}
	return r.Err()
}

func setAll(m *bitset.BitSet, n int) {
	for i := range n {
		m.Set(uint(i))
	}
}

// maskWidth is the size in bytes of the changed mask for n components.
func maskWidth(n int) int {
	switch {
	case n <= 4:
		return 1
	case n <= 8:
		return 2
	default:
		return 4
	}
}

func writeMask(w *dcodec.Writer, m *bitset.BitSet, n int) {
	var v uint32
	for i, ok := m.NextSet(0); ok; i, ok = m.NextSet(i + 1) {
		v |= 1 << i
	}
	switch maskWidth(n) {
	case 1:
		w.WriteUint8(uint8(v))
	case 2:
		w.WriteUint16(uint16(v))
	default:
		w.WriteUint32(v)
	}
}

func readMask(r *dcodec.Reader, n int) *bitset.BitSet {
	var v uint32
	switch maskWidth(n) {
	case 1:
		v = uint32(r.ReadUint8())
	case 2:
		v = uint32(r.ReadUint16())
	default:
		v = r.ReadUint32()
	}

	m := bitset.New(MaxComponents)
	for i := range uint(MaxComponents) {
		if v&(1<<i) != 0 {
			m.Set(i)
		}
	}
	return m
}
