package dmove

import (
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/drift/dcodec"
)

// Interpolation selects how the receiver blends between bracketing states.
type Interpolation uint8

const (
	InterpolationLinear Interpolation = iota
	InterpolationCatmullRom
)

// SyncConfig configures one [Synchronizer].
type SyncConfig struct {
	// Capacity of the state buffer; zero means [DefaultBufferSize].
	BufferSize int

	Interpolation Interpolation

	// Catmull-Rom is only used when the bracketing states
	// are at most this far apart in time.
	// Zero means [DefaultCatmullRomMaxGap].
	CatmullRomMaxGap time.Duration

	// Catmull-Rom is only used when the bracketing states
	// are further apart than this.
	CatmullRomMinDistance float64

	// Bracketing states further apart than this are snapped to
	// instead of blended. Zero disables snapping.
	SnapThreshold float64

	// How long to extrapolate past the newest state.
	// Zero disables extrapolation.
	ExtrapolationTime time.Duration

	// How long a correction takes to blend away
	// when switching between extrapolation and interpolation.
	// Zero applies corrections immediately.
	ErrorCorrectionTime time.Duration

	// The sending side transmits once the value
	// moved further than this from the last sent value.
	SendThreshold float64
}

const DefaultCatmullRomMaxGap = 500 * time.Millisecond

func (c SyncConfig) withDefaults() SyncConfig {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.CatmullRomMaxGap == 0 {
		c.CatmullRomMaxGap = DefaultCatmullRomMaxGap
	}
	return c
}

func (c SyncConfig) validate() {
	var err error

	if c.BufferSize < 4 {
		err = errors.Join(err, fmt.Errorf("BufferSize must be at least 4 (got %d)", c.BufferSize))
	}
	if c.Interpolation > InterpolationCatmullRom {
		err = errors.Join(err, fmt.Errorf("invalid Interpolation %d", c.Interpolation))
	}
	if c.SnapThreshold < 0 || c.CatmullRomMinDistance < 0 || c.SendThreshold < 0 {
		err = errors.Join(err, errors.New("thresholds must not be negative"))
	}
	if c.ExtrapolationTime < 0 || c.ErrorCorrectionTime < 0 || c.CatmullRomMaxGap < 0 {
		err = errors.Join(err, errors.New("durations must not be negative"))
	}

	if err != nil {
		panic(err)
	}
}

// Mode is what a [Synchronizer] did on a tick.
type Mode uint8

const (
	// Nothing buffered, or the local side is authoritative.
	ModeIdle Mode = iota

	// Blended between two bracketing states.
	ModeInterpolate

	// Playback is past the newest state; the body is extrapolating.
	ModeExtrapolate

	// The extrapolation window just ran out;
	// the body is blending back to the newest state.
	ModeEndExtrapolation

	// Playback is past the newest state and extrapolation is
	// disabled, expired or not allowed, so the newest state is held.
	ModeHold
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeInterpolate:
		return "interpolate"
	case ModeExtrapolate:
		return "extrapolate"
	case ModeEndExtrapolation:
		return "end_extrapolation"
	case ModeHold:
		return "hold"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Fallback explains why a tick configured for Catmull-Rom
// blended linearly instead.
type Fallback uint8

const (
	FallbackNone Fallback = iota

	// Fewer than four states are buffered.
	FallbackTooFewStates

	// The bracketing pair has no outer neighbor on one side.
	FallbackBufferEdge

	// The bracketing states are too far apart in time.
	FallbackTimeGap

	// The bracketing states are too close in value to need a curve.
	FallbackSmallDistance
)

func (f Fallback) String() string {
	switch f {
	case FallbackNone:
		return "none"
	case FallbackTooFewStates:
		return "too_few_states"
	case FallbackBufferEdge:
		return "buffer_edge"
	case FallbackTimeGap:
		return "time_gap"
	case FallbackSmallDistance:
		return "small_distance"
	default:
		return fmt.Sprintf("Fallback(%d)", uint8(f))
	}
}

// TickReport describes one [Synchronizer.Update].
type TickReport struct {
	Mode       Mode
	CatmullRom bool
	Fallback   Fallback
	Snapped    bool
}

// Component is the type-erased view of a [Synchronizer]
// used by [Object].
type Component interface {
	NeedsUpdate() bool
	EncodeCurrent(w *dcodec.Writer)

	DecodeState(r *dcodec.Reader, t float64, netTime int32, isLast bool) int
	Update(now, dt, backTime float64) TickReport

	Reset()
	Lock(t float64)
}

// Synchronizer reconciles one component of a networked object.
//
// On the receiving side, states are added with [Synchronizer.AddState]
// and played back with [Synchronizer.Update] once per physics step.
// On the sending side, [Synchronizer.NeedsUpdate] and
// [Synchronizer.EncodeCurrent] decide and produce what to send.
type Synchronizer[V any] struct {
	cfg   SyncConfig
	body  Body[V]
	ops   Ops[V]
	codec Codec[V]

	buf *StateBuffer[V]

	extrapolating bool
	expired       bool
	deadline      float64
	rate          Rate[V]

	correction    V
	hasCorrection bool

	// The correction offset already in the body's value.
	// Apply clears it; extrapolation carries it from tick to tick.
	applied    V
	hasApplied bool

	lastSent V
	hasSent  bool
}

var _ Component = (*Synchronizer[int])(nil)

// NewSynchronizer returns a synchronizer driving body.
// It panics if cfg is invalid.
func NewSynchronizer[V any](cfg SyncConfig, body Body[V], ops Ops[V], codec Codec[V]) *Synchronizer[V] {
	cfg = cfg.withDefaults()
	cfg.validate()

	return &Synchronizer[V]{
		cfg:   cfg,
		body:  body,
		ops:   ops,
		codec: codec,

		buf: NewStateBuffer[V](cfg.BufferSize),
	}
}

// Buffer exposes the state buffer.
func (s *Synchronizer[V]) Buffer() *StateBuffer[V] { return s.buf }

// AddState buffers st and returns its index, or -1 if it was rejected.
func (s *Synchronizer[V]) AddState(st State[V]) int {
	return s.buf.Add(st)
}

// Update plays the buffer back at now-backTime and drives the body.
// All times are in seconds.
func (s *Synchronizer[V]) Update(now, dt, backTime float64) TickReport {
	newest, ok := s.buf.Newest()
	if !ok {
		return TickReport{Mode: ModeIdle}
	}

	var rep TickReport
	if pb, ok := s.buf.BestPlayback(now, backTime); ok {
		rep = s.interpolate(pb)
	} else {
		rep.Mode = s.extrapolate(now, dt, newest)
	}

	s.applyCorrection(dt)
	return rep
}

func (s *Synchronizer[V]) interpolate(pb Playback) TickReport {
	rep := TickReport{Mode: ModeInterpolate}

	lhs, rhs := s.buf.At(pb.LHS), s.buf.At(pb.RHS)
	dist2 := s.ops.Dist2(lhs.Value, rhs.Value)

	var target V
	switch {
	case s.cfg.SnapThreshold > 0 && dist2 > s.cfg.SnapThreshold*s.cfg.SnapThreshold:
		target = rhs.Value
		rep.Snapped = true
	case s.cfg.Interpolation == InterpolationCatmullRom:
		rep.Fallback = s.catmullRomFallback(pb, dist2)
		if rep.Fallback == FallbackNone {
			rep.CatmullRom = true
			target = s.ops.CatmullRom(
				s.buf.At(pb.LHS+1).Value, lhs.Value, rhs.Value, s.buf.At(pb.RHS-1).Value,
				pb.T,
			)
		} else {
			target = s.ops.Lerp(lhs.Value, rhs.Value, pb.T)
		}
	default:
		target = s.ops.Lerp(lhs.Value, rhs.Value, pb.T)
	}

	switch {
	case rep.Snapped:
		s.clearCorrection()
	case s.extrapolating:
		// Keep the displayed value continuous and blend the gap away.
		s.setCorrection(s.ops.Sub(s.body.Sample(), target))
	}
	s.endExtrapolation()
	s.extrapolating = false
	s.expired = false

	s.apply(target)
	return rep
}

// apply moves the body to v, which carries no correction.
func (s *Synchronizer[V]) apply(v V) {
	s.body.Apply(v)
	s.hasApplied = false
}

// endExtrapolation tells the body that an extrapolation in progress stopped.
func (s *Synchronizer[V]) endExtrapolation() {
	if s.extrapolating && !s.expired {
		s.body.EndExtrapolation()
	}
}

func (s *Synchronizer[V]) catmullRomFallback(pb Playback, dist2 float64) Fallback {
	if s.buf.Len() < 4 {
		return FallbackTooFewStates
	}
	if pb.LHS+1 >= s.buf.Len() || pb.RHS < 1 {
		return FallbackBufferEdge
	}
	gap := s.buf.At(pb.RHS).Time - s.buf.At(pb.LHS).Time
	if gap > s.cfg.CatmullRomMaxGap.Seconds() {
		return FallbackTimeGap
	}
	if md := s.cfg.CatmullRomMinDistance; dist2 <= md*md {
		return FallbackSmallDistance
	}
	return FallbackNone
}

func (s *Synchronizer[V]) extrapolate(now, dt float64, newest State[V]) Mode {
	canExtrapolate := s.cfg.ExtrapolationTime > 0 && !newest.IsLast && s.buf.Len() >= 2

	switch {
	case s.expired || !canExtrapolate:
		if s.extrapolating && !s.expired {
			s.setCorrection(s.ops.Sub(s.body.Sample(), newest.Value))
			s.body.EndExtrapolation()
			s.expired = true
		}
		s.apply(newest.Value)
		return ModeHold

	case !s.extrapolating:
		s.extrapolating = true
		s.deadline = now + s.cfg.ExtrapolationTime.Seconds()
		s.rate = s.velocity()
		s.body.BeginExtrapolation(s.rate)
		s.body.Extrapolate(s.rate, dt)
		return ModeExtrapolate

	case now < s.deadline:
		s.body.Extrapolate(s.rate, dt)
		return ModeExtrapolate

	default:
		s.setCorrection(s.ops.Sub(s.body.Sample(), newest.Value))
		s.body.EndExtrapolation()
		s.expired = true
		s.apply(newest.Value)
		return ModeEndExtrapolation
	}
}

// velocity estimates the rate from the two newest states.
// The delta between them is kept unscaled
// so rotations faster than half a turn per second survive.
func (s *Synchronizer[V]) velocity() Rate[V] {
	if s.buf.Len() < 2 {
		return Rate[V]{Delta: s.ops.Zero()}
	}
	a, b := s.buf.At(0), s.buf.At(1)
	dt := a.Time - b.Time
	if dt <= 0 {
		return Rate[V]{Delta: s.ops.Zero()}
	}
	return Rate[V]{Delta: s.ops.Sub(a.Value, b.Value), Span: dt}
}

func (s *Synchronizer[V]) setCorrection(d V) {
	if s.cfg.ErrorCorrectionTime <= 0 {
		s.clearCorrection()
		return
	}
	s.correction = d
	s.hasCorrection = true
}

func (s *Synchronizer[V]) clearCorrection() {
	s.correction = s.ops.Zero()
	s.hasCorrection = false
}

// applyCorrection offsets the body by the remaining correction
// and shrinks it toward zero.
// Only the change from the offset already in the body is applied.
func (s *Synchronizer[V]) applyCorrection(dt float64) {
	if !s.hasCorrection && !s.hasApplied {
		return
	}

	want := s.ops.Zero()
	if s.hasCorrection {
		want = s.correction
	}
	delta := want
	if s.hasApplied {
		delta = s.ops.Sub(want, s.applied)
	}
	s.body.Apply(s.ops.Add(s.body.Sample(), delta))
	s.applied = want
	s.hasApplied = s.hasCorrection
	if !s.hasCorrection {
		return
	}

	remain := 1 - dt/s.cfg.ErrorCorrectionTime.Seconds()
	if remain <= 0 {
		s.clearCorrection()
		return
	}
	s.correction = s.ops.Scale(s.correction, remain)
}

// Correction reports the pending error correction, if any.
func (s *Synchronizer[V]) Correction() (V, bool) {
	return s.correction, s.hasCorrection
}

// Extrapolating reports whether playback is past the newest state
// and the extrapolation window has not yet run out.
func (s *Synchronizer[V]) Extrapolating() bool {
	return s.extrapolating && !s.expired
}

// NeedsUpdate reports whether the body moved past the send threshold
// since the last [Synchronizer.EncodeCurrent].
func (s *Synchronizer[V]) NeedsUpdate() bool {
	if !s.hasSent {
		return true
	}
	th := s.cfg.SendThreshold
	return s.ops.Dist2(s.body.Sample(), s.lastSent) > th*th
}

// EncodeCurrent writes the body's current value and records it as sent.
func (s *Synchronizer[V]) EncodeCurrent(w *dcodec.Writer) {
	v := s.body.Sample()
	s.codec.Encode(w, v)
	s.lastSent = v
	s.hasSent = true
}

// DecodeState reads a value written by [Synchronizer.EncodeCurrent]
// and buffers it at local time t.
func (s *Synchronizer[V]) DecodeState(r *dcodec.Reader, t float64, netTime int32, isLast bool) int {
	hist := make([]State[V], 0, 2)
	for i := 0; i < s.buf.Len() && len(hist) < 2; i++ {
		if st := s.buf.At(i); st.Time < t {
			hist = append(hist, st)
		}
	}

	v := s.codec.Decode(r, t, hist)
	if r.Err() != nil {
		return -1
	}
	return s.buf.Add(State[V]{
		Time:         t,
		NetTimestamp: netTime,
		IsLast:       isLast,
		Value:        v,
	})
}

// Reset discards buffered states and playback progress.
func (s *Synchronizer[V]) Reset() {
	s.buf.Reset()
	s.endExtrapolation()
	s.extrapolating = false
	s.expired = false
	s.clearCorrection()
	s.hasApplied = false
	s.hasSent = false
}

// Lock rejects states older than t.
func (s *Synchronizer[V]) Lock(t float64) { s.buf.Lock(t) }
