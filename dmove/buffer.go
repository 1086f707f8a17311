package dmove

// DefaultBufferSize is the default capacity of a [StateBuffer].
const DefaultBufferSize = 60

// State is one timestamped sample of a synchronized component.
type State[V any] struct {
	// Local time in seconds at which the sample was taken
	// on the sender, mapped to the receiver's clock.
	Time float64

	// The sender's clock in milliseconds.
	NetTimestamp int32

	// Set on the final sample before the object came to rest.
	// The receiver does not extrapolate past it.
	IsLast bool

	Value V
}

// StateBuffer holds the most recent states of one component,
// ordered newest first with no two states sharing a time.
type StateBuffer[V any] struct {
	states   []State[V]
	capacity int

	lockTime float64
}

// NewStateBuffer returns an empty buffer holding at most capacity states.
// A non-positive capacity uses [DefaultBufferSize].
func NewStateBuffer[V any](capacity int) *StateBuffer[V] {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &StateBuffer[V]{
		states:   make([]State[V], 0, capacity),
		capacity: capacity,
	}
}

// Add inserts s in time order and returns its index,
// or -1 if s was rejected.
//
// A state with the same time as a buffered one replaces it.
// When the buffer is full the oldest state is evicted;
// a state older than every buffered state is rejected in that case.
// States older than the lock time are always rejected.
func (b *StateBuffer[V]) Add(s State[V]) int {
	if s.Time < b.lockTime {
		return -1
	}

	for i := range b.states {
		cur := b.states[i].Time
		if cur == s.Time {
			b.states[i] = s
			return i
		}
		if cur < s.Time {
			if len(b.states) < b.capacity {
				b.states = append(b.states, State[V]{})
			}
			copy(b.states[i+1:], b.states[i:])
			b.states[i] = s
			return i
		}
	}

	if len(b.states) < b.capacity {
		b.states = append(b.states, s)
		return len(b.states) - 1
	}
	return -1
}

// Len returns the number of buffered states.
func (b *StateBuffer[V]) Len() int { return len(b.states) }

// Cap returns the buffer's capacity.
func (b *StateBuffer[V]) Cap() int { return b.capacity }

// At returns the state at index i; index 0 is the newest.
func (b *StateBuffer[V]) At(i int) State[V] { return b.states[i] }

// Newest returns the most recent state, if any.
func (b *StateBuffer[V]) Newest() (State[V], bool) {
	if len(b.states) == 0 {
		var zero State[V]
		return zero, false
	}
	return b.states[0], true
}

// Reset discards every state. The lock time is kept.
func (b *StateBuffer[V]) Reset() {
	clear(b.states)
	b.states = b.states[:0]
}

// Lock rejects future states older than t.
func (b *StateBuffer[V]) Lock(t float64) { b.lockTime = t }

func (b *StateBuffer[V]) LockTime() float64 { return b.lockTime }

// Playback identifies the pair of states bracketing a playback time.
// LHS is the older state and RHS the newer one;
// T is the blend factor from LHS toward RHS.
type Playback struct {
	LHS, RHS int
	T        float64
}

// BestPlayback finds the states bracketing now-backTime.
//
// It returns false when even the newest state is at least backTime old,
// in which case there is nothing to interpolate toward
// and the caller should extrapolate.
func (b *StateBuffer[V]) BestPlayback(now, backTime float64) (Playback, bool) {
	n := len(b.states)
	if n == 0 {
		return Playback{}, false
	}
	if now-b.states[0].Time >= backTime {
		return Playback{}, false
	}
	if n == 1 {
		return Playback{}, true
	}

	lhs := n - 1
	for i := 1; i < n; i++ {
		if now-b.states[i].Time >= backTime {
			lhs = i
			break
		}
	}
	rhs := lhs - 1

	ageL := now - b.states[lhs].Time
	ageR := now - b.states[rhs].Time
	return Playback{
		LHS: lhs,
		RHS: rhs,
		T:   clamp01(inverseLerp(ageL, ageR, backTime)),
	}, true
}

func inverseLerp(a, b, v float64) float64 {
	if a == b {
		return 0
	}
	return (v - a) / (b - a)
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
