package dpubsub

// Stream is one node of a singly linked, append-only sequence of values.
// One goroutine publishes; any number of readers follow the Next links,
// each at its own pace.
//
// A reader holding an old node keeps every later node reachable,
// so readers that stop consuming should drop their reference.
type Stream[T any] struct {
	// Closed once Val and Next are set.
	Ready chan struct{}

	Next *Stream[T]
	Val  T
}

func NewStream[T any]() *Stream[T] {
	return &Stream[T]{Ready: make(chan struct{})}
}

// Publish sets the node's value, appends an empty successor,
// and wakes every reader waiting on Ready.
// Publishing the same node twice panics on the closed channel.
func (s *Stream[T]) Publish(t T) {
	s.Val = t
	s.Next = NewStream[T]()
	close(s.Ready)
}

// Drain collects every value already published from s onward,
// without blocking.
// It returns the collected values and the first unpublished node,
// which the caller passes to the next Drain.
func Drain[T any](s *Stream[T]) ([]T, *Stream[T]) {
	var vals []T
	for {
		select {
		case <-s.Ready:
			vals = append(vals, s.Val)
			s = s.Next
		default:
			return vals, s
		}
	}
}
