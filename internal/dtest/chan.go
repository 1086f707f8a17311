package dtest

import (
	"testing"
	"time"
)

// ScheduleTimeout is how long the "Soon" helpers wait
// before failing the test.
// Tick-driven code in this module rarely blocks,
// so this only needs to cover goroutine scheduling
// and loopback network delivery.
const ScheduleTimeout = 250 * time.Millisecond

// ReceiveSoon returns the value received from ch,
// failing the test if no value arrives within [ScheduleTimeout].
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(ScheduleTimeout):
		t.Fatalf("no value received within %s", ScheduleTimeout)
	}

	panic("unreachable")
}

// SendSoon sends v on ch,
// failing the test if the send does not complete within [ScheduleTimeout].
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	select {
	case ch <- v:
	case <-time.After(ScheduleTimeout):
		t.Fatalf("could not send value within %s", ScheduleTimeout)
	}
}

// NotSending fails the test if ch is immediately readable.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
		t.Fatal("channel should not have been ready")
	default:
	}
}

// IsSending fails the test if ch is not readable
// within [ScheduleTimeout].
func IsSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(ScheduleTimeout):
		t.Fatalf("channel not ready within %s", ScheduleTimeout)
	}
}

// Eventually polls fn every few milliseconds until it returns true,
// failing the test after timeout.
// It is meant for loopback tests that pump a tick loop.
func Eventually(t testing.TB, timeout time.Duration, fn func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
