package dmove

import (
	"errors"
	"fmt"
	"time"
)

// TimeMapper maps a sender's millisecond clock onto local seconds.
//
// It tracks the smallest observed difference between local arrival time
// and send time, which is the one-way delay of the fastest packet
// plus the offset between the two clocks.
type TimeMapper struct {
	offset float64
	ok     bool
}

// Map returns the local time at which a state stamped netTime was sent,
// given that it arrived at localNow.
func (m *TimeMapper) Map(netTime int32, localNow float64) float64 {
	remote := float64(netTime) / 1000
	if off := localNow - remote; !m.ok || off < m.offset {
		m.offset = off
		m.ok = true
	}
	return remote + m.offset
}

func (m *TimeMapper) Reset() { *m = TimeMapper{} }

// BackTimeConfig configures the adaptive playback delay.
type BackTimeConfig struct {
	// Delay added on top of the smoothed latency.
	// Zero means 100ms.
	Base time.Duration

	// Bounds of the resulting back time.
	// Zero Min means Base; zero Max means one second.
	Min, Max time.Duration

	// Weight of each new latency sample in the moving average, in (0, 1].
	// Zero means 0.1.
	Smoothing float64
}

func (c BackTimeConfig) withDefaults() BackTimeConfig {
	if c.Base == 0 {
		c.Base = 100 * time.Millisecond
	}
	if c.Min == 0 {
		c.Min = c.Base
	}
	if c.Max == 0 {
		c.Max = time.Second
	}
	if c.Smoothing == 0 {
		c.Smoothing = 0.1
	}
	return c
}

func (c BackTimeConfig) validate() error {
	var err error
	if c.Base < 0 || c.Min < 0 {
		err = errors.Join(err, errors.New("back time durations must not be negative"))
	}
	if c.Max < c.Min {
		err = errors.Join(err, fmt.Errorf("back time Max (%s) must not be below Min (%s)", c.Max, c.Min))
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		err = errors.Join(err, fmt.Errorf("back time Smoothing must be in (0, 1] (got %v)", c.Smoothing))
	}
	return err
}

// BackTime is the adaptive playback delay:
// the base delay plus an exponential moving average of observed latency,
// clamped to the configured bounds.
type BackTime struct {
	cfg BackTimeConfig

	latency float64
	ok      bool
}

func NewBackTime(cfg BackTimeConfig) *BackTime {
	return &BackTime{cfg: cfg.withDefaults()}
}

// Observe records the delay between a state's mapped send time and its arrival.
func (b *BackTime) Observe(delay float64) {
	delay = max(delay, 0)
	if !b.ok {
		b.latency = delay
		b.ok = true
		return
	}
	b.latency += b.cfg.Smoothing * (delay - b.latency)
}

// Seconds returns the current back time.
func (b *BackTime) Seconds() float64 {
	v := b.cfg.Base.Seconds() + b.latency
	return min(max(v, b.cfg.Min.Seconds()), b.cfg.Max.Seconds())
}

func (b *BackTime) Duration() time.Duration {
	return time.Duration(b.Seconds() * float64(time.Second))
}

func (b *BackTime) Reset() {
	b.latency = 0
	b.ok = false
}
