package dchannel

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gordian-engine/drift/dtransport"
)

const (
	DefaultMaxPacketSize        = 1400
	DefaultMaxPendingPackets    = 16
	DefaultMaxFragmentedPayload = 64 * 1024 * 1024

	// FragmentHeaderSize is reserved in every packet that carries a fragment,
	// so a fragment chunk is MaxPacketSize-FragmentHeaderSize bytes.
	// A fragment frame only needs 7 header bytes;
	// the rest is headroom for substrate framing.
	FragmentHeaderSize = 32

	// MinPacketSize is the smallest allowed MaxPacketSize.
	MinPacketSize = 2 * FragmentHeaderSize
)

// Config is the configuration for a single [Channel].
type Config struct {
	// Index of the channel in the connection's topology.
	ID uint8

	QoS dtransport.QoS

	// Largest packet handed to the transport.
	// Zero means [DefaultMaxPacketSize].
	MaxPacketSize int

	// Capacity of the pending queue on reliable channels.
	// Zero means [DefaultMaxPendingPackets].
	MaxPendingPackets int

	// How long a partially filled packet may wait
	// before [*Channel.CheckInternalBuffer] flushes it.
	// Zero flushes on every check.
	MaxDelay time.Duration

	// Largest payload accepted for fragmentation.
	// Zero means [DefaultMaxFragmentedPayload].
	MaxFragmentedPayload int
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.MaxPendingPackets == 0 {
		c.MaxPendingPackets = DefaultMaxPendingPackets
	}
	if c.MaxFragmentedPayload == 0 {
		c.MaxFragmentedPayload = DefaultMaxFragmentedPayload
	}
	return c
}

// Validate reports every problem with c, joined into one error.
// It expects defaults to have been applied.
func (c Config) Validate() error {
	var errs error

	if c.QoS > dtransport.ReliableSequenced {
		errs = errors.Join(errs, fmt.Errorf("channel %d: unknown QoS %d", c.ID, c.QoS))
	}

	if c.MaxPacketSize < MinPacketSize || c.MaxPacketSize >= math.MaxUint16 {
		errs = errors.Join(errs, fmt.Errorf(
			"channel %d: MaxPacketSize must be in [%d, %d) (got %d)",
			c.ID, MinPacketSize, math.MaxUint16, c.MaxPacketSize,
		))
	}

	if c.MaxPendingPackets < 1 {
		errs = errors.Join(errs, fmt.Errorf(
			"channel %d: MaxPendingPackets must be positive (got %d)",
			c.ID, c.MaxPendingPackets,
		))
	}

	if c.MaxDelay < 0 {
		errs = errors.Join(errs, fmt.Errorf("channel %d: MaxDelay must not be negative", c.ID))
	}

	if c.MaxFragmentedPayload < c.MaxPacketSize {
		errs = errors.Join(errs, fmt.Errorf(
			"channel %d: MaxFragmentedPayload (%d) must be at least MaxPacketSize (%d)",
			c.ID, c.MaxFragmentedPayload, c.MaxPacketSize,
		))
	}

	return errs
}
