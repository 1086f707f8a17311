package drift

import (
	"errors"
	"fmt"
	"math"
	"net"

	"github.com/gordian-engine/drift/dchannel"
	"github.com/gordian-engine/drift/dmetrics"
	"github.com/gordian-engine/drift/dtransport"
	"github.com/gordian-engine/drift/internal/dtrace"
)

const (
	// DefaultMaxEventsPerUpdate bounds the transport events
	// processed by one Update call.
	DefaultMaxEventsPerUpdate = 500

	// DefaultMaxMalformedFrames is how many malformed frames
	// a connection tolerates before it is disconnected.
	DefaultMaxMalformedFrames = 16
)

// ConnectionConfig is the configuration for a client [Connection].
type ConnectionConfig struct {
	Transport dtransport.Transport

	// The channel topology, indexed by channel ID.
	// A zero ID in an entry is replaced by its index;
	// any other mismatch is a configuration error.
	Channels []dchannel.Config

	// Resolves host names passed to Connect.
	// Defaults to [net.DefaultResolver].
	Resolver Resolver

	// Counters for this connection.
	// If nil, the connection allocates its own.
	Metrics *dmetrics.Transport

	// If nil, tracing is disabled.
	TracerProvider dtrace.TracerProvider

	// Zero means [DefaultMaxEventsPerUpdate].
	MaxEventsPerUpdate int

	// Zero means [DefaultMaxMalformedFrames].
	// A negative value never disconnects for malformed data.
	MaxMalformedFrames int

	OnConnect    func(*Connection)
	OnDisconnect func(c *Connection, err error)
	OnError      func(c *Connection, err ConnectError)
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	c.Channels = channelsWithDefaults(c.Channels)
	if c.Resolver == nil {
		c.Resolver = net.DefaultResolver
	}
	if c.Metrics == nil {
		c.Metrics = new(dmetrics.Transport)
	}
	if c.MaxEventsPerUpdate == 0 {
		c.MaxEventsPerUpdate = DefaultMaxEventsPerUpdate
	}
	if c.MaxMalformedFrames == 0 {
		c.MaxMalformedFrames = DefaultMaxMalformedFrames
	}
	return c
}

// validate panics if there are any illegal settings in the configuration.
func (c ConnectionConfig) validate() {
	var panicErrs error

	if c.Transport == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ConnectionConfig.Transport may not be nil"))
	}

	panicErrs = errors.Join(panicErrs, validateChannels("ConnectionConfig", c.Channels))

	if c.MaxEventsPerUpdate < 0 {
		panicErrs = errors.Join(panicErrs, errors.New("ConnectionConfig.MaxEventsPerUpdate must not be negative"))
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// ServerConfig is the configuration for a [Server].
type ServerConfig struct {
	Transport dtransport.Transport

	// The channel topology shared by every accepted connection.
	Channels []dchannel.Config

	// When set, messages with no registered handler
	// are forwarded to every other live connection on the same channel.
	Relay bool

	// Zero means no limit.
	MaxConnections int

	// Counters shared by all accepted connections.
	// If nil, the server allocates its own.
	Metrics *dmetrics.Transport

	// If nil, tracing is disabled.
	TracerProvider dtrace.TracerProvider

	// Zero means [DefaultMaxEventsPerUpdate].
	MaxEventsPerUpdate int

	// Zero means [DefaultMaxMalformedFrames].
	// A negative value never disconnects for malformed data.
	MaxMalformedFrames int

	OnConnected func(*Connection)

	// Called for graceful disconnects and timeouts,
	// while the connection is still in the table.
	OnDisconnected func(*Connection)

	// Called for disconnects carrying any other transport error,
	// after the connection was removed from the table.
	OnDisconnectError func(*Connection, dtransport.ErrorCode)
}

func (c ServerConfig) withDefaults() ServerConfig {
	c.Channels = channelsWithDefaults(c.Channels)
	if c.Metrics == nil {
		c.Metrics = new(dmetrics.Transport)
	}
	if c.MaxEventsPerUpdate == 0 {
		c.MaxEventsPerUpdate = DefaultMaxEventsPerUpdate
	}
	if c.MaxMalformedFrames == 0 {
		c.MaxMalformedFrames = DefaultMaxMalformedFrames
	}
	return c
}

// validate panics if there are any illegal settings in the configuration.
func (c ServerConfig) validate() {
	var panicErrs error

	if c.Transport == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ServerConfig.Transport may not be nil"))
	}

	panicErrs = errors.Join(panicErrs, validateChannels("ServerConfig", c.Channels))

	if c.MaxConnections < 0 {
		panicErrs = errors.Join(panicErrs, errors.New("ServerConfig.MaxConnections must not be negative"))
	}
	if c.MaxEventsPerUpdate < 0 {
		panicErrs = errors.Join(panicErrs, errors.New("ServerConfig.MaxEventsPerUpdate must not be negative"))
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

func channelsWithDefaults(in []dchannel.Config) []dchannel.Config {
	out := make([]dchannel.Config, len(in))
	for i, cc := range in {
		if cc.ID == 0 {
			cc.ID = uint8(i)
		}
		out[i] = cc.WithDefaults()
	}
	return out
}

func validateChannels(owner string, chs []dchannel.Config) error {
	if len(chs) == 0 {
		return fmt.Errorf("%s.Channels must not be empty", owner)
	}
	if len(chs) > math.MaxUint8+1 {
		return fmt.Errorf("%s.Channels has %d entries; at most %d are addressable", owner, len(chs), math.MaxUint8+1)
	}

	var errs error
	for i, cc := range chs {
		if int(cc.ID) != i {
			errs = errors.Join(errs, fmt.Errorf("%s.Channels[%d] has ID %d", owner, i, cc.ID))
		}
		if err := cc.Validate(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func qosList(chs []dchannel.Config) []dtransport.QoS {
	out := make([]dtransport.QoS, len(chs))
	for i, cc := range chs {
		out[i] = cc.QoS
	}
	return out
}
