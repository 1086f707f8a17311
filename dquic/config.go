package dquic

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated by drift over QUIC.
const ALPN = "drift"

const (
	DefaultEventBuffer = 1024
	DefaultSendQueue   = 256
	DefaultDialTimeout = 5 * time.Second

	// Largest message accepted on a reliable stream.
	MaxStreamMessage = 1 << 20
)

// Config configures a [Transport].
type Config struct {
	// TLS for both directions.
	// Hosts only accept connections when it carries a certificate.
	// Dialing verifies the remote against RootCAs and ServerName
	// like any TLS client.
	TLS *tls.Config

	// Nil means [DefaultQUICConfig].
	QUIC *quic.Config

	// Local address hosts bind to.
	// The zero value binds to all IPv4 interfaces.
	BindAddr netip.Addr

	// Capacity of each host's event queue.
	// Background goroutines block when it is full.
	EventBuffer int

	// Capacity of each peer's reliable send queue.
	// Sends past it fail with [dtransport.ErrNoResources].
	SendQueue int

	DialTimeout time.Duration

	// Optional hook to wrap every new connection.
	WrapConn func(Conn) Conn
}

// DefaultQUICConfig returns the QUIC settings used when [Config.QUIC] is nil.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  10 * time.Second,
		KeepAlivePeriod: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.QUIC == nil {
		c.QUIC = DefaultQUICConfig()
	} else if !c.QUIC.EnableDatagrams {
		c.QUIC = c.QUIC.Clone()
		c.QUIC.EnableDatagrams = true
	}
	if !c.BindAddr.IsValid() {
		c.BindAddr = netip.IPv4Unspecified()
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.SendQueue == 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

func (c Config) validate() {
	var err error

	if c.TLS == nil {
		err = errors.Join(err, errors.New("TLS must not be nil"))
	}
	if c.EventBuffer < 1 {
		err = errors.Join(err, fmt.Errorf("EventBuffer must be positive (got %d)", c.EventBuffer))
	}
	if c.SendQueue < 1 {
		err = errors.Join(err, fmt.Errorf("SendQueue must be positive (got %d)", c.SendQueue))
	}
	if c.DialTimeout < 0 {
		err = errors.Join(err, fmt.Errorf("DialTimeout must not be negative (got %s)", c.DialTimeout))
	}

	if err != nil {
		panic(err)
	}
}

// tlsConfig returns a clone of base that negotiates [ALPN].
func tlsConfig(base *tls.Config) *tls.Config {
	c := base.Clone()
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{ALPN}
	}
	return c
}
