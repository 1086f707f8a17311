package drift_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/gordian-engine/drift"
	"github.com/gordian-engine/drift/dchannel"
	"github.com/gordian-engine/drift/dtransport"
	"github.com/gordian-engine/drift/dtransport/dtransporttest"
	"github.com/gordian-engine/drift/internal/dtest"
	"github.com/stretchr/testify/require"
)

const (
	chReliable   uint8 = 0
	chUnreliable uint8 = 1
	chFragmented uint8 = 2

	msgTypeTest = drift.MsgTypeHighest + 10
)

func testChannels() []dchannel.Config {
	return []dchannel.Config{
		{QoS: dtransport.Reliable},
		{QoS: dtransport.Unreliable},
		{QoS: dtransport.ReliableSequenced},
	}
}

func newTestServer(t *testing.T, n *dtransporttest.Network, cfg drift.ServerConfig) *drift.Server {
	t.Helper()

	cfg.Transport = n
	if cfg.Channels == nil {
		cfg.Channels = testChannels()
	}
	s := drift.NewServer(dtest.NewLogger(t).With("side", "server"), cfg)
	require.NoError(t, s.Listen(0))
	return s
}

func newTestClient(t *testing.T, n *dtransporttest.Network, cfg drift.ConnectionConfig) *drift.Connection {
	t.Helper()

	cfg.Transport = n
	if cfg.Channels == nil {
		cfg.Channels = testChannels()
	}
	return drift.NewConnection(dtest.NewLogger(t).With("side", "client"), cfg)
}

// pump runs a few ticks of every participant,
// enough for a request and its response to settle.
func pump(s *drift.Server, cs ...*drift.Connection) {
	now := time.Now()
	for range 3 {
		for _, c := range cs {
			c.Update(now)
		}
		s.Update(now)
	}
}

// connectClient connects a new client to s and returns it
// along with its server-side connection.
func connectClient(
	t *testing.T, n *dtransporttest.Network, s *drift.Server, cfg drift.ConnectionConfig,
) (*drift.Connection, *drift.Connection) {
	t.Helper()

	before := map[dtransport.PeerID]bool{}
	for _, sc := range s.Connections() {
		before[sc.ID()] = true
	}

	c := newTestClient(t, n, cfg)
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", n.Port(s.Host())))
	pump(s, c)
	require.Equal(t, drift.StateConnected, c.State())

	for _, sc := range s.Connections() {
		if !before[sc.ID()] {
			return c, sc
		}
	}
	t.Fatal("server did not accept the connection")
	return nil, nil
}

func statesOf(changes []drift.StateChange) []drift.ConnectionState {
	out := make([]drift.ConnectionState, len(changes))
	for i, ch := range changes {
		out[i] = ch.To
	}
	return out
}

// fakeResolver blocks lookups until release is closed.
type fakeResolver struct {
	release chan struct{}

	addrs []netip.Addr
	err   error
}

func (r *fakeResolver) LookupNetIP(ctx context.Context, _, _ string) ([]netip.Addr, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.addrs, r.err
}

// collect records payloads received for one message type.
type collect struct {
	payloads [][]byte
}

func (c *collect) handle(m *drift.Message) {
	c.payloads = append(c.payloads, append([]byte(nil), m.Payload...))
}
