package dmetrics_test

import (
	"testing"

	"github.com/gordian-engine/drift/dmetrics"
	"github.com/stretchr/testify/require"
)

func TestTransport_independentContexts(t *testing.T) {
	t.Parallel()

	var a, b dmetrics.Transport
	a.PacketSent(100)
	a.PacketSent(20)
	a.Queued()
	a.Queued()
	a.Dequeued(1)

	b.PacketSent(5)

	sa := a.Snapshot()
	require.Equal(t, int64(2), sa.PacketsSent)
	require.Equal(t, int64(120), sa.BytesSent)
	require.Equal(t, int64(2), sa.PacketsQueued)
	require.Equal(t, int64(1), sa.PendingPackets)

	sb := b.Snapshot()
	require.Equal(t, int64(1), sb.PacketsSent)
	require.Equal(t, int64(5), sb.BytesSent)
	require.Zero(t, sb.PendingPackets)
}
