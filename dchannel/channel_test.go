package dchannel_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/gordian-engine/drift/dchannel"
	"github.com/gordian-engine/drift/dcodec"
	"github.com/gordian-engine/drift/dmetrics"
	"github.com/gordian-engine/drift/dtransport"
	"github.com/gordian-engine/drift/internal/dtest"
	"github.com/stretchr/testify/require"
)

// recordingSender accepts packets unless blocked or failing,
// and keeps a copy of each accepted packet.
type recordingSender struct {
	blocked bool
	failure error

	sent [][]byte
}

func (s *recordingSender) SendPacket(_ uint8, b []byte) error {
	if s.failure != nil {
		return s.failure
	}
	if s.blocked {
		return dtransport.ErrNoResources
	}
	s.sent = append(s.sent, bytes.Clone(b))
	return nil
}

func newChannel(
	t *testing.T, cfg dchannel.Config, s dchannel.PacketSender,
) (*dchannel.Channel, *dmetrics.Transport) {
	t.Helper()
	m := new(dmetrics.Transport)
	return dchannel.New(dtest.NewLogger(t), cfg, s, dchannel.NewPool(0, m), m), m
}

func filled(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestChannel_coalescesSmallPayloads(t *testing.T) {
	t.Parallel()

	s := new(recordingSender)
	c, m := newChannel(t, dchannel.Config{QoS: dtransport.Reliable}, s)

	for i := range 3 {
		res, err := c.Send(filled(byte(i), 100))
		require.NoError(t, err)
		require.Equal(t, dchannel.ResultBuffered, res)
	}
	require.Empty(t, s.sent)
	require.Equal(t, 300, c.Buffered())

	fr := c.Flush()
	require.Equal(t, 1, fr.Sent)
	require.Zero(t, fr.Pending)

	require.Len(t, s.sent, 1)
	require.Equal(t, append(append(filled(0, 100), filled(1, 100)...), filled(2, 100)...), s.sent[0])

	snap := m.Snapshot()
	require.Equal(t, int64(1), snap.PacketsSent)
	require.Equal(t, int64(300), snap.BytesSent)
}

func TestChannel_reliableFIFOUnderBackpressure(t *testing.T) {
	t.Parallel()

	s := &recordingSender{blocked: true}
	c, m := newChannel(t, dchannel.Config{
		QoS:           dtransport.Reliable,
		MaxPacketSize: dchannel.MinPacketSize,
	}, s)

	// Each payload fills more than half a packet,
	// so every payload after the first starts a new packet.
	res, err := c.Send(filled(1, 40))
	require.NoError(t, err)
	require.Equal(t, dchannel.ResultBuffered, res)

	res, err = c.Send(filled(2, 40))
	require.NoError(t, err)
	require.Equal(t, dchannel.ResultQueued, res)
	require.Equal(t, 1, c.PendingCount())

	res, err = c.Send(filled(3, 40))
	require.NoError(t, err)
	require.Equal(t, dchannel.ResultQueued, res)
	require.Equal(t, 2, c.PendingCount())

	// Still blocked: nothing moves, and order is preserved.
	fr := c.Flush()
	require.True(t, fr.Backpressure)
	require.Equal(t, 2, fr.Pending)
	require.Empty(t, s.sent)

	s.blocked = false
	fr = c.Flush()
	require.False(t, fr.Backpressure)
	require.Equal(t, 3, fr.Sent)
	require.Zero(t, fr.Pending)

	require.Equal(t, [][]byte{filled(1, 40), filled(2, 40), filled(3, 40)}, s.sent)

	snap := m.Snapshot()
	require.Equal(t, int64(2), snap.PacketsQueued)
	require.Zero(t, snap.PendingPackets)
}

func TestChannel_reliableSendsImmediatelyWhenQueueEmpty(t *testing.T) {
	t.Parallel()

	s := new(recordingSender)
	c, _ := newChannel(t, dchannel.Config{
		QoS:           dtransport.Reliable,
		MaxPacketSize: dchannel.MinPacketSize,
	}, s)

	_, err := c.Send(filled(1, 40))
	require.NoError(t, err)
	res, err := c.Send(filled(2, 40))
	require.NoError(t, err)
	require.Equal(t, dchannel.ResultBuffered, res)

	// The first packet went out as soon as the second payload needed room.
	require.Equal(t, [][]byte{filled(1, 40)}, s.sent)
	require.Zero(t, c.PendingCount())
}

func TestChannel_overflowAndRecovery(t *testing.T) {
	t.Parallel()

	s := &recordingSender{blocked: true}
	c, m := newChannel(t, dchannel.Config{
		QoS:               dtransport.Reliable,
		MaxPacketSize:     dchannel.MinPacketSize,
		MaxPendingPackets: 2,
	}, s)

	for i := range 3 {
		_, err := c.Send(filled(byte(i+1), 40))
		require.NoError(t, err)
	}
	require.Equal(t, 2, c.PendingCount())
	require.False(t, c.IsBroken())

	res, err := c.Send(filled(4, 40))
	require.ErrorIs(t, err, dchannel.ErrChannelOverflow)
	require.Equal(t, dchannel.ResultDropped, res)
	require.True(t, c.IsBroken())

	// Everything is rejected while broken, even a payload that would fit.
	_, err = c.Send([]byte{5})
	require.ErrorIs(t, err, dchannel.ErrChannelOverflow)

	snap := m.Snapshot()
	require.Equal(t, int64(1), snap.Overflows)
	require.Equal(t, int64(1), snap.OverflowRejected)

	s.blocked = false
	c.Flush()
	require.False(t, c.IsBroken())
	require.Zero(t, c.PendingCount())

	// The payloads accepted before the overflow arrive in order;
	// the rejected ones are gone.
	require.Equal(t, [][]byte{filled(1, 40), filled(2, 40), filled(3, 40)}, s.sent)

	res, err = c.Send([]byte{6})
	require.NoError(t, err)
	require.Equal(t, dchannel.ResultBuffered, res)
}

func TestChannel_unreliableDropsOnBackpressure(t *testing.T) {
	t.Parallel()

	s := &recordingSender{blocked: true}
	c, m := newChannel(t, dchannel.Config{
		QoS:           dtransport.Unreliable,
		MaxPacketSize: dchannel.MinPacketSize,
	}, s)

	res, err := c.Send(filled(1, 40))
	require.NoError(t, err)
	require.Equal(t, dchannel.ResultBuffered, res)

	res, err = c.Send(filled(2, 40))
	require.NoError(t, err)
	require.Equal(t, dchannel.ResultDropped, res)

	require.Zero(t, c.PendingCount())
	require.Zero(t, c.Buffered())
	require.False(t, c.IsBroken())
	require.Equal(t, int64(2), m.Snapshot().DroppedUnreliable)

	// Once the transport accepts again, the channel works normally.
	s.blocked = false
	_, err = c.Send(filled(3, 40))
	require.NoError(t, err)
	c.Flush()
	require.Equal(t, [][]byte{filled(3, 40)}, s.sent)
}

func TestChannel_unreliableDropCountsPayloads(t *testing.T) {
	t.Parallel()

	s := &recordingSender{blocked: true}
	c, m := newChannel(t, dchannel.Config{
		QoS:           dtransport.Unreliable,
		MaxPacketSize: dchannel.MinPacketSize,
	}, s)

	for i := range 3 {
		res, err := c.Send(filled(byte(i), 10))
		require.NoError(t, err)
		require.Equal(t, dchannel.ResultBuffered, res)
	}

	// The coalesced packet and the payload that did not fit are both lost.
	res, err := c.Send(filled(9, 40))
	require.NoError(t, err)
	require.Equal(t, dchannel.ResultDropped, res)
	require.Equal(t, int64(4), m.Snapshot().DroppedUnreliable)

	// A flush under backpressure counts each payload once.
	_, err = c.Send(filled(7, 10))
	require.NoError(t, err)
	_, err = c.Send(filled(8, 10))
	require.NoError(t, err)
	c.Flush()
	require.Zero(t, c.Buffered())
	require.Equal(t, int64(6), m.Snapshot().DroppedUnreliable)
	require.Empty(t, s.sent)
}

func TestChannel_hardSendErrorIsNotQueued(t *testing.T) {
	t.Parallel()

	s := &recordingSender{failure: dtransport.ErrorCodeBadMessage}
	c, m := newChannel(t, dchannel.Config{QoS: dtransport.Reliable}, s)

	_, err := c.Send([]byte("hello"))
	require.NoError(t, err)

	fr := c.Flush()
	require.Zero(t, fr.Sent)
	require.Zero(t, fr.Pending)
	require.Zero(t, c.Buffered())
	require.Equal(t, int64(1), m.Snapshot().SendErrors)
}

func TestChannel_sizeLimits(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()

		c, _ := newChannel(t, dchannel.Config{QoS: dtransport.Reliable}, new(recordingSender))
		_, err := c.Send(nil)
		require.ErrorIs(t, err, dchannel.ErrEmptyPayload)
	})

	t.Run("fragmentation not allowed", func(t *testing.T) {
		t.Parallel()

		c, _ := newChannel(t, dchannel.Config{QoS: dtransport.Reliable}, new(recordingSender))
		_, err := c.Send(make([]byte, 2000))
		require.ErrorIs(t, err, dchannel.ErrFragmentationNotAllowed)
	})

	t.Run("too large for any frame", func(t *testing.T) {
		t.Parallel()

		c, _ := newChannel(t, dchannel.Config{QoS: dtransport.Unreliable}, new(recordingSender))
		_, err := c.Send(make([]byte, 65535))
		require.ErrorIs(t, err, dchannel.ErrPayloadTooLarge)
	})

	t.Run("too large to fragment", func(t *testing.T) {
		t.Parallel()

		c, _ := newChannel(t, dchannel.Config{
			QoS:                  dtransport.ReliableSequenced,
			MaxFragmentedPayload: 4096,
		}, new(recordingSender))
		_, err := c.Send(make([]byte, 4097))
		require.ErrorIs(t, err, dchannel.ErrPayloadTooLarge)

		_, err = c.Send(make([]byte, 4096))
		require.NoError(t, err)
	})
}

// reassemble feeds every fragment frame in sent to rc,
// returning each completed payload. Other frames are skipped.
func reassemble(t *testing.T, rc *dchannel.Channel, sent [][]byte) [][]byte {
	t.Helper()

	var out [][]byte
	var r dcodec.Reader
	for _, pkt := range sent {
		p := dcodec.NewFrameParser(pkt)
		for f, ok := p.Next(); ok; f, ok = p.Next() {
			if f.Type != dchannel.MsgTypeFragment {
				continue
			}

			r.Reset(f.Payload)
			done, err := rc.ReceiveFragment(&r)
			require.NoError(t, err)
			if done {
				out = append(out, bytes.Clone(rc.Reassembled()))
			}
		}
		require.NoError(t, p.Err())
	}
	return out
}

func TestChannel_fragmentRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := dchannel.Config{
		QoS:           dtransport.ReliableSequenced,
		MaxPacketSize: 100,
	}

	s := new(recordingSender)
	c, m := newChannel(t, cfg, s)

	data := dtest.RandomDataForTest(t, 1000)
	_, err := c.Send(data)
	require.NoError(t, err)
	c.Flush()

	for _, pkt := range s.sent {
		require.LessOrEqual(t, len(pkt), cfg.MaxPacketSize)
	}

	rc, _ := newChannel(t, cfg, new(recordingSender))
	got := reassemble(t, rc, s.sent)
	require.Len(t, got, 1)
	require.Equal(t, data, got[0])
	require.False(t, rc.IsReassembling())

	// 1000 bytes in chunks of 100-32.
	require.Equal(t, int64(15), m.Snapshot().FragmentsSent)
}

func TestChannel_fragmentLargePayload(t *testing.T) {
	t.Parallel()

	cfg := dchannel.Config{QoS: dtransport.ReliableSequenced}

	s := new(recordingSender)
	c, _ := newChannel(t, cfg, s)

	data := dtest.RandomDataForTest(t, 10*1024*1024)
	_, err := c.Send(data)
	require.NoError(t, err)
	c.Flush()
	require.Zero(t, c.PendingCount())

	rc, rm := newChannel(t, cfg, new(recordingSender))
	got := reassemble(t, rc, s.sent)
	require.Len(t, got, 1)
	require.True(t, bytes.Equal(data, got[0]))
	require.Equal(t, int64(1), rm.Snapshot().FragmentsCompleted)
}

// frame returns a frame of msgType 100 with n bytes in total.
func frame(t *testing.T, b byte, n int) []byte {
	t.Helper()
	f, err := dcodec.AppendFrame(nil, 100, filled(b, n-dcodec.FrameHeaderSize))
	require.NoError(t, err)
	return f
}

func TestChannel_fragmentStreamRejectedWhole(t *testing.T) {
	t.Parallel()

	cfg := dchannel.Config{
		QoS:               dtransport.ReliableSequenced,
		MaxPacketSize:     100,
		MaxPendingPackets: 4,
	}
	s := &recordingSender{blocked: true}
	c, m := newChannel(t, cfg, s)

	_, err := c.Send(frame(t, 1, 60))
	require.NoError(t, err)
	res, err := c.Send(frame(t, 2, 60))
	require.NoError(t, err)
	require.Equal(t, dchannel.ResultQueued, res)
	require.Equal(t, 1, c.PendingCount())

	// Fifteen more packets cannot join a queue of four,
	// so none of the stream is buffered.
	first := dtest.RandomDataForTest(t, 1000)
	_, err = c.Send(first)
	require.ErrorIs(t, err, dchannel.ErrChannelOverflow)
	require.Equal(t, 1, c.PendingCount())
	require.Equal(t, 60, c.Buffered())
	require.False(t, c.IsBroken())
	require.Zero(t, m.Snapshot().FragmentsSent)

	s.blocked = false
	c.Flush()
	require.Zero(t, c.PendingCount())

	second := dtest.RandomDataForTest(t, 300)
	_, err = c.Send(second)
	require.NoError(t, err)
	c.Flush()

	rc, _ := newChannel(t, cfg, new(recordingSender))
	got := reassemble(t, rc, s.sent)
	require.Equal(t, [][]byte{second}, got)
	require.False(t, rc.IsReassembling())
}

func TestChannel_fragmentStreamCommittedUnderBackpressure(t *testing.T) {
	t.Parallel()

	cfg := dchannel.Config{
		QoS:               dtransport.ReliableSequenced,
		MaxPacketSize:     100,
		MaxPendingPackets: 4,
	}
	s := &recordingSender{blocked: true}
	c, _ := newChannel(t, cfg, s)

	// With nothing pending, a stream is accepted whole
	// even when it queues more than MaxPendingPackets.
	first := dtest.RandomDataForTest(t, 1000)
	res, err := c.Send(first)
	require.NoError(t, err)
	require.Equal(t, dchannel.ResultQueued, res)
	require.Greater(t, c.PendingCount(), cfg.MaxPendingPackets)
	require.False(t, c.IsBroken())

	// The next payload needing its own packet overflows.
	_, err = c.Send(frame(t, 3, 90))
	require.ErrorIs(t, err, dchannel.ErrChannelOverflow)
	require.True(t, c.IsBroken())

	s.blocked = false
	c.Flush()
	require.Zero(t, c.PendingCount())
	require.False(t, c.IsBroken())

	second := dtest.RandomDataForTest(t, 300)
	_, err = c.Send(second)
	require.NoError(t, err)
	c.Flush()

	rc, _ := newChannel(t, cfg, new(recordingSender))
	got := reassemble(t, rc, s.sent)
	require.Len(t, got, 2)
	require.Equal(t, first, got[0])
	require.Equal(t, second, got[1])
	require.False(t, rc.IsReassembling())
}

func TestChannel_sendFragmented(t *testing.T) {
	t.Parallel()

	cfg := dchannel.Config{QoS: dtransport.ReliableSequenced, MaxPacketSize: 100}
	s := new(recordingSender)
	c, m := newChannel(t, cfg, s)

	// Small enough for one packet, but still sent as a stream.
	data := filled(5, 40)
	_, err := c.SendFragmented(data)
	require.NoError(t, err)
	c.Flush()
	require.Equal(t, int64(1), m.Snapshot().FragmentsSent)

	rc, _ := newChannel(t, cfg, new(recordingSender))
	require.Equal(t, [][]byte{data}, reassemble(t, rc, s.sent))

	_, err = c.SendFragmented(nil)
	require.ErrorIs(t, err, dchannel.ErrEmptyPayload)

	uc, _ := newChannel(t, dchannel.Config{QoS: dtransport.Reliable}, new(recordingSender))
	_, err = uc.SendFragmented(data)
	require.ErrorIs(t, err, dchannel.ErrFragmentationNotAllowed)
}

func TestChannel_receiveFragmentErrors(t *testing.T) {
	t.Parallel()

	cfg := dchannel.Config{QoS: dtransport.ReliableSequenced}

	t.Run("end without start", func(t *testing.T) {
		t.Parallel()

		rc, _ := newChannel(t, cfg, new(recordingSender))
		_, err := rc.ReceiveFragment(dcodec.NewReader([]byte{1}))
		require.ErrorIs(t, err, dchannel.ErrBadFragment)
	})

	t.Run("unknown marker", func(t *testing.T) {
		t.Parallel()

		rc, _ := newChannel(t, cfg, new(recordingSender))
		_, err := rc.ReceiveFragment(dcodec.NewReader([]byte{0, 2, 0, 'h', 'i'}))
		require.NoError(t, err)
		require.True(t, rc.IsReassembling())

		_, err = rc.ReceiveFragment(dcodec.NewReader([]byte{9}))
		require.ErrorIs(t, err, dchannel.ErrBadFragment)
		require.False(t, rc.IsReassembling())
	})

	t.Run("truncated body", func(t *testing.T) {
		t.Parallel()

		rc, _ := newChannel(t, cfg, new(recordingSender))
		_, err := rc.ReceiveFragment(dcodec.NewReader([]byte{0, 10, 0, 'x'}))
		require.ErrorIs(t, err, dcodec.ErrShortBuffer)
		require.False(t, rc.IsReassembling())
	})
}

func TestChannel_checkInternalBufferDelay(t *testing.T) {
	t.Parallel()

	s := new(recordingSender)
	c, _ := newChannel(t, dchannel.Config{
		QoS:      dtransport.Unreliable,
		MaxDelay: 10 * time.Millisecond,
	}, s)

	t0 := time.Unix(1000, 0)

	// Nothing buffered, nothing sent.
	c.CheckInternalBuffer(t0)
	require.Empty(t, s.sent)

	_, err := c.Send([]byte("a"))
	require.NoError(t, err)
	c.CheckInternalBuffer(t0)
	require.Len(t, s.sent, 1)

	_, err = c.Send([]byte("b"))
	require.NoError(t, err)
	c.CheckInternalBuffer(t0.Add(5 * time.Millisecond))
	require.Len(t, s.sent, 1)

	c.CheckInternalBuffer(t0.Add(10 * time.Millisecond))
	require.Len(t, s.sent, 2)
}

func TestChannel_reset(t *testing.T) {
	t.Parallel()

	s := &recordingSender{blocked: true}
	c, m := newChannel(t, dchannel.Config{
		QoS:               dtransport.ReliableSequenced,
		MaxPacketSize:     dchannel.MinPacketSize,
		MaxPendingPackets: 1,
	}, s)

	for range 3 {
		_, _ = c.Send(filled(1, 40))
	}
	require.True(t, c.IsBroken())

	_, err := c.ReceiveFragment(dcodec.NewReader([]byte{0, 1, 0, 'z'}))
	require.NoError(t, err)

	c.Reset()
	require.False(t, c.IsBroken())
	require.False(t, c.IsReassembling())
	require.Zero(t, c.PendingCount())
	require.Zero(t, c.Buffered())
	require.Zero(t, m.Snapshot().PendingPackets)
}

func TestPool_reusesBuffers(t *testing.T) {
	t.Parallel()

	m := new(dmetrics.Transport)
	pool := dchannel.NewPool(4, m)
	s := &recordingSender{blocked: true}

	c := dchannel.New(dtest.NewLogger(t), dchannel.Config{
		QoS:           dtransport.Reliable,
		MaxPacketSize: dchannel.MinPacketSize,
	}, s, pool, m)

	for i := range 4 {
		_, err := c.Send(filled(byte(i), 40))
		require.NoError(t, err)
	}
	misses := m.Snapshot().PoolMisses

	s.blocked = false
	c.Flush()
	require.Equal(t, 3, pool.Free())

	// Refill the queue; the new packets come from the free list.
	s.blocked = true
	for i := range 4 {
		_, err := c.Send(filled(byte(i), 40))
		require.NoError(t, err)
	}
	require.Equal(t, misses, m.Snapshot().PoolMisses)
	require.Equal(t, int64(3), m.Snapshot().PoolHits)
}
