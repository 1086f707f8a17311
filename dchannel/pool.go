package dchannel

import "github.com/gordian-engine/drift/dmetrics"

// DefaultMaxFreePackets bounds the free list of a [Pool].
const DefaultMaxFreePackets = 512

// packet is one outgoing transport payload under construction.
type packet struct {
	buf []byte

	// Number of payloads appended to buf.
	payloads int
}

func (p *packet) add(b []byte) {
	p.buf = append(p.buf, b...)
	p.payloads++
}

func (p *packet) hasSpace(n int, maxSize int) bool {
	return len(p.buf)+n <= maxSize
}

func (p *packet) empty() bool { return len(p.buf) == 0 }

func (p *packet) reset() {
	p.buf = p.buf[:0]
	p.payloads = 0
}

// Pool is a free list of packet buffers.
//
// A Pool belongs to one owner (usually one connection and its channels)
// and is only used from that owner's tick;
// it is not safe for concurrent use.
type Pool struct {
	free    []*packet
	maxFree int

	metrics *dmetrics.Transport
}

// NewPool returns a Pool retaining at most maxFree buffers.
// A zero maxFree uses [DefaultMaxFreePackets].
func NewPool(maxFree int, m *dmetrics.Transport) *Pool {
	if maxFree <= 0 {
		maxFree = DefaultMaxFreePackets
	}
	if m == nil {
		m = new(dmetrics.Transport)
	}
	return &Pool{maxFree: maxFree, metrics: m}
}

// get returns an empty packet able to hold sz bytes without growing.
func (p *Pool) get(sz int) *packet {
	// Newest buffers first; they are most likely still in cache.
	for i := len(p.free) - 1; i >= 0; i-- {
		pk := p.free[i]
		if cap(pk.buf) < sz {
			continue
		}
		last := len(p.free) - 1
		p.free[i] = p.free[last]
		p.free[last] = nil
		p.free = p.free[:last]

		p.metrics.PoolHits.Add(1)
		pk.reset()
		return pk
	}

	p.metrics.PoolMisses.Add(1)
	return &packet{buf: make([]byte, 0, sz)}
}

// put returns pk to the free list.
func (p *Pool) put(pk *packet) {
	if len(p.free) >= p.maxFree {
		return
	}
	pk.reset()
	p.free = append(p.free, pk)
}

// Free reports how many buffers are on the free list.
func (p *Pool) Free() int { return len(p.free) }
