package dquictest

import (
	"sync/atomic"

	"github.com/gordian-engine/drift/dquic"
)

// DatagramDropper wraps a [dquic.Conn]
// and turns SendDatagram into a no-op while Drop is set.
//
// This is useful for tests that need to simulate
// datagrams that do not reach the destination.
type DatagramDropper struct {
	dquic.Conn

	Drop *atomic.Bool
}

func (d DatagramDropper) SendDatagram(b []byte) error {
	if d.Drop.Load() {
		return nil
	}
	return d.Conn.SendDatagram(b)
}

// DropDatagrams returns a [dquic.Config.WrapConn] hook
// wrapping every connection in a [DatagramDropper] controlled by drop.
func DropDatagrams(drop *atomic.Bool) func(dquic.Conn) dquic.Conn {
	return func(c dquic.Conn) dquic.Conn {
		return DatagramDropper{Conn: c, Drop: drop}
	}
}
