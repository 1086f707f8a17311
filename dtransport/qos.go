package dtransport

import "fmt"

// QoS is the quality-of-service class of one channel.
type QoS uint8

const (
	// Unreliable datagrams may be lost, duplicated, or reordered.
	Unreliable QoS = iota

	// UnreliableSequenced datagrams may be lost,
	// but stale ones are dropped instead of delivered out of order.
	UnreliableSequenced

	// Reliable messages are delivered, in any order.
	Reliable

	// ReliableSequenced messages are delivered in send order.
	// It is the only class that permits fragmentation.
	ReliableSequenced
)

// IsReliable reports whether the substrate guarantees delivery.
func (q QoS) IsReliable() bool {
	return q == Reliable || q == ReliableSequenced
}

// AllowsFragmentation reports whether payloads larger than one packet
// may be split across several packets on this class.
// Reassembly depends on every fragment arriving in order.
func (q QoS) AllowsFragmentation() bool {
	return q == ReliableSequenced
}

func (q QoS) String() string {
	switch q {
	case Unreliable:
		return "unreliable"
	case UnreliableSequenced:
		return "unreliable_sequenced"
	case Reliable:
		return "reliable"
	case ReliableSequenced:
		return "reliable_sequenced"
	default:
		return fmt.Sprintf("QoS(%d)", uint8(q))
	}
}

// ParseQoS parses the names produced by [QoS.String].
// "reliable_fragmented" is accepted as an alias of reliable_sequenced.
func ParseQoS(s string) (QoS, error) {
	switch s {
	case "unreliable":
		return Unreliable, nil
	case "unreliable_sequenced":
		return UnreliableSequenced, nil
	case "reliable":
		return Reliable, nil
	case "reliable_sequenced", "reliable_fragmented":
		return ReliableSequenced, nil
	default:
		return 0, fmt.Errorf("unknown QoS %q", s)
	}
}
