package drift

import "github.com/gordian-engine/drift/dchannel"

// Reserved message types.
// Application messages use types above [MsgTypeHighest].
const (
	// Carries one piece of a fragmented message.
	MsgTypeFragment = dchannel.MsgTypeFragment

	// Sent by a client when it is ready to receive game traffic.
	MsgTypeReady uint16 = 35

	// Sent by a client to stop receiving game traffic.
	MsgTypeNotReady uint16 = 36

	// Carries a snappy-compressed unframed message.
	MsgTypeCompressed uint16 = 46

	MsgTypeHighest uint16 = 47
)

// MsgTypeMovement is the default message type of movement updates.
const MsgTypeMovement = MsgTypeHighest + 1
