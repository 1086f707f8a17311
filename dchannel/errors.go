package dchannel

import "errors"

var (
	// ErrPayloadTooLarge is returned for payloads that no packet or
	// fragment sequence on the channel can carry.
	ErrPayloadTooLarge = errors.New("dchannel: payload too large")

	// ErrFragmentationNotAllowed is returned for payloads larger than
	// one packet on a channel that is not reliable and sequenced.
	ErrFragmentationNotAllowed = errors.New("dchannel: fragmentation not allowed on channel")

	// ErrChannelOverflow is returned while a reliable channel's
	// pending queue is full or has not yet drained below half capacity.
	// The payload was not sent and will not be sent.
	ErrChannelOverflow = errors.New("dchannel: reliable channel overflow")

	// ErrEmptyPayload is returned when sending zero bytes.
	ErrEmptyPayload = errors.New("dchannel: empty payload")

	// ErrBadFragment is returned from [*Channel.ReceiveFragment]
	// for fragment frames that cannot be part of a valid stream.
	ErrBadFragment = errors.New("dchannel: malformed fragment")
)
