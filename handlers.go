package drift

import (
	"slices"

	"github.com/gordian-engine/drift/dcodec"
)

// Message is a received message passed to a [Handler].
type Message struct {
	Type      uint16
	ChannelID uint8

	Conn *Connection

	// The message body. It aliases the receive buffer
	// and must not be retained after the handler returns.
	Payload []byte

	// A reader positioned at the start of Payload.
	// Each handler gets its own.
	Reader dcodec.Reader
}

// Handler processes one received message.
type Handler func(*Message)

// HandlerID identifies one registration of a [Handler].
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// handlerTable maps message types to handler lists.
//
// Lists are never modified in place,
// so a dispatch loop may keep iterating a list
// while one of its handlers registers or unregisters another.
type handlerTable struct {
	next   HandlerID
	byType map[uint16][]handlerEntry
}

func newHandlerTable() *handlerTable {
	return &handlerTable{byType: make(map[uint16][]handlerEntry)}
}

func (t *handlerTable) register(msgType uint16, fn Handler) HandlerID {
	if fn == nil {
		panic("BUG: cannot register nil handler")
	}
	t.next++
	id := t.next

	hs := t.byType[msgType]
	t.byType[msgType] = append(slices.Clip(hs), handlerEntry{id: id, fn: fn})
	return id
}

// unregister removes exactly one registration.
// It reports whether id was registered for msgType.
func (t *handlerTable) unregister(msgType uint16, id HandlerID) bool {
	hs := t.byType[msgType]
	i := slices.IndexFunc(hs, func(e handlerEntry) bool { return e.id == id })
	if i < 0 {
		return false
	}

	if len(hs) == 1 {
		delete(t.byType, msgType)
		return true
	}

	t.byType[msgType] = slices.Delete(slices.Clone(hs), i, i+1)
	return true
}

func (t *handlerTable) get(msgType uint16) []handlerEntry {
	return t.byType[msgType]
}

// clone returns an independent copy of t.
// The handler lists themselves are shared, which is safe
// because lists are replaced rather than modified.
func (t *handlerTable) clone() *handlerTable {
	c := &handlerTable{
		next:   t.next,
		byType: make(map[uint16][]handlerEntry, len(t.byType)),
	}
	for k, v := range t.byType {
		c.byType[k] = v
	}
	return c
}
