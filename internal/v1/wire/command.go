package wire

import "sync/atomic"

// HeaderSize is the fixed on-wire size of a Command header:
// u64 payload length, u32 command id, u16 message type.
const HeaderSize = 8 + 4 + 2

// MaxPayloadSize bounds a single frame. Anything larger is treated as a
// framing error rather than an allocation request.
const MaxPayloadSize = 256 * 1024 * 1024

var nextCommandID atomic.Uint32

// Command is one framed protocol message. Commands are immutable once
// constructed; the same *Command is safely shared between a room log and
// every member's outbound queue.
type Command struct {
	Type MessageType
	Data []byte
	ID   uint32
}

// NewCommand builds a locally originated Command with a fresh id.
func NewCommand(t MessageType, data []byte) *Command {
	return &Command{Type: t, Data: data, ID: nextCommandID.Add(1)}
}

// ByteSize returns the full on-wire size of the command, header included.
func (c *Command) ByteSize() int {
	return HeaderSize + len(c.Data)
}
