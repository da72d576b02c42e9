// Package blipmsg represents a single BLIP message on either side of a
// connection — MessageOut for what BLIPIO is sending, MessageIn for what it
// is assembling from the peer — and the framing algorithms that move bytes
// between a message and the wire (spec §4.5, §4.6).
//
// Grounded on strandapi's Envelope/Frame split (a logical message paired
// with the wire chunks it is sent or received as) generalized from
// strandapi's single-shot request/reply to BLIP's streamed, fragmentable
// messages. MessageIn's across-frames accumulation is grounded on
// atframework-atsf4g-go's libatbus-go/buffer.BufferManager, which
// accumulates a stream into a dynamic buffer against a byte budget the
// same way MessageIn accumulates frames against its ack threshold;
// strandapi's own protocol package only ever encodes/decodes one
// complete in-memory payload at a time, with nothing comparable.
package blipmsg

// MessageType is the low 3 bits of FrameFlags (spec §3).
type MessageType uint8

const (
	TypeRequest MessageType = iota
	TypeResponse
	TypeError
	TypeAckRequest
	TypeAckResponse
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "Request"
	case TypeResponse:
		return "Response"
	case TypeError:
		return "Error"
	case TypeAckRequest:
		return "AckRequest"
	case TypeAckResponse:
		return "AckResponse"
	default:
		return "Unknown"
	}
}

// FrameFlags is the full 8-bit flags byte: low 3 bits are MessageType, the
// rest are independent bits (spec §3).
type FrameFlags uint8

const (
	flagTypeMask = 0x07

	FlagCompressed FrameFlags = 0x08
	FlagUrgent     FrameFlags = 0x10
	FlagNoReply    FrameFlags = 0x20
	FlagMoreComing FrameFlags = 0x40
)

// Type extracts the MessageType bits.
func (f FrameFlags) Type() MessageType { return MessageType(f & flagTypeMask) }

// WithType returns f with its type bits replaced by t.
func (f FrameFlags) WithType(t MessageType) FrameFlags {
	return (f &^ flagTypeMask) | FrameFlags(t)
}

func (f FrameFlags) Compressed() bool  { return f&FlagCompressed != 0 }
func (f FrameFlags) Urgent() bool      { return f&FlagUrgent != 0 }
func (f FrameFlags) NoReply() bool     { return f&FlagNoReply != 0 }
func (f FrameFlags) MoreComing() bool  { return f&FlagMoreComing != 0 }

// ProgressState is the sequence of states a message passes through, per
// spec §5: a monotone prefix of (Queued, Sending*, AwaitingReply,
// ReceivingReply*, Complete), optionally truncated and extended by
// Disconnected.
type ProgressState int

const (
	Queued ProgressState = iota
	Sending
	AwaitingReply
	ReceivingReply
	Complete
	Disconnected
)

func (p ProgressState) String() string {
	switch p {
	case Queued:
		return "Queued"
	case Sending:
		return "Sending"
	case AwaitingReply:
		return "AwaitingReply"
	case ReceivingReply:
		return "ReceivingReply"
	case Complete:
		return "Complete"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Progress is delivered to a message's progress callback.
type Progress struct {
	State ProgressState
	Reply *MessageIn // not set by pkg/blip; a Request's reply reaches the ReplyFunc given to SendRequest instead
}

// ackThreshold and maxFrameSize are the control-flow constants of spec §6.
const (
	AckThreshold = 50000
	MaxFrameSize = 16 * 1024

	// refillSize is the chunk size MessageOut reads from a streaming data
	// source at a time (spec §4.5 step 3: "16 KiB refill buffer").
	refillSize = 16 * 1024

	// minFrameFill is the "≥1024 bytes free" threshold spec §4.5 step 3
	// uses to decide whether to pull another slice into the current frame.
	minFrameFill = 1024

	// checksumSize is the trailing CRC32 on every frame (spec §3, §6).
	checksumSize = 4
)
