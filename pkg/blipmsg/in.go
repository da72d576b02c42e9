package blipmsg

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/strand-protocol/blip/pkg/blipcrc"
	"github.com/strand-protocol/blip/pkg/properties"
	"github.com/strand-protocol/blip/pkg/varint"
)

// Disposition is what ReceivedFrame tells its caller about the frame it
// just consumed (spec §4.6).
type Disposition int

const (
	// Other: the message is still being assembled; no action needed beyond
	// whatever the caller already does with a partial MessageIn.
	Other Disposition = iota
	// Beginning: this frame completed the properties block for the first
	// time; the message is now available for inspection (though the body
	// may still be arriving).
	Beginning
	// End: MoreComing was cleared; the message is complete.
	End
)

// ErrAlreadyResponded is returned by MarkResponded when respond() has
// already been called once for this request (spec §4.6, §7 UsageError).
var ErrAlreadyResponded = errors.New("blipmsg: message already responded to")

// MessageIn assembles an incoming message across one or more frames,
// tracking properties, body, and the ack-threshold flow-control counter
// (spec §4.6).
type MessageIn struct {
	Number uint64
	Flags  FrameFlags

	buf              bytes.Buffer
	propsKnown       bool
	propsSize        int
	props            properties.Properties
	bodyStart        int
	haveFirstFrame   bool

	rawBytesReceived int64
	unackedBytes     int64

	complete  bool
	responded bool
}

// NewIncoming creates an empty MessageIn for number. BLIPIO creates one on
// the first frame of each incoming request or response and feeds every
// frame, that first one included, through ReceivedFrame.
func NewIncoming(number uint64) *MessageIn {
	return &MessageIn{Number: number}
}

// ReceivedFrame feeds one frame's wire payload (codec output followed by
// the 4-byte checksum trailer) through the receive codec, accumulating
// properties and body (spec §4.6).
func (m *MessageIn) ReceivedFrame(codec *blipcrc.RecvCodec, payload []byte, flags FrameFlags) (Disposition, error) {
	if len(payload) < checksumSize {
		return Other, fmt.Errorf("blipmsg: frame shorter than checksum trailer")
	}
	body := payload[:len(payload)-checksumSize]
	var tail [checksumSize]byte
	copy(tail[:], payload[len(payload)-checksumSize:])

	if !m.haveFirstFrame {
		m.Flags = flags
		m.haveFirstFrame = true
	}

	if err := codec.Read(body, &m.buf, flags.Compressed()); err != nil {
		return Other, fmt.Errorf("blipmsg: codec read: %w", err)
	}
	if err := codec.ReadChecksum(tail); err != nil {
		return Other, err
	}

	m.rawBytesReceived += int64(len(payload))
	m.unackedBytes += int64(len(payload))

	disposition := Other
	if !m.propsKnown {
		if newlyKnown := m.tryParseProperties(); newlyKnown {
			disposition = Beginning
		}
	}

	if !flags.MoreComing() {
		// End takes precedence over Beginning when both complete on the
		// same frame.
		m.complete = true
		disposition = End
	}

	return disposition, nil
}

func (m *MessageIn) tryParseProperties() bool {
	data := m.buf.Bytes()
	if !m.propsKnown {
		size, n, err := varint.Read(data)
		if err != nil {
			return false // not enough bytes yet for even the length varint
		}
		if len(data) < n+int(size) {
			return false // properties block still incomplete
		}
		props, consumed, perr := properties.Parse(data[:n+int(size)])
		if perr != nil {
			return false
		}
		m.props = props
		m.propsSize = consumed
		m.bodyStart = consumed
		m.propsKnown = true
		return true
	}
	return false
}

// Complete reports whether MoreComing has been cleared.
func (m *MessageIn) Complete() bool { return m.complete }

// RawBytesReceived is the cumulative wire byte count used when building an
// outgoing Ack frame.
func (m *MessageIn) RawBytesReceived() int64 { return m.rawBytesReceived }

// NeedsAck reports whether unackedBytes has crossed ackThreshold and
// resets the counter, per spec §4.6 step 5. The caller is responsible for
// actually sending the Ack frame.
func (m *MessageIn) NeedsAck() bool {
	if m.unackedBytes > AckThreshold {
		m.unackedBytes = 0
		return true
	}
	return false
}

// Properties returns the parsed properties block. Valid once propsKnown
// (i.e. after a Beginning or End disposition).
func (m *MessageIn) Properties() properties.Properties { return m.props }

// Body returns the accumulated body bytes (everything after the
// properties block). Only meaningful once Complete returns true; a
// partial message's body may still be growing.
func (m *MessageIn) Body() []byte {
	if !m.propsKnown {
		return nil
	}
	return m.buf.Bytes()[m.bodyStart:]
}

// Property is a convenience linear-scan accessor (spec §4.6).
func (m *MessageIn) Property(key string) string {
	v, _ := m.props.Get(key)
	return v
}

// Profile returns the reserved "Profile" property.
func (m *MessageIn) Profile() string { return m.props.Profile() }

// IsError reports whether this message arrived as an Error-type reply.
func (m *MessageIn) IsError() bool { return m.Flags.Type() == TypeError }

// MarkResponded transitions a request into "responded" state exactly
// once; a second call surfaces ErrAlreadyResponded without disturbing the
// connection (spec §7 UsageError).
func (m *MessageIn) MarkResponded() error {
	if m.Flags.NoReply() {
		return fmt.Errorf("blipmsg: cannot respond to a NoReply message")
	}
	if !m.complete {
		return fmt.Errorf("blipmsg: cannot respond before message is complete")
	}
	if m.responded {
		return ErrAlreadyResponded
	}
	m.responded = true
	return nil
}
