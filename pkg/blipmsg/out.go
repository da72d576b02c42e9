package blipmsg

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/strand-protocol/blip/pkg/blipcrc"
	"github.com/strand-protocol/blip/pkg/varint"
)

// ErrDataSourceFailed is surfaced (wrapped) from NextFrameToSend when a
// streaming data source reports an error. Per spec §9 this is
// connection-fatal: the caller must close the connection and let the
// in-flight message observe Disconnected, not silently truncate the body.
var ErrDataSourceFailed = errors.New("blipmsg: data source read failed")

// MessageOut is an outgoing message: a contiguous payload (properties
// followed by body) optionally extended by a streaming data source pulled
// lazily as frames are produced (spec §4.5).
type MessageOut struct {
	Number uint64
	Flags  FrameFlags

	payload    []byte
	cursor     int
	dataSource io.Reader
	sourceDone bool
	refillBuf  []byte

	uncompressedBytesSent int64
	bytesSent             int64
	unackedBytes          int64

	isAck        bool
	ackByteCount uint64

	awaitingReply bool // true for a Request with NoReply=false
	terminal      bool

	OnProgress func(Progress)
}

// NewOutgoing builds a MessageOut carrying number, flags, a prebuilt
// properties+body payload, and an optional streaming continuation.
func NewOutgoing(number uint64, flags FrameFlags, payload []byte, dataSource io.Reader) *MessageOut {
	return &MessageOut{
		Number:        number,
		Flags:         flags,
		payload:       payload,
		dataSource:    dataSource,
		sourceDone:    dataSource == nil,
		awaitingReply: flags.Type() == TypeRequest && !flags.NoReply(),
	}
}

// NewAck builds the tiny control message used for AckRequest/AckResponse
// frames: a single varint byte count, no codec, no checksum (spec §4.5
// step 1, §4.7).
func NewAck(number uint64, ackType MessageType, byteCount uint64) *MessageOut {
	return &MessageOut{
		Number:       number,
		Flags:        FrameFlags(0).WithType(ackType),
		isAck:        true,
		ackByteCount: byteCount,
	}
}

// Done reports whether every byte (payload + data source, if any) has been
// handed to the codec.
func (m *MessageOut) Done() bool {
	return m.cursor >= len(m.payload) && m.sourceDone
}

// NextFrameToSend fills a frame's payload (codec output plus trailing
// checksum) up to maxSize bytes total and reports the flags to send with
// it and the resulting progress state. It never blocks (spec §4.5:
// "MessageOut never blocks").
func (m *MessageOut) NextFrameToSend(codec *blipcrc.SendCodec, maxSize int) ([]byte, FrameFlags, ProgressState, error) {
	if m.isAck {
		buf := varint.Append(nil, m.ackByteCount)
		m.bytesSent += int64(len(buf))
		m.terminal = true
		return buf, m.Flags, Complete, nil
	}

	var dst bytes.Buffer
	budget := maxSize - checksumSize
	mode := blipcrc.Raw
	if m.Flags.Compressed() {
		mode = blipcrc.SyncFlush
	}

	for dst.Len() < budget-minFrameFill {
		chunk, err := m.nextChunk(budget - dst.Len())
		if err != nil {
			return nil, 0, Disconnected, err
		}
		if len(chunk) == 0 {
			break
		}
		if mode == blipcrc.SyncFlush && dst.Len() > 0 {
			// Restore the sentinel Write stripped from the previous chunk;
			// only the frame's final one stays stripped.
			dst.Write([]byte{0x00, 0x00, 0xff, 0xff})
		}
		if err := codec.Write(chunk, &dst, mode); err != nil {
			return nil, 0, Disconnected, fmt.Errorf("blipmsg: codec write: %w", err)
		}
		m.uncompressedBytesSent += int64(len(chunk))
	}

	codec.WriteChecksum(&dst)

	out := dst.Bytes()
	m.bytesSent += int64(len(out))
	m.unackedBytes += int64(len(out))

	frameFlags := m.Flags
	state := Sending
	if !m.Done() {
		frameFlags |= FlagMoreComing
	} else {
		m.terminal = true
		switch {
		case m.Flags.NoReply():
			state = Complete
		case m.awaitingReply:
			state = AwaitingReply
		default:
			state = Complete
		}
	}

	return out, frameFlags, state, nil
}

// nextChunk pulls up to max bytes: first from the buffered payload, then
// from the streaming data source via a 16 KiB refill buffer (spec §4.5
// step 3).
func (m *MessageOut) nextChunk(max int) ([]byte, error) {
	if m.cursor < len(m.payload) {
		end := m.cursor + max
		if end > len(m.payload) {
			end = len(m.payload)
		}
		chunk := m.payload[m.cursor:end]
		m.cursor = end
		return chunk, nil
	}

	if m.sourceDone {
		return nil, nil
	}

	want := max
	if want > refillSize {
		want = refillSize
	}
	if want <= 0 {
		return nil, nil
	}
	if cap(m.refillBuf) < want {
		m.refillBuf = make([]byte, want)
	}
	buf := m.refillBuf[:want]

	n, err := m.dataSource.Read(buf)
	if n < 0 {
		return nil, fmt.Errorf("%w: negative read count", ErrDataSourceFailed)
	}
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrDataSourceFailed, err)
	}
	if err == io.EOF || n == 0 {
		m.sourceDone = true
	}
	return buf[:n], nil
}

// ReceivedAck reduces unackedBytes in response to a peer ACK carrying a
// cumulative received count n (spec §4.5: "reduce unackedBytes to
// min(current, bytesSent - n)").
func (m *MessageOut) ReceivedAck(n uint64) {
	remaining := m.bytesSent - int64(n)
	if remaining < 0 {
		remaining = 0
	}
	if remaining < m.unackedBytes {
		m.unackedBytes = remaining
	}
}

// UnackedBytes reports the current flow-control window usage.
func (m *MessageOut) UnackedBytes() int64 { return m.unackedBytes }

// Emit invokes the progress callback if one is set.
func (m *MessageOut) Emit(p Progress) {
	if m.OnProgress != nil {
		m.OnProgress(p)
	}
}

// AwaitingReply reports whether this message, once fully sent, moves into
// BLIPIO's pendingResponses table rather than being released outright.
func (m *MessageOut) AwaitingReply() bool { return m.awaitingReply }

// IsAck reports whether this is an AckRequest/AckResponse control message.
func (m *MessageOut) IsAck() bool { return m.isAck }
