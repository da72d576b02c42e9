package blip

import (
	"errors"

	"go.uber.org/zap"

	"github.com/strand-protocol/blip/pkg/blipcrc"
	"github.com/strand-protocol/blip/pkg/blipmsg"
	"github.com/strand-protocol/blip/pkg/blipws"
	"github.com/strand-protocol/blip/pkg/varint"
)

// handleIncomingFrame implements spec §4.7's "Incoming dispatch": parse
// the frame header, route to an ACK handler or to the matching MessageIn,
// and act on its disposition.
func (e *Engine) handleIncomingFrame(data []byte) {
	if e.closed {
		return
	}

	number, flagsRaw, rest, err := parseFrameHeader(data)
	if err != nil {
		e.fatal(KindProtocolError, "malformed frame header", err)
		return
	}
	flags := blipmsg.FrameFlags(flagsRaw)

	switch flags.Type() {
	case blipmsg.TypeAckRequest:
		e.handleAck(number, blipmsg.TypeRequest, rest)
	case blipmsg.TypeAckResponse:
		e.handleAck(number, blipmsg.TypeResponse, rest)
	case blipmsg.TypeRequest:
		e.handleDataFrame(e.incomingRequests, number, flags, rest)
	case blipmsg.TypeResponse, blipmsg.TypeError:
		if _, pending := e.pendingResponses[number]; !pending {
			if _, assembling := e.incomingResponses[number]; !assembling {
				e.fatal(KindProtocolError, "response for unknown request number", nil)
				return
			}
		}
		e.handleDataFrame(e.incomingResponses, number, flags, rest)
	default:
		e.fatal(KindProtocolError, "reserved frame type bits set", nil)
	}
}

func parseFrameHeader(data []byte) (number uint64, flags uint64, rest []byte, err error) {
	r := varint.NewReader(data)
	number, err = r.ReadVarint()
	if err != nil {
		return 0, 0, nil, err
	}
	flags, err = r.ReadVarint()
	if err != nil {
		return 0, 0, nil, err
	}
	return number, flags, r.Bytes(), nil
}

func (e *Engine) handleAck(number uint64, ackedType blipmsg.MessageType, payload []byte) {
	n, _, err := varint.Read(payload)
	if err != nil {
		e.fatal(KindProtocolError, "malformed ack payload", err)
		return
	}
	if e.metrics != nil {
		e.metrics.AckReceived()
	}
	if entry := e.findOutgoing(number, ackedType); entry != nil {
		entry.msg.ReceivedAck(n)
	}
}

func (e *Engine) findOutgoing(number uint64, wantType blipmsg.MessageType) *outgoingEntry {
	for el := e.urgent.Front(); el != nil; el = el.Next() {
		if entry := el.Value.(*outgoingEntry); entry.msg.Number == number && entry.msg.Flags.Type() == wantType {
			return entry
		}
	}
	for el := e.normal.Front(); el != nil; el = el.Next() {
		if entry := el.Value.(*outgoingEntry); entry.msg.Number == number && entry.msg.Flags.Type() == wantType {
			return entry
		}
	}
	return nil
}

// handleDataFrame assembles one frame into the MessageIn keyed by number
// in table, creating it on first sight, and reacts to its disposition.
func (e *Engine) handleDataFrame(table map[uint64]*blipmsg.MessageIn, number uint64, flags blipmsg.FrameFlags, payload []byte) {
	msgIn, ok := table[number]
	if !ok {
		msgIn = blipmsg.NewIncoming(number)
		table[number] = msgIn
		if e.metrics != nil {
			e.metrics.IncomingStarted()
		}
	}

	disposition, err := msgIn.ReceivedFrame(e.recvCodec, payload, flags)
	if e.metrics != nil {
		e.metrics.FrameReceived(len(payload)+headerReserve(number, flags), len(payload))
	}
	if err != nil {
		delete(table, number)
		if e.metrics != nil {
			e.metrics.IncomingFinished()
		}
		if errors.Is(err, blipcrc.ErrChecksumMismatch) {
			if e.metrics != nil {
				e.metrics.ChecksumError()
			}
			e.fatal(KindChecksumMismatch, "checksum mismatch", err)
		} else {
			e.fatal(KindCompressionError, "inflate failure", err)
		}
		return
	}

	if msgIn.NeedsAck() {
		e.sendAckFor(msgIn, flags.Type())
	}

	if disposition != blipmsg.End {
		return
	}

	delete(table, number)
	if e.metrics != nil {
		e.metrics.IncomingFinished()
	}

	switch flags.Type() {
	case blipmsg.TypeRequest:
		if e.delegate != nil {
			e.delegate.OnRequestReceived(msgIn)
		}
	case blipmsg.TypeResponse, blipmsg.TypeError:
		if pr, ok := e.pendingResponses[number]; ok {
			delete(e.pendingResponses, number)
			pr.provider.Resolve(Reply{Msg: msgIn})
		}
		if e.delegate != nil {
			e.delegate.OnResponseReceived(msgIn)
		}
	}
}

// sendAckFor enqueues a control message carrying msgIn's cumulative raw
// byte count (spec §4.6 step 5). Acks are scheduled urgently: they are
// small and their only job is to unblock the peer's flow-control window.
func (e *Engine) sendAckFor(msgIn *blipmsg.MessageIn, originalType blipmsg.MessageType) {
	ackType := blipmsg.TypeAckResponse
	if originalType == blipmsg.TypeRequest {
		ackType = blipmsg.TypeAckRequest
	}
	ack := blipmsg.NewAck(msgIn.Number, ackType, uint64(msgIn.RawBytesReceived()))
	e.urgent.PushBack(&outgoingEntry{msg: ack})
	e.scheduleMore()
}

// handleTransportClosed implements the "Remote close" half of spec
// §4.7's close handshake: fail every in-flight and pending message with
// Disconnected, then forward the close status to the application.
func (e *Engine) handleTransportClosed(status blipws.CloseStatus) {
	if e.closed {
		return
	}
	e.closed = true

	for el := e.urgent.Front(); el != nil; el = el.Next() {
		el.Value.(*outgoingEntry).msg.Emit(blipmsg.Progress{State: blipmsg.Disconnected})
	}
	for el := e.normal.Front(); el != nil; el = el.Next() {
		el.Value.(*outgoingEntry).msg.Emit(blipmsg.Progress{State: blipmsg.Disconnected})
	}
	e.urgent.Init()
	e.normal.Init()
	e.normalCursor = nil

	for number, pr := range e.pendingResponses {
		delete(e.pendingResponses, number)
		pr.provider.Resolve(Reply{Err: newError(KindTransportError, "connection closed", status.Err)})
	}

	if e.delegate != nil {
		e.delegate.OnClose(status)
	}
}

// fatal converts a connection-fatal error into the normal close path so
// that exactly one onClose is delivered (spec §7).
func (e *Engine) fatal(kind ErrorKind, msg string, cause error) {
	if e.closing || e.closed {
		return
	}
	e.closing = true
	e.log.Error("blip: connection-fatal error", append(logFields(kind, msg, cause), zap.String("conn_id", e.id))...)
	if e.sock != nil {
		e.sock.Close(closeCodeForKind(kind), msg)
	}
}
