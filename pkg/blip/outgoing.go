package blip

import (
	"github.com/strand-protocol/blip/pkg/blipmsg"
	"github.com/strand-protocol/blip/pkg/varint"
)

// scheduleMore drains the outbox one frame at a time until it is empty,
// the socket signals back-pressure, or the connection is closing (spec
// §4.7 "Outgoing scheduling").
func (e *Engine) scheduleMore() {
	if e.sock == nil || e.paused || e.closed {
		return
	}
	for {
		entry, fromUrgent := e.pickNext()
		if entry == nil {
			return
		}
		if !e.sendOneFrame(entry, fromUrgent) {
			e.paused = true
			return // back-pressure: wait for OnWriteable
		}
	}
}

// pickNext implements the priority rule of spec §4.7: urgent messages are
// served every round (strict FIFO among themselves); only when urgent is
// empty does the normal class round-robin one frame at a time among its
// in-flight messages so a long message cannot starve a short one queued
// after it.
func (e *Engine) pickNext() (*outgoingEntry, bool) {
	if front := e.urgent.Front(); front != nil {
		return front.Value.(*outgoingEntry), true
	}
	if e.normal.Len() == 0 {
		return nil, false
	}
	if e.normalCursor == nil {
		e.normalCursor = e.normal.Front()
	}
	return e.normalCursor.Value.(*outgoingEntry), false
}

// sendOneFrame pulls one frame from entry's message and hands it to the
// socket. Returns false if the socket reports back-pressure.
func (e *Engine) sendOneFrame(entry *outgoingEntry, fromUrgent bool) bool {
	msg := entry.msg

	maxPayload := blipmsg.MaxFrameSize - headerReserve(msg.Number, msg.Flags)
	frame, flags, state, err := msg.NextFrameToSend(e.sendCodec, maxPayload)
	if err != nil {
		e.fatal(KindTransportError, "streaming data source failed", err)
		return false
	}

	wireFrame := frameHeader(msg.Number, flags, frame)
	ok := e.sock.Send(wireFrame, true)

	if e.metrics != nil {
		e.metrics.FrameSent(len(wireFrame), len(frame))
		if msg.IsAck() {
			e.metrics.AckSent()
		}
	}

	done := msg.Done() || msg.IsAck()
	if done {
		e.removeFromOutbox(fromUrgent)
		e.finalizeOutgoing(entry, state)
	} else if !fromUrgent {
		e.advanceNormalCursor()
	}

	return ok
}

// removeFromOutbox removes the just-served entry from whichever class it
// belonged to.
func (e *Engine) removeFromOutbox(fromUrgent bool) {
	if fromUrgent {
		e.urgent.Remove(e.urgent.Front())
		return
	}
	cur := e.normalCursor
	e.advanceNormalCursor()
	e.normal.Remove(cur)
}

// advanceNormalCursor moves the round-robin cursor to the next in-flight
// normal message, wrapping to the front.
func (e *Engine) advanceNormalCursor() {
	if e.normalCursor == nil {
		return
	}
	next := e.normalCursor.Next()
	if next == nil {
		next = e.normal.Front()
	}
	if next == e.normalCursor {
		next = nil // single-element list about to be removed
	}
	e.normalCursor = next
}

// finalizeOutgoing handles step 5 of spec §4.7's outgoing scheduling: a
// fully-sent Request (expecting a reply) moves into pendingResponses; a
// Response/Error/Ack is simply released.
func (e *Engine) finalizeOutgoing(entry *outgoingEntry, state blipmsg.ProgressState) {
	msg := entry.msg
	msg.Emit(blipmsg.Progress{State: state})

	if entry.provider != nil && msg.AwaitingReply() {
		e.pendingResponses[msg.Number] = &pendingResponse{number: msg.Number, provider: entry.provider}
	}
	if e.metrics != nil && !msg.IsAck() {
		e.metrics.OutgoingFinished()
	}
}

// headerReserve is the byte cost of the varint(MessageNumber) and
// varint(FrameFlags) that prefix every frame on the wire (spec §6), so the
// payload budget handed to NextFrameToSend keeps the whole frame under
// maxFrameSize.
func headerReserve(number uint64, flags blipmsg.FrameFlags) int {
	return varint.Len(number) + varint.Len(uint64(flags))
}

// frameHeader prepends varint(MessageNumber) ∥ varint(FrameFlags) to a
// frame's payload+checksum bytes.
func frameHeader(number uint64, flags blipmsg.FrameFlags, payload []byte) []byte {
	out := make([]byte, 0, headerReserve(number, flags)+len(payload))
	out = varint.Append(out, number)
	out = varint.Append(out, uint64(flags))
	out = append(out, payload...)
	return out
}
