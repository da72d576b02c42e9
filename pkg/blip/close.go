package blip

import "github.com/strand-protocol/blip/pkg/blipmsg"

// Close begins the local half of the close handshake (spec §4.7 "Local
// close"): no further outgoing messages are accepted, everything already
// queued is surfaced as Disconnected, and the transport is asked to send
// a CLOSE frame. The final onClose delivery happens once the socket
// confirms teardown (handleTransportClosed), exactly as for a
// peer-initiated or transport-triggered close — exactly one onClose
// either way.
func (e *Engine) Close(code int, reason string) {
	e.mbox.Enqueue(func() { e.closeLocal(code, reason) })
}

func (e *Engine) closeLocal(code int, reason string) {
	if e.closing || e.closed {
		return
	}
	e.closing = true

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
		pr.provider.Resolve(Reply{Err: newError(KindTransportError, "connection closing locally", nil)})
	}

	if e.sock != nil {
		e.sock.Close(code, reason)
	}
}
