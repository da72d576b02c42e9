// Package blip implements BLIPIO, the protocol engine of spec §4.7: the
// request/response bookkeeping tables, the outgoing priority scheduler,
// the incoming frame dispatcher, ACK accounting, and the close handshake.
// It drives a *blipws.Socket from above and an application Delegate from
// below, and it is itself an actor — every field is touched only from
// tasks running on its own mailbox (spec §4.2, §5).
//
// Grounded on strandapi/pkg/server.Server (the request dispatch loop, the
// opcode switch, the ServerOption functional-options pattern) generalized
// from a single-shot opcode dispatcher into BLIP's multiplexed,
// bidirectional request/response engine, and on atframework-atsf4g-go's
// dispatcher for the priority-queue-over-mailbox shape.
package blip

import (
	"container/list"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strand-protocol/blip/internal/blipmetrics"
	"github.com/strand-protocol/blip/pkg/blipcrc"
	"github.com/strand-protocol/blip/pkg/blipmsg"
	"github.com/strand-protocol/blip/pkg/blipws"
	"github.com/strand-protocol/blip/pkg/mailbox"
	"github.com/strand-protocol/blip/pkg/properties"
)

// Delegate receives application-facing engine events (spec §6). All
// callbacks run on the Engine's mailbox.
type Delegate interface {
	OnOpen(header http.Header)
	OnRequestReceived(msg *blipmsg.MessageIn)
	OnResponseReceived(msg *blipmsg.MessageIn)
	OnClose(status blipws.CloseStatus)
}

// ReplyFunc is invoked exactly once when an outgoing request's reply (or a
// connection-fatal disconnect) arrives.
type ReplyFunc func(reply *blipmsg.MessageIn, err error)

type pendingResponse struct {
	number   uint64
	provider *AsyncProvider
}

type outgoingEntry struct {
	msg      *blipmsg.MessageOut
	provider *AsyncProvider // nil for responses/errors/acks, and for NoReply requests
}

// Engine is the BLIPIO actor.
type Engine struct {
	id       string
	log      *zap.Logger
	mbox     *mailbox.Mailbox
	delegate Delegate
	sock     *blipws.Socket

	sendCodec *blipcrc.SendCodec
	recvCodec *blipcrc.RecvCodec

	metrics *blipmetrics.Metrics

	nextOutgoingRequestNumber uint64
	lastPeerRequestNumber     uint64

	urgent       list.List // of *outgoingEntry
	normal       list.List // of *outgoingEntry
	normalCursor *list.Element

	pendingResponses  map[uint64]*pendingResponse
	incomingRequests  map[uint64]*blipmsg.MessageIn
	incomingResponses map[uint64]*blipmsg.MessageIn

	paused  bool
	closing bool
	closed  bool
}

// NewEngine creates an Engine. Attach must be called once the transport
// socket exists (the socket itself needs the Engine as its delegate, so
// construction is necessarily two steps). metrics may be nil; every
// counter update is a guarded no-op in that case.
func NewEngine(log *zap.Logger, delegate Delegate, metrics *blipmetrics.Metrics) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		id:                        uuid.New().String(),
		log:                       log,
		delegate:                  delegate,
		sendCodec:                 blipcrc.NewSendCodec(),
		recvCodec:                 blipcrc.NewRecvCodec(),
		metrics:                   metrics,
		nextOutgoingRequestNumber: 1,
		pendingResponses:          make(map[uint64]*pendingResponse),
		incomingRequests:          make(map[uint64]*blipmsg.MessageIn),
		incomingResponses:         make(map[uint64]*blipmsg.MessageIn),
	}
	e.mbox = mailbox.New(log)
	return e
}

// Metrics exposes the engine's counters, or nil if none were attached.
func (e *Engine) Metrics() *blipmetrics.Metrics { return e.metrics }

// ID is a unique identifier for this engine's connection, stamped into its
// own log lines (spec §6 leaves correlating concurrent connections in a
// server process to the application, which here means a log field, not a
// wire-visible value).
func (e *Engine) ID() string { return e.id }

// Attach binds the transport socket that frames are sent to and received
// from. Call once, before the socket's first OnOpen fires.
func (e *Engine) Attach(sock *blipws.Socket) {
	e.mbox.Enqueue(func() { e.sock = sock })
}

// Mailbox exposes the engine's actor queue so Connection can funnel
// application calls through it (spec §4.2: "external callers must funnel
// state changes through enqueue").
func (e *Engine) Mailbox() *mailbox.Mailbox { return e.mbox }

// --- blipws.Delegate ---------------------------------------------------

// OnOpen satisfies blipws.Delegate. blipws.Socket is itself an actor and
// calls this directly from its own mailbox; the application callback is
// re-enqueued onto the engine's mailbox immediately below.
func (e *Engine) OnOpen(header http.Header) {
	e.mbox.Enqueue(func() {
		if e.delegate != nil {
			e.delegate.OnOpen(header)
		}
	})
}

// OnFrame satisfies blipws.Delegate: a complete WebSocket message has
// arrived, carrying exactly one BLIP frame (spec §6).
func (e *Engine) OnFrame(data []byte, binary bool) {
	e.mbox.Enqueue(func() { e.handleIncomingFrame(data) })
}

// OnClose satisfies blipws.Delegate.
func (e *Engine) OnClose(status blipws.CloseStatus) {
	e.mbox.Enqueue(func() { e.handleTransportClosed(status) })
}

// OnWriteable satisfies blipws.Delegate: back-pressure has relieved,
// resume the outgoing scheduler.
func (e *Engine) OnWriteable() {
	e.mbox.Enqueue(func() {
		e.paused = false
		e.scheduleMore()
	})
}

// --- outgoing message construction --------------------------------------

// OutgoingOptions configures a single outgoing message.
type OutgoingOptions struct {
	Urgent     bool
	NoReply    bool
	Compressed bool
}

// SendRequest enqueues a new outgoing Request built from props and body
// (plus an optional streaming continuation, read per spec §4.5's "pull
// data source" contract — io.EOF ends the stream, any other error is
// connection-fatal). onReply is invoked exactly once, with either the
// peer's reply or a non-nil error (Disconnected) once the connection can
// no longer deliver one; it is never invoked if NoReply is set.
//
// Internally this chains Request -> Response delivery through an
// AsyncProvider (spec §4.8), the way BLIPIO is specified to: the provider
// is registered in pendingResponses once the request is fully sent, and
// is resolved from the incoming dispatch path (a normal reply), from the
// close handshake, or — if the connection drops before the request even
// finishes sending — from the request's own progress callback below.
// Await is given a nil mailbox because every one of those resolution
// sites already runs on e.mbox: running the continuation inline is
// exactly spec §4.8's "without re-entering the mailbox."
func (e *Engine) SendRequest(props *properties.Builder, body []byte, dataSource io.Reader, opts OutgoingOptions, onReply ReplyFunc) {
	e.mbox.Enqueue(func() {
		number := e.nextOutgoingRequestNumber
		e.nextOutgoingRequestNumber++

		flags := blipmsg.FrameFlags(0).WithType(blipmsg.TypeRequest)
		if opts.Urgent {
			flags |= blipmsg.FlagUrgent
		}
		if opts.NoReply {
			flags |= blipmsg.FlagNoReply
		}
		if opts.Compressed {
			flags |= blipmsg.FlagCompressed
		}

		var provider *AsyncProvider
		if !opts.NoReply && onReply != nil {
			provider = NewAsyncProvider()
			provider.Await(nil, func(r Reply) { onReply(r.Msg, r.Err) })
		}

		payload := append(props.Bytes(), body...)
		msg := blipmsg.NewOutgoing(number, flags, payload, dataSource)
		msg.OnProgress = func(p blipmsg.Progress) {
			// The reply itself (Complete carrying a non-nil MessageIn) is
			// delivered from the incoming dispatch path once the peer's
			// response frame actually arrives; a Request's own Complete
			// progress here only means "fully sent". We only need to act
			// on Disconnected: the message was dropped before any reply
			// could arrive.
			if p.State != blipmsg.Disconnected || provider == nil {
				return
			}
			provider.Resolve(Reply{Err: newError(KindTransportError, "connection closed before reply", nil)})
		}

		e.enqueueOutgoing(msg, provider)
	})
}

func (e *Engine) enqueueOutgoing(msg *blipmsg.MessageOut, provider *AsyncProvider) {
	entry := &outgoingEntry{msg: msg, provider: provider}
	if msg.Flags.Urgent() {
		e.urgent.PushBack(entry)
	} else {
		e.normal.PushBack(entry)
	}
	if e.metrics != nil && !msg.IsAck() {
		e.metrics.OutgoingStarted()
	}
	e.scheduleMore()
}
