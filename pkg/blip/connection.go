package blip

import (
	"io"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/strand-protocol/blip/internal/blipmetrics"
	"github.com/strand-protocol/blip/pkg/blipmsg"
	"github.com/strand-protocol/blip/pkg/blipws"
	"github.com/strand-protocol/blip/pkg/bliptimer"
	"github.com/strand-protocol/blip/pkg/properties"
)

// Connection is the thin application-facing facade of spec §4.9: it owns
// the BLIPIO Engine (a strong reference, per spec §5/§9 — the Engine's
// back-reference to application state runs only through the Delegate
// interface it was constructed with, never back through Connection
// itself, so no cycle exists for the Go garbage collector to need help
// with).
type Connection struct {
	engine *Engine
}

// Dial wraps an already-established *websocket.Conn (the handshake is the
// out-of-scope collaborator's job, per spec §1) into a running BLIP
// connection. delegate receives onOpen/onRequestReceived/
// onResponseReceived/onClose. metrics may be nil.
func Dial(conn *websocket.Conn, timer *bliptimer.Timer, delegate Delegate, opts blipws.Options, metrics *blipmetrics.Metrics) *Connection {
	e := NewEngine(opts.Log, delegate, metrics)
	sock := blipws.NewSocket(conn, e, timer, opts)
	e.Attach(sock)
	return &Connection{engine: e}
}

// SendRequest builds and enqueues a Request. onReply fires exactly once
// with the peer's response (or Disconnected) unless NoReply is set, in
// which case it is never called.
func (c *Connection) SendRequest(props *properties.Builder, body []byte, dataSource io.Reader, opts OutgoingOptions, onReply ReplyFunc) {
	c.engine.SendRequest(props, body, dataSource, opts, onReply)
}

// Respond sends a Response for a completed, not-yet-responded Request.
// Returns ErrAlreadyResponded (or another UsageError) without disturbing
// the connection if msgIn has already been responded to or is ineligible
// (spec §7 UsageError).
func (c *Connection) Respond(msgIn *blipmsg.MessageIn, props *properties.Builder, body []byte) error {
	return c.respond(msgIn, blipmsg.TypeResponse, props, body)
}

// RespondWithError sends an Error-type reply carrying props/body (the
// conventional BLIP error domain/code/message properties are the
// application's concern, not the protocol's, per spec §1).
func (c *Connection) RespondWithError(msgIn *blipmsg.MessageIn, props *properties.Builder, body []byte) error {
	return c.respond(msgIn, blipmsg.TypeError, props, body)
}

func (c *Connection) respond(msgIn *blipmsg.MessageIn, replyType blipmsg.MessageType, props *properties.Builder, body []byte) error {
	if err := msgIn.MarkResponded(); err != nil {
		return &Error{Kind: KindUsageError, Msg: "respond", Err: err}
	}
	payload := append(props.Bytes(), body...)
	flags := blipmsg.FrameFlags(0).WithType(replyType)
	reply := blipmsg.NewOutgoing(msgIn.Number, flags, payload, nil)
	c.engine.mbox.Enqueue(func() { c.engine.enqueueOutgoing(reply, nil) })
	return nil
}

// Close begins the connection's close handshake.
func (c *Connection) Close(code int, reason string) {
	c.engine.Close(code, reason)
}

// Engine exposes the underlying BLIPIO actor for callers that need to
// construct a Delegate before the Connection exists (e.g. a server
// accepting many connections, each needing its own Engine wired up before
// the socket's first frame can arrive).
func (c *Connection) Engine() *Engine { return c.engine }

// NewServerConnection mirrors Dial for the accept side: identical wiring,
// named separately so server code reads as accepting rather than dialing.
func NewServerConnection(conn *websocket.Conn, timer *bliptimer.Timer, delegate Delegate, opts blipws.Options, metrics *blipmetrics.Metrics) *Connection {
	return Dial(conn, timer, delegate, opts, metrics)
}

// WrapEngine builds a Connection around an Engine that was constructed and
// attached to its Socket by the caller directly — the case for
// blipws.NewLoopbackPair, where the transport isn't a *websocket.Conn Dial
// can build a Socket from.
func WrapEngine(e *Engine) *Connection { return &Connection{engine: e} }

// Metrics exposes the connection's counters, or nil if none were attached
// at construction.
func (c *Connection) Metrics() *blipmetrics.Metrics { return c.engine.Metrics() }

// NopLogger is a convenience for callers assembling blipws.Options without
// their own zap.Logger.
func NopLogger() *zap.Logger { return zap.NewNop() }
