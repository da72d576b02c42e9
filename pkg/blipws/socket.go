// Package blipws implements WebSocketImpl (spec §4.4): the transport-
// agnostic state machine that sits between BLIPIO and a byte-stream
// transport. It drives heartbeats, enforces the peer-response timeout,
// assembles fragmented messages, tracks outgoing flow-control byte counts,
// and reports exactly one close event to its delegate.
//
// Per spec §1, the TCP/TLS transport and the WebSocket HTTP handshake wire
// encoding are external collaborators outside this component's scope.
// gorilla/websocket fills that collaborator role (handshake + raw RFC 6455
// frame I/O over net.Conn); Socket supplies everything spec §4.4 actually
// asks for on top of it. Grounded on atframework-atsf4g-go's
// WebSocketMessageDispatcher/WebSocketSession (upgrader, per-connection
// goroutine, send queue, atomic error counter) generalized from a
// game-server session object into the spec's actor, and on robot-go's
// client-side gorilla/websocket.Dialer usage for the outbound half.
package blipws

import (
	"container/list"
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/strand-protocol/blip/pkg/bliptimer"
	"github.com/strand-protocol/blip/pkg/mailbox"
)

// Default control-flow constants (spec §6).
const (
	DefaultHeartbeatInterval = 300 * time.Second
	MaxHeartbeatInterval     = time.Hour
	DefaultMaxMessageSize    = 128 << 20 // 128 MiB
	bufferedBytesThreshold   = 32 << 10  // 32 KiB, spec §4.4
)

// CloseStatus distinguishes a clean close, a peer protocol error, a
// timeout, or an underlying transport errno (spec §4.4, §7).
type CloseStatus struct {
	Code    int
	Reason  string
	Kind    CloseKind
	Err     error
}

// CloseKind enumerates why a Socket closed.
type CloseKind int

const (
	CloseClean CloseKind = iota
	ClosePeerProtocolError
	CloseTimeout
	CloseTransportError
)

// Delegate receives WebSocketImpl lifecycle events. All callbacks are
// invoked from the Socket's own mailbox.
type Delegate interface {
	OnOpen(header http.Header)
	OnFrame(data []byte, binary bool)
	OnClose(status CloseStatus)
	OnWriteable()
}

type state int

const (
	stateUnconnected state = iota
	stateOpening
	stateOpen
	stateClosingLocal
	stateClosingRemote
	stateClosed
)

// Options configures heartbeat and size limits.
type Options struct {
	HeartbeatInterval time.Duration
	MaxMessageSize    int64
	Log               *zap.Logger
}

func (o Options) normalized() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatInterval > MaxHeartbeatInterval {
		o.HeartbeatInterval = MaxHeartbeatInterval
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// wsConn is the slice of *websocket.Conn that Socket actually drives. It
// exists so a loopback transport (pkg/blipws.NewLoopbackPair, spec §3.8)
// can satisfy Socket's needs without a real network connection or
// gorilla/websocket's HTTP upgrade handshake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	SetCloseHandler(h func(code int, text string) error)
	Subprotocol() string
	Close() error
}

// outFrame is one queued outgoing WebSocket message, waiting for writePump
// to hand it to the conn.
type outFrame struct {
	messageType int
	data        []byte
}

// Socket is a single WebSocketImpl actor.
type Socket struct {
	opts     Options
	mbox     *mailbox.Mailbox
	timer    *bliptimer.Timer
	delegate Delegate

	conn wsConn

	mu             sync.Mutex
	st             state
	bufferedBytes  int64
	closeSent      atomic.Bool
	closeReceived  atomic.Bool
	cancelPing     bliptimer.Cancel
	cancelResponse bliptimer.Cancel

	writeMu sync.Mutex

	// outQueue/outWake/writeDone back Send's asynchronous hand-off to
	// writePump, grounded on atframework-atsf4g-go's WebSocketSession
	// (a buffered sendQueue drained by its own goroutine rather than a
	// synchronous write inline in the caller): Send must never block the
	// mailbox task that calls it (spec §5: "a task yields by returning,
	// never by blocking"), and bufferedBytes must reflect every frame
	// still in flight, not just the one currently being written, for the
	// back-pressure hint (spec §4.4) to ever actually trip.
	outMu     sync.Mutex
	outQueue  list.List // of outFrame
	outWake   chan struct{}
	writeDone chan struct{}
	closeOnce sync.Once
}

// NewSocket wraps an already-connected *websocket.Conn (server or client
// side — the handshake itself is the out-of-scope collaborator's job).
func NewSocket(conn *websocket.Conn, delegate Delegate, timer *bliptimer.Timer, opts Options) *Socket {
	return newSocket(conn, delegate, timer, opts)
}

func newSocket(conn wsConn, delegate Delegate, timer *bliptimer.Timer, opts Options) *Socket {
	o := opts.normalized()
	s := &Socket{
		opts:      o,
		mbox:      mailbox.New(o.Log),
		timer:     timer,
		delegate:  delegate,
		conn:      conn,
		st:        stateOpening,
		outWake:   make(chan struct{}, 1),
		writeDone: make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		s.mbox.Enqueue(s.onPong)
		return nil
	})
	conn.SetCloseHandler(func(code int, text string) error {
		s.mbox.Enqueue(func() { s.onCloseFrame(code, text) })
		return nil
	})
	go s.readPump()
	go s.writePump()
	s.mbox.Enqueue(func() { s.onConnect(conn.Subprotocol()) })
	return s
}

func (s *Socket) onConnect(_ string) {
	s.mu.Lock()
	s.st = stateOpen
	s.mu.Unlock()

	s.schedulePing()
	s.armResponseTimer()

	if s.delegate != nil {
		s.delegate.OnOpen(nil)
	}
}

func (s *Socket) schedulePing() {
	s.cancelPing = s.timer.FireAfter(s.opts.HeartbeatInterval, s.mbox, s.sendPing)
}

func (s *Socket) sendPing() {
	if s.currentState() != stateOpen {
		return
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	s.writeMu.Unlock()
	s.schedulePing()
}

func (s *Socket) onPong() {
	s.armResponseTimer()
}

func (s *Socket) armResponseTimer() {
	if s.cancelResponse != nil {
		s.cancelResponse()
	}
	timeout := 2 * s.opts.HeartbeatInterval
	s.cancelResponse = s.timer.FireAfter(timeout, s.mbox, s.onResponseTimeout)
}

func (s *Socket) onResponseTimeout() {
	if s.currentState() == stateClosed {
		return
	}
	s.closeWithStatus(CloseStatus{
		Code:   1001,
		Reason: "no frames received within response timeout",
		Kind:   CloseTimeout,
	})
}

func (s *Socket) currentState() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// readPump runs on its own goroutine (gorilla/websocket's Conn is not
// otherwise safe for concurrent reads) and posts decoded frames onto the
// Socket's mailbox, preserving the actor discipline of spec §5.
func (s *Socket) readPump() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mbox.Enqueue(func() { s.onReadError(err) })
			return
		}
		binary := msgType == websocket.BinaryMessage
		d := data
		s.mbox.Enqueue(func() { s.onFrame(d, binary) })
	}
}

func (s *Socket) onFrame(data []byte, binary bool) {
	if s.currentState() != stateOpen {
		return
	}
	s.armResponseTimer()
	if int64(len(data)) > s.opts.MaxMessageSize {
		s.closeWithStatus(CloseStatus{Code: 1009, Reason: "message too big", Kind: ClosePeerProtocolError})
		return
	}
	if s.delegate != nil {
		s.delegate.OnFrame(data, binary)
	}
}

func (s *Socket) onReadError(err error) {
	if ce, ok := err.(*websocket.CloseError); ok {
		s.onCloseFrame(ce.Code, ce.Text)
		return
	}
	s.teardown(CloseStatus{Code: 1006, Reason: err.Error(), Kind: CloseTransportError, Err: err})
}

func (s *Socket) onCloseFrame(code int, text string) {
	s.closeReceived.Store(true)
	if s.closeSent.Load() {
		// ClosingLocal: peer's CLOSE answers ours.
		s.requestTransportClose()
		s.teardown(CloseStatus{Code: code, Reason: text, Kind: CloseClean})
		return
	}
	// ClosingRemote: reply in kind, then tear down.
	s.mu.Lock()
	s.st = stateClosingRemote
	s.mu.Unlock()
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	s.closeSent.Store(true)
	s.writeMu.Unlock()
	s.requestTransportClose()
	s.teardown(CloseStatus{Code: code, Reason: text, Kind: CloseClean})
}

func (s *Socket) requestTransportClose() {
	_ = s.conn.Close()
}

// Send queues one frame for writePump and returns immediately. The
// returned bool is the back-pressure hint: false means bufferedBytes
// (every byte handed to Send but not yet written by writePump, across
// every frame currently queued or in flight) has exceeded the soft
// threshold, and the caller (BLIPIO) should pause outgoing scheduling
// until OnWriteable. Send never blocks — spec §5's "a task yields by
// returning, never by blocking" extends to the mailbox task (BLIPIO's)
// that calls it.
func (s *Socket) Send(data []byte, binary bool) bool {
	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}

	s.mu.Lock()
	s.bufferedBytes += int64(len(data))
	over := s.bufferedBytes > bufferedBytesThreshold
	s.mu.Unlock()

	s.outMu.Lock()
	s.outQueue.PushBack(outFrame{messageType: msgType, data: data})
	s.outMu.Unlock()

	select {
	case s.outWake <- struct{}{}:
	default:
	}

	return !over
}

// writePump is the single goroutine that actually calls conn.WriteMessage,
// draining outQueue in FIFO order and decrementing bufferedBytes once each
// write completes — grounded on atframework-atsf4g-go's WebSocketSession
// sendQueue-plus-drain-goroutine shape. It exits once the conn starts
// erroring (teardown has already closed the underlying conn by then) or
// once the socket is torn down.
func (s *Socket) writePump() {
	for {
		frame, ok := s.dequeueOutFrame()
		if !ok {
			select {
			case <-s.outWake:
				continue
			case <-s.writeDone:
				return
			}
		}

		s.writeMu.Lock()
		err := s.conn.WriteMessage(frame.messageType, frame.data)
		s.writeMu.Unlock()

		s.mu.Lock()
		s.bufferedBytes -= int64(len(frame.data))
		relieved := s.bufferedBytes <= bufferedBytesThreshold
		s.mu.Unlock()

		if err != nil {
			s.mbox.Enqueue(func() { s.onReadError(err) })
			return
		}

		if relieved && s.delegate != nil {
			s.mbox.Enqueue(s.delegate.OnWriteable)
		}
	}
}

func (s *Socket) dequeueOutFrame() (outFrame, bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	front := s.outQueue.Front()
	if front == nil {
		return outFrame{}, false
	}
	s.outQueue.Remove(front)
	return front.Value.(outFrame), true
}

// stopWritePump signals writePump to exit once its queue drains, idempotent
// across repeated teardown paths.
func (s *Socket) stopWritePump() {
	s.closeOnce.Do(func() { close(s.writeDone) })
}

// Close begins the local close handshake (spec §4.4 ClosingLocal).
func (s *Socket) Close(code int, reason string) {
	s.mbox.Enqueue(func() { s.closeLocal(code, reason) })
}

func (s *Socket) closeLocal(code int, reason string) {
	if s.currentState() == stateClosed {
		return
	}
	s.mu.Lock()
	s.st = stateClosingLocal
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.closeSent.Store(true)
	s.armResponseTimer()
}

func (s *Socket) closeWithStatus(status CloseStatus) {
	s.closeLocal(status.Code, status.Reason)
	s.teardown(status)
}

func (s *Socket) teardown(status CloseStatus) {
	s.mu.Lock()
	if s.st == stateClosed {
		s.mu.Unlock()
		return
	}
	s.st = stateClosed
	s.mu.Unlock()

	if s.cancelPing != nil {
		s.cancelPing()
	}
	if s.cancelResponse != nil {
		s.cancelResponse()
	}

	s.stopWritePump()

	if s.delegate != nil {
		s.delegate.OnClose(status)
	}

	// teardown always runs as a task on s.mbox's own worker goroutine (it
	// is only ever reached via onCloseFrame/onReadError/onResponseTimeout/
	// onFrame, all of which are themselves dispatched through s.mbox.Enqueue).
	// Mailbox.Close pushes a sentinel task and blocks until that same
	// worker goroutine dequeues and runs it — calling it inline here would
	// have this goroutine wait on itself forever. Closing from a separate
	// goroutine lets the worker finish this task, return to its loop, and
	// dequeue the sentinel normally.
	go s.mbox.Close()
}

// Connect is a no-op for already-established conns (handshake happened
// before NewSocket was constructed); it exists to satisfy the Unconnected
// -> Opening transition named in spec §4.4.
func (s *Socket) Connect(_ context.Context) {}
