package blipws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strand-protocol/blip/pkg/bliptimer"
)

// loopbackInboxSize bounds the in-process channel standing in for a real
// socket's kernel send buffer.
const loopbackInboxSize = 256

type wsFrame struct {
	messageType int
	data        []byte
}

// loopbackConn is an in-process wsConn wired directly to a peer
// loopbackConn through buffered channels — no network, no RFC 6455 framing,
// no HTTP upgrade handshake. Grounded on original_source's
// LoopbackProvider.hh/LoopbackWebSocket, which relays sends straight to a
// bound peer's receive path instead of a real transport.
type loopbackConn struct {
	name  string
	inbox chan wsFrame
	peer  *loopbackConn
	mu    sync.Mutex
	pong  func(string) error

	closeOnce sync.Once
	closed    chan struct{}
}

func newLoopbackConn(name string) *loopbackConn {
	return &loopbackConn{
		name:   name,
		inbox:  make(chan wsFrame, loopbackInboxSize),
		closed: make(chan struct{}),
	}
}

// NewLoopbackPair returns two Sockets bound to each other: whatever one
// sends, the other receives, with no real TCP/TLS transport or WebSocket
// handshake involved (spec §1's out-of-scope collaborators, stubbed out).
// This is what this package's loopback tests and blipctl's --loopback demo
// mode use to exercise the protocol without a listening port.
func NewLoopbackPair(delegateA, delegateB Delegate, timer *bliptimer.Timer, opts Options) (a, b *Socket) {
	connA := newLoopbackConn("A")
	connB := newLoopbackConn("B")
	connA.peer = connB
	connB.peer = connA

	a = newSocket(connA, delegateA, timer, opts)
	b = newSocket(connB, delegateB, timer, opts)
	return a, b
}

func (c *loopbackConn) ReadMessage() (int, []byte, error) {
	for {
		select {
		case <-c.closed:
			return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "loopback closed"}
		case f, ok := <-c.inbox:
			if !ok {
				return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "loopback closed"}
			}
			switch f.messageType {
			case websocket.PingMessage:
				// Mirror gorilla's default ping handler: answer with a pong
				// and keep reading, never surfacing the ping itself.
				_ = c.WriteControl(websocket.PongMessage, nil, time.Time{})
			case websocket.PongMessage:
				c.mu.Lock()
				h := c.pong
				c.mu.Unlock()
				if h != nil {
					_ = h(string(f.data))
				}
			case websocket.CloseMessage:
				code, text := websocket.CloseNormalClosure, ""
				if len(f.data) >= 2 {
					code = int(f.data[0])<<8 | int(f.data[1])
					text = string(f.data[2:])
				}
				return 0, nil, &websocket.CloseError{Code: code, Text: text}
			default:
				return f.messageType, f.data, nil
			}
		}
	}
}

func (c *loopbackConn) WriteMessage(messageType int, data []byte) error {
	return c.sendToPeer(messageType, data)
}

func (c *loopbackConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	return c.sendToPeer(messageType, data)
}

func (c *loopbackConn) sendToPeer(messageType int, data []byte) error {
	if c.peer == nil {
		return errors.New("blipws: loopback conn has no peer")
	}
	cp := append([]byte(nil), data...)
	select {
	case c.peer.inbox <- wsFrame{messageType: messageType, data: cp}:
		return nil
	case <-c.peer.closed:
		return errors.New("blipws: loopback peer closed")
	}
}

func (c *loopbackConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	c.pong = h
	c.mu.Unlock()
}

// SetCloseHandler is accepted for wsConn conformance; the loopback's close
// signal travels through ReadMessage's CloseMessage case instead, same as
// it would with gorilla once a custom close handler only answers the peer
// (which a loopback has no wire to do anyway).
func (c *loopbackConn) SetCloseHandler(func(int, string) error) {}

func (c *loopbackConn) Subprotocol() string { return "" }

func (c *loopbackConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
