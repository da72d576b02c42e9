package blipws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/strand-protocol/blip/pkg/bliptimer"
)

type recordingDelegate struct {
	mu          sync.Mutex
	opened      bool
	frames      [][]byte
	closed      *CloseStatus
	openCh      chan struct{}
	frameCh     chan []byte
	closeCh     chan CloseStatus
	writeableCh chan struct{}
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		openCh:      make(chan struct{}, 1),
		frameCh:     make(chan []byte, 16),
		closeCh:     make(chan CloseStatus, 1),
		writeableCh: make(chan struct{}, 1),
	}
}

func (d *recordingDelegate) OnOpen(http.Header) {
	d.mu.Lock()
	d.opened = true
	d.mu.Unlock()
	select {
	case d.openCh <- struct{}{}:
	default:
	}
}

func (d *recordingDelegate) OnFrame(data []byte, binary bool) {
	d.mu.Lock()
	d.frames = append(d.frames, data)
	d.mu.Unlock()
	d.frameCh <- data
}

func (d *recordingDelegate) OnClose(status CloseStatus) {
	d.mu.Lock()
	d.closed = &status
	d.mu.Unlock()
	d.closeCh <- status
}

func (d *recordingDelegate) OnWriteable() {
	select {
	case d.writeableCh <- struct{}{}:
	default:
	}
}

func dialSocketPair(t *testing.T) (client, server *Socket, clientDel, serverDel *recordingDelegate, cleanup func()) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- conn
	}))

	wsURL := "ws" + ts.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	serverConn := <-serverConnCh

	timer := bliptimer.New()
	clientDel = newRecordingDelegate()
	serverDel = newRecordingDelegate()

	opts := Options{HeartbeatInterval: 10 * time.Second}
	client = NewSocket(clientConn, clientDel, timer, opts)
	server = NewSocket(serverConn, serverDel, timer, opts)

	cleanup = func() {
		timer.Close()
		ts.Close()
	}
	return client, server, clientDel, serverDel, cleanup
}

func TestSocketOpenAndFrameDelivery(t *testing.T) {
	client, server, clientDel, serverDel, cleanup := dialSocketPair(t)
	defer cleanup()
	_ = server

	select {
	case <-clientDel.openCh:
	case <-time.After(time.Second):
		t.Fatal("client never saw onOpen")
	}
	select {
	case <-serverDel.openCh:
	case <-time.After(time.Second):
		t.Fatal("server never saw onOpen")
	}

	ok := client.Send([]byte("hello"), true)
	require.True(t, ok)

	select {
	case frame := <-serverDel.frameCh:
		require.Equal(t, "hello", string(frame))
	case <-time.After(time.Second):
		t.Fatal("server never received frame")
	}
}

func TestSocketCloseHandshakeDeliversSingleOnClose(t *testing.T) {
	client, server, _, serverDel, cleanup := dialSocketPair(t)
	defer cleanup()
	_ = server

	client.Close(1000, "done")

	select {
	case status := <-serverDel.closeCh:
		require.Equal(t, CloseClean, status.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed close")
	}

	// A second close-ish event must never arrive.
	select {
	case <-serverDel.closeCh:
		t.Fatal("onClose must fire exactly once")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestSocketCloseDoesNotLeakMailboxGoroutine guards against teardown
// self-deadlocking on its own mailbox (spec §5 actor discipline): every
// call path into teardown runs as a task on Socket.mbox's single worker
// goroutine, so closing that mailbox synchronously from inside teardown
// would leave the worker permanently blocked waiting on itself. Repeating
// open/close cycles and checking the goroutine count settles back down is
// the only outside-observable signal that each mailbox's worker actually
// exits instead of leaking.
func TestSocketCloseDoesNotLeakMailboxGoroutine(t *testing.T) {
	runtime.GC()
	baseline := runtime.NumGoroutine()

	for i := 0; i < 8; i++ {
		client, server, _, serverDel, cleanup := dialSocketPair(t)
		client.Close(1000, "done")
		select {
		case <-serverDel.closeCh:
		case <-time.After(2 * time.Second):
			t.Fatal("server never observed close")
		}
		_ = server
		cleanup()
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		runtime.GC()
		if runtime.NumGoroutine() <= baseline+2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("goroutine count did not settle: baseline=%d now=%d", baseline, runtime.NumGoroutine())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// slowWriteConn is a wsConn double whose WriteMessage blocks until release
// is closed, letting a test drive multiple frames into flight at once so
// bufferedBytes can actually accumulate across them (spec §4.4 S3).
type slowWriteConn struct {
	release   chan struct{}
	pongH     func(string) error
	closeH    func(int, string) error
	readBlock chan struct{}
}

func newSlowWriteConn() *slowWriteConn {
	return &slowWriteConn{release: make(chan struct{}), readBlock: make(chan struct{})}
}

func (c *slowWriteConn) ReadMessage() (int, []byte, error) {
	<-c.readBlock
	return 0, nil, errors.New("slowWriteConn: closed")
}
func (c *slowWriteConn) WriteMessage(int, []byte) error {
	<-c.release
	return nil
}
func (c *slowWriteConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *slowWriteConn) SetPongHandler(h func(string) error)       { c.pongH = h }
func (c *slowWriteConn) SetCloseHandler(h func(int, string) error) { c.closeH = h }
func (c *slowWriteConn) Subprotocol() string                       { return "" }
func (c *slowWriteConn) Close() error {
	close(c.readBlock)
	return nil
}

// TestSendReportsBackPressureAcrossInFlightFrames drives Socket past
// bufferedBytesThreshold with several frames still queued behind one slow
// write, and checks OnWriteable fires once the backlog is released (spec
// §4.4/§5, scenario S3). This can only pass if Send hands frames off
// asynchronously: a synchronous Send would never let more than one frame's
// bytes be outstanding at once.
func TestSendReportsBackPressureAcrossInFlightFrames(t *testing.T) {
	conn := newSlowWriteConn()
	timer := bliptimer.New()
	defer timer.Close()
	del := newRecordingDelegate()

	s := newSocket(conn, del, timer, Options{HeartbeatInterval: time.Hour})
	defer conn.Close()

	select {
	case <-del.openCh:
	case <-time.After(time.Second):
		t.Fatal("never saw onOpen")
	}

	frame := make([]byte, 20<<10) // 20 KiB
	require.True(t, s.Send(frame, true), "first frame alone must not trip back-pressure")
	ok := s.Send(frame, true)
	require.False(t, ok, "second in-flight 20KiB frame must cross the 32KiB threshold")

	close(conn.release)

	select {
	case <-del.writeableCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnWriteable never fired once the backlog drained")
	}
}
