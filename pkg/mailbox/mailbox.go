// Package mailbox implements the serialized, FIFO task queue that every
// BLIP actor (the engine, each WebSocket, the Connection facade) runs
// behind, per spec §4.2/§5: at most one task executes at a time for a given
// actor, tasks run in enqueue order, and a task may freely enqueue onto any
// mailbox — including its own, which appends to the tail rather than
// running inline.
//
// This generalizes atframework-atsf4g-go's ActorExecutor (a
// currentRunningAction/pendingActions pair guarded by a mutex, built atop a
// container/list queue) into an idiomatic Go channel-backed worker: Go's
// garbage collector makes the C++ original's strong-back-reference dance
// unnecessary — a task is just a closure, and as long as it is queued the
// closure (and anything it captures, including its owning actor) stays
// reachable.
package mailbox

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"
)

// manifestSize bounds the diagnostic history kept for post-panic logging
// (spec §4.2: "a manifest of recent enqueue/execution pairs (bounded at
// ~100 entries)").
const manifestSize = 100

type manifestEntry struct {
	enqueuedAt time.Time
	ranAt      time.Time
	label      string
}

// Mailbox is a serialized FIFO task queue. It has no delayed enqueue of its
// own; bliptimer.Timer.FireAfter posts a task onto a Mailbox after a delay.
type Mailbox struct {
	log *zap.Logger

	mu      sync.Mutex
	pending list.List // of func()
	running bool
	closed  bool
	wake    chan struct{}

	manifestMu sync.Mutex
	manifest   []manifestEntry

	done chan struct{}
}

// New creates a Mailbox and starts its worker goroutine. log may be nil, in
// which case a no-op logger is used.
func New(log *zap.Logger) *Mailbox {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Mailbox{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.loop()
	return m
}

// Enqueue appends task to the tail of the queue. Safe to call from any
// goroutine, including from within a task running on this same Mailbox
// (recursive enqueue is legal and always appends — it is never run inline).
func (m *Mailbox) Enqueue(task func()) {
	m.enqueue(task, "")
}

// EnqueueLabeled is Enqueue with a diagnostic label recorded in the panic
// manifest.
func (m *Mailbox) EnqueueLabeled(label string, task func()) {
	m.enqueue(task, label)
}

func (m *Mailbox) enqueue(task func(), label string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending.PushBack(task)
	m.mu.Unlock()

	m.recordEnqueue(label)

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mailbox) recordEnqueue(label string) {
	m.manifestMu.Lock()
	defer m.manifestMu.Unlock()
	m.manifest = append(m.manifest, manifestEntry{enqueuedAt: time.Now(), label: label})
	if len(m.manifest) > manifestSize {
		m.manifest = m.manifest[len(m.manifest)-manifestSize:]
	}
}

func (m *Mailbox) recordRun(label string) {
	m.manifestMu.Lock()
	defer m.manifestMu.Unlock()
	for i := len(m.manifest) - 1; i >= 0; i-- {
		if m.manifest[i].label == label && m.manifest[i].ranAt.IsZero() {
			m.manifest[i].ranAt = time.Now()
			return
		}
	}
}

func (m *Mailbox) loop() {
	for {
		task, ok := m.dequeue()
		if !ok {
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		m.run(task)
	}
}

func (m *Mailbox) dequeue() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	front := m.pending.Front()
	if front == nil {
		return nil, false
	}
	m.pending.Remove(front)
	return front.Value.(func()), true
}

func (m *Mailbox) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("mailbox task panicked; continuing",
				zap.Any("panic", r),
				zap.Int("recent_tasks", m.manifestLen()),
			)
		}
	}()
	task()
}

func (m *Mailbox) manifestLen() int {
	m.manifestMu.Lock()
	defer m.manifestMu.Unlock()
	return len(m.manifest)
}

// Close stops accepting new tasks and drains whatever is already queued on
// the worker goroutine before returning. It is idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	done := make(chan struct{})
	m.pending.PushBack(func() { close(done) })
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	<-done
	close(m.done)
}
