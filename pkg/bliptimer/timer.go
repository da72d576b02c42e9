// Package bliptimer provides the monotonic, millisecond-resolution scheduled
// callback service shared by all BLIP actors (spec §4.3). Firing always
// posts the callback onto the caller-supplied mailbox; it never runs inline
// on the timer's own goroutine.
//
// Generalizes dispatcher/task_manager.go's per-task time.AfterFunc pattern
// (one ad hoc timer per task, used only for RPC timeouts) into a single
// shared heap-based service every actor schedules against, which is the
// idiomatic Go equivalent of the spec's "Timer: Monotonic-clock scheduled
// callbacks ... shared by all actors."
package bliptimer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/strand-protocol/blip/pkg/mailbox"
)

// Cancel stops a scheduled callback. It is safe to call multiple times and
// safe to call concurrently with the callback firing — at most one firing
// is ever observed (spec §4.3).
type Cancel func()

type entry struct {
	deadline time.Time
	seq      uint64
	mbox     *mailbox.Mailbox
	fn       func()
	fired    bool
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Timer is a shared scheduled-callback service.
type Timer struct {
	mu      sync.Mutex
	heap    entryHeap
	seq     uint64
	wake    chan struct{}
	closed  bool
	closeCh chan struct{}
}

// New creates and starts a Timer.
func New() *Timer {
	t := &Timer{
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	go t.loop()
	return t
}

// FireAfter schedules fn to run on mbox no earlier than d from now.
func (t *Timer) FireAfter(d time.Duration, mbox *mailbox.Mailbox, fn func()) Cancel {
	return t.FireAt(time.Now().Add(d), mbox, fn)
}

// FireAt schedules fn to run on mbox no earlier than when.
func (t *Timer) FireAt(when time.Time, mbox *mailbox.Mailbox, fn func()) Cancel {
	t.mu.Lock()
	t.seq++
	e := &entry{deadline: when, seq: t.seq, mbox: mbox, fn: fn}
	heap.Push(&t.heap, e)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if e.fired || e.index < 0 {
			return
		}
		e.fired = true
		heap.Remove(&t.heap, e.index)
	}
}

func (t *Timer) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		t.mu.Lock()
		var wait time.Duration
		if t.heap.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(t.heap[0].deadline)
			if wait < 0 {
				wait = 0
			}
		}
		t.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-t.closeCh:
			return
		case <-t.wake:
			continue
		case <-timer.C:
			t.fireDue()
		}
	}
}

func (t *Timer) fireDue() {
	now := time.Now()
	var due []*entry

	t.mu.Lock()
	for t.heap.Len() > 0 && !t.heap[0].deadline.After(now) {
		e := heap.Pop(&t.heap).(*entry)
		if e.fired {
			continue
		}
		e.fired = true
		due = append(due, e)
	}
	t.mu.Unlock()

	for _, e := range due {
		fn := e.fn
		if e.mbox != nil {
			e.mbox.Enqueue(fn)
		} else {
			fn()
		}
	}
}

// Close stops the timer's background goroutine. Pending callbacks are
// discarded without firing.
func (t *Timer) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	close(t.closeCh)
}
