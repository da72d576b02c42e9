package mailbox

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrdering(t *testing.T) {
	m := New(nil)
	defer m.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		m.Enqueue(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range order {
		assert.Equal(t, i, v, "tasks must run in strict FIFO enqueue order")
	}
}

func TestNoConcurrentExecution(t *testing.T) {
	m := New(nil)
	defer m.Close()

	var running atomic.Int32
	var maxObserved atomic.Int32
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		m.Enqueue(func() {
			n := running.Add(1)
			for {
				cur := maxObserved.Load()
				if n <= cur || maxObserved.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			wg.Done()
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxObserved.Load(), "no two tasks on one mailbox may run concurrently")
}

func TestRecursiveEnqueueAppendsToTail(t *testing.T) {
	m := New(nil)
	defer m.Close()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	m.Enqueue(func() {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()

		m.Enqueue(func() {
			mu.Lock()
			order = append(order, "recursive")
			mu.Unlock()
			close(done)
		})

		mu.Lock()
		order = append(order, "first-continued")
		mu.Unlock()
	})

	<-done
	require.Equal(t, []string{"first", "first-continued", "recursive"}, order)
}

func TestPanicIsRecoveredAndQueueContinues(t *testing.T) {
	m := New(nil)
	defer m.Close()

	m.Enqueue(func() { panic("boom") })

	ran := make(chan struct{})
	m.Enqueue(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("mailbox stopped processing after a panicking task")
	}
}
