package bliptimer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/strand-protocol/blip/pkg/mailbox"
)

func TestFireAfterRunsOnMailbox(t *testing.T) {
	tm := New()
	defer tm.Close()
	mb := mailbox.New(nil)
	defer mb.Close()

	fired := make(chan struct{})
	tm.FireAfter(10*time.Millisecond, mb, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	tm := New()
	defer tm.Close()
	mb := mailbox.New(nil)
	defer mb.Close()

	var fired atomic.Bool
	cancel := tm.FireAfter(20*time.Millisecond, mb, func() { fired.Store(true) })
	cancel()

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestConcurrentCancelAndFireObservedOnce(t *testing.T) {
	tm := New()
	defer tm.Close()
	mb := mailbox.New(nil)
	defer mb.Close()

	var count atomic.Int32
	cancel := tm.FireAfter(5*time.Millisecond, mb, func() { count.Add(1) })

	done := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
		close(done)
	}()
	<-done
	time.Sleep(50 * time.Millisecond)

	assert.LessOrEqual(t, count.Load(), int32(1))
}
