package blip

import (
	"sync"

	"github.com/strand-protocol/blip/pkg/blipmsg"
	"github.com/strand-protocol/blip/pkg/mailbox"
)

// Reply is what an AsyncProvider resolves a Request to: either the peer's
// MessageIn or a connection-fatal error (spec §4.8).
type Reply struct {
	Msg *blipmsg.MessageIn
	Err error
}

// AsyncProvider lets BLIPIO "await" a reply without blocking its mailbox:
// resolution invokes the waiting continuation on the waiter's own
// mailbox if one was supplied, or inline otherwise (spec §4.8).
// Engine.SendRequest delivers its ReplyFunc through one, awaiting with a
// nil mailbox, so the ReplyFunc runs inline on the engine's mailbox.
type AsyncProvider struct {
	mu       sync.Mutex
	resolved bool
	reply    Reply
	waiter   func(Reply)
	waitMbox *mailbox.Mailbox
}

// NewAsyncProvider creates an unresolved provider.
func NewAsyncProvider() *AsyncProvider {
	return &AsyncProvider{}
}

// Resolve completes the provider exactly once. A second call is a no-op —
// destruction-before-resolution races are resolved by whichever call wins
// the lock first, matching "cancellation is cooperative" in spec §4.8.
func (p *AsyncProvider) Resolve(r Reply) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.reply = r
	waiter, mbox := p.waiter, p.waitMbox
	p.mu.Unlock()

	if waiter == nil {
		return
	}
	if mbox != nil {
		mbox.Enqueue(func() { waiter(r) })
	} else {
		waiter(r)
	}
}

// Await registers fn to run once Resolve is called. If mbox is non-nil,
// fn runs as a task on mbox (preserving "resumption runs on the
// originating mailbox"); otherwise it runs inline on whatever goroutine
// calls Resolve. If the provider is already resolved, fn is invoked (or
// scheduled) immediately.
func (p *AsyncProvider) Await(mbox *mailbox.Mailbox, fn func(Reply)) {
	p.mu.Lock()
	if p.resolved {
		r := p.reply
		p.mu.Unlock()
		if mbox != nil {
			mbox.Enqueue(func() { fn(r) })
		} else {
			fn(r)
		}
		return
	}
	p.waiter = fn
	p.waitMbox = mbox
	p.mu.Unlock()
}
