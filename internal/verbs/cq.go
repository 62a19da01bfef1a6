package verbs

import (
	"fmt"
	"sync"
)

// CQ is a completion queue: a bounded FIFO of work completions shared by
// any number of queue pairs. Capacity is fixed at creation (rounded up
// to a power of two). When an insertion finds the queue full it fails
// and latches the overrun flag; PollCQ reports the overrun once after
// the queue drains. Concurrent insertion is safe; each completion is
// delivered to exactly one poller.
type CQ struct {
	ctx    *Context
	handle uint32
	idx    int

	mu            sync.Mutex
	ring          []WC
	head          uint64
	tail          uint64
	overrun       bool
	armed         bool
	solicitedOnly bool
	notifyCh      chan struct{}
}

// Handle returns the opaque CQ handle.
func (q *CQ) Handle() uint32 { return q.handle }

// Capacity returns the usable completion capacity.
func (q *CQ) Capacity() int { return len(q.ring) }

// Context returns the owning context.
func (q *CQ) Context() *Context { return q.ctx }

// NotifyChan returns the channel a one-shot completion notification is
// signalled on after ReqNotify arms the queue.
func (q *CQ) NotifyChan() <-chan struct{} { return q.notifyCh }

// Push appends a work completion. It returns false, latching the overrun
// flag, when the queue is full. Backends call this on the completion
// path.
func (q *CQ) Push(wc WC) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tail-q.head == uint64(len(q.ring)) {
		q.overrun = true
		return false
	}
	q.ring[q.tail&uint64(len(q.ring)-1)] = wc
	q.tail++
	if q.armed && (!q.solicitedOnly || wc.Solicited || wc.Status != WCSuccess) {
		q.armed = false
		select {
		case q.notifyCh <- struct{}{}:
		default:
		}
	}
	return true
}

// Poll drains up to len(wc) completions in FIFO order. It never blocks;
// zero completions with a nil error means the queue is currently empty.
func (q *CQ) Poll(wc []WC) (int, error) {
	if q.ctx.ops.PollCQ == nil {
		return 0, notSupported("poll_cq")
	}
	return q.ctx.ops.PollCQ(q, wc)
}

// ReqNotify arms a one-shot notification for the next completion, or the
// next solicited or error completion when solicitedOnly is set.
func (q *CQ) ReqNotify(solicitedOnly bool) error {
	if q.ctx.ops.ReqNotifyCQ == nil {
		return notSupported("req_notify_cq")
	}
	return q.ctx.ops.ReqNotifyCQ(q, solicitedOnly)
}

// Resize changes the completion capacity.
func (q *CQ) Resize(cqe int) error {
	if q.ctx.ops.ResizeCQ == nil {
		return notSupported("resize_cq")
	}
	return q.ctx.ops.ResizeCQ(q, cqe)
}

// Destroy releases the completion queue. Destroying a CQ still bound to
// a live QP is a usage error.
func (q *CQ) Destroy() error {
	if q.ctx.ops.DestroyCQ == nil {
		return notSupported("destroy_cq")
	}
	return q.ctx.ops.DestroyCQ(q)
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// CmdCreateCQ is the core implementation of the create_cq slot.
func CmdCreateCQ(c *Context, cqe int) (*CQ, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if cqe <= 0 {
		return nil, fmt.Errorf("cqe %d: %w", cqe, ErrInvalidArgument)
	}
	if cqe > MaxCQE {
		return nil, fmt.Errorf("cqe %d exceeds maximum %d: %w", cqe, MaxCQE, ErrInvalidArgument)
	}

	cq := &CQ{
		ctx:      c,
		ring:     make([]WC, nextPow2(cqe)),
		notifyCh: make(chan struct{}, 1),
	}
	c.mu.Lock()
	idx, ok := c.cqs.alloc(cq)
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("CQ table full (%d): %w", MaxCQCount, ErrResourceExhausted)
	}
	cq.idx = idx
	cq.handle = uint32(idx) + 1
	return cq, nil
}

// CmdPollCQ is the core implementation of the poll_cq slot.
func CmdPollCQ(cq *CQ, wc []WC) (int, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	n := 0
	for n < len(wc) && cq.head != cq.tail {
		wc[n] = cq.ring[cq.head&uint64(len(cq.ring)-1)]
		cq.head++
		n++
	}
	if n == 0 && cq.overrun {
		cq.overrun = false
		return 0, ErrCQOverrun
	}
	return n, nil
}

// CmdReqNotifyCQ is the core implementation of the req_notify_cq slot.
func CmdReqNotifyCQ(cq *CQ, solicitedOnly bool) error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	cq.armed = true
	cq.solicitedOnly = solicitedOnly
	return nil
}

// CmdDestroyCQ is the core implementation of the destroy_cq slot.
func CmdDestroyCQ(cq *CQ) error {
	c := cq.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cqs.get(cq.idx) != cq {
		return fmt.Errorf("unknown CQ handle %d: %w", cq.handle, ErrInvalidArgument)
	}
	c.cqs.free(cq.idx)
	return nil
}
