package buffer

import (
	"errors"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// Queue errors
var (
	// ErrQueueClosed indicates an enqueue after Close
	ErrQueueClosed = errors.New("buffer: outgoing queue closed")
)

// outPool recycles output slots across connections.
var outPool bytebufferpool.Pool

// Output is a fixed-capacity output buffer slot. Bytes are appended until
// the slot is handed to the outgoing queue, which flips it for draining.
// Ownership transfers to the queue on enqueue.
type Output struct {
	bb      *bytebufferpool.ByteBuffer
	cap     int
	drained int
}

// NewOutput leases an output slot with the given capacity from the pool.
func NewOutput(capacity int) *Output {
	return &Output{bb: outPool.Get(), cap: capacity}
}

// Cap returns the slot capacity.
func (o *Output) Cap() int { return o.cap }

// Len returns the number of appended bytes not yet drained.
func (o *Output) Len() int { return len(o.bb.B) - o.drained }

// Remaining returns how many more bytes fit in the slot.
func (o *Output) Remaining() int { return o.cap - len(o.bb.B) }

// Write appends p, up to the remaining capacity, and returns how many bytes
// were taken.
func (o *Output) Write(p []byte) (int, error) {
	room := o.Remaining()
	if room <= 0 {
		return 0, nil
	}
	if len(p) > room {
		p = p[:room]
	}
	o.bb.B = append(o.bb.B, p...)
	return len(p), nil
}

// WriteByte appends a single byte.
func (o *Output) WriteByte(b byte) error {
	if o.Remaining() < 1 {
		return ErrOverflow
	}
	o.bb.B = append(o.bb.B, b)
	return nil
}

// WriteString appends s, truncated to the remaining capacity, and returns
// how many bytes were taken.
func (o *Output) WriteString(s string) (int, error) {
	room := o.Remaining()
	if room <= 0 {
		return 0, nil
	}
	if len(s) > room {
		s = s[:room]
	}
	o.bb.B = append(o.bb.B, s...)
	return len(s), nil
}

// Pending returns the undrained bytes. The slice aliases internal storage.
func (o *Output) Pending() []byte { return o.bb.B[o.drained:] }

// Advance records that n pending bytes were written to the channel.
func (o *Output) Advance(n int) { o.drained += n }

// Drained reports whether every appended byte has been written out.
func (o *Output) Drained() bool { return o.drained >= len(o.bb.B) }

// Release returns the slot's backing storage to the pool. The slot must not
// be used afterwards.
func (o *Output) Release() {
	if o.bb != nil {
		outPool.Put(o.bb)
		o.bb = nil
	}
}

// OutQueue is the connection's thread-safe FIFO of output slots awaiting a
// channel write. Enqueue is the only cross-thread mutator on a connection:
// handlers append from executor goroutines while the reactor drains.
//
// After Close, further enqueues are rejected but already-queued slots keep
// draining; once empty the connection transitions to terminated.
type OutQueue struct {
	mu     sync.Mutex
	slots  []*Output
	closed bool
	queued int64 // bytes currently queued, across all slots
}

// NewOutQueue creates an empty outgoing queue.
func NewOutQueue() *OutQueue {
	return &OutQueue{}
}

// Enqueue appends a slot to the queue, taking ownership. Enqueueing on a
// closed queue releases the slot and reports ErrQueueClosed.
func (q *OutQueue) Enqueue(o *Output) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		o.Release()
		return ErrQueueClosed
	}
	q.slots = append(q.slots, o)
	q.queued += int64(o.Len())
	q.mu.Unlock()
	return nil
}

// Head returns the slot at the front of the queue without removing it, or
// nil when the queue is empty.
func (q *OutQueue) Head() *Output {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.slots) == 0 {
		return nil
	}
	return q.slots[0]
}

// Consumed records that n bytes from the head slot were written to the
// channel, popping and recycling the slot once fully drained.
func (q *OutQueue) Consumed(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.slots) == 0 {
		return
	}
	head := q.slots[0]
	head.Advance(n)
	q.queued -= int64(n)
	if head.Drained() {
		q.slots = q.slots[1:]
		head.Release()
	}
}

// Empty reports whether nothing remains to flush.
func (q *OutQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots) == 0
}

// QueuedBytes returns the total bytes awaiting flush.
func (q *OutQueue) QueuedBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued
}

// Close rejects future enqueues. Queued slots remain until drained.
func (q *OutQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Closed reports whether the queue has been closed.
func (q *OutQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// EnqueueBytes splits b across fixed-size output slots and appends them to
// q, preserving FIFO order.
func EnqueueBytes(q *OutQueue, slotSize int, b []byte) error {
	if slotSize < 1 {
		slotSize = 1
	}
	for len(b) > 0 {
		slot := NewOutput(slotSize)
		n, _ := slot.Write(b)
		if n == 0 {
			slot.Release()
			return ErrOverflow
		}
		b = b[n:]
		if err := q.Enqueue(slot); err != nil {
			return err
		}
	}
	return nil
}

// Discard releases every queued slot without draining. Used when the
// channel is unusable.
func (q *OutQueue) Discard() {
	q.mu.Lock()
	slots := q.slots
	q.slots = nil
	q.queued = 0
	q.closed = true
	q.mu.Unlock()
	for _, s := range slots {
		s.Release()
	}
}
