// Package session implements the server-side source for one connected
// client of the display protocol: capability negotiation, the two-tier
// outbound packet scheduler, adaptive bandwidth allocation across window
// encoders, audio/video sync delay, idle/grace timeouts, and
// capability-gated notification delivery.
package session

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/gitmirrors2/xpra/wire"
)

// ordinaryEntry is a queued control/UI packet. Ordinary packets are
// always sent before any bulk packet.
type ordinaryEntry struct {
	packet       wire.Packet
	synchronous  bool
	fail         func(error)
	willHaveMore bool
}

// Bulk is an encoded payload entry queued by a window encoder: pixel
// data, clipboard contents, and similar byte-heavy packets.
type Bulk struct {
	Packet       wire.Packet
	StartSend    func()
	EndSend      func()
	Fail         func(error)
	WillHaveMore bool

	eos bool
}

// BulkQueue is the FIFO shared between window encoder goroutines
// (producers) and the transport writer (consumer, via Scheduler.Next).
// Closing it pushes exactly one end-of-stream sentinel so producers
// draining the queue observe termination; pushes after close are
// refused.
type BulkQueue struct {
	mu     sync.Mutex
	q      deque.Deque[*Bulk]
	closed bool
}

// Push appends an entry. Returns false, without queueing, once the
// queue has been closed.
func (b *BulkQueue) Push(e *Bulk) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.q.PushBack(e)
	return true
}

// Pop removes the oldest entry. The second return is false when the
// queue is empty. A popped entry with EndOfStream true is the close
// sentinel.
func (b *BulkQueue) Pop() (*Bulk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.q.Len() == 0 {
		return nil, false
	}
	return b.q.PopFront(), true
}

// Len returns the number of queued entries, including the sentinel.
func (b *BulkQueue) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Len()
}

// Closed reports whether the queue has been closed to producers.
func (b *BulkQueue) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *BulkQueue) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.q.PushBack(&Bulk{eos: true})
}

// EndOfStream reports whether this entry is the close sentinel.
func (e *Bulk) EndOfStream() bool { return e.eos }

// Scheduler is the two-tier outbound queue feeding a single transport
// writer. Ordinary packets (appended from the control thread) are
// dequeued strictly before bulk packets (appended by encoder
// goroutines); within each tier order is FIFO.
type Scheduler struct {
	mu       sync.Mutex
	ordinary []ordinaryEntry
	closed   bool

	bulk *BulkQueue

	// hasMore signals the attached transport that new ordinary data is
	// queued. Nil until a transport is attached.
	hasMore func()
}

// NewScheduler creates an empty scheduler and its shared bulk queue.
func NewScheduler() *Scheduler {
	return &Scheduler{bulk: &BulkQueue{}}
}

// Bulk returns the shared bulk queue handed to window encoders.
func (s *Scheduler) Bulk() *BulkQueue { return s.bulk }

// Attach registers the transport wakeup signal invoked whenever new
// ordinary data is queued.
func (s *Scheduler) Attach(hasMore func()) {
	s.mu.Lock()
	s.hasMore = hasMore
	s.mu.Unlock()
}

// QueueOrdinary appends a control packet and wakes the transport.
// Packets queued after close are dropped.
func (s *Scheduler) QueueOrdinary(p wire.Packet, synchronous bool, fail func(error), willHaveMore bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.ordinary = append(s.ordinary, ordinaryEntry{
		packet:       p,
		synchronous:  synchronous,
		fail:         fail,
		willHaveMore: willHaveMore,
	})
	hasMore := s.hasMore
	s.mu.Unlock()

	if hasMore != nil {
		hasMore()
	}
}

// QueueBulk appends an encoded payload entry and wakes the transport.
// Returns false once the scheduler has been closed.
func (s *Scheduler) QueueBulk(e *Bulk) bool {
	if !s.bulk.Push(e) {
		return false
	}
	s.mu.Lock()
	hasMore := s.hasMore
	s.mu.Unlock()

	if hasMore != nil {
		hasMore()
	}
	return true
}

// Next returns the next packet to send, ordinary entries strictly
// first. HaveMore is true iff either queue is non-empty after the pop.
// When the session is closed or both queues are drained it returns the
// empty tuple with Synchronous=true. Called exclusively from the
// transport writer goroutine.
func (s *Scheduler) Next() wire.NextPacket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wire.NextPacket{Synchronous: true}
	}

	np := wire.NextPacket{Synchronous: true}
	if len(s.ordinary) > 0 {
		e := s.ordinary[0]
		s.ordinary = s.ordinary[1:]
		np.Packet = e.packet
		np.Synchronous = e.synchronous
		np.Fail = e.fail
		np.WillHaveMore = e.willHaveMore
	} else if e, ok := s.bulk.Pop(); ok && !e.eos {
		np.Packet = e.Packet
		np.Synchronous = false
		np.StartSend = e.StartSend
		np.EndSend = e.EndSend
		np.Fail = e.Fail
		np.WillHaveMore = e.WillHaveMore
	}

	np.HaveMore = np.Packet != nil && (len(s.ordinary) > 0 || s.bulk.Len() > 0)
	return np
}

// Pending returns the ordinary and bulk queue depths, for diagnostics.
func (s *Scheduler) Pending() (ordinary, bulk int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ordinary), s.bulk.Len()
}

// Close marks the scheduler closed and pushes the end-of-stream
// sentinel into the bulk queue. Idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.bulk.close()
}

// Closed reports whether Close has been called.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
