package dbusconn

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// pendingSend is one queued outbound frame. Its completion slot resolves
// exactly once: with nil once the frame is on the wire, with the transport
// error on a failed write, or with the context error when the send is
// cancelled before the writer reaches it. tryResolve enforces the
// single-shot semantics; whichever of the writer and the canceller loses
// the race has its result dropped.
type pendingSend struct {
	msg *Message
	ctx context.Context

	picked   uint32
	resolved uint32
	done     chan struct{}
	err      error
}

func newPendingSend(ctx context.Context, msg *Message) *pendingSend {
	if ctx == nil {
		ctx = context.Background()
	}
	return &pendingSend{msg: msg, ctx: ctx, done: make(chan struct{})}
}

func (s *pendingSend) tryResolve(err error) bool {
	if !atomic.CompareAndSwapUint32(&s.resolved, 0, 1) {
		return false
	}
	s.err = err
	close(s.done)
	return true
}

// pickedUp reports whether the writer has dequeued this entry. A cancelled
// send that was never picked up is guaranteed to have put no bytes on the
// wire.
func (s *pendingSend) pickedUp() bool {
	return atomic.LoadUint32(&s.picked) != 0
}

// sendQueue is the FIFO of outbound frames. Any goroutine may enqueue; a
// single drainer at a time holds the permit and writes to the stream, so
// frames reach the wire in enqueue order.
type sendQueue struct {
	stream MessageStream
	log    *logrus.Entry
	permit *semaphore.Weighted

	mu    sync.Mutex
	queue list.List
}

func newSendQueue(stream MessageStream, log *logrus.Entry) *sendQueue {
	return &sendQueue{
		stream: stream,
		log:    log,
		permit: semaphore.NewWeighted(1),
	}
}

func (q *sendQueue) enqueue(s *pendingSend) {
	q.mu.Lock()
	q.queue.PushBack(s)
	q.mu.Unlock()
	if q.permit.TryAcquire(1) {
		go q.drain()
	}
}

func (q *sendQueue) pop() *pendingSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.queue.Front()
	if front == nil {
		return nil
	}
	q.queue.Remove(front)
	return front.Value.(*pendingSend)
}

func (q *sendQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len() == 0
}

// drain writes queued frames until the queue is empty, then releases the
// permit. An entry enqueued between the final pop and the release may have
// failed to acquire the permit, so the drainer re-checks before returning.
func (q *sendQueue) drain() {
	for {
		s := q.pop()
		if s == nil {
			q.permit.Release(1)
			if q.empty() || !q.permit.TryAcquire(1) {
				return
			}
			continue
		}
		atomic.StoreUint32(&s.picked, 1)
		if err := s.ctx.Err(); err != nil {
			s.tryResolve(err)
			continue
		}
		err := q.stream.Send(s.msg)
		if err != nil {
			q.log.WithError(err).Debug("message write failed")
		}
		s.tryResolve(err)
	}
}
