package dbusconn

import (
	"context"
	"sync"
)

// pendingReply is the one-shot slot a caller parks on while its method call
// is in flight. It resolves exactly once, with the reply frame or with a
// terminal error; later resolutions are dropped.
type pendingReply struct {
	done chan struct{}
	once sync.Once
	msg  *Message
	err  error
}

func newPendingReply() *pendingReply {
	return &pendingReply{done: make(chan struct{})}
}

func (p *pendingReply) resolve(msg *Message, err error) {
	p.once.Do(func() {
		p.msg = msg
		p.err = err
		close(p.done)
	})
}

func (p *pendingReply) wait(ctx context.Context) (*Message, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pendingTable maps outstanding request serials to their reply slots.
type pendingTable struct {
	mu      sync.Mutex
	replies map[uint32]*pendingReply
}

func newPendingTable() *pendingTable {
	return &pendingTable{replies: make(map[uint32]*pendingReply)}
}

func (t *pendingTable) add(serial uint32) *pendingReply {
	p := newPendingReply()
	t.mu.Lock()
	t.replies[serial] = p
	t.mu.Unlock()
	return p
}

// remove takes the slot for serial out of the table, or returns nil if no
// call is waiting on it.
func (t *pendingTable) remove(serial uint32) *pendingReply {
	t.mu.Lock()
	p := t.replies[serial]
	delete(t.replies, serial)
	t.mu.Unlock()
	return p
}

// drain atomically empties the table and returns the outstanding slots so
// the disconnect path can fail them.
func (t *pendingTable) drain() []*pendingReply {
	t.mu.Lock()
	snapshot := make([]*pendingReply, 0, len(t.replies))
	for _, p := range t.replies {
		snapshot = append(snapshot, p)
	}
	t.replies = make(map[uint32]*pendingReply)
	t.mu.Unlock()
	return snapshot
}
