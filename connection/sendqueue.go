package connection

import (
	"sync"

	"github.com/damianoneill/ipc/message"
)

// sendItem is one outbound frame plus whether it must wait in the
// acknowledgement queue until the peer confirms it.
type sendItem struct {
	buffer   *message.Buffer
	needsAck bool
}

// sendQueue is the FIFO of pending outbound frames. Any goroutine may push;
// only the sender goroutine pops.
type sendQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []sendItem
	running bool
}

func newSendQueue() *sendQueue {
	q := &sendQueue{running: true}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an item and wakes the sender. It reports false once the queue
// has been stopped.
func (q *sendQueue) push(item sendItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// popBlocking delivers the next item, waiting while the queue is empty.
// It reports false once the queue has been stopped; pending items are
// dropped at that point.
func (q *sendQueue) popBlocking() (sendItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && q.running {
		q.cond.Wait()
	}
	if !q.running {
		return sendItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// stop clears the running flag and wakes the sender so it can exit.
func (q *sendQueue) stop() {
	q.mu.Lock()
	q.running = false
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}
