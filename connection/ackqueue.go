package connection

import (
	"sync"

	"github.com/damianoneill/ipc/message"
)

// ackWaitQueue holds frames that have been handed to the transport and are
// awaiting a peer acknowledgement. The sender appends before transmitting;
// the receiver pops when an acknowledgement is parsed.
type ackWaitQueue struct {
	mu      sync.Mutex
	buffers []*message.Buffer
}

func (q *ackWaitQueue) append(b *message.Buffer) {
	q.mu.Lock()
	q.buffers = append(q.buffers, b)
	q.mu.Unlock()
}

// dropNewest removes b if it is still the most recent entry. The sender uses
// it to back out an entry whose transmit failed.
func (q *ackWaitQueue) dropNewest(b *message.Buffer) {
	q.mu.Lock()
	if n := len(q.buffers); n > 0 && q.buffers[n-1] == b {
		q.buffers = q.buffers[:n-1]
	}
	q.mu.Unlock()
}

// popN removes up to n entries from the head and reports how many were
// removed.
func (q *ackWaitQueue) popN(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.buffers) {
		n = len(q.buffers)
	}
	q.buffers = q.buffers[n:]
	return n
}

// depth delivers the number of unacknowledged frames.
func (q *ackWaitQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffers)
}

func (q *ackWaitQueue) clear() {
	q.mu.Lock()
	q.buffers = nil
	q.mu.Unlock()
}
