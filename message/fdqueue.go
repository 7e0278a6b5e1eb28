package message

import "github.com/pkg/errors"

// ErrFdShortfall indicates a decoder asked for more file descriptors than
// the transport has delivered.
var ErrFdShortfall = errors.New("not enough file descriptors received")

// FdQueue is the FIFO of received file descriptors awaiting consumption by
// message decoders. Descriptors are consumed in the order the transport
// delivered them; PushFront replays a wrapper's descriptors ahead of the
// wrapped message's decoder.
//
// FdQueue is not safe for concurrent use; the connection confines it to the
// receiver.
type FdQueue struct {
	fds []int
}

// Enqueue appends descriptors in delivery order.
func (q *FdQueue) Enqueue(fds ...int) {
	q.fds = append(q.fds, fds...)
}

// PushFront places descriptors at the head of the queue, preserving their
// relative order.
func (q *FdQueue) PushFront(fds ...int) {
	q.fds = append(append([]int(nil), fds...), q.fds...)
}

// Shift removes and returns the descriptor at the head of the queue.
func (q *FdQueue) Shift() (int, error) {
	if len(q.fds) == 0 {
		return -1, ErrFdShortfall
	}
	fd := q.fds[0]
	q.fds = q.fds[1:]
	return fd, nil
}

// ShiftN removes and returns the n descriptors at the head of the queue.
func (q *FdQueue) ShiftN(n int) ([]int, error) {
	if len(q.fds) < n {
		return nil, ErrFdShortfall
	}
	fds := append([]int(nil), q.fds[:n]...)
	q.fds = q.fds[n:]
	return fds, nil
}

// Len delivers the number of queued descriptors.
func (q *FdQueue) Len() int {
	return len(q.fds)
}
