// Package transport adapts a connected AF_UNIX stream socket for use as an
// IPC byte transport: non-blocking reads that also collect file descriptors
// passed with SCM_RIGHTS, framed writes that attach descriptors to the frame
// carrying them, and a readable hook that fires on the event-loop goroutine.
package transport

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/damianoneill/ipc/eventloop"
	"github.com/damianoneill/ipc/message"
)

// SocketBufferSize is the threshold above which an encoded message no longer
// fits the socket buffer and must travel inside a LargeMessageWrapper.
const SocketBufferSize = 32 * 1024

// maxFdsPerRead bounds the SCM_RIGHTS ancillary buffer of a single recvmsg.
// The kernel caps a single control message at SCM_MAX_FD descriptors.
const maxFdsPerRead = 253

// ErrClosed indicates an operation on a transport that has been closed.
var ErrClosed = errors.New("transport closed")

// ReadResult carries everything one non-blocking drain of the socket
// produced.
type ReadResult struct {
	// Data is the bytes read, in order.
	Data []byte
	// Fds is the file descriptors received with the bytes, in delivery order.
	Fds []int
	// EOF indicates the peer closed its end of the socket.
	EOF bool
}

// Transport is the byte transport consumed by a connection.
type Transport interface {
	// IsOpen reports whether the transport is usable.
	IsOpen() bool

	// Close closes the socket. Idempotent.
	Close() error

	// WaitUntilReadable blocks the calling goroutine until the socket has
	// bytes available or has failed.
	WaitUntilReadable() error

	// ReadNonblocking returns immediately with whatever bytes and
	// descriptors are available.
	ReadNonblocking() (*ReadResult, error)

	// WriteFrame writes the length prefix and body of buf, attaching its
	// descriptors to the first bytes out, looping until the frame is fully
	// delivered or fails.
	WriteFrame(buf *message.Buffer) error

	// InstallReadableHook arranges for fn to run on the supplied event loop
	// whenever bytes may be available. Each invocation completes before the
	// next is scheduled.
	InstallReadableHook(loop *eventloop.Loop, fn func())
}

type tImpl struct {
	fd int

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New delivers a transport over the supplied connected socket descriptor.
// The transport takes ownership of the descriptor.
func New(fd int) Transport {
	return &tImpl{fd: fd}
}

// Socketpair delivers a connected pair of AF_UNIX stream descriptors, one
// for each side of an in-process connection.
func Socketpair() ([2]int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fds, errors.Wrap(err, "socketpair")
	}
	return fds, nil
}

func (t *tImpl) IsOpen() bool {
	return !t.closed.Load()
}

func (t *tImpl) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = unix.Close(t.fd)
	})
	return t.closeErr
}

func (t *tImpl) WaitUntilReadable() error {
	for {
		if t.closed.Load() {
			return ErrClosed
		}
		pfds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
		_, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "poll")
		}
		if t.closed.Load() {
			return ErrClosed
		}
		if pfds[0].Revents&(unix.POLLNVAL|unix.POLLERR) != 0 {
			return ErrClosed
		}
		// POLLIN or POLLHUP: either way a read will resolve it.
		if pfds[0].Revents != 0 {
			return nil
		}
	}
}

func (t *tImpl) ReadNonblocking() (*ReadResult, error) {
	res := &ReadResult{}
	buf := make([]byte, SocketBufferSize)
	oob := make([]byte, unix.CmsgSpace(maxFdsPerRead*4))
	for {
		n, oobn, _, _, err := unix.Recvmsg(t.fd, buf, oob, unix.MSG_DONTWAIT|unix.MSG_CMSG_CLOEXEC)
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return res, nil
		default:
			if t.closed.Load() {
				res.EOF = true
				return res, nil
			}
			return res, errors.Wrap(err, "recvmsg")
		}
		if oobn > 0 {
			fds, perr := parseRights(oob[:oobn])
			if perr != nil {
				return res, perr
			}
			res.Fds = append(res.Fds, fds...)
		}
		if n == 0 {
			res.EOF = true
			return res, nil
		}
		res.Data = append(res.Data, buf[:n]...)
	}
}

func parseRights(oob []byte) ([]int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "parse control message")
	}
	var fds []int
	for i := range scms {
		if scms[i].Header.Level != unix.SOL_SOCKET || scms[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			return nil, errors.Wrap(err, "parse rights")
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func (t *tImpl) WriteFrame(buf *message.Buffer) error {
	if t.closed.Load() {
		return ErrClosed
	}
	frame := make([]byte, 4+len(buf.Data))
	binary.LittleEndian.PutUint32(frame, uint32(len(buf.Data)))
	copy(frame[4:], buf.Data)

	var oob []byte
	if len(buf.Fds) > 0 {
		oob = unix.UnixRights(buf.Fds...)
	}

	for sent := 0; sent < len(frame); {
		n, err := unix.SendmsgN(t.fd, frame[sent:], oob, nil, unix.MSG_NOSIGNAL)
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if werr := t.waitUntilWritable(); werr != nil {
				return werr
			}
			continue
		default:
			return errors.Wrap(err, "sendmsg")
		}
		sent += n
		if n > 0 {
			// The descriptors ride with the first bytes delivered.
			oob = nil
		}
	}
	return nil
}

func (t *tImpl) waitUntilWritable() error {
	for {
		if t.closed.Load() {
			return ErrClosed
		}
		pfds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLOUT}}
		_, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "poll")
		}
		if pfds[0].Revents&(unix.POLLNVAL|unix.POLLERR) != 0 {
			return ErrClosed
		}
		if pfds[0].Revents != 0 {
			return nil
		}
	}
}

func (t *tImpl) InstallReadableHook(loop *eventloop.Loop, fn func()) {
	go func() {
		for {
			if err := t.WaitUntilReadable(); err != nil {
				return
			}
			done := make(chan struct{})
			if !loop.Defer(func() {
				defer close(done)
				fn()
			}) {
				return
			}
			select {
			case <-done:
			case <-loop.Closed():
				return
			}
			if t.closed.Load() {
				return
			}
		}
	}()
}
