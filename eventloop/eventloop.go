// Package eventloop provides the minimal event-loop capability the IPC
// connection consumes: deferred invocation on a single goroutine and
// single-shot timers that fire on it.
package eventloop

import (
	"sync"
	"time"
)

// Loop runs deferred tasks in FIFO order on a single goroutine.
type Loop struct {
	tasks chan func()
	done  chan struct{}

	closeOnce sync.Once
}

const taskBacklog = 128

// New delivers a running loop.
func New() *Loop {
	l := &Loop{tasks: make(chan func(), taskBacklog), done: make(chan struct{})}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.tasks:
			select {
			case <-l.done:
				return
			default:
			}
			fn()
		case <-l.done:
			return
		}
	}
}

// Defer schedules fn to run on the loop goroutine. It reports whether the
// task was accepted; tasks posted to a closed loop are dropped.
func (l *Loop) Defer(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// SingleShot arranges for fn to run on the loop goroutine after d has
// elapsed. The returned timer can be stopped before it fires.
func (l *Loop) SingleShot(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		l.Defer(fn)
	})
}

// Closed delivers a channel that is closed when the loop has been closed.
func (l *Loop) Closed() <-chan struct{} {
	return l.done
}

// Close stops the loop. Tasks not yet started are dropped; a task already
// running completes first. Close is idempotent and safe to call from a task
// running on the loop.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}
