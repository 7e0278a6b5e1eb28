// Package connection implements the core of a bidirectional, message-oriented
// IPC connection: framing over an ordered byte transport, asynchronous send
// with in-band acknowledgements, oversize-message wrapping, liveness
// monitoring and synchronous waits for specific replies.
package connection

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/damianoneill/ipc/eventloop"
	"github.com/damianoneill/ipc/message"
	"github.com/damianoneill/ipc/transport"
)

// ErrShutdownInProgress indicates a post was attempted on a connection whose
// transport is closed.
var ErrShutdownInProgress = errors.New("shutdown in progress")

// ErrResidualConflict indicates a drain produced residual bytes while
// residue already existed. The connection shuts down.
var ErrResidualConflict = errors.New("residual bytes conflict")

// ErrPeerClosed indicates the peer closed its end of the transport.
var ErrPeerClosed = errors.New("peer closed connection")

// Connection multiplexes typed messages and file descriptors over a single
// ordered byte transport.
type Connection interface {
	// PostMessage encodes m and queues it for transmission. It returns
	// without waiting for the transfer; the frame waits for a peer
	// acknowledgement. Oversized messages are wrapped transparently.
	PostMessage(m message.Message) error

	// PostBuffer queues an already-encoded message for transmission on the
	// given endpoint magic. needsAck controls whether the frame waits for a
	// peer acknowledgement.
	PostBuffer(magic message.EndpointMagic, buf *message.Buffer, needsAck bool) error

	// WaitForMessage blocks until a message with the given magic and id
	// arrives, servicing the transport while it waits. It delivers nil once
	// the connection has closed. Unrelated messages that arrive meanwhile
	// are dispatched afterwards on the event loop.
	WaitForMessage(magic message.EndpointMagic, id message.ID) message.Message

	// PostAndWait posts m and blocks until the reply with the given id
	// arrives on the same endpoint magic. The wait is registered before the
	// post, so a reply cannot slip past the dispatcher first. It delivers
	// nil once the connection has closed.
	PostAndWait(m message.Message, replyID message.ID) (message.Message, error)

	// IsOpen reports whether the transport is usable.
	IsOpen() bool

	// Shutdown closes the transport, stops the sender and fires the Died
	// hook exactly once. Idempotent.
	Shutdown()

	// ShutdownWithError logs err, then shuts down.
	ShutdownWithError(err error)

	// ID delivers the connection's unique id, as carried in trace events.
	ID() string
}

// waiter is a synchronous wait registered for a specific magic/id pair.
type waiter struct {
	magic message.EndpointMagic
	id    message.ID
	ch    chan message.Message
}

type connImpl struct {
	cfg  *connectionConfig
	t    transport.Transport
	stub message.Stub
	loop *eventloop.Loop
	dog  *watchdog

	id         string
	localMagic message.EndpointMagic
	peerMagic  message.EndpointMagic
	ownedLoop  bool

	sendq *sendQueue
	ackq  *ackWaitQueue

	// Receiver state. The readable hook drains on the event-loop goroutine
	// and synchronous waiters drain inline; recvMu serialises them.
	recvMu           sync.Mutex
	unprocessedBytes []byte
	unprocessedFds   message.FdQueue
	unprocessedMsgs  []message.Message
	waiters          []*waiter

	shutdownOnce sync.Once
}

func (c *connImpl) ID() string {
	return c.id
}

func (c *connImpl) IsOpen() bool {
	return c.t.IsOpen()
}

func (c *connImpl) PostMessage(m message.Message) (err error) {
	defer func() {
		c.cfg.trace.PostDone(c.id, m.EndpointMagic(), m.MessageID(), err)
	}()

	buf, err := m.Encode()
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	return c.post(m.EndpointMagic(), buf, true)
}

func (c *connImpl) PostBuffer(magic message.EndpointMagic, buf *message.Buffer, needsAck bool) error {
	return c.post(magic, buf, needsAck)
}

func (c *connImpl) post(magic message.EndpointMagic, buf *message.Buffer, needsAck bool) error {
	if !c.t.IsOpen() {
		return ErrShutdownInProgress
	}

	if len(buf.Data) > transport.SocketBufferSize {
		wrapped, err := message.WrapLarge(magic, buf)
		if err != nil {
			return err
		}
		buf = wrapped
	}

	if !c.sendq.push(sendItem{buffer: buf, needsAck: needsAck}) {
		return ErrShutdownInProgress
	}
	c.dog.start()
	return nil
}

// sendLoop is the sole writer of the transport. It appends ack-requiring
// frames to the wait queue before transmitting, so an acknowledgement cannot
// arrive between transmit and enqueue.
func (c *connImpl) sendLoop() {
	for {
		item, ok := c.sendq.popBlocking()
		if !ok {
			return
		}
		if item.needsAck {
			c.ackq.append(item.buffer)
		}
		begin := time.Now()
		err := c.t.WriteFrame(item.buffer)
		c.cfg.trace.TransferDone(c.id, len(item.buffer.Data), err, time.Since(begin))
		if err != nil {
			// The peer never saw this frame; back its ack entry out again.
			if item.needsAck {
				c.ackq.dropNewest(item.buffer)
			}
			c.cfg.trace.Error("transfer", c.id, err)
		}
	}
}

// drainAndDispatch is the readable hook body, run on the event-loop
// goroutine.
func (c *connImpl) drainAndDispatch() {
	c.recvMu.Lock()
	queued, _ := c.drainLocked()
	c.recvMu.Unlock()
	if queued {
		c.loop.Defer(c.handleMessages)
	}
}

// drainLocked reads everything available from the transport and parses
// complete frames. It reports whether any messages were queued for dispatch.
// EOF and framing violations schedule a deferred shutdown and surface as an
// error so synchronous waiters exit.
func (c *connImpl) drainLocked() (bool, error) {
	res, err := c.t.ReadNonblocking()
	if err != nil {
		c.cfg.trace.Error("read", c.id, err)
		c.loop.Defer(c.Shutdown)
		return false, err
	}

	if len(res.Fds) > 0 {
		c.unprocessedFds.Enqueue(res.Fds...)
	}
	if len(res.Data) > 0 {
		c.dog.stop()
		c.cfg.trace.DidBecomeResponsive(c.id)
	}
	if res.EOF {
		c.loop.Defer(c.Shutdown)
	}

	data := res.Data
	if len(c.unprocessedBytes) > 0 {
		data = append(c.unprocessedBytes, res.Data...)
		c.unprocessedBytes = nil
	}

	queued, err := c.tryParseMessagesLocked(data)
	if err != nil {
		return queued, err
	}
	if res.EOF {
		return queued, ErrPeerClosed
	}
	return queued, nil
}

func (c *connImpl) tryParseMessagesLocked(data []byte) (bool, error) {
	index := 0
	var pendingAckCount, receivedAckCount uint32
	queued := false

	for len(data)-index >= 4 {
		length := int(binary.LittleEndian.Uint32(data[index:]))
		if length == 0 || len(data)-index-4 < length {
			// No complete frame in this window.
			break
		}
		body := data[index+4 : index+4+length]
		msg, acks, err := c.parseFrameLocked(body)
		if err != nil {
			c.cfg.trace.DecodeFailed(c.id, hex.Dump(body), err)
			break
		}
		index += 4 + length
		if msg == nil {
			receivedAckCount += acks
			continue
		}
		c.cfg.trace.MessageReceived(c.id, msg.EndpointMagic(), msg.MessageID())
		c.unprocessedMsgs = append(c.unprocessedMsgs, msg)
		pendingAckCount++
		queued = true
	}

	var fatal error
	if index < len(data) {
		if len(c.unprocessedBytes) > 0 {
			// Residue survives at most one drain.
			fatal = ErrResidualConflict
			c.cfg.trace.Error("parse", c.id, fatal)
			c.loop.Defer(c.Shutdown)
		} else {
			c.unprocessedBytes = append([]byte(nil), data[index:]...)
		}
	}

	if receivedAckCount > 0 {
		c.ackq.popN(int(receivedAckCount))
		c.cfg.trace.AckReceived(c.id, receivedAckCount, c.ackq.depth())
	}
	if fatal != nil {
		return queued, fatal
	}

	if c.t.IsOpen() && pendingAckCount > 0 {
		ack := &message.Acknowledgement{Magic: c.peerMagic, Count: pendingAckCount}
		buf, _ := ack.Encode()
		if err := c.post(c.peerMagic, buf, false); err != nil {
			c.cfg.trace.Error("acknowledge", c.id, err)
		}
	}
	return queued, nil
}

// parseFrameLocked classifies one frame body. A nil message with a non-zero
// count is an acknowledgement.
func (c *connImpl) parseFrameLocked(body []byte) (message.Message, uint32, error) {
	magic, id, payload, err := message.ParseHeader(body)
	if err != nil {
		return nil, 0, err
	}

	switch id {
	case message.AckID:
		if magic != c.localMagic {
			return nil, 0, errors.Errorf("acknowledgement on unexpected magic %#x", uint32(magic))
		}
		ack, err := message.DecodeAcknowledgement(magic, payload)
		if err != nil {
			return nil, 0, err
		}
		return nil, ack.Count, nil

	case message.LargeWrapperID:
		inner, fdCount, err := message.UnwrapLarge(payload)
		if err != nil {
			return nil, 0, err
		}
		// The wrapper handed over the wrapped message's descriptors; replay
		// them to the wrapped message's decoder.
		fds, err := c.unprocessedFds.ShiftN(fdCount)
		if err != nil {
			return nil, 0, err
		}
		c.unprocessedFds.PushFront(fds...)
		imagic, iid, ipayload, err := message.ParseHeader(inner)
		if err != nil {
			return nil, 0, err
		}
		if iid == message.AckID {
			return nil, 0, errors.New("acknowledgement inside large message wrapper")
		}
		m, err := c.decodeLocked(imagic, iid, ipayload)
		return m, 0, err

	default:
		m, err := c.decodeLocked(magic, id, payload)
		return m, 0, err
	}
}

func (c *connImpl) decodeLocked(magic message.EndpointMagic, id message.ID, payload []byte) (message.Message, error) {
	switch {
	case magic == c.localMagic:
		return c.stub.Decode(id, payload, &c.unprocessedFds)
	case magic == c.peerMagic && c.cfg.peerDecoder != nil:
		// Replies to our own requests come back on the peer endpoint;
		// synchronous waiters claim them before dispatch.
		return c.cfg.peerDecoder.Decode(id, payload, &c.unprocessedFds)
	}
	// No decoder for a foreign magic; retain the encoded form, the
	// dispatcher drops it.
	return &message.Raw{Magic: magic, ID: id, Payload: append([]byte(nil), payload...)}, nil
}

// handleMessages dispatches the queued messages, routing those a synchronous
// waiter has claimed to the waiter instead of the stub.
func (c *connImpl) handleMessages() {
	c.recvMu.Lock()
	msgs := c.unprocessedMsgs
	c.unprocessedMsgs = nil
	var rest []message.Message
	for _, m := range msgs {
		if w := c.takeWaiterLocked(m.EndpointMagic(), m.MessageID()); w != nil {
			w.ch <- m
			continue
		}
		rest = append(rest, m)
	}
	c.recvMu.Unlock()

	for _, m := range rest {
		if m.EndpointMagic() != c.localMagic {
			c.cfg.trace.MessageDropped(c.id, m.EndpointMagic(), m.MessageID())
			continue
		}
		reply, err := c.stub.Handle(m)
		if err != nil {
			c.cfg.trace.Error("handler", c.id, err)
			continue
		}
		if reply != nil {
			if err := c.PostMessage(reply); err != nil {
				c.cfg.trace.Error("reply", c.id, err)
			}
		}
	}
}

func (c *connImpl) WaitForMessage(magic message.EndpointMagic, id message.ID) message.Message {
	begin := time.Now()
	m := c.waitForMessage(magic, id)
	c.cfg.trace.WaitDone(c.id, magic, id, m != nil, time.Since(begin))
	return m
}

func (c *connImpl) waitForMessage(magic message.EndpointMagic, id message.ID) message.Message {
	w, m := c.registerWaiter(magic, id)
	if m != nil {
		return m
	}
	return c.awaitWaiter(w)
}

func (c *connImpl) PostAndWait(m message.Message, replyID message.ID) (message.Message, error) {
	w, got := c.registerWaiter(m.EndpointMagic(), replyID)
	if got != nil {
		return got, nil
	}
	if err := c.PostMessage(m); err != nil {
		c.abandonWait(w)
		return nil, err
	}
	return c.awaitWaiter(w), nil
}

// registerWaiter claims a queued match, or registers a waiter for the next
// one.
func (c *connImpl) registerWaiter(magic message.EndpointMagic, id message.ID) (*waiter, message.Message) {
	w := &waiter{magic: magic, id: id, ch: make(chan message.Message, 1)}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if m := c.takeMatchLocked(magic, id); m != nil {
		return nil, m
	}
	c.waiters = append(c.waiters, w)
	return w, nil
}

func (c *connImpl) awaitWaiter(w *waiter) message.Message {
	magic, id := w.magic, w.id

	// The readable wait runs in a helper goroutine so the waiter also wakes
	// if the event-loop drain claims its message first. The poll does not
	// consume bytes; an abandoned helper exits on the next wakeup or close.
	readable := make(chan error, 1)
	pollPending := false

	for {
		select {
		case m := <-w.ch:
			return m
		default:
		}
		if !c.t.IsOpen() {
			return c.abandonWait(w)
		}
		if !pollPending {
			pollPending = true
			go func() {
				readable <- c.t.WaitUntilReadable()
			}()
		}
		select {
		case m := <-w.ch:
			return m
		case err := <-readable:
			pollPending = false
			if err != nil {
				return c.abandonWait(w)
			}
		}

		c.recvMu.Lock()
		queued, err := c.drainLocked()
		m := c.takeMatchLocked(magic, id)
		if m != nil {
			c.removeWaiterLocked(w)
		}
		c.recvMu.Unlock()
		// Unrelated messages accumulated during the wait are dispatched on
		// the event loop.
		if queued {
			c.loop.Defer(c.handleMessages)
		}
		if m != nil {
			return m
		}
		if err != nil {
			return c.abandonWait(w)
		}
	}
}

// abandonWait unregisters the waiter, delivering a message that raced in
// through the dispatcher just before the wait ended.
func (c *connImpl) abandonWait(w *waiter) message.Message {
	c.recvMu.Lock()
	c.removeWaiterLocked(w)
	c.recvMu.Unlock()
	select {
	case m := <-w.ch:
		return m
	default:
		return nil
	}
}

func (c *connImpl) takeMatchLocked(magic message.EndpointMagic, id message.ID) message.Message {
	for i, m := range c.unprocessedMsgs {
		if m.EndpointMagic() == magic && m.MessageID() == id {
			c.unprocessedMsgs = append(c.unprocessedMsgs[:i], c.unprocessedMsgs[i+1:]...)
			return m
		}
	}
	return nil
}

func (c *connImpl) takeWaiterLocked(magic message.EndpointMagic, id message.ID) *waiter {
	for i, w := range c.waiters {
		if w.magic == magic && w.id == id {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return w
		}
	}
	return nil
}

func (c *connImpl) removeWaiterLocked(w *waiter) {
	for i, cand := range c.waiters {
		if cand == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *connImpl) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.dog.stop()
		_ = c.t.Close()
		c.sendq.stop()
		c.ackq.clear()
		c.cfg.trace.Died(c.id)
		if c.ownedLoop {
			c.loop.Close()
		}
	})
}

func (c *connImpl) ShutdownWithError(err error) {
	c.cfg.trace.Error("shutdown", c.id, err)
	c.Shutdown()
}

// watchdog arms a single-shot timer around outbound traffic to detect a
// silent peer.
type watchdog struct {
	loop    *eventloop.Loop
	timeout time.Duration
	onFire  func()

	mu    sync.Mutex
	timer *time.Timer
}

func newWatchdog(loop *eventloop.Loop, timeout time.Duration, onFire func()) *watchdog {
	return &watchdog{loop: loop, timeout: timeout, onFire: onFire}
}

// start arms the timer, restarting it if already running.
func (w *watchdog) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.loop.SingleShot(w.timeout, w.onFire)
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
