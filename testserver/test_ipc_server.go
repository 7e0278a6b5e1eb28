// Package testserver provides an in-process IPC endpoint and a scripted
// byte-level peer for exercising connections in tests.
package testserver

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	assert "github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/damianoneill/ipc/message"
)

// Endpoint magics for the two sides of the test contract.
const (
	ClientMagic message.EndpointMagic = 0x43497043
	ServerMagic message.EndpointMagic = 0x53727643
)

// Message ids of the test contract.
const (
	PingRequestID message.ID = 7
	PingReplyID   message.ID = 8
	ShareFileID   message.ID = 9
	BlobPushID    message.ID = 10
)

// PingRequest asks the peer to echo seq and note back in a PingReply.
type PingRequest struct {
	Magic message.EndpointMagic `cbor:"-"`
	Seq   uint32                `cbor:"1,keyasint"`
	Note  string                `cbor:"2,keyasint"`
}

func (m *PingRequest) EndpointMagic() message.EndpointMagic { return m.Magic }
func (m *PingRequest) MessageID() message.ID                { return PingRequestID }
func (m *PingRequest) Encode() (*message.Buffer, error)     { return encodeBody(m.Magic, PingRequestID, m) }

// PingReply echoes a PingRequest.
type PingReply struct {
	Magic message.EndpointMagic `cbor:"-"`
	Seq   uint32                `cbor:"1,keyasint"`
	Note  string                `cbor:"2,keyasint"`
}

func (m *PingReply) EndpointMagic() message.EndpointMagic { return m.Magic }
func (m *PingReply) MessageID() message.ID                { return PingReplyID }
func (m *PingReply) Encode() (*message.Buffer, error)     { return encodeBody(m.Magic, PingReplyID, m) }

// ShareFile passes one open file descriptor to the peer.
type ShareFile struct {
	Magic message.EndpointMagic `cbor:"-"`
	Name  string                `cbor:"1,keyasint"`
	Fd    int                   `cbor:"-"`
}

func (m *ShareFile) EndpointMagic() message.EndpointMagic { return m.Magic }
func (m *ShareFile) MessageID() message.ID                { return ShareFileID }

func (m *ShareFile) Encode() (*message.Buffer, error) {
	buf, err := encodeBody(m.Magic, ShareFileID, m)
	if err != nil {
		return nil, err
	}
	buf.Fds = []int{m.Fd}
	return buf, nil
}

// BlobPush carries an opaque payload, sized by tests to force wrapping.
type BlobPush struct {
	Magic message.EndpointMagic `cbor:"-"`
	Data  []byte                `cbor:"1,keyasint"`
}

func (m *BlobPush) EndpointMagic() message.EndpointMagic { return m.Magic }
func (m *BlobPush) MessageID() message.ID                { return BlobPushID }
func (m *BlobPush) Encode() (*message.Buffer, error)     { return encodeBody(m.Magic, BlobPushID, m) }

func encodeBody(magic message.EndpointMagic, id message.ID, v interface{}) (*message.Buffer, error) {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return &message.Buffer{Data: message.AppendHeader(nil, magic, id, payload)}, nil
}

// Payload delivers the encoded payload of m, without the message header.
func Payload(t assert.TestingT, m message.Message) []byte {
	buf, err := m.Encode()
	assert.NoError(t, err, "Not expecting encode to fail")
	return buf.Data[message.HeaderSize:]
}

// Endpoint is a message.Stub for the test contract. It records every
// dispatched message, echoes PingRequests as PingReplies, and signals each
// dispatch on the Handled channel.
type Endpoint struct {
	magic   message.EndpointMagic
	handled chan message.Message

	mu       sync.Mutex
	received []message.Message

	// OnHandle, when set, replaces the default echo behaviour.
	OnHandle func(m message.Message) (message.Message, error)
}

// NewEndpoint delivers a stub handling messages for the given magic.
func NewEndpoint(magic message.EndpointMagic) *Endpoint {
	return &Endpoint{magic: magic, handled: make(chan message.Message, 64)}
}

func (e *Endpoint) Magic() message.EndpointMagic { return e.magic }

// Handled delivers a channel signalled once per dispatched message.
func (e *Endpoint) Handled() <-chan message.Message { return e.handled }

// Received delivers a snapshot of the messages dispatched so far.
func (e *Endpoint) Received() []message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]message.Message(nil), e.received...)
}

func (e *Endpoint) Decode(id message.ID, payload []byte, fds *message.FdQueue) (message.Message, error) {
	switch id {
	case PingRequestID:
		m := &PingRequest{Magic: e.magic}
		return m, errors.Wrap(cbor.Unmarshal(payload, m), "ping request")
	case PingReplyID:
		m := &PingReply{Magic: e.magic}
		return m, errors.Wrap(cbor.Unmarshal(payload, m), "ping reply")
	case ShareFileID:
		m := &ShareFile{Magic: e.magic}
		if err := cbor.Unmarshal(payload, m); err != nil {
			return nil, errors.Wrap(err, "share file")
		}
		fd, err := fds.Shift()
		if err != nil {
			return nil, err
		}
		m.Fd = fd
		return m, nil
	case BlobPushID:
		m := &BlobPush{Magic: e.magic}
		return m, errors.Wrap(cbor.Unmarshal(payload, m), "blob push")
	default:
		return nil, errors.Errorf("unknown message id %#x", uint32(id))
	}
}

func (e *Endpoint) Handle(m message.Message) (message.Message, error) {
	e.mu.Lock()
	e.received = append(e.received, m)
	e.mu.Unlock()
	defer func() {
		select {
		case e.handled <- m:
		default:
		}
	}()

	if e.OnHandle != nil {
		return e.OnHandle(m)
	}
	if req, ok := m.(*PingRequest); ok {
		return &PingReply{Magic: e.magic, Seq: req.Seq, Note: req.Note}, nil
	}
	return nil, nil
}

// RawPeer drives one end of a socketpair directly, letting tests script
// frames and split reads byte by byte.
type RawPeer struct {
	t  assert.TestingT
	fd int

	buf []byte
	fds []int
}

// NewRawPeer delivers a peer over the supplied socket descriptor.
func NewRawPeer(t assert.TestingT, fd int) *RawPeer {
	return &RawPeer{t: t, fd: fd}
}

// EncodeFrame delivers the wire form of one frame: length prefix, header,
// payload.
func EncodeFrame(magic message.EndpointMagic, id message.ID, payload []byte) []byte {
	body := message.AppendHeader(nil, magic, id, payload)
	frame := binary.LittleEndian.AppendUint32(nil, uint32(len(body)))
	return append(frame, body...)
}

// Write delivers raw bytes to the connection under test.
func (p *RawPeer) Write(b []byte) {
	for len(b) > 0 {
		n, err := unix.Write(p.fd, b)
		assert.NoError(p.t, err, "raw peer write failed")
		b = b[n:]
	}
}

// WriteFrame frames and delivers one message, attaching any descriptors.
func (p *RawPeer) WriteFrame(magic message.EndpointMagic, id message.ID, payload []byte, fds ...int) {
	frame := EncodeFrame(magic, id, payload)
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, err := unix.SendmsgN(p.fd, frame, oob, nil, 0)
	assert.NoError(p.t, err, "raw peer sendmsg failed")
	if n < len(frame) {
		p.Write(frame[n:])
	}
}

// ReadFrame delivers the next frame sent by the connection under test,
// waiting up to timeout for it to arrive.
func (p *RawPeer) ReadFrame(timeout time.Duration) (message.EndpointMagic, message.ID, []byte, []int) {
	deadline := time.Now().Add(timeout)
	for {
		if len(p.buf) >= 4 {
			length := int(binary.LittleEndian.Uint32(p.buf))
			if length > 0 && len(p.buf) >= 4+length {
				body := p.buf[4 : 4+length]
				magic, id, payload, err := message.ParseHeader(body)
				assert.NoError(p.t, err, "raw peer received malformed frame")
				payload = append([]byte(nil), payload...)
				p.buf = append([]byte(nil), p.buf[4+length:]...)
				fds := p.fds
				p.fds = nil
				return magic, id, payload, fds
			}
		}
		remaining := time.Until(deadline)
		assert.True(p.t, remaining > 0, "timed out waiting for frame")
		p.fill(remaining)
	}
}

func (p *RawPeer) fill(timeout time.Duration) {
	pfds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	_, err := unix.Poll(pfds, int(timeout.Milliseconds())+1)
	if err == unix.EINTR {
		return
	}
	assert.NoError(p.t, err, "raw peer poll failed")

	buf := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(64*4))
	n, oobn, _, _, err := unix.Recvmsg(p.fd, buf, oob, unix.MSG_DONTWAIT)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	assert.NoError(p.t, err, "raw peer recvmsg failed")
	if oobn > 0 {
		scms, serr := unix.ParseSocketControlMessage(oob[:oobn])
		assert.NoError(p.t, serr, "raw peer control message parse failed")
		for i := range scms {
			rights, rerr := unix.ParseUnixRights(&scms[i])
			assert.NoError(p.t, rerr, "raw peer rights parse failed")
			p.fds = append(p.fds, rights...)
		}
	}
	p.buf = append(p.buf, buf[:n]...)
}

// Close closes the peer's end of the socket.
func (p *RawPeer) Close() {
	_ = unix.Close(p.fd)
}
