package connection

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/damianoneill/ipc/message"
	"github.com/damianoneill/ipc/testserver"
	"github.com/damianoneill/ipc/transport"
)

const frameTimeout = 2 * time.Second

// newTestConnection delivers a connection whose local endpoint is the test
// client contract, with a raw scripted peer on the other end of the
// socketpair.
func newTestConnection(t *testing.T, opts ...Option) (*connImpl, *testserver.Endpoint, *testserver.RawPeer) {
	fds, err := transport.Socketpair()
	assert.NoError(t, err, "Not expecting socketpair to fail")

	stub := testserver.NewEndpoint(testserver.ClientMagic)
	conn := NewConnection(transport.New(fds[0]), stub, testserver.ServerMagic, opts...)
	t.Cleanup(conn.Shutdown)

	peer := testserver.NewRawPeer(t, fds[1])
	t.Cleanup(peer.Close)

	return conn.(*connImpl), stub, peer
}

// newConnectedPair delivers two full connections talking to each other.
func newConnectedPair(t *testing.T) (client, server Connection, clientStub, serverStub *testserver.Endpoint) {
	fds, err := transport.Socketpair()
	assert.NoError(t, err, "Not expecting socketpair to fail")

	clientStub = testserver.NewEndpoint(testserver.ClientMagic)
	serverStub = testserver.NewEndpoint(testserver.ServerMagic)

	client = NewConnection(transport.New(fds[0]), clientStub, testserver.ServerMagic,
		PeerDecoder(testserver.NewEndpoint(testserver.ServerMagic)))
	server = NewConnection(transport.New(fds[1]), serverStub, testserver.ClientMagic,
		PeerDecoder(testserver.NewEndpoint(testserver.ClientMagic)))
	t.Cleanup(client.Shutdown)
	t.Cleanup(server.Shutdown)
	return client, server, clientStub, serverStub
}

func TestEchoRoundTrip(t *testing.T) {
	client, _, _, _ := newConnectedPair(t)

	reply, err := client.PostAndWait(
		&testserver.PingRequest{Magic: testserver.ServerMagic, Seq: 1, Note: "hello"},
		testserver.PingReplyID)
	assert.NoError(t, err, "Not expecting the request to fail")
	assert.NotNil(t, reply, "Expecting an echo reply")
	assert.Equal(t, uint32(1), reply.(*testserver.PingReply).Seq)
	assert.Equal(t, "hello", reply.(*testserver.PingReply).Note)
}

func TestInboundDispatchAndAck(t *testing.T) {
	conn, stub, peer := newTestConnection(t)

	payload := testserver.Payload(t, &testserver.PingRequest{Seq: 7, Note: "ping"})
	peer.WriteFrame(testserver.ClientMagic, testserver.PingRequestID, payload)

	select {
	case m := <-stub.Handled():
		assert.Equal(t, testserver.PingRequestID, m.MessageID(), "Expecting the request to be dispatched")
	case <-time.After(frameTimeout):
		t.Fatal("request was not dispatched")
	}

	// The connection acknowledges the request and the stub echoes a reply;
	// collect both frames and check them by id.
	frames := map[message.ID][]byte{}
	for i := 0; i < 2; i++ {
		magic, id, body, _ := peer.ReadFrame(frameTimeout)
		frames[id] = body
		switch id {
		case message.AckID:
			assert.Equal(t, conn.peerMagic, magic, "Acknowledgements are addressed to the peer magic")
		case testserver.PingReplyID:
			assert.Equal(t, testserver.ClientMagic, magic, "Replies stay on the handled endpoint")
		default:
			t.Fatalf("unexpected frame id %#x", uint32(id))
		}
	}
	assert.Contains(t, frames, message.AckID, "Expecting an acknowledgement")
	assert.Contains(t, frames, testserver.PingReplyID, "Expecting a reply")
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(frames[message.AckID]), "Expecting ack count 1")
}

func TestSplitRead(t *testing.T) {
	var decodeFailures int32
	trace := &ConnectionTrace{
		DecodeFailed: func(conn, dump string, err error) { atomic.AddInt32(&decodeFailures, 1) },
	}
	_, stub, peer := newTestConnection(t, LoggingHooks(trace))

	payload := testserver.Payload(t, &testserver.PingRequest{Seq: 2, Note: "split"})
	frame := testserver.EncodeFrame(testserver.ClientMagic, testserver.PingRequestID, payload)

	peer.Write(frame[:len(frame)/2])
	time.Sleep(50 * time.Millisecond)
	peer.Write(frame[len(frame)/2:])

	select {
	case m := <-stub.Handled():
		assert.Equal(t, uint32(2), m.(*testserver.PingRequest).Seq)
	case <-time.After(frameTimeout):
		t.Fatal("split request was not dispatched")
	}
	assert.Zero(t, atomic.LoadInt32(&decodeFailures), "Not expecting decode errors for a split read")
	assert.Len(t, stub.Received(), 1, "Expecting exactly one dispatch")
}

func TestAckQueueTransitions(t *testing.T) {
	conn, _, peer := newTestConnection(t)

	assert.Zero(t, conn.ackq.depth(), "Ack queue starts empty")
	for seq := uint32(0); seq < 3; seq++ {
		err := conn.PostMessage(&testserver.PingRequest{Magic: testserver.ServerMagic, Seq: seq})
		assert.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, id, _, _ := peer.ReadFrame(frameTimeout)
		assert.Equal(t, testserver.PingRequestID, id)
	}
	assert.Eventually(t, func() bool { return conn.ackq.depth() == 3 }, frameTimeout, time.Millisecond,
		"Expecting three unacknowledged frames")

	ackCount := binary.LittleEndian.AppendUint32(nil, 3)
	peer.WriteFrame(testserver.ClientMagic, message.AckID, ackCount)

	assert.Eventually(t, func() bool { return conn.ackq.depth() == 0 }, frameTimeout, time.Millisecond,
		"Expecting the acknowledgement to release all three")
}

func TestWaitReturnsOnPeerClose(t *testing.T) {
	conn, _, peer := newTestConnection(t)

	result := make(chan message.Message, 1)
	go func() {
		result <- conn.WaitForMessage(testserver.ServerMagic, 42)
	}()

	time.Sleep(20 * time.Millisecond)
	peer.Close()

	select {
	case m := <-result:
		assert.Nil(t, m, "Expecting nil once the peer closes")
	case <-time.After(frameTimeout):
		t.Fatal("wait did not return after peer close")
	}
	assert.Eventually(t, func() bool { return !conn.IsOpen() }, frameTimeout, time.Millisecond,
		"Expecting the connection to be closed")
}

func TestLivenessWatchdog(t *testing.T) {
	var unresponsive int32
	responsive := make(chan struct{}, 8)
	trace := &ConnectionTrace{
		MayHaveBecomeUnresponsive: func(conn string) { atomic.AddInt32(&unresponsive, 1) },
		DidBecomeResponsive: func(conn string) {
			select {
			case responsive <- struct{}{}:
			default:
			}
		},
	}
	conn, _, peer := newTestConnection(t, ResponsivenessTimeout(50*time.Millisecond), LoggingHooks(trace))

	err := conn.PostMessage(&testserver.PingRequest{Magic: testserver.ServerMagic, Seq: 1})
	assert.NoError(t, err)
	_, id, _, _ := peer.ReadFrame(frameTimeout)
	assert.Equal(t, testserver.PingRequestID, id)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&unresponsive) == 1 }, frameTimeout, time.Millisecond,
		"Expecting the watchdog to fire once for a silent peer")

	payload := testserver.Payload(t, &testserver.PingReply{Seq: 1})
	peer.WriteFrame(testserver.ClientMagic, testserver.PingReplyID, payload)

	select {
	case <-responsive:
	case <-time.After(frameTimeout):
		t.Fatal("inbound bytes did not clear the watchdog")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	var died int32
	trace := &ConnectionTrace{
		Died: func(conn string) { atomic.AddInt32(&died, 1) },
	}
	conn, _, _ := newTestConnection(t, LoggingHooks(trace))

	conn.Shutdown()
	conn.Shutdown()
	conn.Shutdown()
	assert.Equal(t, int32(1), atomic.LoadInt32(&died), "Died fires exactly once")
	assert.False(t, conn.IsOpen())
}

func TestPostAfterShutdown(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	conn.Shutdown()

	err := conn.PostMessage(&testserver.PingRequest{Magic: testserver.ServerMagic})
	assert.ErrorIs(t, err, ErrShutdownInProgress, "Expecting posts to fail once shut down")
}

func TestFdPassing(t *testing.T) {
	client, _, _, serverStub := newConnectedPair(t)

	pipe := make([]int, 2)
	assert.NoError(t, unix.Pipe(pipe))
	defer unix.Close(pipe[0])
	defer unix.Close(pipe[1])

	err := client.PostMessage(&testserver.ShareFile{Magic: testserver.ServerMagic, Name: "journal", Fd: pipe[0]})
	assert.NoError(t, err, "Not expecting post to fail")

	var shared *testserver.ShareFile
	select {
	case m := <-serverStub.Handled():
		var ok bool
		shared, ok = m.(*testserver.ShareFile)
		assert.True(t, ok, "Expecting a ShareFile dispatch")
	case <-time.After(frameTimeout):
		t.Fatal("shared file was not dispatched")
	}
	assert.Equal(t, "journal", shared.Name)
	defer unix.Close(shared.Fd)

	// Prove the received descriptor refers to the pipe.
	_, err = unix.Write(pipe[1], []byte{0x42})
	assert.NoError(t, err)
	one := make([]byte, 1)
	_, err = unix.Read(shared.Fd, one)
	assert.NoError(t, err)
	assert.Equal(t, byte(0x42), one[0], "Received descriptor does not refer to the pipe")
}

func TestWrappedOversizeRoundTrip(t *testing.T) {
	client, _, _, serverStub := newConnectedPair(t)

	blob := make([]byte, transport.SocketBufferSize+100)
	for i := range blob {
		blob[i] = byte(i * 7)
	}
	err := client.PostMessage(&testserver.BlobPush{Magic: testserver.ServerMagic, Data: blob})
	assert.NoError(t, err, "Not expecting post to fail")

	select {
	case m := <-serverStub.Handled():
		pushed, ok := m.(*testserver.BlobPush)
		assert.True(t, ok, "Expecting a BlobPush dispatch")
		assert.Equal(t, blob, pushed.Data, "Wrapped payload must survive intact")
	case <-time.After(frameTimeout):
		t.Fatal("oversize message was not dispatched")
	}
}

func TestWrappedFdPassing(t *testing.T) {
	client, _, _, serverStub := newConnectedPair(t)

	pipe := make([]int, 2)
	assert.NoError(t, unix.Pipe(pipe))
	defer unix.Close(pipe[0])
	defer unix.Close(pipe[1])

	// A name large enough to force the encoded message through the wrapper.
	name := make([]byte, transport.SocketBufferSize+100)
	for i := range name {
		name[i] = 'a'
	}
	err := client.PostMessage(&testserver.ShareFile{Magic: testserver.ServerMagic, Name: string(name), Fd: pipe[0]})
	assert.NoError(t, err, "Not expecting post to fail")

	var shared *testserver.ShareFile
	select {
	case m := <-serverStub.Handled():
		shared = m.(*testserver.ShareFile)
	case <-time.After(frameTimeout):
		t.Fatal("wrapped shared file was not dispatched")
	}
	assert.Equal(t, string(name), shared.Name, "Wrapped payload must survive intact")
	defer unix.Close(shared.Fd)

	_, err = unix.Write(pipe[1], []byte{0x37})
	assert.NoError(t, err)
	one := make([]byte, 1)
	_, err = unix.Read(shared.Fd, one)
	assert.NoError(t, err)
	assert.Equal(t, byte(0x37), one[0], "Replayed descriptor does not refer to the pipe")
}

func TestOversizeWireFormat(t *testing.T) {
	conn, _, peer := newTestConnection(t)

	blob := make([]byte, transport.SocketBufferSize+100)
	err := conn.PostMessage(&testserver.BlobPush{Magic: testserver.ServerMagic, Data: blob})
	assert.NoError(t, err)

	magic, id, payload, _ := peer.ReadFrame(5 * time.Second)
	assert.Equal(t, testserver.ServerMagic, magic, "Wrapper travels on the wrapped message's magic")
	assert.Equal(t, message.LargeWrapperID, id, "Oversize messages travel as exactly one wrapper frame")

	inner, fdCount, err := message.UnwrapLarge(payload)
	assert.NoError(t, err)
	assert.Zero(t, fdCount)

	imagic, iid, _, err := message.ParseHeader(inner)
	assert.NoError(t, err)
	assert.Equal(t, testserver.ServerMagic, imagic)
	assert.Equal(t, testserver.BlobPushID, iid)
}

func TestHandlerErrorDoesNotKillConnection(t *testing.T) {
	var handlerErrors int32
	trace := &ConnectionTrace{
		Error: func(context, conn string, err error) {
			if context == "handler" {
				atomic.AddInt32(&handlerErrors, 1)
			}
		},
	}
	conn, stub, peer := newTestConnection(t, LoggingHooks(trace))
	stub.OnHandle = func(m message.Message) (message.Message, error) {
		if m.(*testserver.PingRequest).Seq == 1 {
			return nil, errors.New("handler rejected the request")
		}
		return nil, nil
	}

	peer.WriteFrame(testserver.ClientMagic, testserver.PingRequestID,
		testserver.Payload(t, &testserver.PingRequest{Seq: 1}))
	peer.WriteFrame(testserver.ClientMagic, testserver.PingRequestID,
		testserver.Payload(t, &testserver.PingRequest{Seq: 2}))

	deadline := time.After(frameTimeout)
	for len(stub.Received()) < 2 {
		select {
		case <-stub.Handled():
		case <-deadline:
			t.Fatal("second request was not dispatched")
		}
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&handlerErrors), "Expecting the failure to be logged")
	assert.True(t, conn.IsOpen(), "Handler errors must not kill the connection")
}

func TestForeignMagicDropped(t *testing.T) {
	dropped := make(chan message.EndpointMagic, 1)
	trace := &ConnectionTrace{
		MessageDropped: func(conn string, magic message.EndpointMagic, id message.ID) {
			select {
			case dropped <- magic:
			default:
			}
		},
	}
	_, stub, peer := newTestConnection(t, LoggingHooks(trace))

	peer.WriteFrame(0xDEAD5EED, testserver.PingRequestID, []byte{0xA0})

	select {
	case magic := <-dropped:
		assert.Equal(t, message.EndpointMagic(0xDEAD5EED), magic)
	case <-time.After(frameTimeout):
		t.Fatal("foreign message was not dropped")
	}
	assert.Empty(t, stub.Received(), "Foreign messages never reach the stub")

	// The drop still counts towards the acknowledgement.
	_, id, payload, _ := peer.ReadFrame(frameTimeout)
	assert.Equal(t, message.AckID, id)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(payload))
}

func TestDecodeFailureStopsParsing(t *testing.T) {
	failures := make(chan string, 1)
	trace := &ConnectionTrace{
		DecodeFailed: func(conn, dump string, err error) {
			select {
			case failures <- dump:
			default:
			}
		},
	}
	_, stub, peer := newTestConnection(t, LoggingHooks(trace))

	peer.WriteFrame(testserver.ClientMagic, 99, []byte{0x01, 0x02})

	select {
	case dump := <-failures:
		assert.NotEmpty(t, dump, "Expecting a hex dump of the offending frame")
	case <-time.After(frameTimeout):
		t.Fatal("decode failure was not reported")
	}
	assert.Empty(t, stub.Received(), "Nothing dispatches from an undecodable frame")
}

func TestConcurrentPostsDoNotInterleave(t *testing.T) {
	conn, _, peer := newTestConnection(t)

	const posters = 8
	const perPoster = 10
	for p := 0; p < posters; p++ {
		p := p
		go func() {
			for i := 0; i < perPoster; i++ {
				_ = conn.PostMessage(&testserver.PingRequest{
					Magic: testserver.ServerMagic,
					Seq:   uint32(p*perPoster + i),
					Note:  "concurrent",
				})
			}
		}()
	}

	seen := map[uint32]bool{}
	for i := 0; i < posters*perPoster; i++ {
		magic, id, payload, _ := peer.ReadFrame(frameTimeout)
		assert.Equal(t, testserver.ServerMagic, magic, "Frame %d has a corrupt header", i)
		assert.Equal(t, testserver.PingRequestID, id, "Frame %d has a corrupt id", i)

		decoded, err := testserver.NewEndpoint(testserver.ServerMagic).Decode(id, payload, &message.FdQueue{})
		assert.NoError(t, err, "Frame %d has a corrupt payload", i)
		req := decoded.(*testserver.PingRequest)
		assert.False(t, seen[req.Seq], "Frame %d delivered twice", req.Seq)
		seen[req.Seq] = true
	}
}
