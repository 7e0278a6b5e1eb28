package connection

import (
	"time"

	"github.com/google/uuid"
	"github.com/imdario/mergo"

	"github.com/damianoneill/ipc/eventloop"
	"github.com/damianoneill/ipc/message"
	"github.com/damianoneill/ipc/transport"
)

// NewConnection delivers a connection over the supplied transport. The local
// endpoint magic is the stub's; peerMagic addresses the messages this side
// sends. The connection starts its sender and receiver immediately.
func NewConnection(t transport.Transport, stub message.Stub, peerMagic message.EndpointMagic,
	opts ...Option) Connection {

	config := defaultConfig
	for _, opt := range opts {
		opt(&config)
	}

	mergo.Merge(config.trace, NoOpLoggingHooks) // nolint: gosec, errcheck

	loop := config.loop
	ownedLoop := loop == nil
	if ownedLoop {
		loop = eventloop.New()
	}

	c := &connImpl{
		cfg:        &config,
		t:          t,
		stub:       stub,
		loop:       loop,
		ownedLoop:  ownedLoop,
		id:         uuid.NewString(),
		localMagic: stub.Magic(),
		peerMagic:  peerMagic,
		sendq:      newSendQueue(),
		ackq:       &ackWaitQueue{},
	}
	c.dog = newWatchdog(loop, config.responsivenessTimeout, func() {
		config.trace.MayHaveBecomeUnresponsive(c.id)
	})

	go c.sendLoop()
	t.InstallReadableHook(loop, c.drainAndDispatch)

	return c
}

// Option implements options for configuring connection behaviour.
type Option func(*connectionConfig)

// ResponsivenessTimeout defines how long the connection waits for inbound
// traffic after a post before reporting the peer unresponsive.
// Default value is 3s.
func ResponsivenessTimeout(d time.Duration) Option {
	return func(c *connectionConfig) {
		c.responsivenessTimeout = d
	}
}

// LoggingHooks defines a set of trace hooks to be used by the connection.
// Default value is DefaultLoggingHooks.
func LoggingHooks(trace *ConnectionTrace) Option {
	return func(c *connectionConfig) {
		c.trace = trace
	}
}

// PeerDecoder defines a decoder for messages arriving on the peer endpoint
// magic, typically replies to this side's requests. Without one, such
// messages are retained in encoded form and dropped by the dispatcher.
func PeerDecoder(d message.Decoder) Option {
	return func(c *connectionConfig) {
		c.peerDecoder = d
	}
}

// EventLoop defines the event loop the connection defers receiver work onto.
// By default each connection owns a private loop, closed on shutdown; a
// shared loop supplied here is left running.
func EventLoop(loop *eventloop.Loop) Option {
	return func(c *connectionConfig) {
		c.loop = loop
	}
}

// Defines properties controlling connection behaviour.
type connectionConfig struct {
	responsivenessTimeout time.Duration
	trace                 *ConnectionTrace
	loop                  *eventloop.Loop
	peerDecoder           message.Decoder
}

var defaultConfig = connectionConfig{
	responsivenessTimeout: 3 * time.Second,
	trace:                 DefaultLoggingHooks,
}
