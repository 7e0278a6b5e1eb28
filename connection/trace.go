package connection

import (
	"log"
	"time"

	"github.com/damianoneill/ipc/message"
)

// ConnectionTrace defines a structure for handling connection events.
// The three lifecycle hooks - Died, MayHaveBecomeUnresponsive and
// DidBecomeResponsive - are the points an owner uses to release the
// connection, warn about a silent peer and clear that warning; the remaining
// hooks exist for logging and metrics.
//
//nolint: golint
type ConnectionTrace struct {
	// Died is called exactly once, after the connection has shut down and
	// closed its transport.
	Died func(conn string)

	// MayHaveBecomeUnresponsive is called when no inbound traffic has been
	// seen for the responsiveness timeout after an outbound post.
	MayHaveBecomeUnresponsive func(conn string)

	// DidBecomeResponsive is called whenever inbound bytes arrive.
	DidBecomeResponsive func(conn string)

	// PostDone is called after a message has been queued for transmission,
	// with err indicating whether it was accepted.
	PostDone func(conn string, magic message.EndpointMagic, id message.ID, err error)

	// TransferDone is called by the sender after a frame has been handed to
	// the transport.
	TransferDone func(conn string, size int, err error, d time.Duration)

	// MessageReceived is called for each message parsed from the transport.
	MessageReceived func(conn string, magic message.EndpointMagic, id message.ID)

	// MessageDropped is called when the dispatcher discards a message whose
	// endpoint magic is not local.
	MessageDropped func(conn string, magic message.EndpointMagic, id message.ID)

	// DecodeFailed is called when a frame body cannot be decoded. dump holds
	// a hex dump of the offending bytes.
	DecodeFailed func(conn string, dump string, err error)

	// AckReceived is called when a peer acknowledgement has been parsed,
	// after the acknowledged frames have been released.
	AckReceived func(conn string, count uint32, depth int)

	// WaitDone is called when a synchronous wait for a specific message
	// completes, with found indicating whether the message arrived.
	WaitDone func(conn string, magic message.EndpointMagic, id message.ID, found bool, d time.Duration)

	// Error is called after an error condition has been detected.
	Error func(context, conn string, err error)
}

// DefaultLoggingHooks provides a default logging hook to report errors.
var DefaultLoggingHooks = &ConnectionTrace{
	Error: func(context, conn string, err error) {
		log.Printf("IPC-Error context:%s conn:%s err:%v\n", context, conn, err)
	},
}

// DiagnosticLoggingHooks provides a set of hooks that log all connection
// activity.
var DiagnosticLoggingHooks = &ConnectionTrace{
	Died: func(conn string) {
		log.Printf("IPC-Died conn:%s\n", conn)
	},
	MayHaveBecomeUnresponsive: func(conn string) {
		log.Printf("IPC-MayHaveBecomeUnresponsive conn:%s\n", conn)
	},
	DidBecomeResponsive: func(conn string) {
		log.Printf("IPC-DidBecomeResponsive conn:%s\n", conn)
	},
	PostDone: func(conn string, magic message.EndpointMagic, id message.ID, err error) {
		log.Printf("IPC-PostDone conn:%s magic:%#x id:%#x err:%v\n", conn, uint32(magic), uint32(id), err)
	},
	TransferDone: func(conn string, size int, err error, d time.Duration) {
		log.Printf("IPC-TransferDone conn:%s len:%d err:%v took:%dms\n", conn, size, err, d.Milliseconds())
	},
	MessageReceived: func(conn string, magic message.EndpointMagic, id message.ID) {
		log.Printf("IPC-MessageReceived conn:%s magic:%#x id:%#x\n", conn, uint32(magic), uint32(id))
	},
	MessageDropped: func(conn string, magic message.EndpointMagic, id message.ID) {
		log.Printf("IPC-MessageDropped conn:%s magic:%#x id:%#x\n", conn, uint32(magic), uint32(id))
	},
	DecodeFailed: func(conn string, dump string, err error) {
		log.Printf("IPC-DecodeFailed conn:%s err:%v\n%s", conn, err, dump)
	},
	AckReceived: func(conn string, count uint32, depth int) {
		log.Printf("IPC-AckReceived conn:%s count:%d depth:%d\n", conn, count, depth)
	},
	WaitDone: func(conn string, magic message.EndpointMagic, id message.ID, found bool, d time.Duration) {
		log.Printf("IPC-WaitDone conn:%s magic:%#x id:%#x found:%v took:%dms\n",
			conn, uint32(magic), uint32(id), found, d.Milliseconds())
	},

	Error: DefaultLoggingHooks.Error,
}

// NoOpLoggingHooks provides a set of hooks that do nothing.
var NoOpLoggingHooks = &ConnectionTrace{
	Died:                      func(conn string) {},
	MayHaveBecomeUnresponsive: func(conn string) {},
	DidBecomeResponsive:       func(conn string) {},
	PostDone:                  func(conn string, magic message.EndpointMagic, id message.ID, err error) {},
	TransferDone:              func(conn string, size int, err error, d time.Duration) {},
	MessageReceived:           func(conn string, magic message.EndpointMagic, id message.ID) {},
	MessageDropped:            func(conn string, magic message.EndpointMagic, id message.ID) {},
	DecodeFailed:              func(conn string, dump string, err error) {},
	AckReceived:               func(conn string, count uint32, depth int) {},
	WaitDone:                  func(conn string, magic message.EndpointMagic, id message.ID, found bool, d time.Duration) {},
	Error:                     func(context, conn string, err error) {},
}
