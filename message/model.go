package message

// The message layer defines the data model shared by both sides of an IPC
// connection: typed messages addressed to an endpoint, their encoded wire
// form, and the queues of resources that accompany them.

// EndpointMagic identifies one side of a typed endpoint contract.
// Every connection knows its local magic (messages its stub handles) and its
// peer magic (messages it sends).
type EndpointMagic uint32

// ID identifies a message type within an endpoint magic namespace.
type ID uint32

// Reserved message IDs, defined on every endpoint.
const (
	// AckID identifies the acknowledgement control message.
	AckID ID = 0xFFFFFFFF
	// LargeWrapperID identifies the envelope carrying a message whose encoded
	// size exceeds the transport socket buffer.
	LargeWrapperID ID = 0xFFFFFFFE
)

// HeaderSize is the length of the encoded message header: endpoint magic
// followed by message id, both little-endian uint32.
const HeaderSize = 8

// Message is a typed application message.
type Message interface {
	// EndpointMagic delivers the magic of the endpoint the message belongs to.
	EndpointMagic() EndpointMagic

	// MessageID delivers the message type id.
	MessageID() ID

	// Encode delivers the encoded wire form of the message.
	Encode() (*Buffer, error)
}

// Buffer holds the encoded form of one message: the frame body plus any file
// descriptors that ride out-of-band with it.
type Buffer struct {
	Data []byte
	Fds  []int
}

// Decoder decodes message payloads for one endpoint, consuming any file
// descriptors they reference from fds. Decoders must copy payload bytes they
// retain; the slice aliases the receiver's drain buffer.
type Decoder interface {
	Decode(id ID, payload []byte, fds *FdQueue) (Message, error)
}

// Stub is the application-supplied decoder and dispatcher for the local
// endpoint of a connection.
type Stub interface {
	Decoder

	// Magic delivers the endpoint magic the stub handles.
	Magic() EndpointMagic

	// Handle dispatches a decoded message, optionally delivering a reply to
	// be posted back to the peer.
	Handle(m Message) (Message, error)
}

// Raw is a parsed message retained in encoded form. The connection uses it
// for messages whose endpoint magic it has no decoder for; the dispatcher
// drops them without interpreting the payload.
type Raw struct {
	Magic   EndpointMagic
	ID      ID
	Payload []byte
}

func (r *Raw) EndpointMagic() EndpointMagic { return r.Magic }

func (r *Raw) MessageID() ID { return r.ID }

func (r *Raw) Encode() (*Buffer, error) {
	return &Buffer{Data: AppendHeader(nil, r.Magic, r.ID, r.Payload)}, nil
}
