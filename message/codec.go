package message

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire encoding of the message header and the two reserved envelopes. The
// payload that follows a header is opaque at this layer.

// ErrTruncated indicates an encoded message shorter than its fixed layout.
var ErrTruncated = errors.New("message truncated")

// AppendHeader appends the message header for the given magic and id to b,
// followed by the payload, and returns the extended buffer.
func AppendHeader(b []byte, magic EndpointMagic, id ID, payload []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(magic))
	b = binary.LittleEndian.AppendUint32(b, uint32(id))
	return append(b, payload...)
}

// ParseHeader splits an encoded message body into its magic, id and payload.
func ParseHeader(b []byte) (EndpointMagic, ID, []byte, error) {
	if len(b) < HeaderSize {
		return 0, 0, nil, errors.Wrap(ErrTruncated, "header")
	}
	magic := EndpointMagic(binary.LittleEndian.Uint32(b))
	id := ID(binary.LittleEndian.Uint32(b[4:]))
	return magic, id, b[HeaderSize:], nil
}

// Acknowledgement is the control message reporting how many prior peer
// messages have been parsed. It is posted on the peer endpoint magic and
// never waits for an acknowledgement itself.
type Acknowledgement struct {
	Magic EndpointMagic
	Count uint32
}

func (a *Acknowledgement) EndpointMagic() EndpointMagic { return a.Magic }

func (a *Acknowledgement) MessageID() ID { return AckID }

func (a *Acknowledgement) Encode() (*Buffer, error) {
	b := make([]byte, 0, HeaderSize+4)
	b = binary.LittleEndian.AppendUint32(b, uint32(a.Magic))
	b = binary.LittleEndian.AppendUint32(b, uint32(AckID))
	b = binary.LittleEndian.AppendUint32(b, a.Count)
	return &Buffer{Data: b}, nil
}

// DecodeAcknowledgement decodes the payload of an acknowledgement message.
func DecodeAcknowledgement(magic EndpointMagic, payload []byte) (*Acknowledgement, error) {
	if len(payload) < 4 {
		return nil, errors.Wrap(ErrTruncated, "acknowledgement")
	}
	return &Acknowledgement{Magic: magic, Count: binary.LittleEndian.Uint32(payload)}, nil
}

// WrapLarge wraps the encoded form of a message whose size exceeds the
// transport socket buffer in a LargeMessageWrapper envelope. The wrapper
// takes over the wrapped message's file descriptors; its payload records how
// many, so the receiver can replay them to the wrapped message's decoder.
func WrapLarge(magic EndpointMagic, inner *Buffer) (*Buffer, error) {
	b := make([]byte, 0, HeaderSize+4+len(inner.Data))
	b = binary.LittleEndian.AppendUint32(b, uint32(magic))
	b = binary.LittleEndian.AppendUint32(b, uint32(LargeWrapperID))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(inner.Fds)))
	b = append(b, inner.Data...)
	return &Buffer{Data: b, Fds: inner.Fds}, nil
}

// UnwrapLarge splits a LargeMessageWrapper payload into the wrapped message
// bytes and the number of file descriptors handed over with the wrapper.
func UnwrapLarge(payload []byte) (inner []byte, fdCount int, err error) {
	if len(payload) < 4 {
		return nil, 0, errors.Wrap(ErrTruncated, "large message wrapper")
	}
	return payload[4:], int(binary.LittleEndian.Uint32(payload)), nil
}
