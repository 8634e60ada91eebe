package mplink

import "encoding/binary"

// Packet type bytes. Other values exist in the surrounding reliability
// engine; Classify routes them by connection id (ClassifyByConnID).
const (
	PacketUncompressedData          byte = 0x01
	PacketUncompressedDataWithToken byte = 0x05
)

// ClassifyKind is the discriminant of a Classify result.
type ClassifyKind int

const (
	// ClassifyInvalid means the datagram was too short or otherwise
	// malformed and must be dropped silently.
	ClassifyInvalid ClassifyKind = iota
	// ClassifyWithToken means the datagram carried a bootstrap token; Token
	// and Stripped are populated.
	ClassifyWithToken
	// ClassifyByConnID means the datagram is addressed by connection id;
	// this covers every leading byte other than
	// PacketUncompressedDataWithToken, including type bytes this package
	// does not otherwise recognize, which the surrounding reliability
	// engine is responsible for interpreting.
	ClassifyByConnID
)

// Classified is the result of classifying one inbound datagram.
type Classified struct {
	Kind     ClassifyKind
	Token    Token
	Stripped []byte // valid when Kind == ClassifyWithToken
	ConnID   ConnID // valid when Kind == ClassifyByConnID
}

// EncodeWithToken prepends the token packet type and token to inner,
// producing a datagram suitable for sending before connection-id
// assignment. inner must already begin with a type byte and connection-id
// field (normally PacketUncompressedData and a zero id).
func EncodeWithToken(token Token, inner []byte) []byte {
	out := make([]byte, 1+TokenSize+len(inner))
	out[0] = PacketUncompressedDataWithToken
	copy(out[1:], token[:])
	copy(out[1+TokenSize:], inner)
	return out
}

// Classify inspects the leading byte(s) of a datagram and determines how it
// should be routed. It performs no allocation beyond the Stripped slice for
// the WithToken case.
func Classify(datagram []byte) Classified {
	if len(datagram) < 5 {
		return Classified{Kind: ClassifyInvalid}
	}

	switch datagram[0] {
	case PacketUncompressedDataWithToken:
		// the token must be followed by an inner type byte and connection id
		if len(datagram) < 1+TokenSize+5 {
			return Classified{Kind: ClassifyInvalid}
		}

		var tok Token
		copy(tok[:], datagram[1:1+TokenSize])

		stripped := make([]byte, len(datagram)-(1+TokenSize))
		copy(stripped, datagram[1+TokenSize:])
		stripped[0] = PacketUncompressedData

		return Classified{Kind: ClassifyWithToken, Token: tok, Stripped: stripped}
	default:
		if len(datagram) < 5 {
			return Classified{Kind: ClassifyInvalid}
		}
		id := ConnID(binary.BigEndian.Uint32(datagram[1:5]))
		return Classified{Kind: ClassifyByConnID, ConnID: id}
	}
}

// stripTokenInPlace rewrites a WithToken datagram in place into a plain
// UNCOMPRESSED_DATA frame, returning the shortened slice. It is used by the
// server receiver, which owns the buffer and wants to avoid the allocation
// Classify's Stripped field otherwise makes.
func stripTokenInPlace(datagram []byte) []byte {
	copy(datagram, datagram[1+TokenSize:])
	datagram[0] = PacketUncompressedData
	return datagram[:len(datagram)-(1+TokenSize)]
}

// encodeConnID writes a UNCOMPRESSED_DATA frame addressed by connection id.
func encodeConnID(id ConnID, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = PacketUncompressedData
	binary.BigEndian.PutUint32(out[1:5], uint32(id))
	copy(out[5:], payload)
	return out
}
