// Package wgproto defines the on-wire WireGuard datagram shapes the relay
// classifies and forwards. The control-channel frame tunneled inside
// transport data is defined in pkg/relay (control.go).
package wgproto

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/poly1305"
	"golang.zx2c4.com/wireguard/tai64n"
)

// Message types, per the WireGuard wire format (RFC-less, defined by the
// reference implementation).
const (
	MessageInitiationType  uint32 = 1
	MessageResponseType    uint32 = 2
	MessageCookieReplyType uint32 = 3
	MessageTransportType   uint32 = 4
)

// Fixed sizes for every message type. Transport Data has no fixed size
// beyond its header + tag; anything longer is variable-length ciphertext.
const (
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MinMessageTransportSize    = MessageTransportHeaderSize + poly1305.TagSize
)

// NoisePublicKeySize is the size of a Curve25519 public key.
const NoisePublicKeySize = 32

type NoisePublicKey [NoisePublicKeySize]byte
type NoisePrivateKey [NoisePublicKeySize]byte
type NoisePresharedKey [NoisePublicKeySize]byte

// MessageInitiation is WireGuard message type 1 (148 bytes).
type MessageInitiation struct {
	Type      uint32
	Sender    uint32
	Ephemeral NoisePublicKey
	Static    [NoisePublicKeySize + poly1305.TagSize]byte
	Timestamp [tai64n.TimestampSize + poly1305.TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// MessageResponse is WireGuard message type 2 (92 bytes).
type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral NoisePublicKey
	Empty     [poly1305.TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// MessageCookieReply is WireGuard message type 3 (64 bytes).
type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [blake2s.Size128 + poly1305.TagSize]byte
}

// TransportHeader is the fixed 16-byte prefix of a Transport Data message
// (type 4); Content (ciphertext + 16-byte Poly1305 tag) follows.
type TransportHeader struct {
	Type     uint32
	Receiver uint32
	Counter  uint64
}

// ParseInitiation decodes a 148-byte buffer into a MessageInitiation. The
// caller must already have checked len(b) == MessageInitiationSize.
func ParseInitiation(b []byte) MessageInitiation {
	var m MessageInitiation
	m.Type = binary.LittleEndian.Uint32(b[0:4])
	m.Sender = binary.LittleEndian.Uint32(b[4:8])
	copy(m.Ephemeral[:], b[8:40])
	copy(m.Static[:], b[40:88])
	copy(m.Timestamp[:], b[88:116])
	copy(m.MAC1[:], b[116:132])
	copy(m.MAC2[:], b[132:148])
	return m
}

// Marshal encodes a MessageInitiation into a 148-byte buffer.
func (m *MessageInitiation) Marshal() []byte {
	b := make([]byte, MessageInitiationSize)
	binary.LittleEndian.PutUint32(b[0:4], m.Type)
	binary.LittleEndian.PutUint32(b[4:8], m.Sender)
	copy(b[8:40], m.Ephemeral[:])
	copy(b[40:88], m.Static[:])
	copy(b[88:116], m.Timestamp[:])
	copy(b[116:132], m.MAC1[:])
	copy(b[132:148], m.MAC2[:])
	return b
}

// ParseResponse decodes a 92-byte buffer into a MessageResponse.
func ParseResponse(b []byte) MessageResponse {
	var m MessageResponse
	m.Type = binary.LittleEndian.Uint32(b[0:4])
	m.Sender = binary.LittleEndian.Uint32(b[4:8])
	m.Receiver = binary.LittleEndian.Uint32(b[8:12])
	copy(m.Ephemeral[:], b[12:44])
	copy(m.Empty[:], b[44:60])
	copy(m.MAC1[:], b[60:76])
	copy(m.MAC2[:], b[76:92])
	return m
}

// Marshal encodes a MessageResponse into a 92-byte buffer.
func (m *MessageResponse) Marshal() []byte {
	b := make([]byte, MessageResponseSize)
	binary.LittleEndian.PutUint32(b[0:4], m.Type)
	binary.LittleEndian.PutUint32(b[4:8], m.Sender)
	binary.LittleEndian.PutUint32(b[8:12], m.Receiver)
	copy(b[12:44], m.Ephemeral[:])
	copy(b[44:60], m.Empty[:])
	copy(b[60:76], m.MAC1[:])
	copy(b[76:92], m.MAC2[:])
	return b
}

// ParseCookieReply decodes a 64-byte buffer into a MessageCookieReply.
func ParseCookieReply(b []byte) MessageCookieReply {
	var m MessageCookieReply
	m.Type = binary.LittleEndian.Uint32(b[0:4])
	m.Receiver = binary.LittleEndian.Uint32(b[4:8])
	copy(m.Nonce[:], b[8:32])
	copy(m.Cookie[:], b[32:64])
	return m
}

// Marshal encodes a MessageCookieReply into a 64-byte buffer.
func (m *MessageCookieReply) Marshal() []byte {
	b := make([]byte, MessageCookieReplySize)
	binary.LittleEndian.PutUint32(b[0:4], m.Type)
	binary.LittleEndian.PutUint32(b[4:8], m.Receiver)
	copy(b[8:32], m.Nonce[:])
	copy(b[32:64], m.Cookie[:])
	return b
}

// ParseTransportHeader decodes the 16-byte header of a Transport Data
// message. The caller must already have checked len(b) >= MinMessageTransportSize.
func ParseTransportHeader(b []byte) TransportHeader {
	return TransportHeader{
		Type:     binary.LittleEndian.Uint32(b[0:4]),
		Receiver: binary.LittleEndian.Uint32(b[4:8]),
		Counter:  binary.LittleEndian.Uint64(b[8:16]),
	}
}

// PutTransportHeader encodes hdr into the first MessageTransportHeaderSize
// bytes of dst. The caller must already have sized dst accordingly.
func PutTransportHeader(dst []byte, hdr TransportHeader) {
	binary.LittleEndian.PutUint32(dst[0:4], hdr.Type)
	binary.LittleEndian.PutUint32(dst[4:8], hdr.Receiver)
	binary.LittleEndian.PutUint64(dst[8:16], hdr.Counter)
}

// MessageType peeks at the first 4 bytes of a datagram without allocating,
// returning 0 if the buffer is too short to contain a type field.
func MessageType(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b[0:4])
}
