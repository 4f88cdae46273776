package relay

import (
	"encoding/binary"

	relayerrors "github.com/2gc-dev/wgx/pkg/errors"
	"github.com/2gc-dev/wgx/pkg/session"
)

// Control-channel wire framing. The decrypted transport payload begins with
// a sentinel byte that can never be the first byte of a real IPv4/IPv6
// packet (whose version nibble is always 4 or 6), followed by a four-byte
// magic, a version byte, and an opcode byte.
const (
	controlSentinel byte = 0x00
	controlVersion  byte = 1

	opSetAllowedPeers    byte = 0x01
	opGetStatus          byte = 0x02
	opPing               byte = 0x04
	opPong               byte = 0x05
	opAddAllowedPeer     byte = 0x06
	opRemoveAllowedPeer  byte = 0x07
	opStatusReply        byte = 0x03
	opError              byte = 0xFF
)

var controlMagic = [4]byte{'W', 'G', 'X', 0}

const controlHeaderSize = 1 + 4 + 1 + 1 // sentinel + magic + version + opcode

// ControlChannel decodes and executes in-band control frames carried inside
// a transport session with an authorized hub.
type ControlChannel struct {
	allow *AllowList
	table *session.Table
}

func NewControlChannel(allow *AllowList, table *session.Table) *ControlChannel {
	return &ControlChannel{allow: allow, table: table}
}

// IsControlFrame reports whether a decrypted transport payload looks like a
// control frame (sentinel + magic). It does not validate version/opcode.
func IsControlFrame(payload []byte) bool {
	if len(payload) < controlHeaderSize {
		return false
	}
	if payload[0] != controlSentinel {
		return false
	}
	return payload[1] == controlMagic[0] && payload[2] == controlMagic[1] &&
		payload[3] == controlMagic[2] && payload[4] == controlMagic[3]
}

// Handle parses and executes a control frame sent over peer's own terminated
// session, returning the reply payload to encrypt and send back (nil for
// operations with no reply, e.g. a successful SetAllowedPeers) or a
// ControlBadFrame/ControlFailed error. peer is promoted to hub the first
// time it successfully executes a policy-mutating op — see Peer.PromoteToHub.
func (c *ControlChannel) Handle(peer *session.Peer, payload []byte) ([]byte, *relayerrors.RelayError) {
	if !IsControlFrame(payload) {
		return nil, relayerrors.New(relayerrors.ControlBadFrame, "missing sentinel or magic")
	}
	if len(payload) < controlHeaderSize {
		return nil, relayerrors.New(relayerrors.ControlBadFrame, "frame too short")
	}
	if payload[5] != controlVersion {
		return nil, relayerrors.New(relayerrors.ControlBadFrame, "unsupported control version")
	}
	op := payload[6]
	body := payload[controlHeaderSize:]

	switch op {
	case opSetAllowedPeers:
		return nil, c.handleSetAllowedPeers(peer, body)
	case opAddAllowedPeer:
		return nil, c.handleAddRemove(peer, body, true)
	case opRemoveAllowedPeer:
		return nil, c.handleAddRemove(peer, body, false)
	case opGetStatus:
		return c.handleGetStatus(), nil
	case opPing:
		return c.handlePing(body), nil
	default:
		return nil, relayerrors.New(relayerrors.ControlBadFrame, "unknown opcode")
	}
}

// handleSetAllowedPeers replaces peer's own counterparty set (the forwarding
// policy of §4.4), not the relay's handshake AllowList — those are separate
// gates (see AllowList and Peer.counterpart).
func (c *ControlChannel) handleSetAllowedPeers(peer *session.Peer, body []byte) *relayerrors.RelayError {
	if len(body) < 2 {
		return relayerrors.New(relayerrors.ControlBadFrame, "missing count")
	}
	count := binary.LittleEndian.Uint16(body[0:2])
	body = body[2:]
	if len(body) < int(count)*32 {
		return relayerrors.New(relayerrors.ControlBadFrame, "truncated key list")
	}
	keys := make([][32]byte, count)
	for i := 0; i < int(count); i++ {
		copy(keys[i][:], body[i*32:(i+1)*32])
	}
	peer.SetCounterparts(keys)
	peer.PromoteToHub()
	return nil
}

func (c *ControlChannel) handleAddRemove(peer *session.Peer, body []byte, add bool) *relayerrors.RelayError {
	if len(body) < 32 {
		return relayerrors.New(relayerrors.ControlBadFrame, "missing public key")
	}
	var key [32]byte
	copy(key[:], body[:32])
	if add {
		peer.AddCounterpart(key)
	} else {
		peer.RemoveCounterpart(key)
	}
	peer.PromoteToHub()
	return nil
}

func (c *ControlChannel) handleGetStatus() []byte {
	peers, sessionCount := c.table.Snapshot()

	out := make([]byte, 0, controlHeaderSize+4+len(peers)*(32+8+8))
	out = appendHeader(out, opStatusReply)
	out = binary.LittleEndian.AppendUint32(out, uint32(sessionCount))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(peers)))
	for _, p := range peers {
		out = append(out, p.PublicKey[:]...)
		out = binary.LittleEndian.AppendUint64(out, p.Stats.BytesIn)
		out = binary.LittleEndian.AppendUint64(out, p.Stats.BytesOut)
	}
	return out
}

func (c *ControlChannel) handlePing(body []byte) []byte {
	out := appendHeader(nil, opPong)
	out = append(out, body...)
	return out
}

func appendHeader(dst []byte, op byte) []byte {
	dst = append(dst, controlSentinel)
	dst = append(dst, controlMagic[:]...)
	dst = append(dst, controlVersion)
	dst = append(dst, op)
	return dst
}
