package relay

import (
	"time"

	relayerrors "github.com/2gc-dev/wgx/pkg/errors"
	"github.com/2gc-dev/wgx/pkg/metrics"
	"github.com/2gc-dev/wgx/pkg/session"
	"github.com/2gc-dev/wgx/pkg/wgproto"
)

// Forwarder is the hot path: it forwards Transport Data verbatim by
// receiver-index lookup, and it opportunistically learns index routes from
// observed handshake traffic between two peers that are not the relay
// itself (the ordinary case in a hub-and-spoke network: hub and spoke each
// hold their own relay-terminated session, then handshake peer-to-peer
// through the relay with their real WireGuard identities). A pass-through
// Initiation is relayed only if its sender is a declared counterparty of the
// hub and on the relay's own handshake AllowList — a peer that has merely
// completed its own relay session is not, by itself, permitted to reach
// anyone else through it. A pass-through Response needs only a sender
// address that belongs to a relay-authenticated peer; Responses, Cookie
// Replies and Transport Data are forwarded only while the destination peer
// of their route is still on the AllowList. The counterparty set is checked
// at Initiation time only.
type Forwarder struct {
	table   *session.Table
	allow   *AllowList
	metrics *metrics.Metrics
}

func NewForwarder(table *session.Table, allow *AllowList, m *metrics.Metrics) *Forwarder {
	return &Forwarder{table: table, allow: allow, metrics: m}
}

// Destination is where a datagram should be sent next, or ok=false to drop.
type Destination struct {
	Addr session.AddrPort
}

// LearnFromInitiation records a half-route for a pass-through Initiation
// (one not addressed to the relay's own identity — see Responder.TryConsume)
// and returns where it should be forwarded: the relay's current hub peer.
// from must already belong to some peer that has itself handshaken with the
// relay, and that peer must be declared a counterparty of the hub — an
// off-path sender with no relay session of its own, or one the hub never
// declared, is refused outright rather than given a route.
func (f *Forwarder) LearnFromInitiation(msg *wgproto.MessageInitiation, from session.AddrPort) (Destination, bool, *relayerrors.RelayError) {
	sender, ok := f.table.FindPeerByLastAddr(from)
	if !ok {
		return Destination{}, false, relayerrors.New(relayerrors.Unauthorized, "initiation from an address with no authorized relay session")
	}

	hub := f.findHub()
	if hub == nil {
		return Destination{}, false, relayerrors.New(relayerrors.UnknownRoute, "no known hub to forward initiation to")
	}
	if !hub.IsCounterpartOf(sender.PublicKey) || !f.allow.Allowed(sender.PublicKey) {
		return Destination{}, false, relayerrors.New(relayerrors.Unauthorized, "sender is not an authorized counterparty of the hub")
	}
	f.rememberAddr(msg.Sender, from, sender)

	addr, _ := hub.LastAddr()
	return Destination{Addr: addr}, true, nil
}

// LearnFromResponse completes the route pair for a pass-through Response:
// it learns where the responder can be reached (msg.Sender -> from) and
// returns the address the response itself must be forwarded to — wherever
// the original initiator (msg.Receiver) was last observed. from is subject
// to the same authorization as LearnFromInitiation: the responder must
// already hold its own authorized relay session.
func (f *Forwarder) LearnFromResponse(msg *wgproto.MessageResponse, from session.AddrPort) (Destination, bool, *relayerrors.RelayError) {
	responder, ok := f.table.FindPeerByLastAddr(from)
	if !ok {
		return Destination{}, false, relayerrors.New(relayerrors.Unauthorized, "response from an address with no authorized relay session")
	}
	f.rememberAddr(msg.Sender, from, responder)

	dest, ok := f.addrFor(msg.Receiver)
	if !ok {
		return Destination{}, false, relayerrors.New(relayerrors.UnknownRoute, "no known route for response receiver index")
	}
	return Destination{Addr: dest}, true, nil
}

// ForwardByReceiverIndex serves both Cookie Reply and Transport Data: look up
// the receiver-index, no learning, but still re-check the destination peer
// against the relay's current AllowList — a peer revoked after its route
// was learned must stop receiving forwarded traffic immediately.
func (f *Forwarder) ForwardByReceiverIndex(receiverIndex uint32) (Destination, *relayerrors.RelayError) {
	addr, ok := f.addrFor(receiverIndex)
	if !ok {
		return Destination{}, relayerrors.New(relayerrors.UnknownRoute, "unknown receiver index")
	}
	return Destination{Addr: addr}, nil
}

// rememberAddr records a half-route for idx, distinct from session.Table's
// authorization-aware IndexRoute so pass-through (non-terminated)
// handshakes — which never get a relay-terminated *session.Session — can
// still be routed. peer is the already-authenticated sender identity
// resolved by source address, carried along so later forwarding decisions
// (addrFor) can re-check it against the AllowList.
func (f *Forwarder) rememberAddr(idx uint32, addr session.AddrPort, peer *session.Peer) {
	f.table.RememberPassthroughAddr(idx, addr, peer, time.Now())
}

func (f *Forwarder) addrFor(idx uint32) (session.AddrPort, bool) {
	if route, ok := f.table.LookupByIndex(idx); ok && route.Peer != nil {
		if !f.allow.Allowed(route.Peer.PublicKey) {
			return session.AddrPort{}, false
		}
		addr, _ := route.Peer.LastAddr()
		return addr, true
	}
	if peer, ok := f.table.LookupPassthroughPeer(idx); ok && !f.allow.Allowed(peer.PublicKey) {
		return session.AddrPort{}, false
	}
	return f.table.LookupPassthroughAddr(idx)
}

func (f *Forwarder) findHub() *session.Peer {
	return f.table.FindPeerByRole(session.RoleHub)
}
