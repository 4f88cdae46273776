package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2gc-dev/wgx/pkg/metrics"
	"github.com/2gc-dev/wgx/pkg/session"
	"github.com/2gc-dev/wgx/pkg/wgproto"
)

func newTestForwarder() (*Forwarder, *session.Table) {
	table := session.NewTable()
	al := &AllowList{}
	al.Replace(nil, true)
	return NewForwarder(table, al, metrics.New(false, 0)), table
}

// newAuthorizedSender registers peer as having already completed its own
// relay-terminated handshake from addr, and as a declared counterparty of
// hub, so the Forwarder will accept a pass-through handshake it sends.
func newAuthorizedSender(table *session.Table, hub *session.Peer, key byte, addr session.AddrPort) *session.Peer {
	var pub [32]byte
	pub[0] = key
	sender := table.GetOrCreatePeer(pub, session.RoleSpoke)
	sender.UpdateLastSeen(addr)
	hub.AddCounterpart(pub)
	return sender
}

func TestLearnFromInitiationForwardsToKnownHub(t *testing.T) {
	f, table := newTestForwarder()
	hub := table.GetOrCreatePeer([32]byte{1}, session.RoleHub)
	hub.UpdateLastSeen(session.AddrPort{Port: 51820, IsV4: true})
	from := session.AddrPort{Port: 9000, IsV4: true}
	newAuthorizedSender(table, hub, 2, from)

	msg := &wgproto.MessageInitiation{Sender: 123}
	dest, ok, rerr := f.LearnFromInitiation(msg, from)

	require.Nil(t, rerr)
	assert.True(t, ok)
	assert.Equal(t, uint16(51820), dest.Addr.Port)
}

func TestLearnFromInitiationFailsWithoutHub(t *testing.T) {
	f, table := newTestForwarder()
	from := session.AddrPort{Port: 9000, IsV4: true}
	sender := table.GetOrCreatePeer([32]byte{2}, session.RoleSpoke)
	sender.UpdateLastSeen(from) // authenticated sender, but no peer is a hub
	msg := &wgproto.MessageInitiation{Sender: 1}

	_, ok, rerr := f.LearnFromInitiation(msg, from)
	assert.False(t, ok)
	require.NotNil(t, rerr)
}

func TestLearnFromInitiationRejectsUnauthenticatedSource(t *testing.T) {
	f, table := newTestForwarder()
	hub := table.GetOrCreatePeer([32]byte{1}, session.RoleHub)
	hub.UpdateLastSeen(session.AddrPort{Port: 51820, IsV4: true})

	msg := &wgproto.MessageInitiation{Sender: 123}
	_, ok, rerr := f.LearnFromInitiation(msg, session.AddrPort{Port: 9999, IsV4: true})

	assert.False(t, ok, "a source address with no authorized relay session must never get a route")
	require.NotNil(t, rerr)
}

func TestLearnFromInitiationRejectsUndeclaredCounterparty(t *testing.T) {
	f, table := newTestForwarder()
	hub := table.GetOrCreatePeer([32]byte{1}, session.RoleHub)
	hub.UpdateLastSeen(session.AddrPort{Port: 51820, IsV4: true})

	from := session.AddrPort{Port: 9000, IsV4: true}
	var senderPub [32]byte
	senderPub[0] = 2
	sender := table.GetOrCreatePeer(senderPub, session.RoleSpoke)
	sender.UpdateLastSeen(from) // has its own session, but hub never declared it

	msg := &wgproto.MessageInitiation{Sender: 123}
	_, ok, rerr := f.LearnFromInitiation(msg, from)

	assert.False(t, ok, "the hub must explicitly declare a peer before it may be forwarded to")
	require.NotNil(t, rerr)
}

func TestLearnFromResponseRoutesBackToInitiator(t *testing.T) {
	f, table := newTestForwarder()
	hub := table.GetOrCreatePeer([32]byte{1}, session.RoleHub)
	initFrom := session.AddrPort{Port: 1111, IsV4: true}
	sender := newAuthorizedSender(table, hub, 2, initFrom)

	initMsg := &wgproto.MessageInitiation{Sender: 10}
	f.rememberAddr(initMsg.Sender, initFrom, sender)

	respFrom := session.AddrPort{Port: 2222, IsV4: true}
	hub.UpdateLastSeen(respFrom)
	respMsg := &wgproto.MessageResponse{Sender: 20, Receiver: 10}
	dest, ok, rerr := f.LearnFromResponse(respMsg, respFrom)

	require.Nil(t, rerr)
	assert.True(t, ok)
	assert.Equal(t, uint16(1111), dest.Addr.Port)
}

func TestLearnFromResponseRejectsUnauthenticatedSource(t *testing.T) {
	f, _ := newTestForwarder()
	respMsg := &wgproto.MessageResponse{Sender: 20, Receiver: 10}
	_, ok, rerr := f.LearnFromResponse(respMsg, session.AddrPort{Port: 4444, IsV4: true})

	assert.False(t, ok)
	require.NotNil(t, rerr)
}

func TestForwardByReceiverIndexUnknownRoute(t *testing.T) {
	f, _ := newTestForwarder()
	_, rerr := f.ForwardByReceiverIndex(999)
	require.NotNil(t, rerr)
}

func TestForwardByReceiverIndexKnownPassthroughRoute(t *testing.T) {
	f, table := newTestForwarder()
	hub := table.GetOrCreatePeer([32]byte{1}, session.RoleHub)
	addr := session.AddrPort{Port: 3333, IsV4: true}
	sender := newAuthorizedSender(table, hub, 2, addr)
	f.rememberAddr(55, addr, sender)

	dest, rerr := f.ForwardByReceiverIndex(55)
	require.Nil(t, rerr)
	assert.Equal(t, uint16(3333), dest.Addr.Port)
}

func TestForwardByReceiverIndexRefusesRevokedPeer(t *testing.T) {
	f, table := newTestForwarder()
	al := &AllowList{}
	al.Replace(nil, false) // no wildcard: nothing is allowed unless listed
	f.allow = al

	hub := table.GetOrCreatePeer([32]byte{1}, session.RoleHub)
	addr := session.AddrPort{Port: 3333, IsV4: true}
	sender := newAuthorizedSender(table, hub, 2, addr)
	f.rememberAddr(55, addr, sender)

	_, rerr := f.ForwardByReceiverIndex(55)
	require.NotNil(t, rerr, "a peer not on the relay's handshake AllowList must not be forwarded to")
}
