// Package session owns the relay's live state: known peers, in-progress
// and established sessions, and the index-to-route table the Forwarder
// reads on every datagram.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// RejectAfterTime is the maximum age of a session before it is expired by
// the reaper, per the WireGuard timer rules.
const RejectAfterTime = 180 * time.Second

// RekeyTimeout bounds how long a half-completed handshake may sit before
// the reaper drops it.
const RekeyTimeout = 5 * time.Second

// Role distinguishes a hub (runs the in-band control channel) from an
// ordinary spoke.
type Role int

const (
	RoleUnknown Role = iota
	RoleHub
	RoleSpoke
)

// Stats holds byte counters surfaced by the control channel's GetStatus.
type Stats struct {
	BytesIn  uint64
	BytesOut uint64
}

// Peer is a known WireGuard identity: its public key, role, and the
// addresses/authorization state the relay tracks for it.
type Peer struct {
	PublicKey [32]byte

	mu          sync.Mutex
	role        Role
	lastAddr    AddrPort
	lastSeen    time.Time
	stats       Stats
	authorized  bool
	counterpart map[[32]byte]struct{}
}

// AddrPort is a minimal source-address value, avoiding a net.UDPAddr
// allocation on the hot path.
type AddrPort struct {
	IP   [16]byte // v4-in-v6 or native v6
	Port uint16
	IsV4 bool
}

func NewPeer(pub [32]byte, role Role) *Peer {
	return &Peer{PublicKey: pub, role: role, counterpart: make(map[[32]byte]struct{})}
}

// Role reports the peer's current role (mutable: see PromoteToHub).
func (p *Peer) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// UpdateLastSeen records a fresh, handshake-authenticated source address.
// Must never be called for a bare Transport Data datagram — see Forwarder.
func (p *Peer) UpdateLastSeen(addr AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAddr = addr
	p.lastSeen = time.Now()
}

func (p *Peer) LastAddr() (AddrPort, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAddr, p.lastSeen
}

func (p *Peer) AddStats(in, out uint64) {
	p.mu.Lock()
	p.stats.BytesIn += in
	p.stats.BytesOut += out
	p.mu.Unlock()
}

func (p *Peer) SnapshotStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// PromoteToHub marks p as the peer running the in-band Control Channel.
// Called the first time a peer's own relay session successfully executes a
// policy-mutating control command (SetAllowedPeers/AddAllowedPeer/
// RemoveAllowedPeer) — the operational definition of "hub" in a topology
// with no separate hub/spoke designation in config.
func (p *Peer) PromoteToHub() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.role = RoleHub
}

// IsCounterpartOf reports whether other has been declared an authorized
// forwarding counterparty of p. The Forwarder requires this for every
// pass-through Initiation, whether or not the AllowList is the wildcard:
// completing a handshake is not itself enough to forward.
func (p *Peer) IsCounterpartOf(other [32]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.counterpart[other]
	return ok
}

func (p *Peer) SetCounterparts(keys [][32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counterpart = make(map[[32]byte]struct{}, len(keys))
	for _, k := range keys {
		p.counterpart[k] = struct{}{}
	}
}

func (p *Peer) AddCounterpart(key [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counterpart == nil {
		p.counterpart = make(map[[32]byte]struct{})
	}
	p.counterpart[key] = struct{}{}
}

func (p *Peer) RemoveCounterpart(key [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counterpart, key)
}

// SessionState tracks where a handshake is in its lifecycle.
type SessionState int

const (
	StateInit SessionState = iota
	StateAwaitingResponse
	StateAwaitingConfirmation
	StateEstablished
	StateExpired
)

// Session is one relay-side handshake/keypair context for a peer. The
// cryptographic Handshake object itself lives in pkg/noise; Session owns
// only the routing-relevant bookkeeping: which indices route to which peer,
// and when it must be reaped.
type Session struct {
	Peer        *Peer
	LocalIndex  uint32
	RemoteIndex uint32
	State       SessionState
	CreatedAt   time.Time

	// Control-channel transport keys, set for every session the relay
	// terminates itself (any peer, hub or not). Never populated for a
	// pass-through (forwarded, not decrypted) peer-to-peer session.
	HasKeypair  bool
	SendKey     [32]byte
	RecvKey     [32]byte
	sendCounter uint64
	recvCounter uint64

	lastActivity time.Time
	mu           sync.Mutex
}

// NextSendCounter returns the next outgoing transport counter to use when
// encrypting a control-channel reply.
func (s *Session) NextSendCounter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.sendCounter
	s.sendCounter++
	return c
}

// AcceptRecvCounter enforces strictly-increasing transport counters on the
// relay's own control-channel session (a minimal anti-replay check; WGX
// does not implement the reference implementation's full sliding window
// since it never forwards or reorders its own control traffic).
func (s *Session) AcceptRecvCounter(counter uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter < s.recvCounter {
		return false
	}
	s.recvCounter = counter + 1
	return true
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// IndexRoute maps a receiver-index to the peer and last-known address a
// Transport Data datagram bearing that index should be forwarded to.
type IndexRoute struct {
	Peer    *Peer
	Session *Session
}

// Table is the relay's read-mostly shared state: peers by public key,
// sessions by local index, and the index routes the Forwarder's hot path
// reads. All mutation goes through its methods; RWMutex keeps the common
// case (lookup) cheap.
type Table struct {
	mu           sync.RWMutex
	peers        map[[32]byte]*Peer
	peerSessions map[[32]byte]uint32   // current local index per peer, for supersede
	sessions     map[uint32]*Session   // by local (relay-assigned) index
	routes       map[uint32]IndexRoute // by observed remote/receiver index
	passthrough  map[uint32]passthroughEntry
}

// passthroughEntry is a raw address route for handshakes the relay never
// terminates (ordinary spoke<->hub traffic it only observes and forwards).
// peer is the sender's own relay-registered identity, resolved by source
// address at learn time — nil would mean an unauthenticated sender, which
// the Forwarder now refuses to learn a route for at all.
type passthroughEntry struct {
	addr    AddrPort
	peer    *Peer
	learned time.Time
}

func NewTable() *Table {
	return &Table{
		peers:        make(map[[32]byte]*Peer),
		peerSessions: make(map[[32]byte]uint32),
		sessions:     make(map[uint32]*Session),
		routes:       make(map[uint32]IndexRoute),
		passthrough:  make(map[uint32]passthroughEntry),
	}
}

// RememberPassthroughAddr records where a pass-through handshake's sender
// index was last observed from, and which already-authorized peer (resolved
// by source address) it belongs to.
func (t *Table) RememberPassthroughAddr(idx uint32, addr AddrPort, peer *Peer, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.passthrough[idx] = passthroughEntry{addr: addr, peer: peer, learned: at}
}

// LookupPassthroughAddr returns the address previously learned for idx.
func (t *Table) LookupPassthroughAddr(idx uint32) (AddrPort, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.passthrough[idx]
	return e.addr, ok
}

// LookupPassthroughPeer returns the authorized peer previously resolved for
// idx's sender, if any.
func (t *Table) LookupPassthroughPeer(idx uint32) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.passthrough[idx]
	if !ok || e.peer == nil {
		return nil, false
	}
	return e.peer, true
}

// FindPeerByRole returns the first known peer with the given role — used to
// locate "the hub" in a hub-and-spoke topology with a single hub.
func (t *Table) FindPeerByRole(role Role) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.Role() == role {
			return p
		}
	}
	return nil
}

// FindPeerByLastAddr returns the known peer whose most recently observed
// relay-authenticated source address equals addr, if any. Used to
// authenticate the sender of a pass-through handshake: per the forwarding
// policy, a half-route may only be learned from an address that already
// belongs to a peer which has itself completed an authorized handshake with
// the relay (see Forwarder.LearnFromInitiation).
func (t *Table) FindPeerByLastAddr(addr AddrPort) (*Peer, bool) {
	t.mu.RLock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.RUnlock()

	for _, p := range peers {
		last, _ := p.LastAddr()
		if last == addr {
			return p, true
		}
	}
	return nil, false
}

// GetOrCreatePeer returns the existing Peer for pub, or creates one.
func (t *Table) GetOrCreatePeer(pub [32]byte, role Role) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[pub]; ok {
		return p
	}
	p := NewPeer(pub, role)
	t.peers[pub] = p
	return p
}

func (t *Table) LookupPeer(pub [32]byte) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[pub]
	return p, ok
}

// NewLocalIndex allocates a random, currently-unused local session index,
// looping under lock the way the reference index table does to avoid
// collisions without a global counter.
func (t *Table) NewLocalIndex() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		idx := randUint32()
		if _, exists := t.sessions[idx]; !exists {
			return idx
		}
	}
}

// InsertSession atomically supersedes any prior session for s.Peer: if that
// peer already has a live session under a different local index, the old
// session and its route are removed so exactly one session per peer is ever
// live at a time.
func (t *Table) InsertSession(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.Peer != nil {
		if oldIdx, ok := t.peerSessions[s.Peer.PublicKey]; ok && oldIdx != s.LocalIndex {
			delete(t.sessions, oldIdx)
			delete(t.routes, oldIdx)
		}
		t.peerSessions[s.Peer.PublicKey] = s.LocalIndex
	}
	t.sessions[s.LocalIndex] = s
}

// LookupByIndex is the Forwarder's hot-path call: O(1) lookup of the route
// for a receiver-index carried in an incoming datagram.
func (t *Table) LookupByIndex(idx uint32) (IndexRoute, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[idx]
	return r, ok
}

// LearnRoute records (or overwrites) the destination for idx. Called from
// observed handshake traffic only — never from Transport Data.
func (t *Table) LearnRoute(idx uint32, r IndexRoute) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[idx] = r
}

func (t *Table) SessionByLocalIndex(idx uint32) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[idx]
	return s, ok
}

func (t *Table) DeleteSession(idx uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[idx]
	delete(t.sessions, idx)
	delete(t.routes, idx)
	if ok && s.Peer != nil {
		if cur, exists := t.peerSessions[s.Peer.PublicKey]; exists && cur == idx {
			delete(t.peerSessions, s.Peer.PublicKey)
		}
	}
}

// Expire sweeps sessions older than RejectAfterTime (or handshakes stuck
// past RekeyTimeout) and removes them along with their routes. Intended to
// run on the reaper ticker, at least every 10s per the concurrency model.
func (t *Table) Expire(now time.Time) (expired int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for idx, s := range t.sessions {
		s.mu.Lock()
		age := now.Sub(s.lastActivity)
		state := s.State
		s.mu.Unlock()

		limit := RejectAfterTime
		if state != StateEstablished {
			limit = RekeyTimeout
		}
		if age > limit {
			delete(t.sessions, idx)
			delete(t.routes, idx)
			if s.Peer != nil {
				if cur, exists := t.peerSessions[s.Peer.PublicKey]; exists && cur == idx {
					delete(t.peerSessions, s.Peer.PublicKey)
				}
			}
			expired++
		}
	}
	for idx, e := range t.passthrough {
		if now.Sub(e.learned) > RejectAfterTime {
			delete(t.passthrough, idx)
		}
	}
	return expired
}

// PeerSnapshot is a point-in-time, read-only view of one peer for GetStatus.
type PeerSnapshot struct {
	PublicKey [32]byte
	Role      Role
	LastAddr  AddrPort
	LastSeen  time.Time
	Stats     Stats
}

// Snapshot returns a consistent point-in-time view of all known peers and
// live session count, for the Control Channel's GetStatus operation.
func (t *Table) Snapshot() (peers []PeerSnapshot, sessionCount int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		addr, seen := p.LastAddr()
		peers = append(peers, PeerSnapshot{
			PublicKey: p.PublicKey,
			Role:      p.Role(),
			LastAddr:  addr,
			LastSeen:  seen,
			Stats:     p.SnapshotStats(),
		})
	}
	return peers, len(t.sessions)
}

func randUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint32(b[:])
}
