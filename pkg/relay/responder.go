package relay

import (
	"time"

	"golang.org/x/time/rate"

	relayerrors "github.com/2gc-dev/wgx/pkg/errors"
	"github.com/2gc-dev/wgx/pkg/logging"
	"github.com/2gc-dev/wgx/pkg/metrics"
	"github.com/2gc-dev/wgx/pkg/noise"
	"github.com/2gc-dev/wgx/pkg/session"
	"github.com/2gc-dev/wgx/pkg/wgproto"
)

// Responder terminates Noise_IKpsk2 handshakes addressed to the relay's own
// WireGuard identity. Every peer — hub and spoke alike — completes one of
// these relay-terminated sessions before it may do anything else; it is how
// the relay ever learns a peer's real static key and authorized address.
// A peer only becomes "the hub" later, by being the first to successfully
// run a policy-mutating Control Channel command over its session (see
// Peer.PromoteToHub). Initiations addressed to some other peer's static key
// never match here and are left to the Forwarder to relay blindly, subject
// to its own counterparty authorization (see forwarder.go).
type Responder struct {
	identity  *noise.Identity
	table     *session.Table
	allowList *AllowList
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	log       logging.Logger

	psk *wgproto.NoisePresharedKey
}

// NewResponder constructs a Responder for this relay's own identity.
func NewResponder(identity *noise.Identity, table *session.Table, allowList *AllowList, rateLimit float64, m *metrics.Metrics, log logging.Logger) *Responder {
	r := &Responder{
		identity:  identity,
		table:     table,
		allowList: allowList,
		limiter:   rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)),
		metrics:   m,
		log:       log,
	}
	if identity.HasPreshared {
		psk := identity.PresharedKey
		r.psk = &psk
	}
	return r
}

// handshakeOutcome reports what a relay-addressed Initiation attempt
// resolved to, so the caller (the ingress dispatch, Daemon.handleInitiation)
// can fall back to the Forwarder's pass-through relaying
// when the packet was never meant for the relay's own identity at all.
type handshakeOutcome int

const (
	outcomeNotForUs handshakeOutcome = iota
	outcomeEstablished
	outcomeUnauthorized
	outcomeUnderLoad
	outcomeMalformed
)

// TryConsume attempts to terminate msg as a handshake with the relay's own
// identity. outcomeNotForUs means MAC1 didn't verify against the relay's
// static key — the caller should treat this as an ordinary pass-through
// packet instead. from is the packet's source address; on success it
// becomes the peer's authoritative last-seen address, which is what later
// authenticates that peer as the sender of pass-through traffic (see
// Table.FindPeerByLastAddr).
func (r *Responder) TryConsume(raw []byte, msg *wgproto.MessageInitiation, srcCookie [16]byte, from session.AddrPort) (*wgproto.MessageResponse, handshakeOutcome, *relayerrors.RelayError) {
	expectedMAC1 := noise.ComputeMAC1(r.identity.PublicKey, raw)
	if !macEqual(expectedMAC1, msg.MAC1) {
		return nil, outcomeNotForUs, nil
	}

	underLoad := !r.limiter.Allow()
	hs, remoteStatic, err := r.identity.ConsumeInitiation(msg, raw, underLoad, srcCookie)
	if err != nil {
		if underLoad {
			r.metrics.RecordHandshake("under_load")
			return nil, outcomeUnderLoad, relayerrors.Wrap(relayerrors.UnderLoad, "handshake rejected under load", err)
		}
		r.metrics.RecordHandshake("malformed")
		return nil, outcomeMalformed, relayerrors.Wrap(relayerrors.MalformedDatagram, "failed to consume initiation", err)
	}

	if !r.allowList.Allowed(remoteStatic) {
		r.metrics.RecordHandshake("unauthorized")
		r.log.Debug("dropping handshake from unauthorized peer")
		return nil, outcomeUnauthorized, relayerrors.New(relayerrors.Unauthorized, "peer not on allow list")
	}

	peer := r.table.GetOrCreatePeer(remoteStatic, session.RoleUnknown)
	peer.UpdateLastSeen(from)
	localIndex := r.table.NewLocalIndex()
	resp, err := hs.CreateResponse(r.identity, r.psk, localIndex)
	if err != nil {
		r.metrics.RecordHandshake("failed")
		return nil, outcomeMalformed, relayerrors.Wrap(relayerrors.MalformedDatagram, "failed to create response", err)
	}

	kp := hs.BeginSymmetricSession()

	sess := &session.Session{
		Peer:        peer,
		LocalIndex:  localIndex,
		RemoteIndex: msg.Sender,
		State:       session.StateAwaitingConfirmation,
		CreatedAt:   time.Now(),
		HasKeypair:  true,
		SendKey:     kp.Send,
		RecvKey:     kp.Receive,
	}
	sess.Touch()
	r.table.InsertSession(sess)
	r.table.LearnRoute(msg.Sender, session.IndexRoute{Peer: peer, Session: sess})

	r.metrics.RecordHandshake("established")
	return resp, outcomeEstablished, nil
}

func macEqual(a, b [16]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
