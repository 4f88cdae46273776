// Package noise implements the relay's side of the Noise_IKpsk2 handshake:
// it always plays the responder role, authenticating incoming handshake
// initiations against its own static identity and the caller-supplied
// AllowList, and computing/validating MAC1/MAC2 cookie fields for DoS
// mitigation. It never decrypts or re-encrypts forwarded peer-to-peer
// transport data; the only transport data it seals or opens
// (EncryptTransport/DecryptTransport) belongs to the relay's own terminated
// sessions, which carry the in-band control channel.
package noise

import (
	"crypto/hmac"
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/poly1305"
	"golang.zx2c4.com/wireguard/tai64n"

	"github.com/2gc-dev/wgx/pkg/wgproto"
)

const (
	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	labelMAC1         = "mac1----"
	labelCookie       = "cookie--"
)

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(noiseConstruction))
	mixHash(&initialHash, &initialChainKey, []byte(wgIdentifier))
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hash, _ := blake2s.New256(nil)
	hash.Write(h[:])
	hash.Write(data)
	hash.Sum(dst[:0])
	hash.Reset()
}

func mixKey(dst, c *[blake2s.Size]byte, data []byte) {
	kdf1(dst, c[:], data)
}

// Identity is the relay's own static WireGuard keypair plus the optional
// relay-wide preshared key mixed into every handshake.
type Identity struct {
	PrivateKey    wgproto.NoisePrivateKey
	PublicKey     wgproto.NoisePublicKey
	PresharedKey  wgproto.NoisePresharedKey
	HasPreshared  bool
	cookieSecret  [32]byte
	cookieRotated time.Time
	mu            sync.Mutex
}

// NewIdentity derives the public key from priv and seeds the cookie secret.
func NewIdentity(priv [32]byte, psk *[32]byte) (*Identity, error) {
	id := &Identity{PrivateKey: priv}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(id.PublicKey[:], pub)
	if psk != nil {
		id.PresharedKey = *psk
		id.HasPreshared = true
	}
	if _, err := rand.Read(id.cookieSecret[:]); err != nil {
		return nil, err
	}
	id.cookieRotated = time.Now()
	return id, nil
}

// RotateCookieSecretIfDue replaces the cookie secret every two minutes, per
// the relay's DoS-mitigation cookie design.
func (id *Identity) RotateCookieSecretIfDue(interval time.Duration, now time.Time) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if now.Sub(id.cookieRotated) < interval {
		return
	}
	rand.Read(id.cookieSecret[:])
	id.cookieRotated = now
}

// Handshake is the relay-side state for one in-progress or completed
// responder handshake with a single peer.
type Handshake struct {
	mu                        sync.Mutex
	hash                      [blake2s.Size]byte
	chainKey                  [blake2s.Size]byte
	presharedKey              wgproto.NoisePresharedKey
	localEphemeralPriv        [32]byte
	localEphemeralPub         [32]byte
	localIndex                uint32
	remoteIndex               uint32
	remoteStatic              wgproto.NoisePublicKey
	remoteEphemeral           wgproto.NoisePublicKey
	precomputedStaticStatic   [32]byte
	lastTimestamp             tai64n.Timestamp
	lastInitiationConsumption time.Time
}

// ComputeMAC1 computes the MAC1 field covering msg[0:len-32] (everything
// before MAC1 and MAC2) keyed on Hash(Label-MAC1 || responder-static-public),
// per the WireGuard cookie mechanism.
func ComputeMAC1(responderStatic wgproto.NoisePublicKey, msg []byte) [blake2s.Size128]byte {
	var key [blake2s.Size]byte
	h, _ := blake2s.New256(nil)
	h.Write([]byte(labelMAC1))
	h.Write(responderStatic[:])
	h.Sum(key[:0])

	var out [blake2s.Size128]byte
	mac, _ := blake2s.New128(key[:])
	mac.Write(msg[:len(msg)-32])
	mac.Sum(out[:0])
	return out
}

// ComputeMAC2 computes the MAC2 field over msg[0:len-16] keyed on the
// current cookie value, required once the relay reports itself under load.
func ComputeMAC2(cookie [blake2s.Size128]byte, msg []byte) [blake2s.Size128]byte {
	var out [blake2s.Size128]byte
	mac, _ := blake2s.New128(cookie[:])
	mac.Write(msg[:len(msg)-16])
	mac.Sum(out[:0])
	return out
}

// MakeCookie derives the per-source cookie value used to key MAC2 and to
// answer Cookie Reply messages: a MAC of srcAddr keyed on the rotating
// cookie secret.
func (id *Identity) MakeCookie(srcAddr []byte) [blake2s.Size128]byte {
	id.mu.Lock()
	secret := id.cookieSecret
	id.mu.Unlock()

	var out [blake2s.Size128]byte
	mac, _ := blake2s.New128(secret[:])
	mac.Write(srcAddr)
	mac.Sum(out[:0])
	return out
}

// CreateCookieReply answers an over-threshold Initiation with a Cookie
// Reply: the current per-source cookie, encrypted under a key derived from
// the relay's own static key, authenticated against the triggering
// message's own MAC1 (so only whoever sent that Initiation can recover it).
func (id *Identity) CreateCookieReply(receiverIndex uint32, mac1 [blake2s.Size128]byte, cookie [blake2s.Size128]byte) (*wgproto.MessageCookieReply, error) {
	var key [blake2s.Size]byte
	h, _ := blake2s.New256(nil)
	h.Write([]byte(labelCookie))
	h.Write(id.PublicKey[:])
	h.Sum(key[:0])

	msg := &wgproto.MessageCookieReply{
		Type:     wgproto.MessageCookieReplyType,
		Receiver: receiverIndex,
	}
	if _, err := rand.Read(msg.Nonce[:]); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	aead.Seal(msg.Cookie[:0], msg.Nonce[:], cookie[:], mac1[:])
	return msg, nil
}

// ConsumeInitiation validates MAC1 (and MAC2 when underLoad), decrypts the
// initiator's static public key and timestamp, and returns the remote
// static key plus a fresh Handshake the caller can complete with
// CreateResponse. It does not consult the AllowList — callers must do that
// against the returned static key before calling CreateResponse, per the
// "drop silently, no oracle response" rule.
func (id *Identity) ConsumeInitiation(msg *wgproto.MessageInitiation, raw []byte, underLoad bool, cookie [blake2s.Size128]byte) (*Handshake, wgproto.NoisePublicKey, error) {
	expectedMAC1 := ComputeMAC1(id.PublicKey, raw)
	if !hmac.Equal(expectedMAC1[:], msg.MAC1[:]) {
		return nil, wgproto.NoisePublicKey{}, errMAC1Mismatch
	}
	if underLoad {
		expectedMAC2 := ComputeMAC2(cookie, raw)
		if !hmac.Equal(expectedMAC2[:], msg.MAC2[:]) {
			return nil, wgproto.NoisePublicKey{}, errMAC2Required
		}
	}

	var hash, chainKey [blake2s.Size]byte
	mixHash(&hash, &initialHash, id.PublicKey[:])
	mixHash(&hash, &hash, msg.Ephemeral[:])
	mixKey(&chainKey, &initialChainKey, msg.Ephemeral[:])

	// DH(ephemeral, static-private) -> decrypt initiator's static key.
	ss, err := curve25519.X25519(id.PrivateKey[:], msg.Ephemeral[:])
	if err != nil {
		return nil, wgproto.NoisePublicKey{}, err
	}
	var key [chacha20poly1305.KeySize]byte
	kdf2(&chainKey, &key, chainKey[:], ss)

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, wgproto.NoisePublicKey{}, err
	}
	var remoteStatic wgproto.NoisePublicKey
	if _, err := aead.Open(remoteStatic[:0], zeroNonce[:], msg.Static[:], hash[:]); err != nil {
		return nil, wgproto.NoisePublicKey{}, errStaticDecryptFailed
	}
	mixHash(&hash, &hash, msg.Static[:])

	// DH(static-private, remote-static) -> decrypt timestamp. The timestamp
	// is not compared with earlier initiations, so replays are not rejected.
	ss2, err := curve25519.X25519(id.PrivateKey[:], remoteStatic[:])
	if err != nil {
		return nil, wgproto.NoisePublicKey{}, err
	}
	kdf2(&chainKey, &key, chainKey[:], ss2)
	aead2, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, wgproto.NoisePublicKey{}, err
	}
	var timestampBytes [tai64n.TimestampSize]byte
	if _, err := aead2.Open(timestampBytes[:0], zeroNonce[:], msg.Timestamp[:], hash[:]); err != nil {
		return nil, wgproto.NoisePublicKey{}, errTimestampDecryptFailed
	}
	mixHash(&hash, &hash, msg.Timestamp[:])

	hs := &Handshake{
		hash:            hash,
		chainKey:        chainKey,
		remoteStatic:    remoteStatic,
		remoteEphemeral: msg.Ephemeral,
		remoteIndex:     msg.Sender,
	}
	copy(hs.precomputedStaticStatic[:], ss2)
	return hs, remoteStatic, nil
}

// CreateResponse builds this relay's Handshake Response to a consumed
// initiation, mixing in the preshared key and assigning localIndex (caller
// allocates it from the session table so index-uniqueness stays centralized
// there).
func (hs *Handshake) CreateResponse(id *Identity, psk *wgproto.NoisePresharedKey, localIndex uint32) (*wgproto.MessageResponse, error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	ephPriv, ephPub, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	hs.localEphemeralPriv = ephPriv
	hs.localEphemeralPub = ephPub
	hs.localIndex = localIndex

	mixHash(&hs.hash, &hs.hash, ephPub[:])
	mixKey(&hs.chainKey, &hs.chainKey, ephPub[:])

	ss, err := curve25519.X25519(ephPriv[:], hs.remoteEphemeral[:])
	if err != nil {
		return nil, err
	}
	mixKey(&hs.chainKey, &hs.chainKey, ss)

	ss2, err := curve25519.X25519(ephPriv[:], hs.remoteStatic[:])
	if err != nil {
		return nil, err
	}
	mixKey(&hs.chainKey, &hs.chainKey, ss2)

	var pskBytes [32]byte
	if psk != nil {
		pskBytes = *psk
	}
	var tau [blake2s.Size]byte
	var key [chacha20poly1305.KeySize]byte
	kdf3(&hs.chainKey, &tau, &key, hs.chainKey[:], pskBytes[:])
	mixHash(&hs.hash, &hs.hash, tau[:])

	msg := &wgproto.MessageResponse{
		Type:      wgproto.MessageResponseType,
		Sender:    localIndex,
		Receiver:  hs.remoteIndex,
		Ephemeral: ephPub,
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	aead.Seal(msg.Empty[:0], zeroNonce[:], nil, hs.hash[:])
	mixHash(&hs.hash, &hs.hash, msg.Empty[:])

	return msg, nil
}

// Keypair holds one direction-agnostic transport-key pair derived when a
// handshake completes. The relay only ever calls this for handshakes it
// terminates itself (with any peer; these carry the in-band control channel)
// — never for a pass-through peer-to-peer session, which the Forwarder relays
// without ever completing or deriving keys for.
type Keypair struct {
	Send    [chacha20poly1305.KeySize]byte
	Receive [chacha20poly1305.KeySize]byte
	Created time.Time
}

// BeginSymmetricSession derives the responder-side transport keypair once a
// Handshake Response has been sent. As the responder, the relay's receive
// key is the initiator's send key and vice versa, per Noise_IKpsk2's KDF2
// split of the final chain key into two directional keys.
func (hs *Handshake) BeginSymmetricSession() Keypair {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	var recv, send [chacha20poly1305.KeySize]byte
	kdf2Pair(hs.chainKey[:], &recv, &send)
	return Keypair{Send: send, Receive: recv, Created: time.Now()}
}

func newEphemeral() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pubSlice)
	return
}
