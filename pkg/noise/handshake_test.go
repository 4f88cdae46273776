package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/tai64n"

	"github.com/2gc-dev/wgx/pkg/wgproto"
)

// buildInitiation plays the initiator side of Noise_IKpsk2 by hand, mirroring
// ConsumeInitiation's own math, so the responder path can be exercised
// end-to-end without a second full implementation to depend on.
func buildInitiation(t *testing.T, responderPub [32]byte, initiatorPriv, initiatorPub [32]byte, sender uint32) *wgproto.MessageInitiation {
	t.Helper()

	ephPriv, ephPub, err := newEphemeral()
	require.NoError(t, err)

	var hash, chainKey [32]byte
	mixHash(&hash, &initialHash, responderPub[:])
	mixHash(&hash, &hash, ephPub[:])
	mixKey(&chainKey, &initialChainKey, ephPub[:])

	ss, err := curve25519.X25519(ephPriv[:], responderPub[:])
	require.NoError(t, err)
	var key [chacha20poly1305.KeySize]byte
	kdf2(&chainKey, &key, chainKey[:], ss)

	msg := &wgproto.MessageInitiation{
		Type:      wgproto.MessageInitiationType,
		Sender:    sender,
		Ephemeral: ephPub,
	}

	aead, err := chacha20poly1305.New(key[:])
	require.NoError(t, err)
	aead.Seal(msg.Static[:0], zeroNonce[:], initiatorPub[:], hash[:])
	mixHash(&hash, &hash, msg.Static[:])

	ss2, err := curve25519.X25519(initiatorPriv[:], responderPub[:])
	require.NoError(t, err)
	kdf2(&chainKey, &key, chainKey[:], ss2)

	ts := tai64n.Now()
	aead2, err := chacha20poly1305.New(key[:])
	require.NoError(t, err)
	aead2.Seal(msg.Timestamp[:0], zeroNonce[:], ts[:], hash[:])

	raw := msg.Marshal()
	mac1 := ComputeMAC1(responderPub, raw)
	msg.MAC1 = mac1
	return msg
}

func TestConsumeInitiationAndCreateResponse(t *testing.T) {
	var responderPriv [32]byte
	responderPriv[0] = 1
	responderPriv[0] &= 248
	responderPriv[31] &= 127
	responderPriv[31] |= 64
	responderPub, err := curve25519.X25519(responderPriv[:], curve25519.Basepoint)
	require.NoError(t, err)
	var rPub [32]byte
	copy(rPub[:], responderPub)

	id, err := NewIdentity(responderPriv, nil)
	require.NoError(t, err)
	assert.Equal(t, wgproto.NoisePublicKey(rPub), id.PublicKey)

	initiatorPriv, initiatorPub, err := newEphemeral()
	require.NoError(t, err)

	msg := buildInitiation(t, rPub, initiatorPriv, initiatorPub, 0xaabbccdd)
	raw := msg.Marshal()

	var zeroCookie [16]byte
	hs, remoteStatic, err := id.ConsumeInitiation(msg, raw, false, zeroCookie)
	require.NoError(t, err)
	assert.Equal(t, wgproto.NoisePublicKey(initiatorPub), remoteStatic)

	resp, err := hs.CreateResponse(id, nil, 42)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), resp.Sender)
	assert.Equal(t, msg.Sender, resp.Receiver)

	kp := hs.BeginSymmetricSession()
	assert.NotEqual(t, kp.Send, kp.Receive, "responder send/receive keys must differ")
}

func TestConsumeInitiationRejectsBadMAC1(t *testing.T) {
	var responderPriv [32]byte
	responderPriv[0] = 2
	responderPriv[0] &= 248
	responderPriv[31] &= 127
	responderPriv[31] |= 64
	id, err := NewIdentity(responderPriv, nil)
	require.NoError(t, err)

	initiatorPriv, initiatorPub, err := newEphemeral()
	require.NoError(t, err)

	msg := buildInitiation(t, id.PublicKey, initiatorPriv, initiatorPub, 1)
	msg.MAC1[0] ^= 0xFF // corrupt

	_, _, err = id.ConsumeInitiation(msg, msg.Marshal(), false, [16]byte{})
	assert.ErrorIs(t, err, errMAC1Mismatch)
}

// referenceKDF3 is a second, independent implementation of the Noise KDF3
// step (HMAC-BLAKE2s chained into three distinct outputs), kept deliberately
// separate from kdf.go's kdf3 so this test can't pass merely because both
// sides share the same (possibly buggy) production code.
func referenceKDF3(key, input []byte) (chainKey, tau [32]byte, outKey [32]byte) {
	mac := func(k, in []byte) [32]byte {
		h, _ := blake2s.New256(k)
		h.Write(in)
		var out [32]byte
		h.Sum(out[:0])
		return out
	}
	prk := mac(key, input)
	chainKey = mac(prk[:], []byte{0x1})
	tau = mac(prk[:], append(append([]byte{}, chainKey[:]...), 0x2))
	outKey = mac(prk[:], append(append([]byte{}, tau[:]...), 0x3))
	return
}

// TestKDF3MatchesIndependentReference checks kdf3's three outputs against
// referenceKDF3, a second implementation of the same HMAC chain kept
// deliberately separate in this file. CreateResponse mixes kdf3's *second*
// output (tau) into the handshake hash before sealing the Response's Empty
// field (see handshake.go), so a stock WireGuard initiator — which derives
// tau the same textbook way — would compute a different hash and reject the
// AEAD tag if kdf3 ever collapsed its outputs (e.g. reusing output 1 for both
// chainKey and tau).
func TestKDF3MatchesIndependentReference(t *testing.T) {
	key := []byte("some-chain-key-material-32-bytes")
	input := []byte("some-psk-material")

	wantChainKey, wantTau, wantKey := referenceKDF3(key, input)

	var gotChainKey, gotTau [32]byte
	var gotKey [chacha20poly1305.KeySize]byte
	kdf3(&gotChainKey, &gotTau, &gotKey, key, input)

	assert.Equal(t, wantChainKey[:], gotChainKey[:], "kdf3 output 1 (chainKey)")
	assert.Equal(t, wantTau[:], gotTau[:], "kdf3 output 2 (tau)")
	assert.Equal(t, wantKey[:], gotKey[:], "kdf3 output 3 (AEAD key)")
	assert.NotEqual(t, gotChainKey[:], gotTau[:], "chainKey and tau must be distinct outputs")
}

// TestCreateResponseUsesIndependentlyVerifiableTau reruns kdf3 with the exact
// chain key CreateResponse used right before deriving tau, and checks the
// production tau matches referenceKDF3's second output — the value a real
// WireGuard initiator would compute and mix into its own hash.
func TestCreateResponseUsesIndependentlyVerifiableTau(t *testing.T) {
	var responderPriv [32]byte
	responderPriv[0] = 4
	responderPriv[0] &= 248
	responderPriv[31] &= 127
	responderPriv[31] |= 64
	id, err := NewIdentity(responderPriv, nil)
	require.NoError(t, err)

	initiatorPriv, initiatorPub, err := newEphemeral()
	require.NoError(t, err)

	msg := buildInitiation(t, id.PublicKey, initiatorPriv, initiatorPub, 7)
	raw := msg.Marshal()

	var zeroCookie [16]byte
	hs, _, err := id.ConsumeInitiation(msg, raw, false, zeroCookie)
	require.NoError(t, err)

	preChainKey := hs.chainKey
	preHash := hs.hash
	resp, err := hs.CreateResponse(id, nil, 99)
	require.NoError(t, err)

	// Replay CreateResponse's chain-key steps up to its kdf3 call.
	chainKey := preChainKey
	mixKey(&chainKey, &chainKey, resp.Ephemeral[:])
	ss, err := curve25519.X25519(hs.localEphemeralPriv[:], hs.remoteEphemeral[:])
	require.NoError(t, err)
	mixKey(&chainKey, &chainKey, ss)
	ss2, err := curve25519.X25519(hs.localEphemeralPriv[:], hs.remoteStatic[:])
	require.NoError(t, err)
	mixKey(&chainKey, &chainKey, ss2)

	var pskBytes [32]byte
	wantChainKey, wantTau, wantKey := referenceKDF3(chainKey[:], pskBytes[:])

	var gotChainKey, gotTau [32]byte
	var gotKey [chacha20poly1305.KeySize]byte
	kdf3(&gotChainKey, &gotTau, &gotKey, chainKey[:], pskBytes[:])

	assert.Equal(t, wantTau[:], gotTau[:])
	assert.Equal(t, wantKey[:], gotKey[:])
	assert.NotEqual(t, gotChainKey[:], gotTau[:])
	assert.Equal(t, wantChainKey[:], hs.chainKey[:], "CreateResponse must leave kdf3's first output as its chain key")

	// The Response's Empty field must open under the reference key, with the
	// reference tau mixed into the handshake hash as its associated data.
	var hash [blake2s.Size]byte
	mixHash(&hash, &preHash, resp.Ephemeral[:])
	mixHash(&hash, &hash, wantTau[:])
	aead, err := chacha20poly1305.New(wantKey[:])
	require.NoError(t, err)
	_, err = aead.Open(nil, zeroNonce[:], resp.Empty[:], hash[:])
	assert.NoError(t, err, "Response must be sealed with the reference tau and key")
}

func TestTransportEncryptDecryptRoundTrip(t *testing.T) {
	var key [32]byte
	key[0] = 9

	plaintext := []byte("control-channel frame")
	ciphertext, err := EncryptTransport(key, 3, plaintext)
	require.NoError(t, err)

	got, err := DecryptTransport(key, 3, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	_, err = DecryptTransport(key, 4, ciphertext)
	assert.Error(t, err, "decrypting with the wrong counter must fail authentication")
}

func TestMakeCookieIsStableUntilRotated(t *testing.T) {
	var priv [32]byte
	priv[0] = 3
	id, err := NewIdentity(priv, nil)
	require.NoError(t, err)

	src := []byte{127, 0, 0, 1, 0x13, 0x37}
	c1 := id.MakeCookie(src)
	c2 := id.MakeCookie(src)
	assert.Equal(t, c1, c2)
}
