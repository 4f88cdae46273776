package noise

import (
	"errors"

	"golang.org/x/crypto/blake2s"
)

var (
	errMAC1Mismatch           = errors.New("noise: mac1 mismatch")
	errMAC2Required           = errors.New("noise: mac2 required under load")
	errStaticDecryptFailed    = errors.New("noise: failed to decrypt initiator static key")
	errTimestampDecryptFailed = errors.New("noise: failed to decrypt timestamp")
)

// kdf1/kdf2/kdf3 implement the Noise framework's HMAC-based key derivation
// restricted to BLAKE2s, matching the reference WireGuard implementation's
// one-, two-, and three-output chaining steps.
func kdf1(t0 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(t0, prk[:], []byte{0x1})
	setZero(prk[:])
}

func kdf2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(t0, prk[:], []byte{0x1})
	hmacBlake2s(t1, prk[:], append(t0[:], 0x2))
	setZero(prk[:])
}

// kdf3 produces three distinct outputs: chainKey and tau are full BLAKE2s
// outputs, and outKey is used directly as an AEAD key so it is sized to
// chacha20poly1305.KeySize (32 bytes, same as blake2s.Size).
func kdf3(chainKey, tau *[blake2s.Size]byte, outKey *[32]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(chainKey, prk[:], []byte{0x1})
	hmacBlake2s(tau, prk[:], append(chainKey[:], 0x2))
	var t2Full [blake2s.Size]byte
	hmacBlake2s(&t2Full, prk[:], append(tau[:], 0x3))
	copy(outKey[:], t2Full[:])
	setZero(prk[:])
}

// kdf2Pair derives two directional transport keys from the final chain key,
// mirroring the reference implementation's "receive then send" ordering for
// the responder role.
func kdf2Pair(chainKey []byte, recv, send *[32]byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, chainKey, nil)
	var r, s [blake2s.Size]byte
	hmacBlake2s(&r, prk[:], []byte{0x1})
	hmacBlake2s(&s, prk[:], append(r[:], 0x2))
	copy(recv[:], r[:])
	copy(send[:], s[:])
	setZero(prk[:])
}

func hmacBlake2s(out *[blake2s.Size]byte, key, input []byte) {
	mac, _ := blake2s.New256(key)
	mac.Write(input)
	mac.Sum(out[:0])
}

func setZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
