package noise

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// nonceFor builds the 12-byte transport nonce: 4 zero bytes followed by the
// little-endian 64-bit counter, per the WireGuard transport data format.
func nonceFor(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// EncryptTransport seals plaintext under key at the given counter, for use
// only on the relay's own terminated sessions (the in-band control channel)
// — never on forwarded peer-to-peer transport data, which
// the relay has no key for and must never attempt to touch.
func EncryptTransport(key [32]byte, counter uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := nonceFor(counter)
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// DecryptTransport opens ciphertext under key at the given counter.
func DecryptTransport(key [32]byte, counter uint64, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < chacha20poly1305.Overhead {
		return nil, errors.New("noise: ciphertext too short")
	}
	nonce := nonceFor(counter)
	return aead.Open(nil, nonce[:], ciphertext, nil)
}
