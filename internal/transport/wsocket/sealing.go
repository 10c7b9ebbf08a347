package wsocket

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// sealKeySize is the secretbox key size: 32 bytes.
const sealKeySize = 32

// sealer seals and opens wire payloads with a pre-shared NaCl secretbox
// key, used when a network is configured with encryption_type "nacl" as
// an alternative to TLS-at-the-listener -- useful on a transport where
// the websocket listener itself sits behind plaintext infra
// (e.g. an internal load balancer) but per-frame confidentiality is still
// wanted.
type sealer struct {
	key [sealKeySize]byte
}

// newSealer validates key and returns a sealer, or an error if key isn't
// exactly 32 bytes.
func newSealer(key []byte) (*sealer, error) {
	if len(key) != sealKeySize {
		return nil, fmt.Errorf("nacl seal key must be %d bytes, got %d", sealKeySize, len(key))
	}
	var s sealer
	copy(s.key[:], key)
	return &s, nil
}

// seal encrypts plaintext with a fresh random nonce, returning
// nonce||ciphertext.
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 24, 24+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &s.key), nil
}

// open reverses seal, splitting the leading nonce from sealed.
func (s *sealer) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("sealed frame too short: %d bytes", len(sealed))
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("secretbox: authentication failed")
	}
	return plaintext, nil
}
