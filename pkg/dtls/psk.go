package dtls

import (
	"crypto/subtle"
	"errors"
)

const (
	// KeySize is the pre-shared key length covey generates and
	// recommends. Keys feed an HKDF extract, so the full 32 bytes of
	// entropy are preserved into the session keys.
	KeySize = 32

	// MinKeySize is the shortest pre-shared key a store accepts.
	// Deployments keyed from other systems often carry 16-byte keys.
	MinKeySize = 16
)

// PSKStore resolves pre-shared keys. Identity selects the key a handshake
// uses; the initiating side presents Identity(), the accepting side looks
// it up. Returned key slices are read-only.
type PSKStore interface {
	Identity() string
	Lookup(identity string) ([]byte, bool)
}

// StaticPSK is a single-identity key store. It owns a private copy of the
// key, so callers are free to zeroize their own copy after construction.
type StaticPSK struct {
	identity string
	key      []byte
}

// NewStaticPSK creates a single-identity store. The key is copied; the
// caller keeps ownership of its slice.
func NewStaticPSK(identity string, key []byte) (*StaticPSK, error) {
	if identity == "" {
		return nil, errors.New("empty PSK identity")
	}
	if len(key) < MinKeySize {
		return nil, errors.New("PSK key must be at least 16 bytes")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &StaticPSK{identity: identity, key: k}, nil
}

// Identity returns the identity presented when initiating a handshake.
func (s *StaticPSK) Identity() string {
	return s.identity
}

// Lookup returns the key when the identity matches.
func (s *StaticPSK) Lookup(identity string) ([]byte, bool) {
	if subtle.ConstantTimeCompare([]byte(identity), []byte(s.identity)) != 1 {
		return nil, false
	}
	return s.key, true
}

// ZeroKey overwrites key material in place. Callers use it to enforce the
// single-owner rule: whoever holds the last copy of a secret clears it the
// moment it is no longer needed.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
