package dtls

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Record content types occupy the first byte of every datagram on the
// wire. The values follow the DTLS convention so captures read naturally
// in packet dissectors: finished sits in the change-cipher-spec slot
// because it is the key-activation proof and shares the protected-record
// layout rather than the hello layout.
const (
	recordTypeFinished  = 20
	recordTypeAlert     = 21
	recordTypeHandshake = 22
	recordTypeData      = 23
)

// Handshake message types (second byte of handshake records).
const (
	handshakeClientHello = 1
	handshakeServerHello = 2
)

// Alert codes.
const (
	alertUnknownSession = 1
)

const (
	sessionIDSize = 8
	randomSize    = 32
	nonceSize     = chacha20poly1305.NonceSize // 12
	tagSize       = 16                         // poly1305

	// dataHeaderSize covers type + session id + nonce; it is also the AAD
	// for protected data records.
	dataHeaderSize = 1 + sessionIDSize + nonceSize

	// DataRecordOverhead is the fixed cost of protecting one payload:
	// header plus authentication tag.
	DataRecordOverhead = dataHeaderSize + tagSize
)

var (
	// ErrRecordTooShort is returned for datagrams below the minimum size
	// of their record type.
	ErrRecordTooShort = errors.New("record too short")

	// ErrBadRecord is returned for malformed or unknown record layouts.
	ErrBadRecord = errors.New("malformed record")
)

// sessionID is the 8-byte handle of an established session. The first four
// bytes carry the minting node's id; the rest are random.
type sessionID [sessionIDSize]byte

func (id sessionID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// ownerNode returns the node id embedded in the session id.
func (id sessionID) ownerNode() uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// clientHello is the first handshake flight.
type clientHello struct {
	random   [randomSize]byte
	identity string
}

func (m *clientHello) marshal() []byte {
	b := make([]byte, 2+randomSize+2+len(m.identity))
	b[0] = recordTypeHandshake
	b[1] = handshakeClientHello
	copy(b[2:], m.random[:])
	binary.BigEndian.PutUint16(b[2+randomSize:], uint16(len(m.identity)))
	copy(b[2+randomSize+2:], m.identity)
	return b
}

func parseClientHello(b []byte) (*clientHello, error) {
	if len(b) < 2+randomSize+2 {
		return nil, ErrRecordTooShort
	}
	m := &clientHello{}
	copy(m.random[:], b[2:2+randomSize])
	n := int(binary.BigEndian.Uint16(b[2+randomSize:]))
	rest := b[2+randomSize+2:]
	if len(rest) != n {
		return nil, ErrBadRecord
	}
	m.identity = string(rest)
	return m, nil
}

// serverHello answers a client hello and assigns the session id.
type serverHello struct {
	random [randomSize]byte
	sid    sessionID
}

func (m *serverHello) marshal() []byte {
	b := make([]byte, 2+randomSize+sessionIDSize)
	b[0] = recordTypeHandshake
	b[1] = handshakeServerHello
	copy(b[2:], m.random[:])
	copy(b[2+randomSize:], m.sid[:])
	return b
}

func parseServerHello(b []byte) (*serverHello, error) {
	if len(b) != 2+randomSize+sessionIDSize {
		return nil, ErrBadRecord
	}
	m := &serverHello{}
	copy(m.random[:], b[2:2+randomSize])
	copy(m.sid[:], b[2+randomSize:])
	return m, nil
}

// buildAlert produces a plaintext alert for the given session id. Alerts
// are advisory: they carry no proof of origin, so receivers only ever use
// them to tear down state they can re-establish.
func buildAlert(code byte, sid sessionID) []byte {
	b := make([]byte, 2+sessionIDSize)
	b[0] = recordTypeAlert
	b[1] = code
	copy(b[2:], sid[:])
	return b
}

func parseAlert(b []byte) (code byte, sid sessionID, err error) {
	if len(b) != 2+sessionIDSize {
		return 0, sid, ErrBadRecord
	}
	copy(sid[:], b[2:])
	return b[1], sid, nil
}

// sessionKeys holds the two directional AEADs of one session.
type sessionKeys struct {
	client cipher.AEAD // protects client-to-server records
	server cipher.AEAD // protects server-to-client records
}

// deriveKeys runs the key schedule: HKDF-SHA256 extract over the PSK
// salted with both randoms, expanded into one 32-byte ChaCha20-Poly1305
// key per direction. Expanded key bytes are cleared once the AEADs own
// them.
func deriveKeys(psk []byte, clientRandom, serverRandom [randomSize]byte) (*sessionKeys, error) {
	salt := make([]byte, 0, 2*randomSize)
	salt = append(salt, clientRandom[:]...)
	salt = append(salt, serverRandom[:]...)
	master := hkdf.Extract(sha256.New, psk, salt)
	defer ZeroKey(master)

	expand := func(label string) (cipher.AEAD, error) {
		key := make([]byte, chacha20poly1305.KeySize)
		defer ZeroKey(key)
		if _, err := io.ReadFull(hkdf.Expand(sha256.New, master, []byte(label)), key); err != nil {
			return nil, fmt.Errorf("failed to expand %s key: %w", label, err)
		}
		return chacha20poly1305.New(key)
	}

	client, err := expand("covey client write")
	if err != nil {
		return nil, err
	}
	server, err := expand("covey server write")
	if err != nil {
		return nil, err
	}
	return &sessionKeys{client: client, server: server}, nil
}

// verifyData binds the Finished message to the handshake transcript.
func verifyData(clientRandom, serverRandom [randomSize]byte, identity string) []byte {
	h := sha256.New()
	h.Write(clientRandom[:])
	h.Write(serverRandom[:])
	h.Write([]byte(identity))
	return h.Sum(nil)
}

// sealRecord builds a protected record: header (type, session id, fresh
// random nonce) followed by the AEAD ciphertext with the header as AAD.
// Data and finished records share this layout and differ in type byte.
func sealRecord(recType byte, sid sessionID, aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	b := make([]byte, dataHeaderSize, dataHeaderSize+len(plaintext)+tagSize)
	b[0] = recType
	copy(b[1:], sid[:])
	if _, err := rand.Read(b[1+sessionIDSize : dataHeaderSize]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := b[1+sessionIDSize : dataHeaderSize]
	return aead.Seal(b, nonce, plaintext, b[:dataHeaderSize]), nil
}

// openRecord verifies and decrypts a protected record built by sealRecord.
func openRecord(b []byte, aead cipher.AEAD) ([]byte, error) {
	if len(b) < dataHeaderSize+tagSize {
		return nil, ErrRecordTooShort
	}
	nonce := b[1+sessionIDSize : dataHeaderSize]
	return aead.Open(nil, nonce, b[dataHeaderSize:], b[:dataHeaderSize])
}

// recordSessionID extracts the session id of a protected or alert record.
func recordSessionID(b []byte) (sessionID, bool) {
	var sid sessionID
	switch {
	case len(b) >= dataHeaderSize && (b[0] == recordTypeData || b[0] == recordTypeFinished):
		copy(sid[:], b[1:1+sessionIDSize])
		return sid, true
	case len(b) >= 2+sessionIDSize && b[0] == recordTypeAlert:
		copy(sid[:], b[2:2+sessionIDSize])
		return sid, true
	}
	return sid, false
}
