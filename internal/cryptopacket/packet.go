// Package cryptopacket seals and opens entity payloads under the shared
// mesh key with AES-256-GCM, the same construction
// core/ai_secure_storage.go's encrypt/decrypt helpers use. Routing metadata
// travels in the clear alongside the ciphertext; it is not authenticated by
// the AEAD tag (associated data: none).
package cryptopacket

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"github.com/xelth-com/eckwmsgo/internal/vectorclock"
)

const (
	KeyID     = "v1"
	Algorithm = "AES-256-GCM"
	KeySize   = 32
	NonceSize = 12
)

// ErrRelayRole is returned when a node running the blind-relay role
// attempts to seal or open a packet; the relay is never allowed to see
// plaintext.
var ErrRelayRole = errors.New("cryptopacket: relay role may not seal or open packets")

// ErrBadKey is returned when the configured mesh key is not exactly 32
// bytes.
var ErrBadKey = errors.New("cryptopacket: mesh key must be 32 bytes")

// Metadata is the clear routing envelope the relay reads and forwards
// without being able to decrypt the ciphertext it wraps.
type Metadata struct {
	EntityType     string             `json:"entity_type"`
	EntityID       string             `json:"entity_id"`
	Version        uint64             `json:"version"`
	SourceInstance string             `json:"source_instance"`
	VectorClock    vectorclock.Clock  `json:"vector_clock"`
}

// Packet is the full wire object: clear metadata plus a sealed payload.
type Packet struct {
	Metadata
	KeyID            string `json:"key_id"`
	Algorithm        string `json:"algorithm"`
	EncryptedPayload []byte `json:"encrypted_payload"`
	Nonce            []byte `json:"nonce"`
}

// Sealer seals and opens packets under a fixed 32-byte key. A Sealer
// configured for the blind-relay role refuses both operations.
type Sealer struct {
	key       [KeySize]byte
	isRelay   bool
	keyIsZero bool
}

// NewSealer builds a Sealer from the mesh's shared 32-byte key. Pass
// isRelay=true for a node running purely as blind relay: it must never be
// able to seal or open tenant data.
func NewSealer(key []byte, isRelay bool) (*Sealer, error) {
	s := &Sealer{isRelay: isRelay}
	if isRelay {
		// A relay-role sealer neither stores nor validates the key: Seal
		// and Open refuse with ErrRelayRole before any key is used.
		return s, nil
	}
	if len(key) != KeySize {
		return nil, ErrBadKey
	}
	copy(s.key[:], key)
	return s, nil
}

// Seal encrypts payload (already JSON-marshaled by the caller) and returns
// a fully populated Packet carrying meta in the clear.
func (s *Sealer) Seal(meta Metadata, payload []byte) (Packet, error) {
	if s.isRelay {
		return Packet{}, ErrRelayRole
	}
	gcm, err := s.gcm()
	if err != nil {
		return Packet{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Packet{}, err
	}
	ct := gcm.Seal(nil, nonce, payload, nil)
	return Packet{
		Metadata:         meta,
		KeyID:            KeyID,
		Algorithm:        Algorithm,
		EncryptedPayload: ct,
		Nonce:            nonce,
	}, nil
}

// Open decrypts p.EncryptedPayload using p.Nonce, returning the original
// plaintext. A packet that doesn't decrypt under the Sealer's key is
// dropped unread by the caller.
func (s *Sealer) Open(p Packet) ([]byte, error) {
	if s.isRelay {
		return nil, ErrRelayRole
	}
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(p.Nonce) != gcm.NonceSize() {
		return nil, errors.New("cryptopacket: invalid nonce length")
	}
	return gcm.Open(nil, p.Nonce, p.EncryptedPayload, nil)
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
