package tokenstore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// DefaultIterations is the PBKDF2-SHA256 work factor.
const DefaultIterations = 600_000

const sealVersion byte = 1

// Sealer errors.
var (
	ErrSealedTooShort  = errors.New("tokenstore: sealed record too short")
	ErrSealedVersion   = errors.New("tokenstore: unknown sealed record version")
	ErrEmptyPassphrase = errors.New("tokenstore: empty passphrase")
)

// Sealer encrypts records with XChaCha20-Poly1305. Each record is bound to
// its key, so a record copied to another principal does not open.
//
// Record layout: version (1 byte) | nonce (24 bytes) | ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 256-bit key from passphrase and salt with
// PBKDF2-SHA256. iterations <= 0 uses DefaultIterations.
func NewSealer(passphrase, salt []byte, iterations int) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	key := pbkdf2.Key(passphrase, salt, iterations, chacha20poly1305.KeySize, sha256.New)
	return NewSealerFromKey(key)
}

// NewSealerFromKey uses a raw 32-byte key.
func NewSealerFromKey(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext for key.
func (s *Sealer) Seal(plaintext []byte, key string) ([]byte, error) {
	out := make([]byte, 1+s.aead.NonceSize(), 1+s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	out[0] = sealVersion
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(out, nonce, plaintext, []byte(key)), nil
}

// Open decrypts a record sealed for key.
func (s *Sealer) Open(sealed []byte, key string) ([]byte, error) {
	headerLen := 1 + s.aead.NonceSize()
	if len(sealed) < headerLen+s.aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	if sealed[0] != sealVersion {
		return nil, ErrSealedVersion
	}
	nonce := sealed[1:headerLen]
	return s.aead.Open(nil, nonce, sealed[headerLen:], []byte(key))
}
