package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SealIterations is the PBKDF2 iteration count for passphrase keys
	SealIterations = 100000
	// SealVersion is the current sealed blob format version
	SealVersion = 1
	// SaltSize is the size of the PBKDF2 salt
	SaltSize = 32
)

// ErrSealedData is returned when a sealed blob is truncated, of an unknown
// version or fails authentication.
var ErrSealedData = errors.New("invalid sealed data")

// Sealer encrypts persisted key material with AES-256-GCM.
type Sealer struct {
	aead cipher.AEAD
	key  [32]byte
}

// NewSalt returns a fresh random salt for NewSealer.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// NewSealer derives the sealing key from passphrase and salt with PBKDF2.
// The passphrase is wiped after derivation.
func NewSealer(passphrase, salt []byte) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt size: got %d, want %d", len(salt), SaltSize)
	}

	derived := pbkdf2.Key(passphrase, salt, SealIterations, 32, sha256.New)
	var key [32]byte
	copy(key[:], derived)
	ZeroBytes(derived)
	ZeroBytes(passphrase)
	return NewSealerFromKey(key)
}

// NewSealerFromKey builds a Sealer around an existing 32-byte key.
func NewSealerFromKey(key [32]byte) (*Sealer, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: gcm, key: key}, nil
}

// Seal encrypts plaintext bound to ad.
// Format: [version:2][nonce:12][ciphertext+tag:N]
func (s *Sealer) Seal(plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 2, 2+len(nonce)+len(plaintext)+s.aead.Overhead())
	binary.BigEndian.PutUint16(out, SealVersion)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, ad), nil
}

// Open reverses Seal. ad must match the value passed to Seal.
func (s *Sealer) Open(sealed, ad []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < 2+nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrSealedData, len(sealed))
	}
	if version := binary.BigEndian.Uint16(sealed[:2]); version != SealVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSealedData, version)
	}

	nonce := sealed[2 : 2+nonceSize]
	plaintext, err := s.aead.Open(nil, nonce, sealed[2+nonceSize:], ad)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupted data", ErrSealedData)
	}
	return plaintext, nil
}

// Close wipes the sealing key. The Sealer must not be used afterwards.
func (s *Sealer) Close() error {
	ZeroBytes(s.key[:])
	return nil
}
