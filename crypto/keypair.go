// Package crypto implements the key material and primitives shared by the
// handshake, pairing and end-to-end layers.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair represents a Curve25519 key pair. The same pair is used for
// Diffie-Hellman agreement and, through XEdDSA, for signatures.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// ErrInvalidKey is returned for all-zero or otherwise unusable keys.
var ErrInvalidKey = errors.New("invalid key")

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	kp, err := FromSecretKey(priv)
	ZeroBytes(priv[:])
	return kp, err
}

// FromSecretKey creates a key pair from an existing private key. The
// private key is clamped before the public key is derived.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, fmt.Errorf("%w: all zeros", ErrInvalidKey)
	}
	clamp(&secretKey)

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes X25519(priv, peerPub).
func (kp *KeyPair) SharedSecret(peerPub [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(kp.Private[:], peerPub[:])
	if err != nil {
		return out, fmt.Errorf("x25519: %w", err)
	}
	copy(out[:], secret)
	ZeroBytes(secret)
	return out, nil
}

// Sign produces an XEdDSA signature over message with this key pair.
func (kp *KeyPair) Sign(message []byte) ([64]byte, error) {
	return SignXEdDSA(kp.Private, message)
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
