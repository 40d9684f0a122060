package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyBundleType prefixes serialized Curve25519 public keys on the wire.
const KeyBundleType = 5

// PreKey is a Curve25519 key pair with a numeric id. Signed prekeys also
// carry the identity key's signature over their prefixed public key.
type PreKey struct {
	KeyPair
	KeyID     uint32
	Signature *[64]byte
}

// NewPreKey generates a fresh unsigned prekey with the given id.
func NewPreKey(keyID uint32) (*PreKey, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &PreKey{KeyPair: *kp, KeyID: keyID}, nil
}

// SignedBy signs the prefixed public key with the identity key pair and
// returns a signed copy of the prekey.
func (pk *PreKey) SignedBy(identity *KeyPair) (*PreKey, error) {
	sig, err := identity.Sign(PrefixedPublic(pk.Public))
	if err != nil {
		return nil, fmt.Errorf("sign prekey %d: %w", pk.KeyID, err)
	}
	signed := *pk
	signed.Signature = &sig
	return &signed, nil
}

// PrefixedPublic returns the public key prefixed with KeyBundleType, the
// form that signatures and identity fields cover.
func PrefixedPublic(pub [32]byte) []byte {
	out := make([]byte, 33)
	out[0] = KeyBundleType
	copy(out[1:], pub[:])
	return out
}

// HKDF derives length bytes from secret using HKDF-SHA256.
func HKDF(secret, salt []byte, info string, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf %q: %w", info, err)
	}
	return out, nil
}

// HMACSHA256 computes an HMAC-SHA256 of data keyed with key.
func HMACSHA256(key []byte, data ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	for _, d := range data {
		m.Write(d)
	}
	return m.Sum(nil)
}
