package signal

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/opd-ai/wacore/crypto"
)

const (
	// maxSkip bounds how far ahead of the chain a counter may be.
	maxSkip = 2000
	// maxStoredSkipped bounds the stored out-of-order message keys.
	maxStoredSkipped = 1000
)

var (
	messageKeySeed = []byte{0x01}
	chainKeySeed   = []byte{0x02}
)

// chainStep advances a symmetric chain and returns the next chain key and
// the message key seed for the current position.
func chainStep(ck []byte) (next, mk []byte) {
	h := hmac.New(sha256.New, ck)
	h.Write(messageKeySeed)
	mk = h.Sum(nil)

	h = hmac.New(sha256.New, ck)
	h.Write(chainKeySeed)
	return h.Sum(nil), mk
}

// rootStep mixes a DH output into the root key.
func rootStep(rk []byte, dh [32]byte) (newRK, ck []byte, err error) {
	out, err := crypto.HKDF(dh[:], rk, "WhisperRatchet", 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// sealWithKey expands a message key seed into an AEAD key and nonce and
// encrypts.
func sealWithKey(seed []byte, info string, plaintext, ad []byte) ([]byte, error) {
	key, nonce, err := expandMessageKey(seed, info)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

func openWithKey(seed []byte, info string, ciphertext, ad []byte) ([]byte, error) {
	key, nonce, err := expandMessageKey(seed, info)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrInvalidMessage)
	}
	return pt, nil
}

func expandMessageKey(seed []byte, info string) (key, nonce []byte, err error) {
	out, err := crypto.HKDF(seed, nil, info, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return out[:chacha20poly1305.KeySize], out[chacha20poly1305.KeySize:], nil
}
