package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"filippo.io/edwards25519/field"
)

// SignatureSize is the length of an XEdDSA signature.
const SignatureSize = 64

// SignXEdDSA signs message with a Curve25519 private key. The sign bit of
// the derived Edwards public key is carried in the top bit of the last
// signature byte so that a verifier holding only the Montgomery key can
// recover it.
func SignXEdDSA(priv [32]byte, message []byte) ([64]byte, error) {
	var sig [64]byte

	a, err := edwards25519.NewScalar().SetBytesWithClamping(priv[:])
	if err != nil {
		return sig, fmt.Errorf("load private scalar: %w", err)
	}
	pubEd := new(edwards25519.Point).ScalarBaseMult(a).Bytes()

	var random [64]byte
	if _, err := rand.Read(random[:]); err != nil {
		return sig, fmt.Errorf("read random: %w", err)
	}

	h := sha512.New()
	h.Write(xeddsaDiversifier[:])
	h.Write(priv[:])
	h.Write(message)
	h.Write(random[:])
	r, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		return sig, fmt.Errorf("reduce nonce: %w", err)
	}
	R := new(edwards25519.Point).ScalarBaseMult(r).Bytes()

	h.Reset()
	h.Write(R)
	h.Write(pubEd)
	h.Write(message)
	k, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		return sig, fmt.Errorf("reduce challenge: %w", err)
	}
	s := edwards25519.NewScalar().MultiplyAdd(k, a, r)

	copy(sig[:32], R)
	copy(sig[32:], s.Bytes())
	sig[63] |= pubEd[31] & 0x80
	ZeroBytes(random[:])
	return sig, nil
}

// VerifyXEdDSA reports whether sig is a valid signature of message by the
// holder of the Curve25519 public key pub.
func VerifyXEdDSA(pub [32]byte, message []byte, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	pub[31] &= 0x7F

	u, err := new(field.Element).SetBytes(pub[:])
	if err != nil {
		return false
	}
	one := new(field.Element).One()
	num := new(field.Element).Subtract(u, one)
	den := new(field.Element).Add(u, one)
	y := new(field.Element).Multiply(num, new(field.Element).Invert(den))

	edPub := y.Bytes()
	edPub[31] &= 0x7F
	edPub[31] |= sig[63] & 0x80

	s := make([]byte, SignatureSize)
	copy(s, sig)
	s[63] &= 0x7F

	return ed25519.Verify(ed25519.PublicKey(edPub), message, s)
}

var xeddsaDiversifier = [32]byte{
	0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}
