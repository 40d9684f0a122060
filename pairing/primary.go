package pairing

import (
	"fmt"

	"github.com/opd-ai/wacore/crypto"
)

// Primary is the phone side of phone-number pairing. Clients never act as
// primary; it drives in-process edges and conformance tests.
type Primary struct {
	Identity  *crypto.KeyPair
	Ephemeral *crypto.KeyPair

	code         string
	companionEph [32]byte
}

// NewPrimary accepts a companion_hello: the user typed code, and wrapped is
// the companion's wrapped ephemeral key.
func NewPrimary(identity *crypto.KeyPair, code string, wrapped []byte) (*Primary, error) {
	companionEph, err := UnwrapKey(code, wrapped)
	if err != nil {
		return nil, err
	}
	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Primary{Identity: identity, Ephemeral: eph, code: code, companionEph: companionEph}, nil
}

// Hello returns the wrapped primary ephemeral key for primary_hello.
func (p *Primary) Hello() ([]byte, error) {
	return WrapKey(p.code, p.Ephemeral.Public)
}

// OpenBundle decrypts companion_finish and derives the same adv secret as
// the companion, checking that the bundle names both identities.
func (p *Primary) OpenBundle(bundle []byte, companionIdentity [32]byte) (adv []byte, err error) {
	if len(bundle) < 32+12+16 {
		return nil, fmt.Errorf("%w: key bundle of %d bytes", ErrMalformed, len(bundle))
	}
	shared, err := p.Ephemeral.SharedSecret(p.companionEph)
	if err != nil {
		return nil, err
	}
	key, err := crypto.HKDF(shared[:], bundle[:32], bundleInfo, 32)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	payload, err := aead.Open(nil, bundle[32:44], bundle[44:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: key bundle: %w", ErrMalformed, err)
	}
	if len(payload) != 96 {
		return nil, fmt.Errorf("%w: key bundle payload", ErrMalformed)
	}
	var gotCompanion, gotPrimary [32]byte
	copy(gotCompanion[:], payload[:32])
	copy(gotPrimary[:], payload[32:64])
	if gotCompanion != companionIdentity || gotPrimary != p.Identity.Public {
		return nil, fmt.Errorf("%w: key bundle identities", ErrMalformed)
	}
	identityShared, err := p.Identity.SharedSecret(companionIdentity)
	if err != nil {
		return nil, err
	}
	return crypto.HKDF(concat(shared[:], identityShared[:], payload[64:]), nil, advInfo, 32)
}
