package signal

import (
	"fmt"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/store"
)

// discontinuity prefixes the X3DH input key material.
var discontinuity = [32]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

type dhPair struct {
	priv *crypto.KeyPair
	pub  [32]byte
}

// agree concatenates the DH outputs of pairs in order and derives the
// shared secret.
func agree(pairs []dhPair) ([]byte, error) {
	ikm := append([]byte(nil), discontinuity[:]...)
	for _, p := range pairs {
		dh, err := p.priv.SharedSecret(p.pub)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh[:]...)
	}
	secret, err := crypto.HKDF(ikm, make([]byte, 32), "WhisperText", 32)
	crypto.ZeroBytes(ikm)
	return secret, err
}

// initiateSession runs X3DH as the initiator against bundle and returns a
// session ready to send.
func initiateSession(identity *crypto.KeyPair, bundle *store.PreKeyBundle) (*sessionState, error) {
	if !crypto.VerifyXEdDSA(bundle.IdentityKey, crypto.PrefixedPublic(bundle.SignedPreKey), bundle.SignedPreKeySignature[:]) {
		return nil, fmt.Errorf("%w: signed prekey %d", ErrInvalidSignature, bundle.SignedPreKeyID)
	}
	base, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	pairs := []dhPair{
		{identity, bundle.SignedPreKey},
		{base, bundle.IdentityKey},
		{base, bundle.SignedPreKey},
	}
	if bundle.HasPreKey() {
		pairs = append(pairs, dhPair{base, bundle.PreKey})
	}
	secret, err := agree(pairs)
	if err != nil {
		return nil, fmt.Errorf("x3dh: %w", err)
	}

	s := &sessionState{
		remoteIdentity:       bundle.IdentityKey,
		remoteRegistrationID: bundle.RegistrationID,
		baseKey:              base.Public,
		remoteRatchet:        bundle.SignedPreKey,
		hasRemote:            true,
		pending: &pendingPreKey{
			preKeyID:       bundle.PreKeyID,
			signedPreKeyID: bundle.SignedPreKeyID,
			baseKey:        base.Public,
		},
	}
	if s.sendRatchet, err = crypto.GenerateKeyPair(); err != nil {
		return nil, err
	}
	dh, err := s.sendRatchet.SharedSecret(bundle.SignedPreKey)
	if err != nil {
		return nil, err
	}
	if s.rootKey, s.sendChain, err = rootStep(secret, dh); err != nil {
		return nil, err
	}
	crypto.WipeKeyPair(base)
	return s, nil
}

// acceptSession runs X3DH as the responder for an incoming pkmsg. oneTime
// is nil when the message names no one-time prekey.
func acceptSession(identity *crypto.KeyPair, signed, oneTime *crypto.PreKey, msg *preKeySignalMessage) (*sessionState, error) {
	pairs := []dhPair{
		{&signed.KeyPair, msg.IdentityKey},
		{identity, msg.BaseKey},
		{&signed.KeyPair, msg.BaseKey},
	}
	if oneTime != nil {
		pairs = append(pairs, dhPair{&oneTime.KeyPair, msg.BaseKey})
	}
	secret, err := agree(pairs)
	if err != nil {
		return nil, fmt.Errorf("x3dh: %w", err)
	}

	sendRatchet := signed.KeyPair
	return &sessionState{
		remoteIdentity:       msg.IdentityKey,
		remoteRegistrationID: msg.RegistrationID,
		baseKey:              msg.BaseKey,
		rootKey:              secret,
		sendRatchet:          &sendRatchet,
	}, nil
}
