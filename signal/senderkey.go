package signal

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/wire"
)

type senderSkipped struct {
	iteration uint32
	seed      []byte
}

// senderKeyState is one sender chain. Own chains hold the signing private
// key; chains learnt from peers hold only the public half.
type senderKeyState struct {
	keyID      uint32
	iteration  uint32
	chainKey   []byte
	signing    *crypto.KeyPair
	signingPub [32]byte
	skipped    []senderSkipped
}

func newOwnSenderKey() (*senderKeyState, error) {
	signing, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	chain := make([]byte, 32)
	var id [4]byte
	if _, err := rand.Read(chain); err != nil {
		return nil, err
	}
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}
	return &senderKeyState{
		keyID:      binary.BigEndian.Uint32(id[:]) & 0x7FFFFFFF,
		chainKey:   chain,
		signing:    signing,
		signingPub: signing.Public,
	}, nil
}

func (s *senderKeyState) distribution() *senderKeyDistribution {
	return &senderKeyDistribution{
		KeyID:      s.keyID,
		Iteration:  s.iteration,
		ChainKey:   append([]byte(nil), s.chainKey...),
		SigningKey: s.signingPub,
	}
}

func (s *senderKeyState) encrypt(plaintext []byte) ([]byte, error) {
	if s.signing == nil {
		return nil, fmt.Errorf("%w: not an own sender key", ErrNoSenderKey)
	}
	next, seed := chainStep(s.chainKey)
	ct, err := sealWithKey(seed, "WhisperGroup", plaintext, nil)
	crypto.ZeroBytes(seed)
	if err != nil {
		return nil, err
	}
	msg := &senderKeyMessage{KeyID: s.keyID, Iteration: s.iteration, Ciphertext: ct}
	if msg.Signature, err = s.signing.Sign(msg.signedPart()); err != nil {
		return nil, err
	}
	s.chainKey = next
	s.iteration++
	return msg.marshal(), nil
}

func (s *senderKeyState) decrypt(raw []byte) ([]byte, error) {
	msg, err := parseSenderKeyMessage(raw)
	if err != nil {
		return nil, err
	}
	if msg.KeyID != s.keyID {
		return nil, fmt.Errorf("%w: key id %d", ErrNoSenderKey, msg.KeyID)
	}
	if !crypto.VerifyXEdDSA(s.signingPub, msg.signedPart(), msg.Signature[:]) {
		return nil, fmt.Errorf("%w: sender key message", ErrInvalidSignature)
	}

	seed, err := s.seedFor(msg.Iteration)
	if err != nil {
		return nil, err
	}
	return openWithKey(seed, "WhisperGroup", msg.Ciphertext, nil)
}

func (s *senderKeyState) seedFor(iteration uint32) ([]byte, error) {
	if iteration < s.iteration {
		for i, k := range s.skipped {
			if k.iteration == iteration {
				s.skipped = append(s.skipped[:i], s.skipped[i+1:]...)
				return k.seed, nil
			}
		}
		return nil, fmt.Errorf("%w: iteration %d", ErrDuplicateMessage, iteration)
	}
	if iteration-s.iteration > maxSkip {
		return nil, fmt.Errorf("%w: %d ahead", ErrTooManySkipped, iteration-s.iteration)
	}
	for s.iteration < iteration {
		next, seed := chainStep(s.chainKey)
		if len(s.skipped) >= maxStoredSkipped {
			s.skipped = s.skipped[1:]
		}
		s.skipped = append(s.skipped, senderSkipped{iteration: s.iteration, seed: seed})
		s.chainKey = next
		s.iteration++
	}
	next, seed := chainStep(s.chainKey)
	s.chainKey = next
	s.iteration++
	return seed, nil
}

func (s *senderKeyState) marshal() []byte {
	var w wire.Builder
	w.AddUint(1, uint64(s.keyID))
	w.AddUint(2, uint64(s.iteration))
	w.AddBytes(3, s.chainKey)
	w.AddBytes(4, s.signingPub[:])
	if s.signing != nil {
		w.AddBytes(5, s.signing.Private[:])
	}
	for _, k := range s.skipped {
		var sk wire.Builder
		sk.AddUint(1, uint64(k.iteration))
		sk.AddBytes(2, k.seed)
		w.AddMessage(6, &sk)
	}
	return w.Bytes()
}

func unmarshalSenderKey(b []byte) (*senderKeyState, error) {
	s := &senderKeyState{}
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			s.keyID = uint32(f.Uint)
		case 2:
			s.iteration = uint32(f.Uint)
		case 3:
			s.chainKey = wire.Copy(f.Bytes)
		case 4:
			s.signingPub, err = wire.Key32(f)
		case 5:
			var priv [32]byte
			if priv, err = wire.Key32(f); err == nil {
				s.signing, err = crypto.FromSecretKey(priv)
			}
		case 6:
			var k senderSkipped
			err = wire.Walk(f.Bytes, func(sf wire.Field) error {
				switch sf.Num {
				case 1:
					k.iteration = uint32(sf.Uint)
				case 2:
					k.seed = wire.Copy(sf.Bytes)
				}
				return nil
			})
			s.skipped = append(s.skipped, k)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decode sender key: %w", err)
	}
	if len(s.chainKey) != 32 {
		return nil, fmt.Errorf("decode sender key: %w: missing chain key", wire.ErrInvalidMessage)
	}
	return s, nil
}
