package signal

import (
	"bytes"
	"fmt"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/wire"
)

type skippedKey struct {
	ratchet [32]byte
	n       uint32
	mk      []byte
}

// pendingPreKey records the X3DH parameters an initiator repeats in every
// message until the peer answers.
type pendingPreKey struct {
	preKeyID       uint32
	signedPreKeyID uint32
	baseKey        [32]byte
}

// sessionState is one Double Ratchet session. It is not safe for
// concurrent use; callers serialize per peer.
type sessionState struct {
	remoteIdentity       [32]byte
	remoteRegistrationID uint32
	// baseKey is the initiator's X3DH ephemeral; a responder uses it to
	// recognise repeated pkmsg for an existing session.
	baseKey [32]byte

	rootKey       []byte
	sendRatchet   *crypto.KeyPair
	remoteRatchet [32]byte
	hasRemote     bool

	sendChain []byte
	sendN     uint32
	prevN     uint32
	recvChain []byte
	recvN     uint32

	skipped []skippedKey
	pending *pendingPreKey
}

// associatedData binds both identities in sender-then-receiver order.
func associatedData(sender, receiver [32]byte) []byte {
	return append(crypto.PrefixedPublic(sender), crypto.PrefixedPublic(receiver)...)
}

// encrypt produces a serialized signalMessage.
func (s *sessionState) encrypt(localIdentity [32]byte, plaintext []byte) ([]byte, error) {
	if s.sendChain == nil {
		return nil, fmt.Errorf("%w: sending chain not initialised", ErrNoSession)
	}
	next, mk := chainStep(s.sendChain)
	msg := &signalMessage{
		RatchetKey:      s.sendRatchet.Public,
		Counter:         s.sendN,
		PreviousCounter: s.prevN,
	}
	ad := append(associatedData(localIdentity, s.remoteIdentity), msg.header()...)
	ct, err := sealWithKey(mk, "WhisperMessageKeys", plaintext, ad)
	crypto.ZeroBytes(mk)
	if err != nil {
		return nil, err
	}
	msg.Ciphertext = ct
	s.sendChain = next
	s.sendN++
	return msg.marshal(), nil
}

// decrypt opens a serialized signalMessage and advances the ratchet.
// On error the state may be partially advanced and must be discarded.
func (s *sessionState) decrypt(localIdentity [32]byte, raw []byte) ([]byte, error) {
	msg, err := parseSignalMessage(raw)
	if err != nil {
		return nil, err
	}
	ad := append(associatedData(s.remoteIdentity, localIdentity), msg.header()...)

	if mk, ok := s.takeSkipped(msg.RatchetKey, msg.Counter); ok {
		return openWithKey(mk, "WhisperMessageKeys", msg.Ciphertext, ad)
	}

	if !s.hasRemote || msg.RatchetKey != s.remoteRatchet {
		if err := s.skipUntil(msg.PreviousCounter); err != nil {
			return nil, err
		}
		if err := s.dhRatchet(msg.RatchetKey); err != nil {
			return nil, err
		}
	} else if msg.Counter < s.recvN {
		return nil, fmt.Errorf("%w: counter %d", ErrDuplicateMessage, msg.Counter)
	}

	if err := s.skipUntil(msg.Counter); err != nil {
		return nil, err
	}
	next, mk := chainStep(s.recvChain)
	s.recvChain = next
	s.recvN++
	pt, err := openWithKey(mk, "WhisperMessageKeys", msg.Ciphertext, ad)
	crypto.ZeroBytes(mk)
	if err != nil {
		return nil, err
	}
	// Any reply proves the peer holds the session.
	s.pending = nil
	return pt, nil
}

func (s *sessionState) takeSkipped(ratchet [32]byte, n uint32) ([]byte, bool) {
	for i, k := range s.skipped {
		if k.n == n && k.ratchet == ratchet {
			s.skipped = append(s.skipped[:i], s.skipped[i+1:]...)
			return k.mk, true
		}
	}
	return nil, false
}

func (s *sessionState) skipUntil(until uint32) error {
	if s.recvChain == nil {
		return nil
	}
	if until > s.recvN+maxSkip {
		return fmt.Errorf("%w: %d ahead", ErrTooManySkipped, until-s.recvN)
	}
	for s.recvN < until {
		next, mk := chainStep(s.recvChain)
		if len(s.skipped) >= maxStoredSkipped {
			s.skipped = s.skipped[1:]
		}
		s.skipped = append(s.skipped, skippedKey{ratchet: s.remoteRatchet, n: s.recvN, mk: mk})
		s.recvChain = next
		s.recvN++
	}
	return nil
}

func (s *sessionState) dhRatchet(remote [32]byte) error {
	s.prevN = s.sendN
	s.sendN, s.recvN = 0, 0
	s.remoteRatchet, s.hasRemote = remote, true

	dh, err := s.sendRatchet.SharedSecret(remote)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if s.rootKey, s.recvChain, err = rootStep(s.rootKey, dh); err != nil {
		return err
	}

	if s.sendRatchet, err = crypto.GenerateKeyPair(); err != nil {
		return err
	}
	if dh, err = s.sendRatchet.SharedSecret(remote); err != nil {
		return err
	}
	s.rootKey, s.sendChain, err = rootStep(s.rootKey, dh)
	return err
}

const (
	fieldRemoteIdentity = 1
	fieldRootKey        = 2
	fieldSendRatchet    = 3
	fieldRemoteRatchet  = 4
	fieldSendChain      = 5
	fieldSendN          = 6
	fieldPrevN          = 7
	fieldRecvChain      = 8
	fieldRecvN          = 9
	fieldSkipped        = 10
	fieldPending        = 11
	fieldRemoteRegID    = 12
	fieldBaseKey        = 13
)

func (s *sessionState) marshal() []byte {
	var w wire.Builder
	w.AddBytes(fieldRemoteIdentity, s.remoteIdentity[:])
	w.AddBytes(fieldRootKey, s.rootKey)
	w.AddBytes(fieldSendRatchet, s.sendRatchet.Private[:])
	if s.hasRemote {
		w.AddBytes(fieldRemoteRatchet, s.remoteRatchet[:])
	}
	w.AddBytes(fieldSendChain, s.sendChain)
	w.AddUint(fieldSendN, uint64(s.sendN))
	w.AddUint(fieldPrevN, uint64(s.prevN))
	w.AddBytes(fieldRecvChain, s.recvChain)
	w.AddUint(fieldRecvN, uint64(s.recvN))
	for _, k := range s.skipped {
		var sk wire.Builder
		sk.AddBytes(1, k.ratchet[:])
		sk.AddUint(2, uint64(k.n))
		sk.AddBytes(3, k.mk)
		w.AddMessage(fieldSkipped, &sk)
	}
	if s.pending != nil {
		var p wire.Builder
		p.AddUint(1, uint64(s.pending.preKeyID))
		p.AddUint(2, uint64(s.pending.signedPreKeyID))
		p.AddBytes(3, s.pending.baseKey[:])
		w.AddMessage(fieldPending, &p)
	}
	w.AddUint(fieldRemoteRegID, uint64(s.remoteRegistrationID))
	w.AddBytes(fieldBaseKey, s.baseKey[:])
	return w.Bytes()
}

func unmarshalSession(b []byte) (*sessionState, error) {
	s := &sessionState{}
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldRemoteIdentity:
			s.remoteIdentity, err = wire.Key32(f)
		case fieldRootKey:
			s.rootKey = wire.Copy(f.Bytes)
		case fieldSendRatchet:
			var priv [32]byte
			if priv, err = wire.Key32(f); err == nil {
				s.sendRatchet, err = crypto.FromSecretKey(priv)
			}
		case fieldRemoteRatchet:
			s.remoteRatchet, err = wire.Key32(f)
			s.hasRemote = err == nil
		case fieldSendChain:
			s.sendChain = wire.Copy(f.Bytes)
		case fieldSendN:
			s.sendN = uint32(f.Uint)
		case fieldPrevN:
			s.prevN = uint32(f.Uint)
		case fieldRecvChain:
			s.recvChain = wire.Copy(f.Bytes)
		case fieldRecvN:
			s.recvN = uint32(f.Uint)
		case fieldSkipped:
			var k skippedKey
			err = wire.Walk(f.Bytes, func(sf wire.Field) error {
				var err error
				switch sf.Num {
				case 1:
					k.ratchet, err = wire.Key32(sf)
				case 2:
					k.n = uint32(sf.Uint)
				case 3:
					k.mk = wire.Copy(sf.Bytes)
				}
				return err
			})
			s.skipped = append(s.skipped, k)
		case fieldPending:
			p := &pendingPreKey{}
			err = wire.Walk(f.Bytes, func(pf wire.Field) error {
				var err error
				switch pf.Num {
				case 1:
					p.preKeyID = uint32(pf.Uint)
				case 2:
					p.signedPreKeyID = uint32(pf.Uint)
				case 3:
					p.baseKey, err = wire.Key32(pf)
				}
				return err
			})
			s.pending = p
		case fieldRemoteRegID:
			s.remoteRegistrationID = uint32(f.Uint)
		case fieldBaseKey:
			s.baseKey, err = wire.Key32(f)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.sendRatchet == nil || len(s.rootKey) != 32 {
		return nil, fmt.Errorf("decode session: %w: missing ratchet state", wire.ErrInvalidMessage)
	}
	return s, nil
}

// sameBase reports whether this session was created from the given X3DH
// base key.
func (s *sessionState) sameBase(base [32]byte) bool {
	return bytes.Equal(s.baseKey[:], base[:])
}
