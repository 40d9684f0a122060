package signal

import (
	"fmt"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/wire"
)

// messageVersion is the leading byte of every serialized message: the
// current and minimum supported version, both 3.
const messageVersion = 3<<4 | 3

// Ciphertext types carried in the enc node's type attribute.
const (
	TypePreKeyMessage    = "pkmsg"
	TypeMessage          = "msg"
	TypeSenderKeyMessage = "skmsg"
)

func addKey(w *wire.Builder, num wire.Number, key [32]byte) {
	w.AddBytes(num, crypto.PrefixedPublic(key))
}

func parseKey(f wire.Field) ([32]byte, error) {
	var k [32]byte
	b := f.Bytes
	if len(b) == 33 && b[0] == crypto.KeyBundleType {
		b = b[1:]
	}
	if len(b) != 32 {
		return k, fmt.Errorf("%w: field %d: bad key length %d", ErrInvalidMessage, f.Num, len(f.Bytes))
	}
	copy(k[:], b)
	return k, nil
}

func stripVersion(b []byte) ([]byte, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidMessage)
	}
	if b[0] != messageVersion {
		return nil, fmt.Errorf("%w: unsupported version %#x", ErrInvalidMessage, b[0])
	}
	return b[1:], nil
}

// signalMessage is one Double Ratchet message.
type signalMessage struct {
	RatchetKey      [32]byte
	Counter         uint32
	PreviousCounter uint32
	Ciphertext      []byte
}

// header is the authenticated part of the message: version and every
// field except the ciphertext.
func (m *signalMessage) header() []byte {
	var w wire.Builder
	addKey(&w, 1, m.RatchetKey)
	w.AddUint(2, uint64(m.Counter))
	w.AddUint(3, uint64(m.PreviousCounter))
	return append([]byte{messageVersion}, w.Bytes()...)
}

func (m *signalMessage) marshal() []byte {
	var w wire.Builder
	w.AddBytes(4, m.Ciphertext)
	return append(m.header(), w.Bytes()...)
}

func parseSignalMessage(b []byte) (*signalMessage, error) {
	body, err := stripVersion(b)
	if err != nil {
		return nil, err
	}
	m := &signalMessage{}
	var haveKey bool
	err = wire.Walk(body, func(f wire.Field) error {
		switch f.Num {
		case 1:
			k, err := parseKey(f)
			if err != nil {
				return err
			}
			m.RatchetKey, haveKey = k, true
		case 2:
			m.Counter = uint32(f.Uint)
		case 3:
			m.PreviousCounter = uint32(f.Uint)
		case 4:
			m.Ciphertext = wire.Copy(f.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if !haveKey || len(m.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: incomplete signal message", ErrInvalidMessage)
	}
	return m, nil
}

// preKeySignalMessage carries the X3DH parameters ahead of the first
// ratchet messages of a session.
type preKeySignalMessage struct {
	RegistrationID uint32
	PreKeyID       uint32
	SignedPreKeyID uint32
	BaseKey        [32]byte
	IdentityKey    [32]byte
	Message        []byte
}

func (m *preKeySignalMessage) marshal() []byte {
	var w wire.Builder
	w.AddUint(1, uint64(m.PreKeyID))
	addKey(&w, 2, m.BaseKey)
	addKey(&w, 3, m.IdentityKey)
	w.AddBytes(4, m.Message)
	w.AddUint(5, uint64(m.RegistrationID))
	w.AddUint(6, uint64(m.SignedPreKeyID))
	return append([]byte{messageVersion}, w.Bytes()...)
}

func parsePreKeySignalMessage(b []byte) (*preKeySignalMessage, error) {
	body, err := stripVersion(b)
	if err != nil {
		return nil, err
	}
	m := &preKeySignalMessage{}
	var haveBase, haveIdentity bool
	err = wire.Walk(body, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			m.PreKeyID = uint32(f.Uint)
		case 2:
			m.BaseKey, err = parseKey(f)
			haveBase = err == nil
		case 3:
			m.IdentityKey, err = parseKey(f)
			haveIdentity = err == nil
		case 4:
			m.Message = wire.Copy(f.Bytes)
		case 5:
			m.RegistrationID = uint32(f.Uint)
		case 6:
			m.SignedPreKeyID = uint32(f.Uint)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if !haveBase || !haveIdentity || len(m.Message) == 0 {
		return nil, fmt.Errorf("%w: incomplete prekey message", ErrInvalidMessage)
	}
	return m, nil
}

// senderKeyMessage is one group message, signed by the sender's signing
// key over everything before the signature.
type senderKeyMessage struct {
	KeyID      uint32
	Iteration  uint32
	Ciphertext []byte
	Signature  [64]byte
}

func (m *senderKeyMessage) signedPart() []byte {
	var w wire.Builder
	w.AddUint(1, uint64(m.KeyID))
	w.AddUint(2, uint64(m.Iteration))
	w.AddBytes(3, m.Ciphertext)
	return append([]byte{messageVersion}, w.Bytes()...)
}

func (m *senderKeyMessage) marshal() []byte {
	return append(m.signedPart(), m.Signature[:]...)
}

func parseSenderKeyMessage(b []byte) (*senderKeyMessage, error) {
	if len(b) < 1+crypto.SignatureSize {
		return nil, fmt.Errorf("%w: sender key message too short", ErrInvalidMessage)
	}
	body, err := stripVersion(b[:len(b)-crypto.SignatureSize])
	if err != nil {
		return nil, err
	}
	m := &senderKeyMessage{}
	copy(m.Signature[:], b[len(b)-crypto.SignatureSize:])
	err = wire.Walk(body, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.KeyID = uint32(f.Uint)
		case 2:
			m.Iteration = uint32(f.Uint)
		case 3:
			m.Ciphertext = wire.Copy(f.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if len(m.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty sender key ciphertext", ErrInvalidMessage)
	}
	return m, nil
}

// senderKeyDistribution hands a sender chain to group members.
type senderKeyDistribution struct {
	KeyID      uint32
	Iteration  uint32
	ChainKey   []byte
	SigningKey [32]byte
}

func (m *senderKeyDistribution) marshal() []byte {
	var w wire.Builder
	w.AddUint(1, uint64(m.KeyID))
	w.AddUint(2, uint64(m.Iteration))
	w.AddBytes(3, m.ChainKey)
	addKey(&w, 4, m.SigningKey)
	return append([]byte{messageVersion}, w.Bytes()...)
}

func parseSenderKeyDistribution(b []byte) (*senderKeyDistribution, error) {
	body, err := stripVersion(b)
	if err != nil {
		return nil, err
	}
	m := &senderKeyDistribution{}
	var haveKey bool
	err = wire.Walk(body, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			m.KeyID = uint32(f.Uint)
		case 2:
			m.Iteration = uint32(f.Uint)
		case 3:
			m.ChainKey = wire.Copy(f.Bytes)
		case 4:
			m.SigningKey, err = parseKey(f)
			haveKey = err == nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if !haveKey || len(m.ChainKey) != 32 {
		return nil, fmt.Errorf("%w: incomplete sender key distribution", ErrInvalidMessage)
	}
	return m, nil
}
