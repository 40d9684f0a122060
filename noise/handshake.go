package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/wacore/binary/token"
	"github.com/opd-ai/wacore/crypto"
)

// ConnHeader is written once before the first frame and doubles as the
// handshake prologue: "WA", protocol major version, dictionary version.
var ConnHeader = []byte{'W', 'A', 6, token.DictVersion}

var (
	// ErrHandshake is wrapped by every failure that aborts a connection
	// attempt during the handshake.
	ErrHandshake = errors.New("handshake failed")
	// ErrCertificate indicates the server certificate chain did not verify
	ErrCertificate = errors.New("invalid server certificate")
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrInvalidMessage indicates received message is invalid for current state
	ErrInvalidMessage = errors.New("invalid message for current handshake state")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator starts the handshake; the client is always the initiator
	Initiator HandshakeRole = iota
	// Responder answers the handshake; used by test servers
	Responder
)

// CipherSuite is the fixed suite negotiated with the edge.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// XXHandshake wraps a flynn/noise XX handshake state. It is scoped to a
// single connection attempt and never persisted.
type XXHandshake struct {
	role        HandshakeRole
	state       *noise.HandshakeState
	sendCipher  *noise.CipherState
	recvCipher  *noise.CipherState
	complete    bool
	localPubKey []byte
}

// NewXXHandshake creates a new XX pattern handshake. ephemeral may be nil,
// in which case a fresh key is generated.
func NewXXHandshake(static *crypto.KeyPair, prologue []byte, ephemeral *crypto.KeyPair, role HandshakeRole) (*XXHandshake, error) {
	if static == nil {
		return nil, fmt.Errorf("static key pair is required")
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, static.Private[:])
	copy(staticKey.Public, static.Public[:])

	config := noise.Config{
		CipherSuite:   CipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		Prologue:      prologue,
		StaticKeypair: staticKey,
	}
	if ephemeral != nil {
		config.EphemeralKeypair = noise.DHKey{
			Private: append([]byte(nil), ephemeral.Private[:]...),
			Public:  append([]byte(nil), ephemeral.Public[:]...),
		}
	}

	hs, err := noise.NewHandshakeState(config)
	if err != nil {
		crypto.ZeroBytes(staticKey.Private)
		return nil, fmt.Errorf("failed to create XX handshake state: %w", err)
	}

	return &XXHandshake{
		role:        role,
		state:       hs,
		localPubKey: append([]byte(nil), static.Public[:]...),
	}, nil
}

// WriteMessage writes the next handshake message carrying payload.
func (xx *XXHandshake) WriteMessage(payload []byte) ([]byte, bool, error) {
	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}
	if xx.state == nil {
		return nil, false, ErrInvalidMessage
	}

	message, cs1, cs2, err := xx.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("XX handshake write failed: %w", err)
	}
	xx.finish(cs1, cs2)
	return message, xx.complete, nil
}

// ReadMessage reads the next handshake message and returns its payload.
func (xx *XXHandshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}
	if xx.state == nil {
		return nil, false, ErrInvalidMessage
	}

	payload, cs1, cs2, err := xx.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	xx.finish(cs1, cs2)
	return payload, xx.complete, nil
}

// finish records the split cipher states. cs1 always protects
// initiator-to-responder traffic.
func (xx *XXHandshake) finish(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if xx.role == Initiator {
		xx.sendCipher, xx.recvCipher = cs1, cs2
	} else {
		xx.sendCipher, xx.recvCipher = cs2, cs1
	}
	xx.complete = true
}

// IsComplete returns whether the XX handshake is complete.
func (xx *XXHandshake) IsComplete() bool {
	return xx.complete
}

// GetCipherStates returns the established send and receive cipher states.
func (xx *XXHandshake) GetCipherStates() (*noise.CipherState, *noise.CipherState, error) {
	if !xx.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return xx.sendCipher, xx.recvCipher, nil
}

// GetRemoteStaticKey returns the peer's static key once it has been
// received. For the initiator that happens after message 2.
func (xx *XXHandshake) GetRemoteStaticKey() ([]byte, error) {
	if xx.state == nil {
		return nil, ErrHandshakeNotComplete
	}
	remote := xx.state.PeerStatic()
	if len(remote) == 0 {
		return nil, ErrHandshakeNotComplete
	}
	return append([]byte(nil), remote...), nil
}

// GetLocalStaticKey returns our static public key.
func (xx *XXHandshake) GetLocalStaticKey() []byte {
	return append([]byte(nil), xx.localPubKey...)
}

// Destroy drops every reference to handshake secrets. The handshake cannot
// be used afterwards.
func (xx *XXHandshake) Destroy() {
	xx.state = nil
	if !xx.complete {
		xx.sendCipher, xx.recvCipher = nil, nil
	}
}
