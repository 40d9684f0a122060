package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// IdentityStore persists the local Device.
type IdentityStore interface {
	// LoadDevice returns ErrNotFound before the first SaveDevice.
	LoadDevice(ctx context.Context) (*Device, error)
	SaveDevice(ctx context.Context, d *Device) error
	// DeleteDevice removes the device and every record tied to it.
	DeleteDevice(ctx context.Context) error
}

// PreKeyStore holds one-time prekeys.
type PreKeyStore interface {
	StorePreKeys(ctx context.Context, keys []*crypto.PreKey) error
	GetPreKey(ctx context.Context, id uint32) (*crypto.PreKey, error)
	// ConsumePreKey returns and deletes the key in one step. A second
	// consumer of the same id gets ErrNotFound.
	ConsumePreKey(ctx context.Context, id uint32) (*crypto.PreKey, error)
	// UnuploadedPreKeys returns keys not yet marked uploaded, ordered by id.
	UnuploadedPreKeys(ctx context.Context) ([]*crypto.PreKey, error)
	// MarkPreKeysUploaded marks every stored key with id <= upTo as uploaded.
	MarkPreKeysUploaded(ctx context.Context, upTo uint32) error
	// UploadedPreKeyCount counts uploaded keys that are still unconsumed.
	UploadedPreKeyCount(ctx context.Context) (int, error)
}

// SessionStore holds serialized pairwise sessions keyed by signal address.
type SessionStore interface {
	GetSession(ctx context.Context, addr string) ([]byte, error)
	PutSession(ctx context.Context, addr string, data []byte) error
	DeleteSession(ctx context.Context, addr string) error
	HasSession(ctx context.Context, addr string) (bool, error)
}

// SenderKeyStore holds serialized group sender key state.
type SenderKeyStore interface {
	GetSenderKey(ctx context.Context, group, sender string) ([]byte, error)
	PutSenderKey(ctx context.Context, group, sender string, data []byte) error
}

// PeerIdentityStore remembers the identity key first seen for each peer
// address.
type PeerIdentityStore interface {
	PutIdentity(ctx context.Context, addr string, key [32]byte) error
	// IsTrustedIdentity reports whether key matches the stored key, or
	// true when nothing is stored yet.
	IsTrustedIdentity(ctx context.Context, addr string, key [32]byte) (bool, error)
}

// Backend is the full persistence surface of one client.
type Backend interface {
	IdentityStore
	PreKeyStore
	SessionStore
	SenderKeyStore
	PeerIdentityStore
	Close() error
}

// MarkAccountSyncCounter persists a new account sync counter on the stored
// device.
func MarkAccountSyncCounter(ctx context.Context, s IdentityStore, counter uint32) error {
	d, err := s.LoadDevice(ctx)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	d.AccountSyncCounter = counter
	return s.SaveDevice(ctx, d)
}

// PreKeyBundle is the public key material needed to open a session with a
// peer device.
type PreKeyBundle struct {
	RegistrationID        uint32
	IdentityKey           [32]byte
	SignedPreKeyID        uint32
	SignedPreKey          [32]byte
	SignedPreKeySignature [64]byte
	// PreKeyID is zero when the peer had no one-time prekey left.
	PreKeyID uint32
	PreKey   [32]byte
}

// HasPreKey reports whether the bundle carries a one-time prekey.
func (b *PreKeyBundle) HasPreKey() bool {
	return b.PreKeyID != 0
}

// SessionRepository is the end-to-end encryption boundary. The core only
// calls it; it never inspects session contents.
type SessionRepository interface {
	// EncryptMessage encrypts for one peer device and returns the
	// ciphertext type ("pkmsg" or "msg") with the ciphertext.
	EncryptMessage(ctx context.Context, peer types.JID, plaintext []byte) (string, []byte, error)
	DecryptMessage(ctx context.Context, peer types.JID, encType string, ciphertext []byte) ([]byte, error)
	HasSession(ctx context.Context, peer types.JID) (bool, error)
	// InjectSession starts an outgoing session from a fetched bundle.
	InjectSession(ctx context.Context, peer types.JID, bundle *PreKeyBundle) error
	DeleteSession(ctx context.Context, peer types.JID) error
	// GeneratePreKeys creates and stores count new one-time prekeys.
	GeneratePreKeys(ctx context.Context, count int) ([]*crypto.PreKey, error)
	// EncryptGroupMessage encrypts with the own sender key for group and
	// returns the distribution message peers need to decrypt it.
	EncryptGroupMessage(ctx context.Context, group types.JID, plaintext []byte) (ciphertext, distribution []byte, err error)
	DecryptGroupMessage(ctx context.Context, group, sender types.JID, ciphertext []byte) ([]byte, error)
	ProcessSenderKeyDistribution(ctx context.Context, group, sender types.JID, distribution []byte) error
}
