package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/types"
)

// maxPreKeyID is the largest one-time prekey id; ids wrap back to 1.
const maxPreKeyID = 0xFFFFFF

// Options configures a Repository.
type Options struct {
	// StrictIdentity rejects pkmsg from peers whose identity key changed
	// instead of replacing the stored key.
	StrictIdentity bool
	Logger         *logrus.Entry
	// Device replaces the record passed to NewRepository. Callers that swap
	// their device on every change supply it so prekey counter updates go
	// through their own save path.
	Device DeviceSource
}

// DeviceSource supplies the device the repository signs with.
type DeviceSource interface {
	Device() *store.Device
	UpdateDevice(ctx context.Context, fn func(d *store.Device)) error
}

// sharedDevice updates a caller-owned record in place.
type sharedDevice struct {
	mu      sync.Mutex
	device  *store.Device
	backend store.Backend
}

func (s *sharedDevice) Device() *store.Device {
	return s.device
}

func (s *sharedDevice) UpdateDevice(ctx context.Context, fn func(d *store.Device)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.device)
	return s.backend.SaveDevice(ctx, s.device)
}

// Repository implements store.SessionRepository on a store.Backend.
type Repository struct {
	source  DeviceSource
	backend store.Backend
	strict  bool
	log     *logrus.Entry

	preKeyMu sync.Mutex
}

var _ store.SessionRepository = (*Repository)(nil)

// NewRepository creates a Repository for device. Unless opts.Device is
// set, device is shared with the caller and GeneratePreKeys advances its
// prekey counter in place before saving it.
func NewRepository(device *store.Device, backend store.Backend, opts Options) *Repository {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	source := opts.Device
	if source == nil {
		source = &sharedDevice{device: device, backend: backend}
	}
	return &Repository{
		source:  source,
		backend: backend,
		strict:  opts.StrictIdentity,
		log:     log.WithField("component", "signal"),
	}
}

func (r *Repository) loadSession(ctx context.Context, addr string) (*sessionState, error) {
	data, err := r.backend.GetSession(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	return unmarshalSession(data)
}

// HasSession implements store.SessionRepository.
func (r *Repository) HasSession(ctx context.Context, peer types.JID) (bool, error) {
	return r.backend.HasSession(ctx, peer.SignalAddress())
}

// DeleteSession implements store.SessionRepository.
func (r *Repository) DeleteSession(ctx context.Context, peer types.JID) error {
	return r.backend.DeleteSession(ctx, peer.SignalAddress())
}

// InjectSession implements store.SessionRepository.
func (r *Repository) InjectSession(ctx context.Context, peer types.JID, bundle *store.PreKeyBundle) error {
	addr := peer.SignalAddress()
	if err := r.checkIdentity(ctx, addr, bundle.IdentityKey); err != nil {
		return err
	}
	s, err := initiateSession(r.source.Device().IdentityKey, bundle)
	if err != nil {
		return err
	}
	if err := r.backend.PutIdentity(ctx, addr, bundle.IdentityKey); err != nil {
		return err
	}
	crypto.NewPackageLogger("signal", "InjectSession").
		WithBase(r.log).
		WithFields(crypto.OperationFields("inject_session", "created", logrus.Fields{
			"peer":      addr,
			"prekey_id": bundle.PreKeyID,
			"signed_id": bundle.SignedPreKeyID,
		})).
		Debug("Created outgoing session")
	return r.backend.PutSession(ctx, addr, s.marshal())
}

func (r *Repository) checkIdentity(ctx context.Context, addr string, key [32]byte) error {
	trusted, err := r.backend.IsTrustedIdentity(ctx, addr, key)
	if err != nil {
		return err
	}
	if trusted {
		return nil
	}
	if r.strict {
		return fmt.Errorf("%w: %s", ErrUntrustedIdentity, addr)
	}
	crypto.NewPackageLogger("signal", "checkIdentity").
		WithBase(r.log).
		WithField("peer", addr).
		Warn("Peer identity key changed, replacing stored key")
	return nil
}

// EncryptMessage implements store.SessionRepository.
func (r *Repository) EncryptMessage(ctx context.Context, peer types.JID, plaintext []byte) (string, []byte, error) {
	addr := peer.SignalAddress()
	s, err := r.loadSession(ctx, addr)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt for %s: %w", addr, err)
	}

	device := r.source.Device()
	inner, err := s.encrypt(device.IdentityKey.Public, plaintext)
	if err != nil {
		return "", nil, err
	}

	encType, out := TypeMessage, inner
	if s.pending != nil {
		pkm := &preKeySignalMessage{
			RegistrationID: device.RegistrationID,
			PreKeyID:       s.pending.preKeyID,
			SignedPreKeyID: s.pending.signedPreKeyID,
			BaseKey:        s.pending.baseKey,
			IdentityKey:    device.IdentityKey.Public,
			Message:        inner,
		}
		encType, out = TypePreKeyMessage, pkm.marshal()
	}
	if err := r.backend.PutSession(ctx, addr, s.marshal()); err != nil {
		return "", nil, err
	}
	return encType, out, nil
}

// DecryptMessage implements store.SessionRepository.
func (r *Repository) DecryptMessage(ctx context.Context, peer types.JID, encType string, ciphertext []byte) ([]byte, error) {
	addr := peer.SignalAddress()
	switch encType {
	case TypeMessage:
		s, err := r.loadSession(ctx, addr)
		if err != nil {
			return nil, err
		}
		pt, err := s.decrypt(r.source.Device().IdentityKey.Public, ciphertext)
		if err != nil {
			return nil, err
		}
		return pt, r.backend.PutSession(ctx, addr, s.marshal())
	case TypePreKeyMessage:
		return r.decryptPreKeyMessage(ctx, addr, ciphertext)
	default:
		return nil, fmt.Errorf("%w: unknown ciphertext type %q", ErrInvalidMessage, encType)
	}
}

func (r *Repository) decryptPreKeyMessage(ctx context.Context, addr string, raw []byte) ([]byte, error) {
	msg, err := parsePreKeySignalMessage(raw)
	if err != nil {
		return nil, err
	}

	// A repeated pkmsg for a session we already accepted.
	if s, err := r.loadSession(ctx, addr); err == nil && s.sameBase(msg.BaseKey) {
		pt, err := s.decrypt(r.source.Device().IdentityKey.Public, msg.Message)
		if err != nil {
			return nil, err
		}
		return pt, r.backend.PutSession(ctx, addr, s.marshal())
	} else if err != nil && !errors.Is(err, ErrNoSession) {
		return nil, err
	}

	if err := r.checkIdentity(ctx, addr, msg.IdentityKey); err != nil {
		return nil, err
	}
	device := r.source.Device()
	signed := device.SignedPreKey
	if msg.SignedPreKeyID != signed.KeyID {
		return nil, fmt.Errorf("%w: signed prekey %d", ErrInvalidPreKey, msg.SignedPreKeyID)
	}

	var oneTime *crypto.PreKey
	if msg.PreKeyID != 0 {
		if oneTime, err = r.backend.GetPreKey(ctx, msg.PreKeyID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %d", ErrInvalidPreKey, msg.PreKeyID)
			}
			return nil, err
		}
	}

	s, err := acceptSession(device.IdentityKey, signed, oneTime, msg)
	if err != nil {
		return nil, err
	}
	pt, err := s.decrypt(device.IdentityKey.Public, msg.Message)
	if err != nil {
		return nil, err
	}

	// The one-time key is consumed only once the message authenticated, so
	// a forged pkmsg cannot burn it.
	if oneTime != nil {
		if _, err := r.backend.ConsumePreKey(ctx, msg.PreKeyID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %d already used", ErrInvalidPreKey, msg.PreKeyID)
			}
			return nil, err
		}
	}
	if err := r.backend.PutIdentity(ctx, addr, msg.IdentityKey); err != nil {
		return nil, err
	}
	if err := r.backend.PutSession(ctx, addr, s.marshal()); err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{
		"function":  "DecryptMessage",
		"peer":      addr,
		"prekey_id": msg.PreKeyID,
	}).Debug("Accepted incoming session")
	return pt, nil
}

// GeneratePreKeys implements store.SessionRepository.
func (r *Repository) GeneratePreKeys(ctx context.Context, count int) ([]*crypto.PreKey, error) {
	r.preKeyMu.Lock()
	defer r.preKeyMu.Unlock()

	next := r.source.Device().NextPreKeyID
	keys := make([]*crypto.PreKey, 0, count)
	for i := 0; i < count; i++ {
		if next == 0 || next > maxPreKeyID {
			next = 1
		}
		pk, err := crypto.NewPreKey(next)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pk)
		next++
	}
	if err := r.backend.StorePreKeys(ctx, keys); err != nil {
		return nil, fmt.Errorf("store prekeys: %w", err)
	}
	err := r.source.UpdateDevice(ctx, func(d *store.Device) { d.NextPreKeyID = next })
	if err != nil {
		return nil, fmt.Errorf("save prekey counter: %w", err)
	}
	return keys, nil
}

func (r *Repository) ownAddress() string {
	device := r.source.Device()
	if device.ID == nil {
		return "self"
	}
	return device.ID.SignalAddress()
}

// EncryptGroupMessage implements store.SessionRepository.
func (r *Repository) EncryptGroupMessage(ctx context.Context, group types.JID, plaintext []byte) ([]byte, []byte, error) {
	groupID, self := group.String(), r.ownAddress()
	var s *senderKeyState
	data, err := r.backend.GetSenderKey(ctx, groupID, self)
	switch {
	case err == nil:
		s, err = unmarshalSenderKey(data)
	case errors.Is(err, store.ErrNotFound):
		s, err = newOwnSenderKey()
	}
	if err != nil {
		return nil, nil, err
	}

	dist := s.distribution().marshal()
	ct, err := s.encrypt(plaintext)
	if err != nil {
		return nil, nil, err
	}
	if err := r.backend.PutSenderKey(ctx, groupID, self, s.marshal()); err != nil {
		return nil, nil, err
	}
	return ct, dist, nil
}

// DecryptGroupMessage implements store.SessionRepository.
func (r *Repository) DecryptGroupMessage(ctx context.Context, group, sender types.JID, ciphertext []byte) ([]byte, error) {
	groupID, addr := group.String(), sender.SignalAddress()
	data, err := r.backend.GetSenderKey(ctx, groupID, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNoSenderKey, addr, groupID)
	}
	if err != nil {
		return nil, err
	}
	s, err := unmarshalSenderKey(data)
	if err != nil {
		return nil, err
	}
	pt, err := s.decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	return pt, r.backend.PutSenderKey(ctx, groupID, addr, s.marshal())
}

// ProcessSenderKeyDistribution implements store.SessionRepository. A
// distribution never rewinds a chain we already hold.
func (r *Repository) ProcessSenderKeyDistribution(ctx context.Context, group, sender types.JID, distribution []byte) error {
	dist, err := parseSenderKeyDistribution(distribution)
	if err != nil {
		return err
	}
	groupID, addr := group.String(), sender.SignalAddress()
	if data, err := r.backend.GetSenderKey(ctx, groupID, addr); err == nil {
		if cur, err := unmarshalSenderKey(data); err == nil && cur.keyID == dist.KeyID && cur.iteration >= dist.Iteration {
			return nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	s := &senderKeyState{
		keyID:      dist.KeyID,
		iteration:  dist.Iteration,
		chainKey:   dist.ChainKey,
		signingPub: dist.SigningKey,
	}
	return r.backend.PutSenderKey(ctx, groupID, addr, s.marshal())
}
