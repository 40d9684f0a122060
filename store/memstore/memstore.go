// Package memstore is an in-memory store.Backend for tests and throwaway
// sessions.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/store"
)

type preKeyEntry struct {
	key      []byte
	uploaded bool
}

// Store keeps every record in maps guarded by one mutex. Records are kept
// serialized so callers never share memory with the store.
type Store struct {
	mu         sync.Mutex
	device     []byte
	preKeys    map[uint32]*preKeyEntry
	sessions   map[string][]byte
	senderKeys map[string][]byte
	identities map[string][32]byte
}

var _ store.Backend = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.device = nil
	s.preKeys = make(map[uint32]*preKeyEntry)
	s.sessions = make(map[string][]byte)
	s.senderKeys = make(map[string][]byte)
	s.identities = make(map[string][32]byte)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// LoadDevice implements store.IdentityStore.
func (s *Store) LoadDevice(context.Context) (*store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil, store.ErrNotFound
	}
	d := &store.Device{}
	if err := d.UnmarshalBinary(s.device); err != nil {
		return nil, err
	}
	return d, nil
}

// SaveDevice implements store.IdentityStore.
func (s *Store) SaveDevice(_ context.Context, d *store.Device) error {
	data, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = data
	return nil
}

// DeleteDevice implements store.IdentityStore.
func (s *Store) DeleteDevice(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// StorePreKeys implements store.PreKeyStore.
func (s *Store) StorePreKeys(_ context.Context, keys []*crypto.PreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.preKeys[k.KeyID] = &preKeyEntry{key: store.MarshalPreKey(k)}
	}
	return nil
}

// GetPreKey implements store.PreKeyStore.
func (s *Store) GetPreKey(_ context.Context, id uint32) (*crypto.PreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.preKeys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.UnmarshalPreKey(e.key)
}

// ConsumePreKey implements store.PreKeyStore.
func (s *Store) ConsumePreKey(_ context.Context, id uint32) (*crypto.PreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.preKeys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.preKeys, id)
	return store.UnmarshalPreKey(e.key)
}

// UnuploadedPreKeys implements store.PreKeyStore.
func (s *Store) UnuploadedPreKeys(context.Context) ([]*crypto.PreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*crypto.PreKey
	for _, e := range s.preKeys {
		if e.uploaded {
			continue
		}
		pk, err := store.UnmarshalPreKey(e.key)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pk)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyID < keys[j].KeyID })
	return keys, nil
}

// MarkPreKeysUploaded implements store.PreKeyStore.
func (s *Store) MarkPreKeysUploaded(_ context.Context, upTo uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.preKeys {
		if id <= upTo {
			e.uploaded = true
		}
	}
	return nil
}

// UploadedPreKeyCount implements store.PreKeyStore.
func (s *Store) UploadedPreKeyCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.preKeys {
		if e.uploaded {
			n++
		}
	}
	return n, nil
}

// GetSession implements store.SessionStore.
func (s *Store) GetSession(_ context.Context, addr string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.sessions[addr]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(data), nil
}

// PutSession implements store.SessionStore.
func (s *Store) PutSession(_ context.Context, addr string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[addr] = clone(data)
	return nil
}

// DeleteSession implements store.SessionStore.
func (s *Store) DeleteSession(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, addr)
	return nil
}

// HasSession implements store.SessionStore.
func (s *Store) HasSession(_ context.Context, addr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[addr]
	return ok, nil
}

// GetSenderKey implements store.SenderKeyStore.
func (s *Store) GetSenderKey(_ context.Context, group, sender string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.senderKeys[group+"\x00"+sender]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(data), nil
}

// PutSenderKey implements store.SenderKeyStore.
func (s *Store) PutSenderKey(_ context.Context, group, sender string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senderKeys[group+"\x00"+sender] = clone(data)
	return nil
}

// PutIdentity implements store.PeerIdentityStore.
func (s *Store) PutIdentity(_ context.Context, addr string, key [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[addr] = key
	return nil
}

// IsTrustedIdentity implements store.PeerIdentityStore.
func (s *Store) IsTrustedIdentity(_ context.Context, addr string, key [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known, ok := s.identities[addr]
	return !ok || known == key, nil
}

// Close implements store.Backend.
func (s *Store) Close() error {
	return nil
}
