// Package redisstore persists a store.Backend in Redis.
//
// Every key of one device lives under a common prefix. One-time prekeys
// are a hash of id to key plus a set of uploaded ids; consumption runs as a
// Lua script so two consumers can never both receive a key.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/store"
)

// consumeScript returns the prekey and removes it from both the key hash
// and the uploaded set.
var consumeScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
	return false
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[1])
return v
`)

// markUploadedScript adds every stored id <= ARGV[1] to the uploaded set.
var markUploadedScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local n = 0
for _, id in ipairs(redis.call('HKEYS', KEYS[1])) do
	if tonumber(id) <= limit then
		redis.call('SADD', KEYS[2], id)
		n = n + 1
	end
end
return n
`)

// Store is a store.Backend on Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ store.Backend = (*Store)(nil)

// New wraps rdb. All keys are created under prefix. The Store owns rdb and
// closes it on Close.
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "wacore"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Dial connects to the server at addr and checks it with PING.
func Dial(ctx context.Context, addr, prefix string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return New(rdb, prefix), nil
}

func (s *Store) key(name string) string {
	return s.prefix + ":" + name
}

func (s *Store) allKeys() []string {
	return []string{
		s.key("device"),
		s.key("prekeys"),
		s.key("prekeys:uploaded"),
		s.key("sessions"),
		s.key("senderkeys"),
		s.key("identities"),
	}
}

func notFound(err error) error {
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	return err
}

// LoadDevice implements store.IdentityStore.
func (s *Store) LoadDevice(ctx context.Context) (*store.Device, error) {
	data, err := s.rdb.Get(ctx, s.key("device")).Bytes()
	if err != nil {
		return nil, notFound(err)
	}
	d := &store.Device{}
	if err := d.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return d, nil
}

// SaveDevice implements store.IdentityStore.
func (s *Store) SaveDevice(ctx context.Context, d *store.Device) error {
	data, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key("device"), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

// DeleteDevice implements store.IdentityStore.
func (s *Store) DeleteDevice(ctx context.Context) error {
	return s.rdb.Del(ctx, s.allKeys()...).Err()
}

func idField(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// StorePreKeys implements store.PreKeyStore.
func (s *Store) StorePreKeys(ctx context.Context, keys []*crypto.PreKey) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.HSet(ctx, s.key("prekeys"), idField(k.KeyID), store.MarshalPreKey(k))
			pipe.SRem(ctx, s.key("prekeys:uploaded"), idField(k.KeyID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store prekeys: %w", err)
	}
	return nil
}

// GetPreKey implements store.PreKeyStore.
func (s *Store) GetPreKey(ctx context.Context, id uint32) (*crypto.PreKey, error) {
	data, err := s.rdb.HGet(ctx, s.key("prekeys"), idField(id)).Bytes()
	if err != nil {
		return nil, notFound(err)
	}
	return store.UnmarshalPreKey(data)
}

// ConsumePreKey implements store.PreKeyStore.
func (s *Store) ConsumePreKey(ctx context.Context, id uint32) (*crypto.PreKey, error) {
	res, err := consumeScript.Run(ctx, s.rdb,
		[]string{s.key("prekeys"), s.key("prekeys:uploaded")}, idField(id)).Text()
	if err != nil {
		return nil, notFound(err)
	}
	return store.UnmarshalPreKey([]byte(res))
}

// UnuploadedPreKeys implements store.PreKeyStore.
func (s *Store) UnuploadedPreKeys(ctx context.Context) ([]*crypto.PreKey, error) {
	all, err := s.rdb.HGetAll(ctx, s.key("prekeys")).Result()
	if err != nil {
		return nil, err
	}
	uploaded, err := s.rdb.SMembersMap(ctx, s.key("prekeys:uploaded")).Result()
	if err != nil {
		return nil, err
	}

	var keys []*crypto.PreKey
	for id, data := range all {
		if _, ok := uploaded[id]; ok {
			continue
		}
		pk, err := store.UnmarshalPreKey([]byte(data))
		if err != nil {
			return nil, err
		}
		keys = append(keys, pk)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyID < keys[j].KeyID })
	return keys, nil
}

// MarkPreKeysUploaded implements store.PreKeyStore.
func (s *Store) MarkPreKeysUploaded(ctx context.Context, upTo uint32) error {
	return markUploadedScript.Run(ctx, s.rdb,
		[]string{s.key("prekeys"), s.key("prekeys:uploaded")}, upTo).Err()
}

// UploadedPreKeyCount implements store.PreKeyStore.
func (s *Store) UploadedPreKeyCount(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, s.key("prekeys:uploaded")).Result()
	return int(n), err
}

// GetSession implements store.SessionStore.
func (s *Store) GetSession(ctx context.Context, addr string) ([]byte, error) {
	data, err := s.rdb.HGet(ctx, s.key("sessions"), addr).Bytes()
	return data, notFound(err)
}

// PutSession implements store.SessionStore.
func (s *Store) PutSession(ctx context.Context, addr string, data []byte) error {
	return s.rdb.HSet(ctx, s.key("sessions"), addr, data).Err()
}

// DeleteSession implements store.SessionStore.
func (s *Store) DeleteSession(ctx context.Context, addr string) error {
	return s.rdb.HDel(ctx, s.key("sessions"), addr).Err()
}

// HasSession implements store.SessionStore.
func (s *Store) HasSession(ctx context.Context, addr string) (bool, error) {
	return s.rdb.HExists(ctx, s.key("sessions"), addr).Result()
}

// GetSenderKey implements store.SenderKeyStore.
func (s *Store) GetSenderKey(ctx context.Context, group, sender string) ([]byte, error) {
	data, err := s.rdb.HGet(ctx, s.key("senderkeys"), group+"|"+sender).Bytes()
	return data, notFound(err)
}

// PutSenderKey implements store.SenderKeyStore.
func (s *Store) PutSenderKey(ctx context.Context, group, sender string, data []byte) error {
	return s.rdb.HSet(ctx, s.key("senderkeys"), group+"|"+sender, data).Err()
}

// PutIdentity implements store.PeerIdentityStore.
func (s *Store) PutIdentity(ctx context.Context, addr string, key [32]byte) error {
	return s.rdb.HSet(ctx, s.key("identities"), addr, key[:]).Err()
}

// IsTrustedIdentity implements store.PeerIdentityStore.
func (s *Store) IsTrustedIdentity(ctx context.Context, addr string, key [32]byte) (bool, error) {
	known, err := s.rdb.HGet(ctx, s.key("identities"), addr).Bytes()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return string(known) == string(key[:]), nil
}

// Close implements store.Backend.
func (s *Store) Close() error {
	return s.rdb.Close()
}
