package store

import (
	"context"
	"time"

	"github.com/opd-ai/wacore/cache"
	"github.com/opd-ai/wacore/crypto"
)

// Cached fronts a Backend with a TTL read cache for sessions and sender
// keys, the records read on every encrypt and decrypt.
type Cached struct {
	Backend
	sessions   *cache.TTL[string, []byte]
	senderKeys *cache.TTL[string, []byte]
}

// NewCached wraps b. Entries live for ttl after their last write or load.
func NewCached(b Backend, ttl time.Duration, clock crypto.TimeProvider) *Cached {
	opts := cache.Options{TTL: ttl, TimeProvider: clock, SweepInterval: ttl}
	sessionOpts, senderOpts := opts, opts
	sessionOpts.Name = "signal-sessions"
	senderOpts.Name = "signal-sender-keys"
	return &Cached{
		Backend:    b,
		sessions:   cache.New[string, []byte](sessionOpts),
		senderKeys: cache.New[string, []byte](senderOpts),
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// GetSession implements SessionStore.
func (c *Cached) GetSession(ctx context.Context, addr string) ([]byte, error) {
	if data, ok := c.sessions.Get(addr); ok {
		return clone(data), nil
	}
	data, err := c.Backend.GetSession(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.sessions.Set(addr, clone(data))
	return data, nil
}

// PutSession implements SessionStore. The cache is updated only after the
// backend write succeeds.
func (c *Cached) PutSession(ctx context.Context, addr string, data []byte) error {
	if err := c.Backend.PutSession(ctx, addr, data); err != nil {
		c.sessions.Delete(addr)
		return err
	}
	c.sessions.Set(addr, clone(data))
	return nil
}

// DeleteSession implements SessionStore.
func (c *Cached) DeleteSession(ctx context.Context, addr string) error {
	c.sessions.Delete(addr)
	return c.Backend.DeleteSession(ctx, addr)
}

// HasSession implements SessionStore.
func (c *Cached) HasSession(ctx context.Context, addr string) (bool, error) {
	if _, ok := c.sessions.Get(addr); ok {
		return true, nil
	}
	return c.Backend.HasSession(ctx, addr)
}

func senderKeyID(group, sender string) string {
	return group + "\x00" + sender
}

// GetSenderKey implements SenderKeyStore.
func (c *Cached) GetSenderKey(ctx context.Context, group, sender string) ([]byte, error) {
	key := senderKeyID(group, sender)
	if data, ok := c.senderKeys.Get(key); ok {
		return clone(data), nil
	}
	data, err := c.Backend.GetSenderKey(ctx, group, sender)
	if err != nil {
		return nil, err
	}
	c.senderKeys.Set(key, clone(data))
	return data, nil
}

// PutSenderKey implements SenderKeyStore.
func (c *Cached) PutSenderKey(ctx context.Context, group, sender string, data []byte) error {
	key := senderKeyID(group, sender)
	if err := c.Backend.PutSenderKey(ctx, group, sender, data); err != nil {
		c.senderKeys.Delete(key)
		return err
	}
	c.senderKeys.Set(key, clone(data))
	return nil
}

// DeleteDevice implements IdentityStore and drops every cached record.
func (c *Cached) DeleteDevice(ctx context.Context) error {
	c.sessions.Purge()
	c.senderKeys.Purge()
	return c.Backend.DeleteDevice(ctx)
}

// Close stops the cache janitors and closes the backend.
func (c *Cached) Close() error {
	c.sessions.Close()
	c.senderKeys.Close()
	return c.Backend.Close()
}
