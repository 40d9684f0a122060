// Package storetest is a conformance suite shared by every store.Backend
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/types"
)

// Factory returns a new, empty backend. The suite closes it.
type Factory func(t *testing.T) store.Backend

// Run exercises every Backend operation against backends from newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"Device", testDevice},
		{"PreKeyConsume", testPreKeyConsume},
		{"PreKeyConcurrentConsume", testPreKeyConcurrentConsume},
		{"PreKeyUpload", testPreKeyUpload},
		{"Sessions", testSessions},
		{"SenderKeys", testSenderKeys},
		{"Identities", testIdentities},
		{"DeleteDevice", testDeleteDevice},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t)
			defer b.Close()
			tc.fn(t, b)
		})
	}
}

func newPreKeys(t *testing.T, from, count uint32) []*crypto.PreKey {
	t.Helper()
	keys := make([]*crypto.PreKey, 0, count)
	for id := from; id < from+count; id++ {
		pk, err := crypto.NewPreKey(id)
		require.NoError(t, err)
		keys = append(keys, pk)
	}
	return keys
}

func testDevice(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.LoadDevice(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	d, err := store.NewDevice()
	require.NoError(t, err)
	require.NoError(t, b.SaveDevice(ctx, d))

	loaded, err := b.LoadDevice(ctx)
	require.NoError(t, err)
	assert.False(t, loaded.IsPaired())
	assert.Equal(t, d.NoiseKey.Public, loaded.NoiseKey.Public)
	assert.Equal(t, d.IdentityKey.Public, loaded.IdentityKey.Public)
	assert.Equal(t, d.SignedPreKey.Public, loaded.SignedPreKey.Public)
	assert.Equal(t, *d.SignedPreKey.Signature, *loaded.SignedPreKey.Signature)
	assert.Equal(t, d.RegistrationID, loaded.RegistrationID)
	assert.Equal(t, d.AdvSecretKey, loaded.AdvSecretKey)

	jid := types.NewADJID("15551234567", 3, types.DefaultUserServer)
	loaded.ID = &jid
	loaded.Platform = "android"
	loaded.PushName = "Test"
	require.NoError(t, b.SaveDevice(ctx, loaded))
	require.NoError(t, store.MarkAccountSyncCounter(ctx, b, 7))

	paired, err := b.LoadDevice(ctx)
	require.NoError(t, err)
	require.True(t, paired.IsPaired())
	assert.Equal(t, jid, *paired.ID)
	assert.Equal(t, "android", paired.Platform)
	assert.Equal(t, uint32(7), paired.AccountSyncCounter)
}

func testPreKeyConsume(t *testing.T, b store.Backend) {
	ctx := context.Background()
	keys := newPreKeys(t, 1, 3)
	require.NoError(t, b.StorePreKeys(ctx, keys))

	got, err := b.GetPreKey(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, keys[1].Public, got.Public)

	consumed, err := b.ConsumePreKey(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, keys[1].Private, consumed.Private)

	_, err = b.ConsumePreKey(ctx, 2)
	assert.ErrorIs(t, err, store.ErrNotFound, "a prekey is never handed out twice")
	_, err = b.GetPreKey(ctx, 2)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = b.GetPreKey(ctx, 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testPreKeyConcurrentConsume(t *testing.T, b store.Backend) {
	ctx := context.Background()
	require.NoError(t, b.StorePreKeys(ctx, newPreKeys(t, 10, 1)))

	var wins, misses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.ConsumePreKey(ctx, 10)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, store.ErrNotFound):
				misses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), misses.Load())
}

func testPreKeyUpload(t *testing.T, b store.Backend) {
	ctx := context.Background()
	require.NoError(t, b.StorePreKeys(ctx, newPreKeys(t, 1, 5)))

	pending, err := b.UnuploadedPreKeys(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 5)
	for i, pk := range pending {
		assert.Equal(t, uint32(i+1), pk.KeyID, "ordered by id")
	}

	require.NoError(t, b.MarkPreKeysUploaded(ctx, 3))
	pending, err = b.UnuploadedPreKeys(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint32(4), pending[0].KeyID)

	count, err := b.UploadedPreKeyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	_, err = b.ConsumePreKey(ctx, 1)
	require.NoError(t, err)
	count, err = b.UploadedPreKeyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func testSessions(t *testing.T, b store.Backend) {
	ctx := context.Background()
	addr := "15551234567.0"

	_, err := b.GetSession(ctx, addr)
	assert.ErrorIs(t, err, store.ErrNotFound)
	has, err := b.HasSession(ctx, addr)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, b.PutSession(ctx, addr, []byte("v1")))
	require.NoError(t, b.PutSession(ctx, addr, []byte("v2")))
	data, err := b.GetSession(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
	has, err = b.HasSession(ctx, addr)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, b.DeleteSession(ctx, addr))
	_, err = b.GetSession(ctx, addr)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, b.DeleteSession(ctx, addr), "deleting a missing session is not an error")
}

func testSenderKeys(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.GetSenderKey(ctx, "g@g.us", "a.0")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, b.PutSenderKey(ctx, "g@g.us", "a.0", []byte("ka")))
	require.NoError(t, b.PutSenderKey(ctx, "g@g.us", "b.0", []byte("kb")))
	data, err := b.GetSenderKey(ctx, "g@g.us", "a.0")
	require.NoError(t, err)
	assert.Equal(t, []byte("ka"), data)
}

func testIdentities(t *testing.T, b store.Backend) {
	ctx := context.Background()
	key := [32]byte{1, 2, 3}
	other := [32]byte{9}

	ok, err := b.IsTrustedIdentity(ctx, "peer.0", key)
	require.NoError(t, err)
	assert.True(t, ok, "first use is trusted")

	require.NoError(t, b.PutIdentity(ctx, "peer.0", key))
	ok, err = b.IsTrustedIdentity(ctx, "peer.0", key)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.IsTrustedIdentity(ctx, "peer.0", other)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testDeleteDevice(t *testing.T, b store.Backend) {
	ctx := context.Background()
	d, err := store.NewDevice()
	require.NoError(t, err)
	require.NoError(t, b.SaveDevice(ctx, d))
	require.NoError(t, b.StorePreKeys(ctx, newPreKeys(t, 1, 2)))
	require.NoError(t, b.PutSession(ctx, "x.0", []byte("s")))
	require.NoError(t, b.PutIdentity(ctx, "x.0", [32]byte{1}))

	require.NoError(t, b.DeleteDevice(ctx))

	_, err = b.LoadDevice(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = b.GetPreKey(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	has, err := b.HasSession(ctx, "x.0")
	require.NoError(t, err)
	assert.False(t, has)
	ok, err := b.IsTrustedIdentity(ctx, "x.0", [32]byte{2})
	require.NoError(t, err)
	assert.True(t, ok)
}
