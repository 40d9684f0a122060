package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/store/memstore"
	"github.com/opd-ai/wacore/store/storetest"
	"github.com/opd-ai/wacore/types"
)

// countingBackend counts session reads that reach the backend.
type countingBackend struct {
	*memstore.Store
	sessionReads int
}

func (c *countingBackend) GetSession(ctx context.Context, addr string) ([]byte, error) {
	c.sessionReads++
	return c.Store.GetSession(ctx, addr)
}

func TestCachedConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return store.NewCached(memstore.New(), time.Minute, nil)
	})
}

func TestCachedServesReads(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Store: memstore.New()}
	c := store.NewCached(backend, time.Minute, nil)
	defer c.Close()

	require.NoError(t, backend.PutSession(ctx, "a.0", []byte("s")))
	for i := 0; i < 3; i++ {
		data, err := c.GetSession(ctx, "a.0")
		require.NoError(t, err)
		assert.Equal(t, []byte("s"), data)
	}
	assert.Equal(t, 1, backend.sessionReads)

	data, _ := c.GetSession(ctx, "a.0")
	data[0] = 'x'
	again, _ := c.GetSession(ctx, "a.0")
	assert.Equal(t, []byte("s"), again, "callers get copies")

	require.NoError(t, c.PutSession(ctx, "a.0", []byte("t")))
	data, err := c.GetSession(ctx, "a.0")
	require.NoError(t, err)
	assert.Equal(t, []byte("t"), data)
	assert.Equal(t, 1, backend.sessionReads)
}

func TestDeviceEncoding(t *testing.T) {
	d, err := store.NewDevice()
	require.NoError(t, err)
	assert.Less(t, d.RegistrationID, uint32(1<<14))
	assert.Len(t, d.AdvSecretKey, 32)

	data, err := d.MarshalBinary()
	require.NoError(t, err)
	var decoded store.Device
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, d.NoiseKey.Private, decoded.NoiseKey.Private)
	assert.Equal(t, d.NextPreKeyID, decoded.NextPreKeyID)

	assert.Error(t, decoded.UnmarshalBinary([]byte{0x0a, 0x05}))
	assert.Error(t, decoded.UnmarshalBinary(nil), "missing keys")
}

func TestDeviceClone(t *testing.T) {
	d, err := store.NewDevice()
	require.NoError(t, err)
	jid := types.NewADJID("15550001111", 2, types.DefaultUserServer)
	d.ID = &jid
	d.Account = []byte{1, 2, 3}
	d.Companions = []types.JID{types.NewADJID("15550001111", 0, types.DefaultUserServer)}

	c := d.Clone()
	assert.Equal(t, d, c)

	c.ID.Device = 9
	c.AdvSecretKey[0] ^= 0xFF
	c.Account[0] = 7
	c.Companions[0].Device = 4
	c.NextPreKeyID = 500

	assert.Equal(t, uint16(2), d.ID.Device)
	assert.NotEqual(t, c.AdvSecretKey[0], d.AdvSecretKey[0])
	assert.Equal(t, byte(1), d.Account[0])
	assert.Equal(t, uint16(0), d.Companions[0].Device)
	assert.Equal(t, uint32(1), d.NextPreKeyID)
	assert.Same(t, d.IdentityKey, c.IdentityKey)
}
