package signal

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/store/memstore"
	"github.com/opd-ai/wacore/types"
)

type party struct {
	jid     types.JID
	device  *store.Device
	backend *memstore.Store
	repo    *Repository
}

func newParty(t *testing.T, user string) *party {
	t.Helper()
	dev, err := store.NewDevice()
	require.NoError(t, err)
	jid := types.NewADJID(user, 1, types.DefaultUserServer)
	dev.ID = &jid
	backend := memstore.New()
	require.NoError(t, backend.SaveDevice(context.Background(), dev))
	return &party{jid: jid, device: dev, backend: backend, repo: NewRepository(dev, backend, Options{})}
}

// bundle publishes one fresh one-time prekey.
func (p *party) bundle(t *testing.T) *store.PreKeyBundle {
	t.Helper()
	keys, err := p.repo.GeneratePreKeys(context.Background(), 1)
	require.NoError(t, err)
	return &store.PreKeyBundle{
		RegistrationID:        p.device.RegistrationID,
		IdentityKey:           p.device.IdentityKey.Public,
		SignedPreKeyID:        p.device.SignedPreKey.KeyID,
		SignedPreKey:          p.device.SignedPreKey.Public,
		SignedPreKeySignature: *p.device.SignedPreKey.Signature,
		PreKeyID:              keys[0].KeyID,
		PreKey:                keys[0].Public,
	}
}

func connect(t *testing.T, alice, bob *party) {
	t.Helper()
	require.NoError(t, alice.repo.InjectSession(context.Background(), bob.jid, bob.bundle(t)))
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParty(t, "111"), newParty(t, "222")
	connect(t, alice, bob)

	typ, ct, err := alice.repo.EncryptMessage(ctx, bob.jid, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, TypePreKeyMessage, typ)

	pt, err := bob.repo.DecryptMessage(ctx, alice.jid, typ, ct)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))

	has, err := bob.repo.HasSession(ctx, alice.jid)
	require.NoError(t, err)
	assert.True(t, has)

	typ, ct, err = bob.repo.EncryptMessage(ctx, alice.jid, []byte("hi back"))
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, typ)
	pt, err = alice.repo.DecryptMessage(ctx, bob.jid, typ, ct)
	require.NoError(t, err)
	assert.Equal(t, "hi back", string(pt))

	// Once Bob has answered, Alice stops wrapping in pkmsg.
	typ, ct, err = alice.repo.EncryptMessage(ctx, bob.jid, []byte("third"))
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, typ)
	pt, err = bob.repo.DecryptMessage(ctx, alice.jid, typ, ct)
	require.NoError(t, err)
	assert.Equal(t, "third", string(pt))
}

func TestSessionOutOfOrder(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParty(t, "111"), newParty(t, "222")
	connect(t, alice, bob)

	type sealed struct {
		typ string
		ct  []byte
	}
	var msgs []sealed
	for i := 0; i < 5; i++ {
		typ, ct, err := alice.repo.EncryptMessage(ctx, bob.jid, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		msgs = append(msgs, sealed{typ, ct})
	}

	for _, i := range []int{3, 0, 4, 1, 2} {
		pt, err := bob.repo.DecryptMessage(ctx, alice.jid, msgs[i].typ, msgs[i].ct)
		require.NoError(t, err, "message %d", i)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(pt))
	}
}

func TestSessionDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParty(t, "111"), newParty(t, "222")
	connect(t, alice, bob)

	typ, ct, err := alice.repo.EncryptMessage(ctx, bob.jid, []byte("once"))
	require.NoError(t, err)
	_, err = bob.repo.DecryptMessage(ctx, alice.jid, typ, ct)
	require.NoError(t, err)

	_, err = bob.repo.DecryptMessage(ctx, alice.jid, typ, ct)
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	// The failed attempt left the session usable.
	typ, ct, err = alice.repo.EncryptMessage(ctx, bob.jid, []byte("twice"))
	require.NoError(t, err)
	pt, err := bob.repo.DecryptMessage(ctx, alice.jid, typ, ct)
	require.NoError(t, err)
	assert.Equal(t, "twice", string(pt))
}

func TestPreKeyConsumedOnce(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol := newParty(t, "111"), newParty(t, "222"), newParty(t, "333")
	b := bob.bundle(t)
	require.NoError(t, alice.repo.InjectSession(ctx, bob.jid, b))
	require.NoError(t, carol.repo.InjectSession(ctx, bob.jid, b))

	typ, ct, err := alice.repo.EncryptMessage(ctx, bob.jid, []byte("first"))
	require.NoError(t, err)
	_, err = bob.repo.DecryptMessage(ctx, alice.jid, typ, ct)
	require.NoError(t, err)

	_, err = bob.backend.GetPreKey(ctx, b.PreKeyID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	typ, ct, err = carol.repo.EncryptMessage(ctx, bob.jid, []byte("second"))
	require.NoError(t, err)
	_, err = bob.repo.DecryptMessage(ctx, carol.jid, typ, ct)
	assert.ErrorIs(t, err, ErrInvalidPreKey)
}

func TestInjectSessionBadSignature(t *testing.T) {
	alice, bob := newParty(t, "111"), newParty(t, "222")
	b := bob.bundle(t)
	b.SignedPreKeySignature[0] ^= 0xFF
	err := alice.repo.InjectSession(context.Background(), bob.jid, b)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestEncryptWithoutSession(t *testing.T) {
	alice, bob := newParty(t, "111"), newParty(t, "222")
	_, _, err := alice.repo.EncryptMessage(context.Background(), bob.jid, []byte("x"))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStrictIdentityRejectsChangedKey(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParty(t, "111"), newParty(t, "222")
	bob.repo.strict = true
	connect(t, alice, bob)
	typ, ct, err := alice.repo.EncryptMessage(ctx, bob.jid, []byte("hello"))
	require.NoError(t, err)
	_, err = bob.repo.DecryptMessage(ctx, alice.jid, typ, ct)
	require.NoError(t, err)

	// Alice reinstalls and comes back with a new identity.
	again := newParty(t, "111")
	connect(t, again, bob)
	typ, ct, err = again.repo.EncryptMessage(ctx, bob.jid, []byte("it's me"))
	require.NoError(t, err)
	_, err = bob.repo.DecryptMessage(ctx, alice.jid, typ, ct)
	assert.ErrorIs(t, err, ErrUntrustedIdentity)

	bob.repo.strict = false
	pt, err := bob.repo.DecryptMessage(ctx, alice.jid, typ, ct)
	require.NoError(t, err)
	assert.Equal(t, "it's me", string(pt))
}

func TestChangedIdentityIsLogged(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParty(t, "111"), newParty(t, "222")
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	bob.repo.log = logrus.NewEntry(logger).WithField("component", "signal")

	connect(t, alice, bob)
	typ, ct, err := alice.repo.EncryptMessage(ctx, bob.jid, []byte("hello"))
	require.NoError(t, err)
	_, err = bob.repo.DecryptMessage(ctx, alice.jid, typ, ct)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "identity key changed")

	again := newParty(t, "111")
	connect(t, again, bob)
	typ, ct, err = again.repo.EncryptMessage(ctx, bob.jid, []byte("new phone"))
	require.NoError(t, err)
	_, err = bob.repo.DecryptMessage(ctx, alice.jid, typ, ct)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Peer identity key changed")
	assert.Contains(t, out, `"package":"signal"`)
	assert.Contains(t, out, `"function":"checkIdentity"`)
	assert.Contains(t, out, `"peer":"`+alice.jid.SignalAddress()+`"`)
}

func TestGeneratePreKeysAdvancesCounter(t *testing.T) {
	ctx := context.Background()
	p := newParty(t, "111")
	p.device.NextPreKeyID = maxPreKeyID

	keys, err := p.repo.GeneratePreKeys(ctx, 3)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, uint32(maxPreKeyID), keys[0].KeyID)
	assert.Equal(t, uint32(1), keys[1].KeyID)
	assert.Equal(t, uint32(2), keys[2].KeyID)

	saved, err := p.backend.LoadDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), saved.NextPreKeyID)
}

func TestGroupMessages(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParty(t, "111"), newParty(t, "222")
	group := types.NewJID("120363000000000001", types.GroupServer)

	_, err := bob.repo.DecryptGroupMessage(ctx, group, alice.jid, []byte{messageVersion})
	assert.ErrorIs(t, err, ErrNoSenderKey)

	ct1, dist, err := alice.repo.EncryptGroupMessage(ctx, group, []byte("one"))
	require.NoError(t, err)
	require.NoError(t, bob.repo.ProcessSenderKeyDistribution(ctx, group, alice.jid, dist))

	ct2, _, err := alice.repo.EncryptGroupMessage(ctx, group, []byte("two"))
	require.NoError(t, err)
	ct3, _, err := alice.repo.EncryptGroupMessage(ctx, group, []byte("three"))
	require.NoError(t, err)

	pt, err := bob.repo.DecryptGroupMessage(ctx, group, alice.jid, ct3)
	require.NoError(t, err)
	assert.Equal(t, "three", string(pt))
	pt, err = bob.repo.DecryptGroupMessage(ctx, group, alice.jid, ct1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(pt))
	pt, err = bob.repo.DecryptGroupMessage(ctx, group, alice.jid, ct2)
	require.NoError(t, err)
	assert.Equal(t, "two", string(pt))

	_, err = bob.repo.DecryptGroupMessage(ctx, group, alice.jid, ct2)
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	tampered := append([]byte(nil), ct1...)
	tampered[len(tampered)-1] ^= 1
	_, err = bob.repo.DecryptGroupMessage(ctx, group, alice.jid, tampered)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSenderKeyDistributionDoesNotRewind(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParty(t, "111"), newParty(t, "222")
	group := types.NewJID("120363000000000001", types.GroupServer)

	ct, dist, err := alice.repo.EncryptGroupMessage(ctx, group, []byte("one"))
	require.NoError(t, err)
	require.NoError(t, bob.repo.ProcessSenderKeyDistribution(ctx, group, alice.jid, dist))
	_, err = bob.repo.DecryptGroupMessage(ctx, group, alice.jid, ct)
	require.NoError(t, err)

	require.NoError(t, bob.repo.ProcessSenderKeyDistribution(ctx, group, alice.jid, dist))
	_, err = bob.repo.DecryptGroupMessage(ctx, group, alice.jid, ct)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}
