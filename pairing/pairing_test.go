package pairing

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wacore/crypto"
)

func TestQRCode(t *testing.T) {
	noiseKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	identity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	adv := []byte("0123456789abcdef0123456789abcdef")

	codes := QRCodes([]string{"ref1", "ref2"}, noiseKey.Public, identity.Public, adv)
	require.Len(t, codes, 2)

	parts := strings.Split(codes[1], ",")
	require.Len(t, parts, 4)
	assert.Equal(t, "ref2", parts[0])
	assert.Equal(t, base64.StdEncoding.EncodeToString(noiseKey.Public[:]), parts[1])
	assert.Equal(t, base64.StdEncoding.EncodeToString(identity.Public[:]), parts[2])
	assert.Equal(t, base64.StdEncoding.EncodeToString(adv), parts[3])
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, c := range code {
			assert.Contains(t, codeAlphabet, string(c))
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 45)
}

func TestDisplayCode(t *testing.T) {
	assert.Equal(t, "ABCD-EFGH", DisplayCode("ABCDEFGH"))
	assert.Equal(t, "short", DisplayCode("short"))
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"+15551234567", "15551234567", true},
		{"+1 (555) 123-4567", "15551234567", true},
		{"555", "", false},
		{"+1555abc4567", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidPhone)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWrapKey(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	wrapped, err := WrapKey("ABCDEFGH", kp.Public)
	require.NoError(t, err)
	require.Len(t, wrapped, WrappedKeySize)

	got, err := UnwrapKey("ABCDEFGH", wrapped)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, got)

	other, err := UnwrapKey("ZZZZZZZZ", wrapped)
	require.NoError(t, err)
	assert.NotEqual(t, kp.Public, other)

	_, err = UnwrapKey("ABCDEFGH", wrapped[:10])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCodePairingExchange(t *testing.T) {
	companionIdentity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	primaryIdentity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	ch, err := NewChallenge("+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "15551234567", ch.Phone)
	ch.SetRef("ref-1")

	primary, err := NewPrimary(primaryIdentity, ch.Code, ch.Wrapped)
	require.NoError(t, err)
	hello, err := primary.Hello()
	require.NoError(t, err)

	fin, err := ch.Complete("ref-1", hello, primaryIdentity.Public, companionIdentity)
	require.NoError(t, err)

	adv, err := primary.OpenBundle(fin.KeyBundle, companionIdentity.Public)
	require.NoError(t, err)
	assert.Equal(t, fin.AdvSecret, adv)
}

func TestChallengeRejectsStaleRef(t *testing.T) {
	identity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	primaryIdentity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	first, err := NewChallenge("+15551234567")
	require.NoError(t, err)
	first.SetRef("ref-1")
	second, err := NewChallenge("+15551234567")
	require.NoError(t, err)
	second.SetRef("ref-2")
	assert.NotEqual(t, first.Code, second.Code)

	primary, err := NewPrimary(primaryIdentity, first.Code, first.Wrapped)
	require.NoError(t, err)
	hello, err := primary.Hello()
	require.NoError(t, err)

	_, err = second.Complete("ref-1", hello, primaryIdentity.Public, identity)
	assert.ErrorIs(t, err, ErrStaleChallenge)

	unset, err := NewChallenge("+15551234567")
	require.NoError(t, err)
	_, err = unset.Complete("", hello, primaryIdentity.Public, identity)
	assert.ErrorIs(t, err, ErrStaleChallenge)
}

func TestWrongCodeFailsBundle(t *testing.T) {
	identity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	primaryIdentity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ch, err := NewChallenge("+15551234567")
	require.NoError(t, err)
	ch.SetRef("r")

	primary, err := NewPrimary(primaryIdentity, "WRONGCDE", ch.Wrapped)
	require.NoError(t, err)
	hello, err := primary.Hello()
	require.NoError(t, err)
	fin, err := ch.Complete("r", hello, primaryIdentity.Public, identity)
	require.NoError(t, err)

	_, err = primary.OpenBundle(fin.KeyBundle, identity.Public)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyDeviceIdentity(t *testing.T) {
	account, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	identity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	adv := make([]byte, 32)
	adv[0] = 7

	container, err := IssueDeviceIdentity(account, adv, identity.Public, &DeviceIdentity{RawID: 9, Timestamp: 1700000000, KeyIndex: 3})
	require.NoError(t, err)

	v, err := VerifyDeviceIdentity(container, adv, identity)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), v.Identity.KeyIndex)
	assert.True(t, VerifyDeviceSignature(v.Account, identity.Public))

	reply, err := UnmarshalSignedDeviceIdentity(v.Reply)
	require.NoError(t, err)
	assert.Nil(t, reply.AccountSignatureKey)
	assert.NotEmpty(t, reply.DeviceSignature)

	t.Run("wrong adv secret", func(t *testing.T) {
		_, err := VerifyDeviceIdentity(container, make([]byte, 32), identity)
		assert.ErrorIs(t, err, ErrInvalidHMAC)
	})
	t.Run("signed for another device", func(t *testing.T) {
		other, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		_, err = VerifyDeviceIdentity(container, adv, other)
		assert.ErrorIs(t, err, ErrInvalidAccountSignature)
	})
}
