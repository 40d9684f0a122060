package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealerRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	s, err := NewSealer([]byte("correct horse"), salt)
	require.NoError(t, err)
	defer s.Close()

	sealed, err := s.Seal([]byte("device keys"), []byte("device"))
	require.NoError(t, err)

	opened, err := s.Open(sealed, []byte("device"))
	require.NoError(t, err)
	assert.Equal(t, []byte("device keys"), opened)

	_, err = s.Open(sealed, []byte("session"))
	assert.ErrorIs(t, err, ErrSealedData)
}

func TestSealerWrongPassphrase(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	a, err := NewSealer([]byte("one"), salt)
	require.NoError(t, err)
	b, err := NewSealer([]byte("two"), salt)
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("secret"), nil)
	require.NoError(t, err)
	_, err = b.Open(sealed, nil)
	assert.ErrorIs(t, err, ErrSealedData)
}

func TestSealerRejectsMalformed(t *testing.T) {
	s, err := NewSealerFromKey([32]byte{1})
	require.NoError(t, err)

	_, err = s.Open([]byte{0, 1, 2}, nil)
	assert.ErrorIs(t, err, ErrSealedData)

	sealed, err := s.Seal([]byte("x"), nil)
	require.NoError(t, err)
	sealed[1] = 9
	_, err = s.Open(sealed, nil)
	assert.ErrorIs(t, err, ErrSealedData)

	_, err = NewSealer(nil, make([]byte, SaltSize))
	assert.Error(t, err)
	_, err = NewSealer([]byte("p"), []byte("short"))
	assert.Error(t, err)
}
