package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestBuilderWalk(t *testing.T) {
	inner := (&Builder{}).AddString(1, "nested")
	msg := (&Builder{}).
		AddBytes(1, []byte{1, 2, 3}).
		AddUint(2, 300).
		AddBool(3, true).
		AddBool(4, false).
		AddString(5, "").
		AddMessage(6, inner).
		Bytes()

	var fields []Field
	require.NoError(t, Walk(msg, func(f Field) error {
		fields = append(fields, f)
		return nil
	}))

	require.Len(t, fields, 4)
	assert.Equal(t, []byte{1, 2, 3}, fields[0].Bytes)
	assert.True(t, fields[0].IsBytes())
	assert.Equal(t, uint64(300), fields[1].Uint)
	assert.Equal(t, uint64(1), fields[2].Uint)
	assert.Equal(t, Number(6), fields[3].Num)
	assert.Equal(t, inner.Bytes(), fields[3].Bytes)
}

func TestWalkSkipsFixedWidth(t *testing.T) {
	b := protowire.AppendTag(nil, 9, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = (&Builder{b: b}).AddUint(1, 5).Bytes()

	count := 0
	require.NoError(t, Walk(b, func(f Field) error {
		count++
		assert.Equal(t, uint64(5), f.Uint)
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestWalkRejectsGarbage(t *testing.T) {
	err := Walk([]byte{0x0A, 0x05, 0x01}, func(Field) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestKey32(t *testing.T) {
	_, err := Key32(Field{Num: 1, Bytes: make([]byte, 31)})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	k, err := Key32(Field{Num: 1, Bytes: make([]byte, 32)})
	require.NoError(t, err)
	assert.Equal(t, [32]byte{}, k)
}

func TestPackedVarints(t *testing.T) {
	msg := (&Builder{}).
		AddPacked(1, []uint64{0, 3, 300}).
		AddPacked(2, nil).
		AddUint(3, 7).
		Bytes()

	var got [][]uint64
	require.NoError(t, Walk(msg, func(f Field) error {
		vs, err := f.Varints()
		got = append(got, vs)
		return err
	}))
	assert.Equal(t, [][]uint64{{0, 3, 300}, {7}}, got)

	_, err := Field{Num: 1, Bytes: []byte{0x80}, isLen: true}.Varints()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
