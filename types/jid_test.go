package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJID(t *testing.T) {
	tests := []struct {
		in   string
		want JID
	}{
		{"15551234567@s.whatsapp.net", NewJID("15551234567", DefaultUserServer)},
		{"15551234567:12@s.whatsapp.net", NewADJID("15551234567", 12, DefaultUserServer)},
		{"120363025246125486@g.us", NewJID("120363025246125486", GroupServer)},
		{"s.whatsapp.net", ServerJID},
		{"@s.whatsapp.net", NewJID("", DefaultUserServer)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseJID(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseJIDErrors(t *testing.T) {
	for _, in := range []string{"", "user@", "user:x@s.whatsapp.net", "user:70000@s.whatsapp.net"} {
		_, err := ParseJID(in)
		assert.ErrorIs(t, err, ErrInvalidJID, in)
	}
}

func TestJIDStringRoundTrip(t *testing.T) {
	for _, s := range []string{"15551234567@s.whatsapp.net", "15551234567:3@s.whatsapp.net", "g.us", "123@lid"} {
		jid, err := ParseJID(s)
		require.NoError(t, err)
		assert.Equal(t, s, jid.String())
	}
}

func TestSignalAddress(t *testing.T) {
	assert.Equal(t, "15551234567.0", NewJID("15551234567", DefaultUserServer).SignalAddress())
	assert.Equal(t, "15551234567.4", NewADJID("15551234567", 4, DefaultUserServer).SignalAddress())
	assert.Equal(t, "99_1.2", NewADJID("99", 2, HiddenUserServer).SignalAddress())
	assert.True(t, NewJID("1", GroupServer).IsGroup())
	assert.Equal(t, NewJID("1", DefaultUserServer), NewADJID("1", 9, DefaultUserServer).ToNonAD())
}
