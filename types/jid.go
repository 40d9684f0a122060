// Package types contains the address types shared across the client.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Known servers.
const (
	DefaultUserServer = "s.whatsapp.net"
	GroupServer       = "g.us"
	LegacyUserServer  = "c.us"
	BroadcastServer   = "broadcast"
	HiddenUserServer  = "lid"
)

// ErrInvalidJID is returned by ParseJID for malformed addresses.
var ErrInvalidJID = errors.New("invalid jid")

// JID is a user, device, group or server address. A zero Device means the
// primary device; a non-zero Device addresses a companion.
type JID struct {
	User   string
	Device uint16
	Server string
}

// Common server addresses.
var (
	ServerJID    = NewJID("", DefaultUserServer)
	GroupJIDZero = NewJID("", GroupServer)
)

// NewJID creates a non-device JID.
func NewJID(user, server string) JID {
	return JID{User: user, Server: server}
}

// NewADJID creates a device-qualified JID.
func NewADJID(user string, device uint16, server string) JID {
	return JID{User: user, Device: device, Server: server}
}

// ParseJID parses "user@server", "user:device@server" and bare servers.
func ParseJID(s string) (JID, error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		if s == "" {
			return JID{}, fmt.Errorf("%w: empty", ErrInvalidJID)
		}
		return NewJID("", s), nil
	}
	user, server := s[:at], s[at+1:]
	if server == "" {
		return JID{}, fmt.Errorf("%w: %q has no server", ErrInvalidJID, s)
	}
	jid := NewJID(user, server)
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		device, err := strconv.ParseUint(user[colon+1:], 10, 16)
		if err != nil {
			return JID{}, fmt.Errorf("%w: bad device in %q", ErrInvalidJID, s)
		}
		jid.User = user[:colon]
		jid.Device = uint16(device)
	}
	return jid, nil
}

// String renders the JID in the canonical wire form.
func (j JID) String() string {
	switch {
	case j.User == "" && j.Device == 0:
		return j.Server
	case j.Device > 0:
		return fmt.Sprintf("%s:%d@%s", j.User, j.Device, j.Server)
	default:
		return j.User + "@" + j.Server
	}
}

// ToNonAD strips the device part.
func (j JID) ToNonAD() JID {
	return NewJID(j.User, j.Server)
}

// IsEmpty reports whether the JID has no server.
func (j JID) IsEmpty() bool {
	return j.Server == ""
}

// IsGroup reports whether the JID addresses a group chat.
func (j JID) IsGroup() bool {
	return j.Server == GroupServer
}

// SignalAddress is the session key used by the end-to-end layer.
func (j JID) SignalAddress() string {
	user := j.User
	if j.Server == HiddenUserServer {
		user += "_1"
	}
	return fmt.Sprintf("%s.%d", user, j.Device)
}
