package binary

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/wacore/binary/token"
)

// Wire tags.
const (
	ListEmpty   = 0
	Dictionary0 = 236
	Dictionary1 = 237
	Dictionary2 = 238
	Dictionary3 = 239
	InteropJID  = 245
	FBJID       = 246
	ADJID       = 247
	List8       = 248
	List16      = 249
	JIDPair     = 250
	Hex8        = 251
	Binary8     = 252
	Binary20    = 253
	Binary32    = 254
	Nibble8     = 255

	PackedMax = 127
)

// Marshal encodes a node.
func Marshal(n Node) ([]byte, error) {
	e := &encoder{data: make([]byte, 0, 64)}
	if err := e.writeNode(n); err != nil {
		return nil, err
	}
	return e.data, nil
}

type encoder struct {
	data []byte
}

func (e *encoder) writeNode(n Node) error {
	if n.Tag == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidNode)
	}
	size := 1 + 2*len(n.Attrs)
	if n.Content != nil {
		size++
	}
	if err := e.writeListStart(size); err != nil {
		return err
	}
	e.writeString(n.Tag)
	for _, attr := range n.Attrs {
		e.writeString(attr.Key)
		e.writeString(attr.Value)
	}
	if n.Content == nil {
		return nil
	}

	switch c := n.Content.(type) {
	case []byte:
		e.writeBytes(c)
	case Node:
		return e.writeNode(c)
	case []Node:
		if err := e.writeListStart(len(c)); err != nil {
			return err
		}
		for _, child := range c {
			if err := e.writeNode(child); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unsupported content type %T in <%s>", ErrInvalidNode, n.Content, n.Tag)
	}
	return nil
}

func (e *encoder) writeListStart(size int) error {
	switch {
	case size == 0:
		e.data = append(e.data, ListEmpty)
	case size < 256:
		e.data = append(e.data, List8, byte(size))
	case size < 65536:
		e.data = append(e.data, List16, byte(size>>8), byte(size))
	default:
		return fmt.Errorf("%w: list of %d elements", ErrInvalidNode, size)
	}
	return nil
}

func (e *encoder) writeString(s string) {
	if s == "" {
		e.data = append(e.data, ListEmpty)
		return
	}
	if i, ok := token.IndexOfSingleToken(s); ok {
		e.data = append(e.data, i)
		return
	}
	if dict, i, ok := token.IndexOfDoubleByteToken(s); ok {
		e.data = append(e.data, Dictionary0+dict, i)
		return
	}
	if validNibble(s) {
		e.writePacked(s, Nibble8, packNibble)
		return
	}
	if validHex(s) {
		e.writePacked(s, Hex8, packHex)
		return
	}
	if user, device, agent, ok := splitADJID(s); ok {
		e.data = append(e.data, ADJID, agent, device)
		e.writeString(user)
		return
	}
	if at := strings.IndexByte(s, '@'); at >= 0 && strings.Count(s, "@") == 1 {
		e.data = append(e.data, JIDPair)
		e.writeString(s[:at])
		e.writeString(s[at+1:])
		return
	}
	e.writeBytes([]byte(s))
}

func (e *encoder) writeBytes(b []byte) {
	n := len(b)
	switch {
	case n < 256:
		e.data = append(e.data, Binary8, byte(n))
	case n < 1<<20:
		e.data = append(e.data, Binary20, byte(n>>16)&0x0F, byte(n>>8), byte(n))
	default:
		e.data = append(e.data, Binary32, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	e.data = append(e.data, b...)
}

func (e *encoder) writePacked(s string, tag byte, pack func(byte) byte) {
	rounded := byte((len(s) + 1) / 2)
	if len(s)%2 != 0 {
		rounded |= 0x80
	}
	e.data = append(e.data, tag, rounded)
	for i := 0; i+1 < len(s); i += 2 {
		e.data = append(e.data, pack(s[i])<<4|pack(s[i+1]))
	}
	if len(s)%2 != 0 {
		e.data = append(e.data, pack(s[len(s)-1])<<4|0x0F)
	}
}

func validNibble(s string) bool {
	if len(s) > PackedMax {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && c != '-' && c != '.' {
			return false
		}
	}
	return true
}

func validHex(s string) bool {
	if len(s) > PackedMax {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func packNibble(c byte) byte {
	switch c {
	case '-':
		return 10
	case '.':
		return 11
	default:
		return c - '0'
	}
}

func packHex(c byte) byte {
	if c >= 'A' {
		return c - 'A' + 10
	}
	return c - '0'
}

var adServers = [...]string{"s.whatsapp.net", "lid"}

// splitADJID recognises the canonical "user:device@server" form that
// survives an AD_JID round trip byte for byte.
func splitADJID(s string) (user string, device, agent byte, ok bool) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return "", 0, 0, false
	}
	local, server := s[:at], s[at+1:]
	agent = 0xFF
	for i, srv := range adServers {
		if server == srv {
			agent = byte(i)
		}
	}
	if agent == 0xFF {
		return "", 0, 0, false
	}
	colon := strings.IndexByte(local, ':')
	if colon <= 0 {
		return "", 0, 0, false
	}
	user, devStr := local[:colon], local[colon+1:]
	if strings.ContainsAny(user, ":@") {
		return "", 0, 0, false
	}
	d, err := strconv.Atoi(devStr)
	if err != nil || d < 1 || d > 255 || strconv.Itoa(d) != devStr {
		return "", 0, 0, false
	}
	return user, byte(d), agent, true
}
