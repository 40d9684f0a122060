package binary

import (
	"fmt"
	"strconv"

	"github.com/opd-ai/wacore/binary/token"
)

// Unmarshal decodes exactly one node from data. Trailing bytes are an
// error.
func Unmarshal(data []byte) (Node, error) {
	d := &decoder{data: data}
	n, err := d.readNode()
	if err != nil {
		return Node{}, err
	}
	if d.index != len(d.data) {
		return Node{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedNode, len(d.data)-d.index)
	}
	return n, nil
}

type decoder struct {
	data  []byte
	index int
}

func (d *decoder) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrMalformedNode, d.index, fmt.Sprintf(format, args...))
}

func (d *decoder) readByte() (byte, error) {
	if d.index >= len(d.data) {
		return 0, d.errorf("unexpected end of data")
	}
	b := d.data[d.index]
	d.index++
	return b, nil
}

func (d *decoder) read(n int) ([]byte, error) {
	if n < 0 || len(d.data)-d.index < n {
		return nil, d.errorf("need %d bytes, have %d", n, len(d.data)-d.index)
	}
	out := d.data[d.index : d.index+n]
	d.index += n
	return out, nil
}

func (d *decoder) readInt(n int) (int, error) {
	b, err := d.read(n)
	if err != nil {
		return 0, err
	}
	v := 0
	for _, x := range b {
		v = v<<8 | int(x)
	}
	return v, nil
}

func (d *decoder) readListSize(tag byte) (int, error) {
	switch tag {
	case ListEmpty:
		return 0, nil
	case List8:
		return d.readInt(1)
	case List16:
		return d.readInt(2)
	default:
		return 0, d.errorf("expected list tag, got %d", tag)
	}
}

func (d *decoder) readNode() (Node, error) {
	tag, err := d.readByte()
	if err != nil {
		return Node{}, err
	}
	size, err := d.readListSize(tag)
	if err != nil {
		return Node{}, err
	}
	if size == 0 {
		return Node{}, d.errorf("empty node")
	}

	var n Node
	if n.Tag, err = d.readStringTag(); err != nil {
		return Node{}, err
	}
	if n.Tag == "" {
		return Node{}, d.errorf("empty tag")
	}

	attrCount := (size - 1) / 2
	if attrCount > 0 {
		n.Attrs = make(Attrs, 0, attrCount)
	}
	for i := 0; i < attrCount; i++ {
		key, err := d.readStringTag()
		if err != nil {
			return Node{}, err
		}
		value, err := d.readStringTag()
		if err != nil {
			return Node{}, err
		}
		n.Attrs = append(n.Attrs, Attr{Key: key, Value: value})
	}

	if size%2 == 1 {
		return n, nil
	}
	if n.Content, err = d.readContent(); err != nil {
		return Node{}, err
	}
	return n, nil
}

func (d *decoder) readContent() (any, error) {
	if d.index >= len(d.data) {
		return nil, d.errorf("missing content")
	}
	tag := d.data[d.index]
	switch tag {
	case ListEmpty:
		d.index++
		return []Node{}, nil
	case List8, List16:
		header := 2
		if tag == List16 {
			header = 3
		}
		if d.index+header >= len(d.data) {
			return nil, d.errorf("truncated list")
		}
		next := d.data[d.index+header]
		if next != List8 && next != List16 {
			return d.readNode()
		}
		d.index++
		size, err := d.readListSize(tag)
		if err != nil {
			return nil, err
		}
		if size*2 > len(d.data)-d.index {
			return nil, d.errorf("list of %d children exceeds remaining data", size)
		}
		children := make([]Node, size)
		for i := range children {
			if children[i], err = d.readNode(); err != nil {
				return nil, err
			}
		}
		return children, nil
	case Binary8, Binary20, Binary32:
		d.index++
		b, err := d.readBytes(tag)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	default:
		s, err := d.readStringTag()
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
}

func (d *decoder) readBytes(tag byte) ([]byte, error) {
	var length int
	var err error
	switch tag {
	case Binary8:
		length, err = d.readInt(1)
	case Binary20:
		length, err = d.readInt(3)
		length &= 0x0FFFFF
	case Binary32:
		length, err = d.readInt(4)
	}
	if err != nil {
		return nil, err
	}
	return d.read(length)
}

func (d *decoder) readStringTag() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	return d.readString(tag)
}

func (d *decoder) readString(tag byte) (string, error) {
	switch {
	case tag == ListEmpty:
		return "", nil
	case tag > 0 && tag < Dictionary0:
		tok, ok := token.GetSingleToken(tag)
		if !ok {
			return "", d.errorf("invalid token %d", tag)
		}
		return tok, nil
	case tag >= Dictionary0 && tag <= Dictionary3:
		i, err := d.readByte()
		if err != nil {
			return "", err
		}
		tok, ok := token.GetDoubleToken(tag-Dictionary0, i)
		if !ok {
			return "", d.errorf("invalid double-byte token %d/%d", tag-Dictionary0, i)
		}
		return tok, nil
	}

	switch tag {
	case Binary8, Binary20, Binary32:
		b, err := d.readBytes(tag)
		return string(b), err
	case JIDPair:
		user, err := d.readStringTag()
		if err != nil {
			return "", err
		}
		server, err := d.readStringTag()
		if err != nil {
			return "", err
		}
		return user + "@" + server, nil
	case ADJID:
		hdr, err := d.read(2)
		if err != nil {
			return "", err
		}
		agent, device := hdr[0], hdr[1]
		if int(agent) >= len(adServers) {
			return "", d.errorf("unknown jid agent %d", agent)
		}
		user, err := d.readStringTag()
		if err != nil {
			return "", err
		}
		return user + ":" + strconv.Itoa(int(device)) + "@" + adServers[agent], nil
	case FBJID:
		user, err := d.readStringTag()
		if err != nil {
			return "", err
		}
		device, err := d.readInt(2)
		if err != nil {
			return "", err
		}
		server, err := d.readStringTag()
		if err != nil {
			return "", err
		}
		return user + ":" + strconv.Itoa(device) + "@" + server, nil
	case InteropJID:
		user, err := d.readStringTag()
		if err != nil {
			return "", err
		}
		device, err := d.readInt(2)
		if err != nil {
			return "", err
		}
		if _, err = d.readInt(2); err != nil {
			return "", err
		}
		server, err := d.readStringTag()
		if err != nil {
			return "", err
		}
		return user + ":" + strconv.Itoa(device) + "@" + server, nil
	case Nibble8:
		return d.readPacked(unpackNibble)
	case Hex8:
		return d.readPacked(unpackHex)
	default:
		return "", d.errorf("invalid string tag %d", tag)
	}
}

func (d *decoder) readPacked(unpack func(byte) (byte, bool)) (string, error) {
	start, err := d.readByte()
	if err != nil {
		return "", err
	}
	packed, err := d.read(int(start & 0x7F))
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, len(packed)*2)
	for i, b := range packed {
		hi, ok := unpack(b >> 4)
		if !ok {
			return "", d.errorf("invalid packed value %#x", b>>4)
		}
		out = append(out, hi)
		last := i == len(packed)-1
		if last && start&0x80 != 0 {
			if b&0x0F != 0x0F {
				return "", d.errorf("bad padding nibble %#x", b&0x0F)
			}
			break
		}
		lo, ok := unpack(b & 0x0F)
		if !ok {
			return "", d.errorf("invalid packed value %#x", b&0x0F)
		}
		out = append(out, lo)
	}
	return string(out), nil
}

func unpackNibble(v byte) (byte, bool) {
	switch {
	case v < 10:
		return '0' + v, true
	case v == 10:
		return '-', true
	case v == 11:
		return '.', true
	default:
		return 0, false
	}
}

func unpackHex(v byte) (byte, bool) {
	if v < 10 {
		return '0' + v, true
	}
	if v < 16 {
		return 'A' + v - 10, true
	}
	return 0, false
}
