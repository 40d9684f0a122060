// Package wire holds the small protobuf helpers used to encode handshake
// envelopes, pairing records, end-to-end messages and stored state.
//
// Messages are hand-encoded with protowire rather than generated so that
// the field layout stays next to the code that depends on it.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrInvalidMessage is wrapped by every decode failure.
var ErrInvalidMessage = errors.New("invalid protobuf message")

// Number is a protobuf field number.
type Number = protowire.Number

// Builder appends fields to a message. Zero values are skipped.
type Builder struct {
	b []byte
}

// Bytes returns the encoded message.
func (w *Builder) Bytes() []byte {
	return w.b
}

// AddBytes appends a length-delimited field; nil is skipped.
func (w *Builder) AddBytes(num Number, v []byte) *Builder {
	if v == nil {
		return w
	}
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendBytes(w.b, v)
	return w
}

// AddString appends a string field; "" is skipped.
func (w *Builder) AddString(num Number, v string) *Builder {
	if v == "" {
		return w
	}
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendString(w.b, v)
	return w
}

// AddUint appends a varint field; 0 is skipped.
func (w *Builder) AddUint(num Number, v uint64) *Builder {
	if v == 0 {
		return w
	}
	w.b = protowire.AppendTag(w.b, num, protowire.VarintType)
	w.b = protowire.AppendVarint(w.b, v)
	return w
}

// AddBool appends a bool field; false is skipped.
func (w *Builder) AddBool(num Number, v bool) *Builder {
	if !v {
		return w
	}
	return w.AddUint(num, 1)
}

// AddMessage appends an embedded message built by another Builder.
func (w *Builder) AddMessage(num Number, m *Builder) *Builder {
	if m == nil {
		return w
	}
	return w.AddBytes(num, m.Bytes())
}

// AddPacked appends a packed repeated varint field; an empty slice is
// skipped. Zero elements are kept.
func (w *Builder) AddPacked(num Number, vs []uint64) *Builder {
	if len(vs) == 0 {
		return w
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, v)
	}
	return w.AddBytes(num, packed)
}

// Field is one decoded field. Bytes holds length-delimited values and Uint
// holds varints.
type Field struct {
	Num   Number
	Bytes []byte
	Uint  uint64
	isLen bool
}

// IsBytes reports whether the field was length-delimited.
func (f Field) IsBytes() bool {
	return f.isLen
}

// Walk decodes every top-level field in b and calls fn for each. Unknown
// fixed-width fields are skipped.
func Walk(b []byte, fn func(f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]
		f := Field{Num: num}
		switch typ {
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
			f.isLen = true
		case protowire.VarintType:
			f.Uint, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrInvalidMessage, num, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType && typ != protowire.VarintType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Varints returns the values of a repeated varint field, accepting both
// the packed and the one-value-per-field encoding.
func (f Field) Varints() ([]uint64, error) {
	if !f.isLen {
		return []uint64{f.Uint}, nil
	}
	var out []uint64
	b := f.Bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrInvalidMessage, f.Num, protowire.ParseError(n))
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

// Copy returns a copy of b so decoded messages do not alias the input.
func Copy(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

// Key32 copies a 32-byte field, failing on any other length.
func Key32(f Field) ([32]byte, error) {
	var k [32]byte
	if len(f.Bytes) != 32 {
		return k, fmt.Errorf("%w: field %d: want 32 bytes, got %d", ErrInvalidMessage, f.Num, len(f.Bytes))
	}
	copy(k[:], f.Bytes)
	return k, nil
}
