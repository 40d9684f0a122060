package noise

import (
	"fmt"

	"github.com/opd-ai/wacore/wire"
)

// Envelope field numbers.
const (
	fieldClientHello  wire.Number = 2
	fieldServerHello  wire.Number = 3
	fieldClientFinish wire.Number = 4

	fieldEphemeral wire.Number = 1
	fieldStatic    wire.Number = 2
	fieldPayload   wire.Number = 3
)

// keyLen and tagLen size the pieces of a raw Noise message.
const (
	keyLen = 32
	tagLen = 16
)

// HelloFields is the body shared by the three handshake messages.
type HelloFields struct {
	Ephemeral []byte
	Static    []byte
	Payload   []byte
}

// HandshakeMessage is the protobuf envelope around one Noise message.
// Exactly one field is set.
type HandshakeMessage struct {
	ClientHello  *HelloFields
	ServerHello  *HelloFields
	ClientFinish *HelloFields
}

// Marshal encodes the envelope.
func (m *HandshakeMessage) Marshal() []byte {
	w := &wire.Builder{}
	w.AddMessage(fieldClientHello, m.ClientHello.builder())
	w.AddMessage(fieldServerHello, m.ServerHello.builder())
	w.AddMessage(fieldClientFinish, m.ClientFinish.builder())
	return w.Bytes()
}

func (h *HelloFields) builder() *wire.Builder {
	if h == nil {
		return nil
	}
	return (&wire.Builder{}).
		AddBytes(fieldEphemeral, h.Ephemeral).
		AddBytes(fieldStatic, h.Static).
		AddBytes(fieldPayload, h.Payload)
}

// UnmarshalHandshakeMessage decodes an envelope.
func UnmarshalHandshakeMessage(b []byte) (*HandshakeMessage, error) {
	m := &HandshakeMessage{}
	err := wire.Walk(b, func(f wire.Field) error {
		if !f.IsBytes() {
			return nil
		}
		fields, err := unmarshalHelloFields(f.Bytes)
		if err != nil {
			return err
		}
		switch f.Num {
		case fieldClientHello:
			m.ClientHello = fields
		case fieldServerHello:
			m.ServerHello = fields
		case fieldClientFinish:
			m.ClientFinish = fields
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return m, nil
}

func unmarshalHelloFields(b []byte) (*HelloFields, error) {
	h := &HelloFields{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case fieldEphemeral:
			h.Ephemeral = f.Bytes
		case fieldStatic:
			h.Static = f.Bytes
		case fieldPayload:
			h.Payload = f.Bytes
		}
		return nil
	})
	return h, err
}

// wrap splits a raw Noise message into envelope fields. Message 1 is
// e||payload, message 2 is e||enc(s)||enc(payload), message 3 is
// enc(s)||enc(payload).
func wrap(step int, raw []byte) (*HandshakeMessage, error) {
	switch step {
	case 1:
		if len(raw) < keyLen {
			return nil, ErrInvalidMessage
		}
		return &HandshakeMessage{ClientHello: &HelloFields{Ephemeral: raw[:keyLen], Payload: raw[keyLen:]}}, nil
	case 2:
		if len(raw) < 2*keyLen+tagLen {
			return nil, ErrInvalidMessage
		}
		return &HandshakeMessage{ServerHello: &HelloFields{
			Ephemeral: raw[:keyLen],
			Static:    raw[keyLen : 2*keyLen+tagLen],
			Payload:   raw[2*keyLen+tagLen:],
		}}, nil
	case 3:
		if len(raw) < keyLen+tagLen {
			return nil, ErrInvalidMessage
		}
		return &HandshakeMessage{ClientFinish: &HelloFields{Static: raw[:keyLen+tagLen], Payload: raw[keyLen+tagLen:]}}, nil
	}
	return nil, fmt.Errorf("unknown handshake step %d", step)
}

// unwrap reassembles the raw Noise message for the expected step.
func unwrap(step int, m *HandshakeMessage) ([]byte, error) {
	var h *HelloFields
	switch step {
	case 1:
		h = m.ClientHello
	case 2:
		h = m.ServerHello
	case 3:
		h = m.ClientFinish
	}
	if h == nil {
		return nil, fmt.Errorf("%w: missing message %d", ErrInvalidMessage, step)
	}
	raw := make([]byte, 0, len(h.Ephemeral)+len(h.Static)+len(h.Payload))
	raw = append(raw, h.Ephemeral...)
	raw = append(raw, h.Static...)
	raw = append(raw, h.Payload...)
	return raw, nil
}
