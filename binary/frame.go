package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/opd-ai/wacore/limits"
)

// FlagCompressed marks a zlib-compressed node in the frame flag byte.
const FlagCompressed = 2

// Pack encodes a node with an uncompressed flag byte, the form every
// outbound frame takes.
func Pack(n Node) ([]byte, error) {
	payload, err := Marshal(n)
	if err != nil {
		return nil, err
	}
	return append([]byte{0}, payload...), nil
}

// PackCompressed encodes a node and deflates it.
func PackCompressed(n Node) ([]byte, error) {
	payload, err := Marshal(n)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(FlagCompressed)
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("deflate node: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate node: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack strips the flag byte and inflates the payload if needed.
func Unpack(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedNode)
	}
	flags, payload := frame[0], frame[1:]
	if flags&FlagCompressed == 0 {
		return payload, nil
	}

	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib header: %v", ErrMalformedNode, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, limits.MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", ErrMalformedNode, err)
	}
	if len(out) > limits.MaxDecompressedSize {
		return nil, fmt.Errorf("%w: inflated payload exceeds %d bytes", ErrMalformedNode, limits.MaxDecompressedSize)
	}
	return out, nil
}

// UnmarshalFrame unpacks and decodes a decrypted frame.
func UnmarshalFrame(frame []byte) (Node, error) {
	payload, err := Unpack(frame)
	if err != nil {
		return Node{}, err
	}
	return Unmarshal(payload)
}
