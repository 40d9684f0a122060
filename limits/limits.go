package limits

import (
	"errors"
	"fmt"
)

const (
	// FrameLengthSize is the width of the big-endian frame length prefix.
	FrameLengthSize = 3

	// MaxFrameSize is the largest payload the length prefix can describe.
	MaxFrameSize = 1<<(8*FrameLengthSize) - 1

	// DefaultMaxFrameSize bounds inbound frames unless configured otherwise.
	DefaultMaxFrameSize = 512 * 1024

	// MaxDecompressedSize bounds zlib-inflated node payloads.
	MaxDecompressedSize = 8 * 1024 * 1024

	// AEADOverhead is the AES-GCM tag size added to each encrypted frame.
	AEADOverhead = 16
)

var (
	// ErrMessageEmpty indicates an empty outbound frame
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a frame above the applicable bound
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateFrameLength checks a decoded frame length against maxSize, which
// is clamped to MaxFrameSize. It is called before the payload is read.
func ValidateFrameLength(length, maxSize int) error {
	if maxSize <= 0 || maxSize > MaxFrameSize {
		maxSize = MaxFrameSize
	}
	if length > maxSize {
		return fmt.Errorf("%w: frame length %d exceeds limit %d", ErrMessageTooLarge, length, maxSize)
	}
	return nil
}

// ValidateFrameSize validates an outbound frame payload. Empty frames are
// never sent; the edge treats a zero length as a keep-alive.
func ValidateFrameSize(frame []byte, maxSize int) error {
	if len(frame) == 0 {
		return ErrMessageEmpty
	}
	return ValidateFrameLength(len(frame), maxSize)
}
