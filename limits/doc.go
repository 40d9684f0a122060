// Package limits provides centralized size limits for frames, nodes and
// decompressed payloads. Every component that reads untrusted bytes from
// the edge validates against these values before allocating.
//
// # Size Hierarchy
//
//   - MaxFrameSize (16 MiB minus one): the largest length the 3-byte frame
//     prefix can express. Inbound frames above the configured bound are a
//     fatal transport error.
//
//   - DefaultMaxFrameSize (512 KiB): the bound applied when the client is
//     not configured otherwise.
//
//   - MaxDecompressedSize (8 MiB): the ceiling for zlib-inflated node
//     payloads, which prevents decompression bombs.
//
//   - AEADOverhead (16 bytes): the AES-GCM tag appended to every
//     post-handshake frame. The noise socket checks plaintext plus overhead
//     before it spends a send counter.
//
// # Validation Functions
//
//	if err := limits.ValidateFrameSize(frame, limits.MaxFrameSize); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// Inbound lengths are checked with ValidateFrameLength before the body is
// read.
package limits
