// Package transport carries frames between the client and the edge.
//
// A FrameSocket turns any duplex byte stream into discrete frames with a
// 3-byte big-endian length prefix. The connection header is written once,
// in front of the first frame. Reads buffer partial data until a whole
// frame is available and reject frames above the configured bound.
//
// After the handshake a NoiseSocket wraps the FrameSocket and encrypts each
// frame with AES-GCM. Each direction has its own counter that starts at
// zero and is never reset; the nonce is derived from it. A frame that does
// not authenticate under the next expected counter is fatal and closes the
// socket without delivering anything further.
//
// The underlying stream is usually a WebSocket (see DialWebSocket) but any
// net.Conn works, which is how the tests drive the stack.
package transport
