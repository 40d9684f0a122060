package transport

import "errors"

var (
	// ErrTransport wraps read and write failures of the underlying stream
	ErrTransport = errors.New("transport error")
	// ErrFrameTooLarge indicates an inbound frame above the configured bound
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrCounterMismatch indicates a frame that did not decrypt under the
	// next expected receive counter
	ErrCounterMismatch = errors.New("frame counter mismatch")
	// ErrCounterExhausted indicates a send or receive counter would wrap
	ErrCounterExhausted = errors.New("frame counter exhausted")
	// ErrSocketClosed is the cause recorded when the socket is closed locally
	ErrSocketClosed = errors.New("socket closed")
)
