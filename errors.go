package wacore

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks connection failures below the protocol layer.
	ErrTransport = errors.New("transport error")
	// ErrUnauthorized is wrapped by closes that revoked the device.
	ErrUnauthorized = errors.New("device not authorized")
	// ErrSession wraps failures of the session repository.
	ErrSession = errors.New("session error")
	// ErrQRExhausted closes a registration whose pairing refs all expired.
	ErrQRExhausted = errors.New("pairing refs exhausted")
	// ErrNotConnected is returned by operations that need an open socket.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect on a live client.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNotPaired is returned by operations that need a paired device.
	ErrNotPaired = errors.New("device not paired")
	// ErrAlreadyPaired is returned when requesting a pairing code for a
	// paired device.
	ErrAlreadyPaired = errors.New("device already paired")
	// ErrNoDevices is returned when a recipient has no devices.
	ErrNoDevices = errors.New("recipient has no devices")

	errStopped = &DisconnectError{Code: CodeConnectionClosed, Reason: "disconnect requested", Terminal: true}
)

// Close codes carried by DisconnectError.
const (
	CodeConnectionClosed = 428
	CodeConnectionLost   = 408
	CodeLoggedOut        = 401
	CodeReplaced         = 440
	CodeBadSession       = 500
	CodeRestartRequired  = 515
	CodeUnavailable      = 503
	// CodeProtocolViolation marks a close caused by a frame that broke the
	// transport rules. It mirrors the websocket protocol-error close code.
	CodeProtocolViolation = 1002
)

// unauthorizedCodes are failure reasons that revoke the device.
var unauthorizedCodes = map[int]bool{401: true, 403: true, 419: true, 440: true}

// IsUnauthorizedCode reports whether a failure reason logs the device out.
func IsUnauthorizedCode(code int) bool {
	return unauthorizedCodes[code]
}

// DisconnectError describes why a connection closed. Terminal closes are
// never followed by a reconnect.
type DisconnectError struct {
	Code     int
	Reason   string
	Terminal bool
	Err      error
}

func (e *DisconnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("disconnected (%d %s): %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("disconnected (%d %s)", e.Code, e.Reason)
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}
