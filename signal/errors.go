package signal

import "errors"

var (
	// ErrNoSession is returned when encrypting to a peer without a session
	ErrNoSession = errors.New("no session")
	// ErrInvalidMessage wraps every decode and authentication failure
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidSignature indicates a bundle or sender key signature that
	// does not verify
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrInvalidPreKey indicates a pkmsg naming a prekey we no longer hold
	ErrInvalidPreKey = errors.New("invalid prekey id")
	// ErrUntrustedIdentity indicates a peer identity key that changed while
	// strict identity checking is on
	ErrUntrustedIdentity = errors.New("untrusted identity")
	// ErrDuplicateMessage indicates a message whose key was already used
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrTooManySkipped indicates a counter too far ahead of the chain
	ErrTooManySkipped = errors.New("too many skipped messages")
	// ErrNoSenderKey is returned for group messages from an unknown sender
	ErrNoSenderKey = errors.New("no sender key")
)
