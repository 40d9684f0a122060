package pairing

import "errors"

var (
	// ErrInvalidHMAC is returned when the device identity container was not
	// keyed with our adv secret.
	ErrInvalidHMAC = errors.New("device identity hmac mismatch")
	// ErrInvalidAccountSignature is returned when the primary's account
	// signature over the device identity does not verify.
	ErrInvalidAccountSignature = errors.New("invalid account signature")
	// ErrStaleChallenge is returned for pairing code notifications whose ref
	// does not belong to the active challenge.
	ErrStaleChallenge = errors.New("stale pairing challenge")
	// ErrMalformed is returned for pairing payloads of the wrong shape.
	ErrMalformed = errors.New("malformed pairing payload")
	// ErrInvalidPhone is returned for phone numbers that are not digits.
	ErrInvalidPhone = errors.New("invalid phone number")
)
