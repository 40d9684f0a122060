package crypto

import (
	"errors"
	"runtime"
)

var errWipeNil = errors.New("cannot wipe nil buffer")

// SecureWipe zeroes a buffer that held key material, such as a derived
// chain key or an ephemeral DH secret. It fails on nil input so callers
// that expect a buffer notice when there is none.
func SecureWipe(data []byte) error {
	if data == nil {
		return errWipeNil
	}
	clear(data)
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes is SecureWipe for call sites that may hold nil.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair zeroes the private half of an ephemeral key pair.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errWipeNil
	}
	return SecureWipe(kp.Private[:])
}
