// Package pairing builds and verifies the artifacts exchanged when a new
// companion device is linked to an account.
//
// Two flows exist. In the QR flow the server hands out pairing refs and the
// client renders each as a QR payload for the primary device to scan:
//
//	ref,base64(noise public key),base64(identity public key),base64(adv secret)
//
// In the phone-number flow the client shows an eight character code. The
// code derives an AES-CTR key that wraps each side's ephemeral public key,
// and the resulting X25519 agreement protects the companion's key bundle.
// A Challenge tracks one such exchange; requesting a new code replaces it.
//
// Both flows end with pair-success, which carries the account-signed device
// identity. VerifyDeviceIdentity checks the HMAC keyed by the adv secret and
// the account signature, then countersigns it with the device identity key.
package pairing
