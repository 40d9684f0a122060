// Package crypto holds the key material and primitives shared by the
// handshake, the end-to-end session layer and pairing.
//
// # Keys
//
// All long-lived keys are Curve25519 key pairs ([KeyPair]). The same pair
// is used for Diffie-Hellman agreement and, through XEdDSA, for signatures:
//
//	kp, _ := crypto.GenerateKeyPair()
//	sig, _ := kp.Sign(msg)
//	ok := crypto.VerifyXEdDSA(kp.Public, msg, sig[:])
//
// Signed prekeys are produced with [NewPreKey] and [PreKey.SignedBy]; the
// signature covers the 33-byte type-prefixed public key.
//
// # Derivation
//
// [HKDF] and [HMACSHA256] are thin wrappers used by the ratchet, pairing
// and the ADV identity checks.
//
// # Storage
//
// [Sealer] encrypts persisted key material with a passphrase-derived
// AES-GCM key. [SecureWipe] and [WipeKeyPair] zero secrets once they are no
// longer needed.
//
// # Time and logging
//
// Expiry checks read the clock through [TimeProvider] so tests can pin it.
// [LoggerHelper] adds package and operation fields to a caller's logrus
// entry; the noise and signal packages log security events through it.
package crypto
