// Package noise implements the Noise_XX_25519_AESGCM_SHA256 handshake that
// turns a raw frame stream into an authenticated, encrypted channel to the
// service edge.
//
// The handshake is built on the flynn/noise library. The prologue is the
// connection header ("WA", protocol version, dictionary version) so that a
// tampered header breaks the transcript.
//
// # Message Flow
//
//	Client                                     Server
//	──────                                     ──────
//	-> e                  ClientHello
//	                                           <- e, ee, s, es   ServerHello
//	   [verify certificate chain]
//	-> s, se              ClientFinish
//	[split: send key, receive key, counters = 0]
//
// Each message travels inside a protobuf HandshakeMessage envelope. The
// ClientHello payload carries hello metadata; it is mixed into the
// transcript hash but not encrypted because no key exists yet. The
// ServerHello payload is the server's certificate chain, and the
// ClientFinish payload is the client payload (login or registration).
//
// # Certificate Validation
//
// The ServerHello payload must carry a two-level chain:
//
//	authority key ─signs─> intermediate ─signs─> leaf
//
// where the leaf key equals the server static key learned in message 2.
// Signatures are XEdDSA over Curve25519 keys. Validation happens before
// message 3 is written, so a failure leaves no transport keys behind.
//
// # Example
//
//	res, err := noise.PerformClient(ctx, frames, noise.ClientConfig{
//	    Static:       device.NoiseKey,
//	    Prologue:     header,
//	    Payload:      clientPayload,
//	    AuthorityKey: noise.DefaultAuthorityKey,
//	})
//	if err != nil {
//	    return err // wraps ErrHandshake
//	}
//	send, recv := res.Send, res.Recv
package noise
