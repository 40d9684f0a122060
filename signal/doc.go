// Package signal implements the end-to-end session layer behind
// store.SessionRepository.
//
// Pairwise sessions start with X3DH against a peer's prekey bundle and then
// run a Double Ratchet. The first messages of a session travel as "pkmsg"
// (a PreKeySignalMessage carrying the X3DH parameters) until the peer
// answers; after that they are plain "msg" ratchet messages. Message keys
// for out-of-order delivery are kept up to a fixed bound.
//
// Groups use sender keys: each member publishes a chain key and a signing
// key through a distribution message, and group messages ("skmsg") are
// encrypted once with the sender's chain and signed with XEdDSA.
//
// Session state is serialized with the wire package and stored as opaque
// blobs; decryption works on a fresh copy and state is written back only
// after a message authenticates.
package signal
