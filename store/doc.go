// Package store defines the persisted state of a linked device and the
// interfaces the client reads and writes it through.
//
// A Device is created once, before the first pairing, and holds the noise
// static key, the identity key, the signed prekey and the ADV secret. The
// JID stays nil until pairing succeeds. One-time prekeys, end-to-end
// sessions, sender keys and peer identities are stored separately as opaque
// blobs; only the signal package interprets them.
//
// Three backends implement Backend: memstore for tests and ephemeral use,
// sqlstore on SQLite and redisstore on Redis. All of them consume one-time
// prekeys atomically.
package store
