// Package events defines the values a client delivers to registered
// handlers. Every event is a plain struct passed by pointer; handlers
// type-switch on the ones they care about.
package events

import (
	"time"

	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/types"
)

// Event is implemented by every event in this package.
type Event interface {
	EventType() string
}

// Handler receives client events. HandleEvent runs on the connection's
// read loop and must not block for long.
type Handler interface {
	HandleEvent(evt Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(evt Event)

// HandleEvent calls f(evt).
func (f HandlerFunc) HandleEvent(evt Event) { f(evt) }

// State is a connection lifecycle state.
type State int

// Lifecycle states in the order a healthy connection passes through them.
const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateRegistering
	StateAuthenticating
	StateSyncing
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
)

var stateNames = [...]string{
	"idle", "connecting", "handshaking", "registering", "authenticating",
	"syncing", "open", "closing", "closed", "reconnecting",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// StateChange is emitted on every lifecycle transition.
type StateChange struct {
	From, To State
	Reason   string
	Code     int
}

// QR carries the pairing payloads to render, one per ref, in order.
type QR struct {
	Codes []string
}

// PairingCode is emitted when a phone-number pairing code is issued.
type PairingCode struct {
	Phone string
	// Code is in display form, XXXX-XXXX.
	Code string
}

// PairSuccess is emitted once pair-success verified and was persisted.
type PairSuccess struct {
	ID           types.JID
	LID          types.JID
	BusinessName string
	Platform     string
}

// PairError is emitted when pair-success could not be verified.
type PairError struct {
	ID    types.JID
	Error error
}

// QRExhausted is emitted when every pairing ref timed out.
type QRExhausted struct{}

// CredentialsUpdated is emitted after the device record was saved.
type CredentialsUpdated struct{}

// Connected is emitted when the connection reaches open.
type Connected struct{}

// Disconnected is emitted when an open connection closes and the client
// is going to reconnect.
type Disconnected struct {
	Reason string
	Code   int
	// Err wraps the close cause, such as transport.ErrCounterMismatch.
	Err error
}

// LoggedOut is emitted when the server revoked the device. The device has
// been deleted from the store.
type LoggedOut struct {
	OnConnect bool
	Reason    string
	Code      int
}

// StreamReplaced is emitted when another connection took over the
// session. The client does not reconnect.
type StreamReplaced struct{}

// ConnectFailure is emitted when connecting failed. Fatal is set when the
// client gave up.
type ConnectFailure struct {
	Reason string
	Code   int
	Fatal  bool
	Err    error
}

// StreamError is emitted for stream:error stanzas not handled otherwise.
type StreamError struct {
	Code string
	Raw  binary.Node
}

// KeepAliveTimeout is emitted when a keep-alive ping went unanswered.
type KeepAliveTimeout struct {
	ErrorCount  int
	LastSuccess time.Time
}

// KeepAliveRestored is emitted when a ping succeeds after timeouts.
type KeepAliveRestored struct{}

// MessageInfo describes an inbound message stanza.
type MessageInfo struct {
	ID        string
	Chat      types.JID
	Sender    types.JID
	IsFromMe  bool
	IsGroup   bool
	Type      string
	PushName  string
	Timestamp time.Time
}

// Message is a decrypted inbound message.
type Message struct {
	Info      MessageInfo
	Plaintext []byte
	// RetryCount is non-zero when decryption needed retry receipts.
	RetryCount int
}

// UndecryptableMessage is emitted when a message could not be decrypted.
// A retry receipt was sent unless Permanent is set.
type UndecryptableMessage struct {
	Info       MessageInfo
	RetryCount int
	Permanent  bool
	Err        error
}

// ReceiptType is the type attribute of a receipt.
type ReceiptType string

// Receipt types the client distinguishes.
const (
	ReceiptDelivered ReceiptType = ""
	ReceiptRead      ReceiptType = "read"
	ReceiptPlayed    ReceiptType = "played"
	ReceiptRetry     ReceiptType = "retry"
	ReceiptSender    ReceiptType = "sender"
)

// Receipt reports delivery state of sent messages.
type Receipt struct {
	Chat       types.JID
	Sender     types.JID
	MessageIDs []string
	Type       ReceiptType
	Timestamp  time.Time
}

// CallOffer is emitted for an incoming call.
type CallOffer struct {
	CallID    string
	From      types.JID
	Timestamp time.Time
	IsVideo   bool
}

// CallTerminate is emitted when a call ends.
type CallTerminate struct {
	CallID    string
	From      types.JID
	Reason    string
	Timestamp time.Time
	// Offer is the matching offer if it was still cached.
	Offer *CallOffer
}

// Presence reports a contact's availability.
type Presence struct {
	From        types.JID
	Unavailable bool
	LastSeen    time.Time
}

// ChatPresence reports typing state in a chat.
type ChatPresence struct {
	Chat   types.JID
	Sender types.JID
	State  string
	Media  string
}

// OfflineSyncPreview announces how many offline stanzas will follow.
type OfflineSyncPreview struct {
	Total int
}

// OfflineSyncCompleted is emitted when the offline backlog was delivered.
type OfflineSyncCompleted struct {
	Count int
}

// PreKeysUploaded is emitted after a prekey replenishment.
type PreKeysUploaded struct {
	Count int
}

// DevicesChanged is emitted when a contact's device list changed.
type DevicesChanged struct {
	User types.JID
}

func (*StateChange) EventType() string          { return "state_change" }
func (*QR) EventType() string                   { return "qr" }
func (*PairingCode) EventType() string          { return "pairing_code" }
func (*PairSuccess) EventType() string          { return "pair_success" }
func (*PairError) EventType() string            { return "pair_error" }
func (*QRExhausted) EventType() string          { return "qr_exhausted" }
func (*CredentialsUpdated) EventType() string   { return "creds_update" }
func (*Connected) EventType() string            { return "connected" }
func (*Disconnected) EventType() string         { return "disconnected" }
func (*LoggedOut) EventType() string            { return "logged_out" }
func (*StreamReplaced) EventType() string       { return "stream_replaced" }
func (*ConnectFailure) EventType() string       { return "connect_failure" }
func (*StreamError) EventType() string          { return "stream_error" }
func (*KeepAliveTimeout) EventType() string     { return "keepalive_timeout" }
func (*KeepAliveRestored) EventType() string    { return "keepalive_restored" }
func (*Message) EventType() string              { return "message" }
func (*UndecryptableMessage) EventType() string { return "undecryptable_message" }
func (*Receipt) EventType() string              { return "receipt" }
func (*CallOffer) EventType() string            { return "call_offer" }
func (*CallTerminate) EventType() string        { return "call_terminate" }
func (*Presence) EventType() string             { return "presence" }
func (*ChatPresence) EventType() string         { return "chat_presence" }
func (*OfflineSyncPreview) EventType() string   { return "offline_sync_preview" }
func (*OfflineSyncCompleted) EventType() string { return "offline_sync_completed" }
func (*PreKeysUploaded) EventType() string      { return "prekeys_uploaded" }
func (*DevicesChanged) EventType() string       { return "devices_changed" }
