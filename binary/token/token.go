// Package token holds the versioned string dictionaries shared with the
// server. Strings found here are encoded as one or two byte references
// instead of raw bytes.
//
// The tables mirror a snapshot of the server dictionary at DictVersion.
// Both peers must agree on the exact table, so a version bump means
// replacing these slices wholesale.
package token

// DictVersion is advertised in the connection header and the prologue.
const DictVersion = 4

// SingleByteTokens are encoded as their index. Index 0 is reserved.
var SingleByteTokens = [...]string{
	"",
	"xmlstreamstart", "xmlstreamend", "s.whatsapp.net", "type", "participant",
	"from", "receipt", "id", "notification", "disappearing_mode", "status",
	"jid", "broadcast", "user", "devices", "device_hash", "to", "offline",
	"message", "result", "class", "xmlns", "duration", "notify", "iq", "t",
	"ack", "g.us", "enc", "urn:xmpp:whatsapp:push", "presence", "config_value",
	"picture", "verified_name", "config_code", "key-index-list", "contact",
	"mediatype", "routing_info", "edge_routing", "get", "read", "urn:xmpp:ping",
	"fallback_hostname", "0", "chatstate", "business_hours_config",
	"unavailable", "download_buckets", "skmsg", "verified_level", "composing",
	"handshake", "device-list", "media", "text", "fallback_ip4", "media_conn",
	"device", "creation", "location", "config", "item", "fallback_ip6", "count",
	"w:profile:picture", "image", "business", "2", "hostname", "call-creator",
	"display_name", "relaylatency", "platform", "abprops", "success", "msg",
	"offline_preview", "prop", "key-index", "v", "day_of_week", "pkmsg",
	"version", "1", "ping", "w:p", "download", "video", "set", "specific_hours",
	"props", "primary", "unknown", "hash", "commerce_experience", "last",
	"subscribe", "max_buckets", "call", "profile", "member_since_text",
	"close_time", "call-id", "sticker", "mode", "participants", "value",
	"query", "profile_options", "open_time", "code", "list", "host", "ts",
	"contacts", "upload", "lid", "preview", "update", "usync", "w:stats",
	"delivery", "auth_ttl", "context", "fail", "cart_enabled", "appdata",
	"category", "atn", "direct_connection", "decrypt-fail", "relay_id",
	"mmg-fallback.whatsapp.net", "target", "available", "name", "last_id",
	"mmg.whatsapp.net", "categories", "401", "is_new", "index", "tctoken",
	"ip4", "token_id", "latency", "recipient", "edit", "ip6", "add",
	"thumbnail-document", "26", "paused", "true", "identity", "stream:error",
	"key", "sidelist", "background", "audio", "3", "thumbnail-image",
	"biz-cover-photo", "cat", "gcm", "thumbnail-video", "error", "auth", "deny",
	"serial", "in", "registration", "thumbnail-link", "remove", "00", "gif",
	"thumbnail-gif", "tag", "capability", "multicast", "item-not-found",
	"description", "business_hours", "config_expo_key", "md-app-state",
	"expiration", "fallback", "ttl", "300", "md-msg-hist", "device_orientation",
	"out", "w:m", "open_24h", "side_list", "token", "inactive", "01",
	"document", "te2", "played", "encrypt", "msgr", "hide", "direct_path", "12",
	"state", "not-authorized", "url", "terminate", "signature",
	"status-revoke-delay", "02", "te", "linked_accounts", "trusted_contact",
	"timezone", "ptt", "kyc-id", "privacy_token", "readreceipts",
	"appointment_only", "address", "expected_ts", "privacy", "7", "android",
	"interactive", "device-identity", "enabled", "attribute_padding", "1080",
	"03", "screen_height",
}

// DoubleByteTokens are encoded as a dictionary tag followed by an index.
var DoubleByteTokens = [...][]string{
	{
		"md", "pair-device", "pair-success", "pair-device-sign", "ref",
		"link_code_companion_reg", "companion_hello", "companion_finish",
		"primary_hello", "link_code_pairing_ref",
		"link_code_pairing_wrapped_companion_ephemeral_pub",
		"link_code_pairing_wrapped_primary_ephemeral_pub",
		"link_code_pairing_wrapped_key_bundle", "companion_server_auth_key_pub",
		"companion_identity_public", "primary_identity_pub",
		"companion_platform_id", "companion_platform_display",
		"link_code_pairing_nonce", "should_show_push_notification", "stage",
		"passive", "active", "ib", "dirty", "offline_batch", "edge_routing_info",
		"biz", "skey", "keys", "conflict", "replaced", "device_removed", "failure",
		"reason", "515", "503", "500", "440", "419", "403", "404", "406", "409",
		"429", "retry", "offer", "accept", "reject", "relay", "preaccept",
		"transport", "timeout", "w:push", "w:sync:app:state", "w:g2", "groups",
		"group", "creator", "subject", "participant_pn", "addressing_mode", "pn",
		"sid", "ios", "web", "desktop", "companion", "sender_lid", "phash",
		"count_limit", "has_more_messages", "server_error", "bad-request",
		"forbidden", "internal-server-error", "service-unavailable",
		"rate-overlimit",
	},
	{
		"urn:xmpp:whatsapp:dirty", "urn:xmpp:whatsapp:account", "w:web", "w:biz",
		"w:gp2", "w:mex", "w:sync:app:state:v2", "privacy_mode_ts",
		"verified_name_cert", "notice", "unified_session", "first_login",
		"connect_type", "connect_reason", "username", "pull", "props_hash",
		"ab_key", "dialog", "call_creator", "group_jid", "joinable", "video_call",
		"audio_call", "enc_rekey", "enc_v", "decline", "latency_ms", "te2_ip",
		"rte", "voip_settings",
	},
	{},
	{},
}

var (
	singleByteIndex map[string]byte
	doubleByteIndex map[string]doubleByteRef
)

type doubleByteRef struct {
	dict  byte
	index byte
}

func init() {
	singleByteIndex = make(map[string]byte, len(SingleByteTokens))
	for i, tok := range SingleByteTokens {
		if i > 0 {
			singleByteIndex[tok] = byte(i)
		}
	}
	doubleByteIndex = make(map[string]doubleByteRef)
	for d, dict := range DoubleByteTokens {
		for i, tok := range dict {
			doubleByteIndex[tok] = doubleByteRef{dict: byte(d), index: byte(i)}
		}
	}
}

// IndexOfSingleToken returns the single-byte index of tok.
func IndexOfSingleToken(tok string) (byte, bool) {
	i, ok := singleByteIndex[tok]
	return i, ok
}

// IndexOfDoubleByteToken returns the dictionary and index of tok.
func IndexOfDoubleByteToken(tok string) (dict, index byte, ok bool) {
	ref, ok := doubleByteIndex[tok]
	return ref.dict, ref.index, ok
}

// GetSingleToken resolves a single-byte index.
func GetSingleToken(i byte) (string, bool) {
	if i == 0 || int(i) >= len(SingleByteTokens) {
		return "", false
	}
	return SingleByteTokens[i], true
}

// GetDoubleToken resolves a double-byte reference.
func GetDoubleToken(dict, index byte) (string, bool) {
	if int(dict) >= len(DoubleByteTokens) || int(index) >= len(DoubleByteTokens[dict]) {
		return "", false
	}
	return DoubleByteTokens[dict][index], true
}
