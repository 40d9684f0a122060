// Package binary implements the compact binary node format spoken over the
// encrypted channel.
//
// A Node is a tag, an ordered list of string attributes and optional
// content. Content is either raw bytes, a single child node or a list of
// child nodes.
//
// # Wire Format
//
// Every node is written as a list whose size is
//
//	1 + 2*len(attrs) + (1 if content is present)
//
// followed by the tag string, the key/value pairs and the content. An odd
// size therefore means "no content".
//
// Strings take the shortest of several forms:
//
//   - a single-byte token index (see package token)
//   - a dictionary tag (236..239) plus an index
//   - nibble packing for digits, '-' and '.'
//   - hex packing for 0-9 and A-F
//   - a JID pair for "user@server" or an AD_JID for
//     "user:device@s.whatsapp.net" and "user:device@lid"
//   - raw bytes with a 1, 3 or 4 byte length
//
// Byte content is always written as raw bytes so a decode never turns it
// into a string. A child list starts with LIST_8/LIST_16 whose first
// element is itself a list header; a single child starts with its own list
// header whose first element is the tag string. The decoder tells the two
// apart by peeking at that element.
//
// # Frames
//
// After the handshake every frame carries a flag byte before the node.
// Bit 2 marks a zlib-compressed node; see Unpack.
package binary
