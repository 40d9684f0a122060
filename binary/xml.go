package binary

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// XMLString renders the node as indented pseudo-XML for trace logging.
// Byte content that is not printable UTF-8 is shown as hex.
func (n Node) XMLString() string {
	var sb strings.Builder
	n.writeXML(&sb, 0)
	return sb.String()
}

func (n Node) writeXML(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	sb.WriteString(indent)
	sb.WriteByte('<')
	sb.WriteString(n.Tag)
	for _, attr := range n.Attrs {
		fmt.Fprintf(sb, " %s=%q", attr.Key, attr.Value)
	}

	switch c := n.Content.(type) {
	case nil:
		sb.WriteString("/>")
	case []byte:
		sb.WriteByte('>')
		sb.WriteString(printable(c))
		fmt.Fprintf(sb, "</%s>", n.Tag)
	default:
		sb.WriteString(">\n")
		for _, child := range n.GetChildren() {
			child.writeXML(sb, depth+1)
			sb.WriteByte('\n')
		}
		fmt.Fprintf(sb, "%s</%s>", indent, n.Tag)
	}
}

func printable(b []byte) string {
	if utf8.Valid(b) {
		s := string(b)
		if !strings.ContainsFunc(s, func(r rune) bool { return r < 0x20 && r != '\n' && r != '\t' }) {
			return s
		}
	}
	return "<!-- " + hex.EncodeToString(b) + " -->"
}
