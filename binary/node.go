package binary

import (
	"errors"
)

// ErrMalformedNode is wrapped by every decode failure.
var ErrMalformedNode = errors.New("malformed node")

// ErrInvalidNode is returned by Marshal for nodes that cannot be encoded.
var ErrInvalidNode = errors.New("invalid node")

// Attr is a single key/value attribute.
type Attr struct {
	Key   string
	Value string
}

// Attrs is an ordered attribute list. Order is preserved on the wire.
type Attrs []Attr

// Get returns the value for key.
func (a Attrs) Get(key string) (string, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// Set replaces the value for key or appends it.
func (a *Attrs) Set(key, value string) {
	for i := range *a {
		if (*a)[i].Key == key {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Attr{Key: key, Value: value})
}

// Node is a single element of the binary format.
//
// Content is nil, []byte, Node or []Node.
type Node struct {
	Tag     string
	Attrs   Attrs
	Content any
}

// GetChildren returns the child nodes, treating a single child as a list
// of one.
func (n Node) GetChildren() []Node {
	switch c := n.Content.(type) {
	case []Node:
		return c
	case Node:
		return []Node{c}
	default:
		return nil
	}
}

// GetChildrenByTag returns all direct children with the given tag.
func (n Node) GetChildrenByTag(tag string) []Node {
	var out []Node
	for _, child := range n.GetChildren() {
		if child.Tag == tag {
			out = append(out, child)
		}
	}
	return out
}

// GetChildByTag walks down the tree following tags and returns the first
// match at each level.
func (n Node) GetChildByTag(tags ...string) (Node, bool) {
	cur := n
	for _, tag := range tags {
		found := false
		for _, child := range cur.GetChildren() {
			if child.Tag == tag {
				cur = child
				found = true
				break
			}
		}
		if !found {
			return Node{}, false
		}
	}
	return cur, true
}

// ContentBytes returns byte content, or nil if the content is not bytes.
func (n Node) ContentBytes() []byte {
	b, _ := n.Content.([]byte)
	return b
}
